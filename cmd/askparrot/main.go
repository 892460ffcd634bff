package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/hrygo/askparrot/internal/observability"
	"github.com/hrygo/askparrot/internal/profile"
	"github.com/hrygo/askparrot/plugin/ai/conversation"
	"github.com/hrygo/askparrot/plugin/ai/quota"
	"github.com/hrygo/askparrot/plugin/delivery"
	"github.com/hrygo/askparrot/server"
	"github.com/hrygo/askparrot/server/ai"
	"github.com/hrygo/askparrot/server/assistant"
	"github.com/hrygo/askparrot/server/middleware"
	"github.com/hrygo/askparrot/store"
	"github.com/hrygo/askparrot/store/db"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	rootCmd = &cobra.Command{
		Use:          "askparrot",
		Short:        `Session and delivery backend of the AskParrot chat assistant.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadConfigFile()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}

	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: `Print a bearer token for the admin API.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := viper.GetString("admin.secret")
			if secret == "" {
				return errors.New("admin.secret is not set")
			}
			token, err := middleware.GenerateAdminToken([]byte(secret),
				viper.GetString("subject"), viper.GetDuration("ttl"), time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
)

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "sqlite")
	viper.SetDefault("port", 8081)
	viper.SetDefault("data", ".")
	viper.SetDefault("cache.max_entries", 1000)
	viper.SetDefault("cache.ttl", 30*time.Minute)
	viper.SetDefault("cache.history_size", 10)
	viper.SetDefault("cache.eviction_policy", string(conversation.PolicySizeBased))
	viper.SetDefault("cache.cleanup_interval", time.Minute)
	viper.SetDefault("quota.daily_limit", quota.DefaultDailyLimit)
	viper.SetDefault("quota.timezone", "Local")
	viper.SetDefault("delivery.pacing_increment", delivery.DefaultPacingIncrement)
	viper.SetDefault("delivery.send_timeout", delivery.DefaultSendTimeout)
	aiDefaults := ai.DefaultConfig()
	viper.SetDefault("ai.base_url", aiDefaults.BaseURL)
	viper.SetDefault("ai.model", aiDefaults.ChatModel)
	viper.SetDefault("ai.max_tokens", aiDefaults.MaxTokens)
	viper.SetDefault("ai.temperature", aiDefaults.Temperature)
	viper.SetDefault("ai.app_name", "AskParrot")
	viper.SetDefault("telegram.api_url", delivery.DefaultTelegramAPIURL)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "path to a config file (yaml, toml or json)")
	flags.String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	flags.String("addr", "", "address of admin server")
	flags.Int("port", 8081, "port of admin server")
	flags.String("data", "", "data directory")
	flags.String("driver", "sqlite", "database driver")
	flags.String("dsn", "", "database source name")
	flags.Int("quota-daily-limit", quota.DefaultDailyLimit, "AI requests per user per day")
	flags.String("quota-timezone", "Local", "time zone whose midnight resets the quota")
	flags.String("telegram-token", "", "Telegram bot token; empty logs messages instead of sending them")
	flags.String("admin-secret", "", "secret that signs admin API tokens")

	for key, flag := range map[string]string{
		"config":            "config",
		"mode":              "mode",
		"addr":              "addr",
		"port":              "port",
		"data":              "data",
		"driver":            "driver",
		"dsn":               "dsn",
		"quota.daily_limit": "quota-daily-limit",
		"quota.timezone":    "quota-timezone",
		"telegram.token":    "telegram-token",
		"admin.secret":      "admin-secret",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	tokenCmd.Flags().String("subject", "admin", "subject of the token")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "validity of the token")
	for _, name := range []string{"subject", "ttl"} {
		if err := viper.BindPFlag(name, tokenCmd.Flags().Lookup(name)); err != nil {
			panic(err)
		}
	}
	rootCmd.AddCommand(tokenCmd)

	viper.SetEnvPrefix("askparrot")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func loadConfigFile() error {
	path := viper.GetString("config")
	if path == "" {
		return nil
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "failed to read config file %s", path)
	}
	return nil
}

func newProfile() *profile.Profile {
	return &profile.Profile{
		Mode:    viper.GetString("mode"),
		Addr:    viper.GetString("addr"),
		Port:    viper.GetInt("port"),
		Data:    viper.GetString("data"),
		Driver:  viper.GetString("driver"),
		DSN:     viper.GetString("dsn"),
		Version: version,

		CacheMaxEntries:      viper.GetInt("cache.max_entries"),
		CacheTTL:             viper.GetDuration("cache.ttl"),
		CacheHistorySize:     viper.GetInt("cache.history_size"),
		CacheEvictionPolicy:  viper.GetString("cache.eviction_policy"),
		CacheCleanupInterval: viper.GetDuration("cache.cleanup_interval"),

		QuotaDailyLimit: viper.GetInt("quota.daily_limit"),
		QuotaTimezone:   viper.GetString("quota.timezone"),

		DeliveryPacingIncrement: viper.GetDuration("delivery.pacing_increment"),
		DeliverySendTimeout:     viper.GetDuration("delivery.send_timeout"),

		AIBaseURL:     viper.GetString("ai.base_url"),
		AIAPIKey:      viper.GetString("ai.api_key"),
		AIModel:       viper.GetString("ai.model"),
		AIMaxTokens:   viper.GetInt("ai.max_tokens"),
		AITemperature: viper.GetFloat64("ai.temperature"),
		AISiteURL:     viper.GetString("ai.site_url"),
		AIAppName:     viper.GetString("ai.app_name"),

		TelegramToken:  viper.GetString("telegram.token"),
		TelegramAPIURL: viper.GetString("telegram.api_url"),

		AdminSecret: viper.GetString("admin.secret"),
	}
}

func run(ctx context.Context) error {
	instanceProfile := newProfile()

	logger := observability.NewLogger(os.Stderr, instanceProfile.Mode, logLevel(instanceProfile))
	slog.SetDefault(logger)

	if err := instanceProfile.Validate(); err != nil {
		return err
	}

	components, err := buildComponents(ctx, instanceProfile, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := server.NewServer(instanceProfile, *components)
	if err := s.Start(ctx); err != nil {
		s.Shutdown(context.Background())
		return err
	}
	printGreetings(instanceProfile)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(s.Serve)
	g.Go(func() error {
		<-gctx.Done()
		s.Shutdown(context.WithoutCancel(gctx))
		return nil
	})
	return g.Wait()
}

func buildComponents(ctx context.Context, p *profile.Profile, logger *slog.Logger) (*server.Components, error) {
	dbDriver, err := db.NewDBDriver(p)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create db driver")
	}
	storeInstance := store.New(dbDriver, p)
	if err := storeInstance.Migrate(ctx); err != nil {
		_ = storeInstance.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}

	cache, err := conversation.NewCache(conversation.Config{
		MaxEntries:      p.CacheMaxEntries,
		TTL:             p.CacheTTL,
		HistorySize:     p.CacheHistorySize,
		EvictionPolicy:  conversation.EvictionPolicy(p.CacheEvictionPolicy),
		CleanupInterval: p.CacheCleanupInterval,
	}, conversation.WithLogger(logger), conversation.WithRemovalListener(func(userID int64, turns []conversation.Turn, cause conversation.RemovalCause) {
		if cause.WasEvicted() {
			logger.Debug("conversation context removed",
				observability.LogFieldUserID, userID, "turns", len(turns), "cause", cause.String())
		}
	}))
	if err != nil {
		_ = storeInstance.Close()
		return nil, err
	}

	limiter, err := quota.NewLimiter(p.QuotaDailyLimit)
	if err != nil {
		_ = storeInstance.Close()
		return nil, err
	}
	limiter.SetLogger(logger)
	loc, err := p.Location()
	if err != nil {
		_ = storeInstance.Close()
		return nil, err
	}
	scheduler := quota.NewResetScheduler(limiter, nil, loc)
	scheduler.SetLogger(logger)

	var sender delivery.Sender
	if p.IsTelegramEnabled() {
		telegramSender := delivery.NewTelegramSender(delivery.TelegramConfig{
			Token:   p.TelegramToken,
			APIURL:  p.TelegramAPIURL,
			Timeout: p.DeliverySendTimeout,
		})
		telegramSender.SetLogger(logger)
		sender = telegramSender
	} else {
		logSender := delivery.NewLogSender()
		logSender.SetLogger(logger)
		sender = logSender
		logger.Warn("telegram token not set, outbound messages are only logged")
	}
	queue, err := delivery.NewQueue(sender, delivery.Config{
		PacingIncrement: p.DeliveryPacingIncrement,
		SendTimeout:     p.DeliverySendTimeout,
	}, delivery.WithLogger(logger))
	if err != nil {
		_ = storeInstance.Close()
		return nil, err
	}

	provider, err := ai.NewProvider(&ai.Config{
		BaseURL:     p.AIBaseURL,
		APIKey:      p.AIAPIKey,
		ChatModel:   p.AIModel,
		MaxTokens:   p.AIMaxTokens,
		Temperature: float32(p.AITemperature),
		SiteURL:     p.AISiteURL,
		AppName:     p.AIAppName,
	})
	if err != nil {
		_ = storeInstance.Close()
		return nil, err
	}
	provider.SetLogger(logger)

	assistantService := assistant.NewService(provider, cache, limiter, queue,
		assistant.WithUserRegistry(storeInstance),
		assistant.WithLogger(logger),
	)

	return &server.Components{
		Store:     storeInstance,
		Cache:     cache,
		Limiter:   limiter,
		Scheduler: scheduler,
		Queue:     queue,
		Assistant: assistantService,
		AIUsage:   provider,
	}, nil
}

func logLevel(p *profile.Profile) slog.Level {
	if p.IsDev() {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("AskParrot %s started successfully!\n", p.Version)
	fmt.Printf("Data directory: %s\n", p.Data)
	fmt.Printf("Database driver: %s\n", p.Driver)
	fmt.Printf("Mode: %s\n", p.Mode)
	if p.IsAdminEnabled() {
		fmt.Printf("Admin API: http://%s:%d/api/v1\n", hostOrLocalhost(p.Addr), p.Port)
	}
}

func hostOrLocalhost(addr string) string {
	if addr == "" {
		return "localhost"
	}
	return addr
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
