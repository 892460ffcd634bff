package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"

	apperrors "github.com/hrygo/askparrot/internal/errors"
)

// Profile is the configuration to start main server.
type Profile struct {
	// Mode can be "prod" or "dev" or "demo"
	Mode string
	// Addr is the binding address for the admin server
	Addr string
	// Port is the binding port for the admin server
	Port int
	// Data is the data directory
	Data string
	// DSN points to where askparrot stores user records
	DSN string
	// Driver is the database driver (sqlite or postgres)
	Driver string
	// Version is the current version of server
	Version string

	// Conversation cache
	CacheMaxEntries      int           // cache.max_entries (default: 1000)
	CacheTTL             time.Duration // cache.ttl (default: 30m)
	CacheHistorySize     int           // cache.history_size (default: 10)
	CacheEvictionPolicy  string        // cache.eviction_policy (default: size-based)
	CacheCleanupInterval time.Duration // cache.cleanup_interval (default: 1m)

	// Daily AI quota
	QuotaDailyLimit int    // quota.daily_limit (default: 5)
	QuotaTimezone   string // quota.timezone (default: Local)

	// Outbound delivery
	DeliveryPacingIncrement time.Duration // delivery.pacing_increment (default: 1500ms)
	DeliverySendTimeout     time.Duration // delivery.send_timeout (default: 15s)

	// AI provider
	AIBaseURL     string  // ai.base_url (default: https://openrouter.ai/api/v1)
	AIAPIKey      string  // ai.api_key
	AIModel       string  // ai.model (default: amazon/nova-2-lite-v1)
	AIMaxTokens   int     // ai.max_tokens (default: 2000)
	AITemperature float64 // ai.temperature (default: 0.7)
	AISiteURL     string  // ai.site_url
	AIAppName     string  // ai.app_name

	// Telegram transport; an empty token delivers to the log instead
	TelegramToken  string // telegram.token
	TelegramAPIURL string // telegram.api_url (default: https://api.telegram.org)

	// AdminSecret signs admin API tokens; empty disables the admin API routes
	AdminSecret string // admin.secret
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsTelegramEnabled returns true if a bot token is configured.
func (p *Profile) IsTelegramEnabled() bool {
	return p.TelegramToken != ""
}

// IsAdminEnabled returns true if admin tokens can be verified.
func (p *Profile) IsAdminEnabled() bool {
	return p.AdminSecret != ""
}

// Location returns the time zone whose midnight resets the daily quota.
func (p *Profile) Location() (*time.Location, error) {
	if p.QuotaTimezone == "" || strings.EqualFold(p.QuotaTimezone, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(p.QuotaTimezone)
	if err != nil {
		return nil, apperrors.Configuration("unknown quota timezone %q: %v", p.QuotaTimezone, err)
	}
	return loc, nil
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		absDir, err := filepath.Abs(dataDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "askparrot")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					slog.Error("failed to create data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
					return err
				}
			}
		} else {
			p.Data = "/var/opt/askparrot"
		}
	}
	if p.Data == "" {
		p.Data = "."
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check dsn", slog.String("data", p.Data), slog.String("error", err.Error()))
		return err
	}

	p.Data = dataDir
	if p.Driver == "" {
		p.Driver = "sqlite"
	}
	if p.Driver == "sqlite" && p.DSN == "" {
		dbFile := fmt.Sprintf("askparrot_%s.db", p.Mode)
		p.DSN = filepath.Join(dataDir, dbFile)
	}
	if p.Driver == "postgres" && p.DSN == "" {
		return apperrors.Configuration("dsn is required for the postgres driver")
	}

	if p.Port < 0 || p.Port > 65535 {
		return apperrors.Configuration("port must be between 0 and 65535, got %d", p.Port)
	}
	if p.QuotaDailyLimit <= 0 {
		return apperrors.Configuration("quota.daily_limit must be greater than 0, got %d", p.QuotaDailyLimit)
	}
	if _, err := p.Location(); err != nil {
		return err
	}
	if p.DeliveryPacingIncrement < 0 {
		return apperrors.Configuration("delivery.pacing_increment must not be negative, got %s", p.DeliveryPacingIncrement)
	}
	if p.AITemperature < 0 || p.AITemperature > 2 {
		return apperrors.Configuration("ai.temperature must be between 0 and 2, got %v", p.AITemperature)
	}
	if p.AIAPIKey == "" {
		slog.Warn("ai.api_key is not set; AI requests will be answered with an error message")
	}

	return nil
}
