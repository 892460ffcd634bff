package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	apperrors "github.com/hrygo/askparrot/internal/errors"
)

// Config holds the AI provider configuration.
type Config struct {
	BaseURL     string
	APIKey      string
	ChatModel   string
	MaxTokens   int
	Temperature float32
	// SiteURL and AppName are sent as OpenRouter attribution headers.
	SiteURL      string
	AppName      string
	MaxRetries   int
	RetryBackoff time.Duration
	Timeout      time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:      "https://openrouter.ai/api/v1",
		ChatModel:    "amazon/nova-2-lite-v1",
		MaxTokens:    2000,
		Temperature:  0.7,
		MaxRetries:   3,
		RetryBackoff: time.Second,
		Timeout:      60 * time.Second,
	}
}

// Message represents a chat message.
type Message struct {
	Role    string
	Content string
}

// Provider talks to an OpenAI-compatible chat completion endpoint.
type Provider struct {
	client     *openai.Client
	httpClient *http.Client
	baseURL    string
	config     *Config
	logger     *slog.Logger
}

// NewProvider creates a new AI provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	// Apply defaults for unset values
	defaults := DefaultConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = defaults.RetryBackoff
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = defaults.ChatModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.MaxTokens < 0 {
		return nil, apperrors.Configuration("ai max tokens must be positive, got %d", cfg.MaxTokens)
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: &attributionTransport{base: http.DefaultTransport, siteURL: cfg.SiteURL, appName: cfg.AppName},
	}
	clientConfig.HTTPClient = httpClient

	return &Provider{
		client:     openai.NewClientWithConfig(clientConfig),
		httpClient: httpClient,
		baseURL:    strings.TrimRight(clientConfig.BaseURL, "/"),
		config:     cfg,
		logger:     slog.Default(),
	}, nil
}

// SetLogger sets a custom logger.
func (p *Provider) SetLogger(logger *slog.Logger) {
	p.logger = logger
}

// Model returns the configured chat model.
func (p *Provider) Model() string {
	return p.config.ChatModel
}

// Chat performs a chat completion.
func (p *Provider) Chat(ctx context.Context, messages []Message) (string, error) {
	if p.config.APIKey == "" {
		return "", apperrors.LLMUnavailable("AI API key is not configured", nil)
	}

	llmMessages := make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		llmMessages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}
	req := openai.ChatCompletionRequest{
		Model:       p.config.ChatModel,
		Messages:    llmMessages,
		MaxTokens:   p.config.MaxTokens,
		Temperature: p.config.Temperature,
	}

	var result string
	err := p.doWithRetry(ctx, func() error {
		resp, err := p.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("empty chat response")
		}
		result = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", apperrors.LLMUnavailable("failed to complete chat", err).
			WithContext("model", p.config.ChatModel).
			WithContext("status", StatusCode(err))
	}

	p.logger.Debug("chat completion received",
		"model", p.config.ChatModel,
		"messages", len(messages),
		"response_length", len(result),
	)
	return result, nil
}

// Validate checks that the provider can be used.
func (p *Provider) Validate() error {
	if p.config.APIKey == "" {
		return apperrors.Configuration("API key is required, set ASKPARROT_AI_API_KEY environment variable")
	}
	return nil
}

// StatusCode extracts the HTTP status from a provider error, or 0.
func StatusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// retryable reports whether a failed call may succeed when repeated.
// Client errors other than 408 and 429 will not.
func retryable(err error) bool {
	status := StatusCode(err)
	if status == 0 || status >= 500 {
		return true
	}
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

// doWithRetry executes a function with exponential backoff retry.
func (p *Provider) doWithRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < p.config.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) || attempt == p.config.MaxRetries-1 {
			break
		}

		waitTime := time.Duration(math.Pow(2, float64(attempt))) * p.config.RetryBackoff
		p.logger.Debug("AI request failed, retrying",
			"attempt", attempt+1,
			"wait_time", waitTime,
			"error", err)
		select {
		case <-time.After(waitTime):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// attributionTransport adds the optional OpenRouter ranking headers.
type attributionTransport struct {
	base    http.RoundTripper
	siteURL string
	appName string
}

func (t *attributionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.siteURL == "" && t.appName == "" {
		return t.base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	if t.siteURL != "" {
		req.Header.Set("HTTP-Referer", t.siteURL)
	}
	if t.appName != "" {
		req.Header.Set("X-Title", t.appName)
	}
	return t.base.RoundTrip(req)
}
