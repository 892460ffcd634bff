package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hrygo/askparrot/internal/observability"
)

// DefaultTelegramAPIURL is the public Bot API endpoint.
const DefaultTelegramAPIURL = "https://api.telegram.org"

// TelegramConfig holds Bot API settings.
type TelegramConfig struct {
	Token   string
	APIURL  string
	Timeout time.Duration
}

// TelegramSender delivers messages through the Bot API sendMessage method.
type TelegramSender struct {
	config     TelegramConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// APIError is a non-OK answer from the Bot API.
type APIError struct {
	StatusCode  int
	Description string
	RetryAfter  int
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("telegram api error %d: %s (retry after %ds)", e.StatusCode, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("telegram api error %d: %s", e.StatusCode, e.Description)
}

type sendMessageRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

// NewTelegramSender creates a new Telegram sender.
func NewTelegramSender(config TelegramConfig) *TelegramSender {
	if config.APIURL == "" {
		config.APIURL = DefaultTelegramAPIURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	return &TelegramSender{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: slog.Default(),
	}
}

// SetLogger sets a custom logger.
func (s *TelegramSender) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// Send sends text without any parse mode.
func (s *TelegramSender) Send(ctx context.Context, destination int64, text string) error {
	return s.sendMessage(ctx, sendMessageRequest{ChatID: destination, Text: text})
}

// SendAIResponse renders Markdown to Telegram HTML and sends it. When the
// API rejects the markup the raw text is sent once more without formatting.
func (s *TelegramSender) SendAIResponse(ctx context.Context, destination int64, text string) error {
	formatted, err := FormatTelegramHTML(text)
	if err == nil && formatted != "" {
		err = s.sendMessage(ctx, sendMessageRequest{
			ChatID:                destination,
			Text:                  formatted,
			ParseMode:             "HTML",
			DisableWebPagePreview: true,
		})
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
			return err
		}
	}

	if err != nil {
		s.logger.Warn("formatted message rejected, sending as plain text",
			slog.Int64(observability.LogFieldChatID, destination),
			slog.Any("error", err),
		)
	}
	return s.Send(ctx, destination, text)
}

func (s *TelegramSender) sendMessage(ctx context.Context, msg sendMessageRequest) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal sendMessage payload: %w", err)
	}

	endpoint := strings.TrimRight(s.config.APIURL, "/") + "/bot" + s.config.Token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create sendMessage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		// The URL carries the bot token; keep it out of the error.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read telegram response: %w", err)
	}

	var result apiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		if resp.StatusCode >= 400 {
			return &APIError{StatusCode: resp.StatusCode, Description: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("failed to decode telegram response: %w", err)
	}
	if !result.OK || resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Description: result.Description}
		if result.ErrorCode != 0 {
			apiErr.StatusCode = result.ErrorCode
		}
		if result.Parameters != nil {
			apiErr.RetryAfter = result.Parameters.RetryAfter
		}
		return apiErr
	}

	s.logger.Debug("telegram message sent",
		slog.Int64(observability.LogFieldChatID, msg.ChatID),
		slog.Int(observability.LogFieldMessageLen, len(msg.Text)),
		slog.String("parse_mode", msg.ParseMode),
	)
	return nil
}
