package delivery

import (
	"context"
	"log/slog"
	"unicode/utf8"

	"github.com/hrygo/askparrot/internal/observability"
)

// Sender performs the actual network send of one message.
type Sender interface {
	// Send delivers plain text.
	Send(ctx context.Context, destination int64, text string) error
	// SendAIResponse delivers a model answer, applying formatting where the
	// transport supports it.
	SendAIResponse(ctx context.Context, destination int64, text string) error
}

// LogSender writes messages to the log instead of sending them. It is used
// when no transport is configured.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a new log sender.
func NewLogSender() *LogSender {
	return &LogSender{logger: slog.Default()}
}

// SetLogger sets a custom logger.
func (s *LogSender) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// Send logs a plain message.
func (s *LogSender) Send(ctx context.Context, destination int64, text string) error {
	s.log(ctx, destination, text, KindPlain)
	return nil
}

// SendAIResponse logs an AI answer.
func (s *LogSender) SendAIResponse(ctx context.Context, destination int64, text string) error {
	s.log(ctx, destination, text, KindAIResponse)
	return nil
}

func (s *LogSender) log(ctx context.Context, destination int64, text string, kind Kind) {
	s.logger.InfoContext(ctx, "message delivered to log",
		slog.Int64(observability.LogFieldChatID, destination),
		slog.String("kind", string(kind)),
		slog.Int(observability.LogFieldMessageLen, utf8.RuneCountInString(text)),
		slog.String("text", text),
	)
}
