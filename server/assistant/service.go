// Package assistant answers user questions with the AI provider, keeping
// per-user conversation context and the daily request quota.
package assistant

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	apperrors "github.com/hrygo/askparrot/internal/errors"
	"github.com/hrygo/askparrot/internal/observability"
	"github.com/hrygo/askparrot/plugin/ai/conversation"
	"github.com/hrygo/askparrot/plugin/delivery"
	"github.com/hrygo/askparrot/server/ai"
	"github.com/hrygo/askparrot/store"
)

// ChatProvider completes a conversation.
type ChatProvider interface {
	Chat(ctx context.Context, messages []ai.Message) (string, error)
}

// History keeps the recent turns of every user.
type History interface {
	AppendUser(userID int64, content string) error
	AppendAssistant(userID int64, content string) error
	FullConversation(userID int64, systemPrompt string) []conversation.Turn
	Clear(userID int64)
	FormatHistory(userID int64) string
}

// Quota gates AI requests per user and day.
type Quota interface {
	TryConsume(userID int64) bool
	Remaining(userID int64) int
	DailyLimit() int
}

// Outbox queues replies for delivery.
type Outbox interface {
	Enqueue(destination int64, text string, delay time.Duration, kind delivery.Kind) (string, error)
	EnqueueAIResponse(destination int64, parts []string) ([]string, error)
}

// UserRegistry records who talked to the bot.
type UserRegistry interface {
	UpsertUser(ctx context.Context, upsert *store.UpsertUser) (*store.User, error)
}

// Request is one question from a chat user.
type Request struct {
	UserID    int64  `json:"user_id"`
	ChatID    int64  `json:"chat_id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Text      string `json:"text"`
}

// Result describes what was queued for the user.
type Result struct {
	RequestID string   `json:"request_id"`
	TaskIDs   []string `json:"task_ids"`
	Remaining int      `json:"remaining"`
}

// Service wires the quota, the conversation cache, the provider and the
// delivery queue together.
type Service struct {
	provider     ChatProvider
	history      History
	quota        Quota
	outbox       Outbox
	users        UserRegistry
	systemPrompt string
	logger       *slog.Logger

	wg sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithUserRegistry registers users in the store on every question.
func WithUserRegistry(users UserRegistry) Option {
	return func(s *Service) {
		s.users = users
	}
}

// WithSystemPrompt replaces the default system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(s *Service) {
		s.systemPrompt = prompt
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a new assistant service.
func NewService(provider ChatProvider, history History, quota Quota, outbox Outbox, opts ...Option) *Service {
	s := &Service{
		provider:     provider,
		history:      history,
		quota:        quota,
		outbox:       outbox,
		systemPrompt: DefaultSystemPrompt,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ask answers one question synchronously: it charges the quota, calls the
// provider with the user's recent context and queues the answer.
func (s *Service) Ask(ctx context.Context, req Request) (*Result, error) {
	reqCtx, err := s.admit(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.answer(observability.WithRequestContext(ctx, reqCtx), reqCtx, req)
}

// Submit charges the quota and answers in the background. It returns the
// request id once the question has been accepted.
func (s *Service) Submit(ctx context.Context, req Request) (string, error) {
	reqCtx, err := s.admit(ctx, req)
	if err != nil {
		return "", err
	}

	bg := observability.WithRequestContext(context.WithoutCancel(ctx), reqCtx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, _ = s.answer(bg, reqCtx, req)
	}()
	return reqCtx.RequestID, nil
}

// Wait blocks until every submitted question has been answered.
func (s *Service) Wait() {
	s.wg.Wait()
}

// WaitContext is Wait bounded by ctx. It returns ctx.Err() if answers are
// still being computed when ctx ends.
func (s *Service) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClearHistory forgets the user's conversation context.
func (s *Service) ClearHistory(userID int64) {
	s.history.Clear(userID)
	s.logger.Info("conversation history cleared", slog.Int64(observability.LogFieldUserID, userID))
}

// HistoryText returns a readable dump of the user's context.
func (s *Service) HistoryText(userID int64) string {
	return s.history.FormatHistory(userID)
}

// Remaining returns how many questions the user may still ask today.
func (s *Service) Remaining(userID int64) int {
	return s.quota.Remaining(userID)
}

func (s *Service) admit(ctx context.Context, req Request) (*observability.RequestContext, error) {
	if req.UserID == 0 || req.ChatID == 0 {
		return nil, apperrors.InvalidArgument("user_id and chat_id are required")
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, apperrors.InvalidArgument("text is required")
	}

	reqCtx := observability.NewRequestContext(s.logger, req.UserID, req.ChatID)
	s.register(ctx, reqCtx, req)

	if !s.quota.TryConsume(req.UserID) {
		limit := s.quota.DailyLimit()
		s.notify(reqCtx, req.ChatID, LimitReachedMessage(limit))
		reqCtx.Info("daily AI limit reached",
			slog.String(observability.LogFieldErrorCode, string(apperrors.ErrCodeRateLimitExceeded)))
		return nil, apperrors.RateLimitExceeded("daily AI request limit reached").
			WithContext("limit", limit)
	}
	return reqCtx, nil
}

func (s *Service) answer(ctx context.Context, reqCtx *observability.RequestContext, req Request) (*Result, error) {
	if err := s.history.AppendUser(req.UserID, req.Text); err != nil {
		reqCtx.Error("failed to store user turn", err)
		s.notify(reqCtx, req.ChatID, TemporaryErrorMessage)
		return nil, err
	}

	turns := s.history.FullConversation(req.UserID, s.systemPrompt)
	messages := make([]ai.Message, len(turns))
	for i, turn := range turns {
		messages[i] = ai.Message{Role: string(turn.Role), Content: turn.Content}
	}
	reqCtx.Debug("sending conversation to provider", slog.Int("messages", len(messages)))

	reply, err := s.provider.Chat(ctx, messages)
	if err == nil && strings.TrimSpace(reply) == "" {
		err = apperrors.LLMUnavailable("empty response from AI provider", nil)
	}
	if err != nil {
		reqCtx.Error("AI request failed", err,
			slog.String(observability.LogFieldErrorCode, string(apperrors.GetCodeFromError(err, apperrors.ErrCodeLLMUnavailable))))
		s.notify(reqCtx, req.ChatID, ProviderErrorMessage(err))
		return nil, err
	}

	if err := s.history.AppendAssistant(req.UserID, reply); err != nil {
		// The answer is still worth delivering.
		reqCtx.Warn("failed to store assistant turn", slog.String("error", err.Error()))
	}

	parts := delivery.SplitMessage(reply)
	taskIDs, err := s.outbox.EnqueueAIResponse(req.ChatID, parts)
	if err != nil {
		reqCtx.Error("failed to queue AI response", err)
		return nil, err
	}

	result := &Result{
		RequestID: reqCtx.RequestID,
		TaskIDs:   taskIDs,
		Remaining: s.quota.Remaining(req.UserID),
	}
	reqCtx.Info("AI response queued",
		slog.Int("parts", len(parts)),
		slog.Int(observability.LogFieldMessageLen, len(reply)),
		slog.Int("remaining", result.Remaining),
		slog.Int64(observability.LogFieldDuration, reqCtx.DurationMs()),
	)
	return result, nil
}

// register stores the user; failures never block the answer.
func (s *Service) register(ctx context.Context, reqCtx *observability.RequestContext, req Request) {
	if s.users == nil {
		return
	}
	if _, err := s.users.UpsertUser(ctx, &store.UpsertUser{
		ID:        req.UserID,
		Username:  req.Username,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	}); err != nil {
		reqCtx.Warn("failed to register user", slog.String("error", err.Error()))
	}
}

func (s *Service) notify(reqCtx *observability.RequestContext, chatID int64, text string) {
	if _, err := s.outbox.Enqueue(chatID, text, 0, delivery.KindPlain); err != nil {
		reqCtx.Error("failed to queue notice", err)
	}
}
