package assistant

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/hrygo/askparrot/internal/errors"
	"github.com/hrygo/askparrot/plugin/ai/conversation"
	"github.com/hrygo/askparrot/plugin/ai/quota"
	"github.com/hrygo/askparrot/plugin/delivery"
	"github.com/hrygo/askparrot/server/ai"
	"github.com/hrygo/askparrot/store"
)

type fakeProvider struct {
	mu       sync.Mutex
	reply    string
	err      error
	received [][]ai.Message
	// gate, when set, holds every call until it is closed.
	gate chan struct{}
}

func (p *fakeProvider) Chat(_ context.Context, messages []ai.Message) (string, error) {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received = append(p.received, append([]ai.Message{}, messages...))
	return p.reply, p.err
}

type queuedMessage struct {
	destination int64
	text        string
	kind        delivery.Kind
}

type fakeOutbox struct {
	mu       sync.Mutex
	messages []queuedMessage
}

func (o *fakeOutbox) Enqueue(destination int64, text string, _ time.Duration, kind delivery.Kind) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, queuedMessage{destination, text, kind})
	return "task", nil
}

func (o *fakeOutbox) EnqueueAIResponse(destination int64, parts []string) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, len(parts))
	for i, part := range parts {
		o.messages = append(o.messages, queuedMessage{destination, part, delivery.KindAIResponse})
		ids[i] = "task"
	}
	return ids, nil
}

func (o *fakeOutbox) all() []queuedMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]queuedMessage{}, o.messages...)
}

type fakeUsers struct {
	mu      sync.Mutex
	upserts []*store.UpsertUser
	err     error
}

func (u *fakeUsers) UpsertUser(_ context.Context, upsert *store.UpsertUser) (*store.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.upserts = append(u.upserts, upsert)
	if u.err != nil {
		return nil, u.err
	}
	return &store.User{ID: upsert.ID, Username: upsert.Username}, nil
}

type fixture struct {
	service  *Service
	provider *fakeProvider
	cache    *conversation.Cache
	limiter  *quota.Limiter
	outbox   *fakeOutbox
	users    *fakeUsers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cache, err := conversation.NewCache(conversation.DefaultConfig())
	require.NoError(t, err)
	limiter, err := quota.NewLimiter(quota.DefaultDailyLimit)
	require.NoError(t, err)

	f := &fixture{
		provider: &fakeProvider{reply: "Parrots can **talk**."},
		cache:    cache,
		limiter:  limiter,
		outbox:   &fakeOutbox{},
		users:    &fakeUsers{},
	}
	f.service = NewService(f.provider, cache, limiter, f.outbox,
		WithUserRegistry(f.users),
		WithSystemPrompt("be brief"),
	)
	return f
}

func TestService_Ask(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.Ask(context.Background(), Request{
		UserID:   1,
		ChatID:   10,
		Username: "polly",
		Text:     "Can parrots talk?",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.RequestID)
	assert.Len(t, result.TaskIDs, 1)
	assert.Equal(t, quota.DefaultDailyLimit-1, result.Remaining)

	// Provider saw the system prompt followed by the question.
	require.Len(t, f.provider.received, 1)
	sent := f.provider.received[0]
	require.Len(t, sent, 2)
	assert.Equal(t, ai.Message{Role: "system", Content: "be brief"}, sent[0])
	assert.Equal(t, ai.Message{Role: "user", Content: "Can parrots talk?"}, sent[1])

	// Both turns are remembered.
	history := f.cache.History(1)
	require.Len(t, history, 2)
	assert.Equal(t, conversation.RoleUser, history[0].Role)
	assert.Equal(t, conversation.RoleAssistant, history[1].Role)
	assert.Equal(t, "Parrots can **talk**.", history[1].Content)

	msgs := f.outbox.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, queuedMessage{10, "Parrots can **talk**.", delivery.KindAIResponse}, msgs[0])

	require.Len(t, f.users.upserts, 1)
	assert.Equal(t, "polly", f.users.upserts[0].Username)
}

func TestService_AskCarriesContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Ask(ctx, Request{UserID: 1, ChatID: 10, Text: "first"})
	require.NoError(t, err)
	_, err = f.service.Ask(ctx, Request{UserID: 1, ChatID: 10, Text: "second"})
	require.NoError(t, err)

	require.Len(t, f.provider.received, 2)
	roles := []string{}
	for _, m := range f.provider.received[1] {
		roles = append(roles, m.Role)
	}
	assert.Equal(t, []string{"system", "user", "assistant", "user"}, roles)
	assert.Equal(t, "second", f.provider.received[1][3].Content)
}

func TestService_AskDeniedAfterDailyLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < quota.DefaultDailyLimit; i++ {
		_, err := f.service.Ask(ctx, Request{UserID: 1, ChatID: 10, Text: "q"})
		require.NoError(t, err)
	}

	_, err := f.service.Ask(ctx, Request{UserID: 1, ChatID: 10, Text: "one more"})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeRateLimitExceeded))
	assert.Len(t, f.provider.received, quota.DefaultDailyLimit, "provider must not be called when denied")

	msgs := f.outbox.all()
	last := msgs[len(msgs)-1]
	assert.Equal(t, delivery.KindPlain, last.kind)
	assert.Equal(t, LimitReachedMessage(quota.DefaultDailyLimit), last.text)
	assert.Equal(t, 0, f.service.Remaining(1))
	assert.Len(t, f.cache.History(1), 2*quota.DefaultDailyLimit)
}

func TestService_AskInvalidRequest(t *testing.T) {
	f := newFixture(t)

	for _, req := range []Request{
		{ChatID: 10, Text: "q"},
		{UserID: 1, Text: "q"},
		{UserID: 1, ChatID: 10, Text: "   "},
	} {
		_, err := f.service.Ask(context.Background(), req)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidArgument))
	}
	assert.Equal(t, quota.DefaultDailyLimit, f.limiter.Remaining(1))
	assert.Empty(t, f.outbox.all())
}

func TestService_AskProviderFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "unauthorized",
			err:  apperrors.LLMUnavailable("failed", &openai.APIError{HTTPStatusCode: 401, Message: "bad key"}),
			want: ProviderErrorMessage(&openai.APIError{HTTPStatusCode: 401}),
		},
		{
			name: "rate limited upstream",
			err:  &openai.APIError{HTTPStatusCode: 429},
			want: "⏳ The AI service is receiving too many requests. Please try again later.",
		},
		{
			name: "network",
			err:  errors.New("connection reset"),
			want: "⚠️ The AI service is temporarily unavailable. Please try again later.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.provider.err = tt.err

			_, err := f.service.Ask(context.Background(), Request{UserID: 1, ChatID: 10, Text: "q"})
			require.Error(t, err)

			msgs := f.outbox.all()
			require.Len(t, msgs, 1)
			assert.Equal(t, delivery.KindPlain, msgs[0].kind)
			assert.Equal(t, tt.want, msgs[0].text)

			// The question stays in context; no assistant turn was added.
			history := f.cache.History(1)
			require.Len(t, history, 1)
			assert.Equal(t, conversation.RoleUser, history[0].Role)
		})
	}
}

func TestService_AskEmptyReply(t *testing.T) {
	f := newFixture(t)
	f.provider.reply = "  "

	_, err := f.service.Ask(context.Background(), Request{UserID: 1, ChatID: 10, Text: "q"})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeLLMUnavailable))
}

func TestService_AskSplitsLongReplies(t *testing.T) {
	f := newFixture(t)
	f.provider.reply = strings.Repeat("a", 3000) + "\n\n" + strings.Repeat("b", 3000)

	result, err := f.service.Ask(context.Background(), Request{UserID: 1, ChatID: 10, Text: "q"})
	require.NoError(t, err)
	assert.Len(t, result.TaskIDs, 2)

	msgs := f.outbox.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, strings.Repeat("a", 3000), msgs[0].text)
	assert.Equal(t, strings.Repeat("b", 3000), msgs[1].text)
}

func TestService_RegistryFailureDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	f.users.err = errors.New("database is locked")

	_, err := f.service.Ask(context.Background(), Request{UserID: 1, ChatID: 10, Text: "q"})
	assert.NoError(t, err)
}

func TestService_SubmitAnswersInBackground(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	requestID, err := f.service.Submit(ctx, Request{UserID: 1, ChatID: 10, Text: "q"})
	cancel()
	require.NoError(t, err)
	assert.NotEmpty(t, requestID)

	f.service.Wait()
	msgs := f.outbox.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, delivery.KindAIResponse, msgs[0].kind)
	assert.Equal(t, quota.DefaultDailyLimit-1, f.service.Remaining(1))
}

func TestService_ClearHistory(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Ask(context.Background(), Request{UserID: 1, ChatID: 10, Text: "q"})
	require.NoError(t, err)
	assert.Contains(t, f.service.HistoryText(1), "q")

	f.service.ClearHistory(1)
	assert.Empty(t, f.cache.History(1))
}

func TestService_WaitContext(t *testing.T) {
	f := newFixture(t)
	f.provider.gate = make(chan struct{})

	_, err := f.service.Submit(context.Background(), Request{UserID: 1, ChatID: 10, Text: "q"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.service.WaitContext(ctx), context.DeadlineExceeded)
	assert.Empty(t, f.outbox.all())

	close(f.provider.gate)
	require.NoError(t, f.service.WaitContext(context.Background()))
	assert.Len(t, f.outbox.all(), 1)
}
