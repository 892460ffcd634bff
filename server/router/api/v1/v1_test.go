package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/hrygo/askparrot/internal/errors"
	"github.com/hrygo/askparrot/internal/profile"
	"github.com/hrygo/askparrot/plugin/ai/conversation"
	"github.com/hrygo/askparrot/plugin/ai/quota"
	"github.com/hrygo/askparrot/plugin/delivery"
	"github.com/hrygo/askparrot/server/ai"
	"github.com/hrygo/askparrot/server/assistant"
	"github.com/hrygo/askparrot/server/middleware"
	"github.com/hrygo/askparrot/store"
	teststore "github.com/hrygo/askparrot/store/test"
)

const testSecret = "admin-secret"

type stubProvider struct {
	mu    sync.Mutex
	reply string
}

func (p *stubProvider) Chat(_ context.Context, _ []ai.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reply, nil
}

type apiFixture struct {
	echo    *echo.Echo
	service *APIV1Service
	token   string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()

	st := teststore.NewTestingStore(ctx, t)
	cache, err := conversation.NewCache(conversation.DefaultConfig())
	require.NoError(t, err)
	limiter, err := quota.NewLimiter(quota.DefaultDailyLimit)
	require.NoError(t, err)
	// The worker is never started so queued tasks stay observable.
	queue, err := delivery.NewQueue(delivery.NewLogSender(), delivery.DefaultConfig())
	require.NoError(t, err)

	svc := assistant.NewService(&stubProvider{reply: "Hello there"}, cache, limiter, queue,
		assistant.WithUserRegistry(st))
	t.Cleanup(svc.Wait)

	p := &profile.Profile{Mode: "dev", Version: "test", AdminSecret: testSecret}
	api := NewAPIV1Service(p, st, cache, limiter, queue, svc)

	e := echo.New()
	api.RegisterRoutes(e)

	token, err := middleware.GenerateAdminToken([]byte(testSecret), "tester", time.Hour, time.Now())
	require.NoError(t, err)

	return &apiFixture{echo: e, service: api, token: token}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+f.token)
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthz_NoAuth(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.False(t, resp.DeliveryWorker)
}

func TestAPI_RequiresToken(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/context/stats", nil)
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_DisabledWithoutSecret(t *testing.T) {
	f := newAPIFixture(t)
	f.service.Profile = &profile.Profile{Mode: "dev"}
	e := echo.New()
	f.service.RegisterRoutes(e)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/context/stats", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_Context(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.service.Cache.AppendUser(42, "hi"))
	require.NoError(t, f.service.Cache.AppendAssistant(42, "hello"))

	rec := f.do(t, http.MethodGet, "/api/v1/context/42", "")
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[UserContextResponse](t, rec)
	assert.True(t, info.HasContext)
	assert.Equal(t, 2, info.MessageCount)
	require.Len(t, info.History, 2)
	assert.Equal(t, "hi", info.History[0].Content)

	rec = f.do(t, http.MethodGet, "/api/v1/context/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[ContextStatsResponse](t, rec)
	assert.Equal(t, 1, stats.ActiveUsers)
	assert.Contains(t, stats.Config, "history_size=10")

	rec = f.do(t, http.MethodDelete, "/api/v1/context/42", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, f.service.Cache.HasContext(42))

	rec = f.do(t, http.MethodGet, "/api/v1/context/42", "")
	info = decode[UserContextResponse](t, rec)
	assert.False(t, info.HasContext)
	assert.Empty(t, info.History)
}

func TestAPI_ClearAllContexts(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.service.Cache.AppendUser(1, "a"))
	require.NoError(t, f.service.Cache.AppendUser(2, "b"))

	rec := f.do(t, http.MethodDelete, "/api/v1/context", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, f.service.Cache.Stats().ActiveUsers)
}

func TestAPI_InvalidUserID(t *testing.T) {
	f := newAPIFixture(t)

	for _, path := range []string{"/api/v1/context/abc", "/api/v1/quota/-3", "/api/v1/quota/0"} {
		t.Run(path, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, path, "")
			require.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decode[middleware.ErrorResponse](t, rec)
			assert.Equal(t, "INVALID_ARGUMENT", resp.Code)
		})
	}
}

func TestAPI_Quota(t *testing.T) {
	f := newAPIFixture(t)
	require.True(t, f.service.Limiter.TryConsume(9))
	require.True(t, f.service.Limiter.TryConsume(9))

	rec := f.do(t, http.MethodGet, "/api/v1/quota/9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	q := decode[QuotaResponse](t, rec)
	assert.Equal(t, QuotaResponse{UserID: 9, Used: 2, Remaining: 3, Limit: 5}, q)

	rec = f.do(t, http.MethodPost, "/api/v1/quota/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[ResetQuotaResponse](t, rec).ResetUsers)
	assert.Equal(t, 5, f.service.Limiter.Remaining(9))
}

func TestAPI_Chat(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/chat", `{"user_id": 77, "username": "ann", "text": "What is Go?"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[ChatResponse](t, rec)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, 4, resp.Remaining)

	f.service.Assistant.Wait()
	assert.Equal(t, 1, f.service.Queue.Pending())
	assert.True(t, f.service.Cache.HasContext(77))

	rec = f.do(t, http.MethodGet, "/api/v1/users", "")
	require.Equal(t, http.StatusOK, rec.Code)
	users := decode[ListUsersResponse](t, rec).Users
	require.Len(t, users, 1)
	assert.Equal(t, int64(77), users[0].ID)
	assert.Equal(t, "ann", users[0].Username)

	rec = f.do(t, http.MethodGet, "/api/v1/delivery/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[delivery.Stats](t, rec)
	assert.Equal(t, int64(1), stats.Enqueued)
	assert.Equal(t, 1, stats.Pending)
}

func TestAPI_ChatErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"malformed", `{"user_id": `, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"missing text", `{"user_id": 5, "text": "  "}`, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"missing user", `{"text": "hi"}`, http.StatusBadRequest, "INVALID_ARGUMENT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)
			rec := f.do(t, http.MethodPost, "/api/v1/chat", tt.body)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantErr, decode[middleware.ErrorResponse](t, rec).Code)
		})
	}
}

func TestAPI_ChatQuotaExhausted(t *testing.T) {
	f := newAPIFixture(t)
	for i := 0; i < quota.DefaultDailyLimit; i++ {
		require.True(t, f.service.Limiter.TryConsume(3))
	}

	rec := f.do(t, http.MethodPost, "/api/v1/chat", `{"user_id": 3, "text": "one more"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", decode[middleware.ErrorResponse](t, rec).Code)
	// The user is told about the limit through the queue.
	assert.Equal(t, 1, f.service.Queue.Pending())
}

func TestAPI_ListUsersLimit(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	for id := int64(1); id <= 3; id++ {
		_, err := f.service.Store.UpsertUser(ctx, &store.UpsertUser{ID: id})
		require.NoError(t, err)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/users?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[ListUsersResponse](t, rec).Users, 2)

	rec = f.do(t, http.MethodGet, "/api/v1/users?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_ContextReadDoesNotRefresh(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.service.Cache.AppendUser(42, "hi"))
	before := f.service.Cache.Stats()

	rec := f.do(t, http.MethodGet, "/api/v1/context/42", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/v1/context/42?format=text", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user: hi\n", rec.Body.String())

	after := f.service.Cache.Stats()
	assert.Equal(t, before.Hits, after.Hits)
	assert.Equal(t, before.Misses, after.Misses)
}

func TestAPI_GetUser(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.service.Store.UpsertUser(context.Background(), &store.UpsertUser{ID: 12, Username: "bob"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/users/12", "")
	require.Equal(t, http.StatusOK, rec.Code)
	user := decode[store.User](t, rec)
	assert.Equal(t, int64(12), user.ID)
	assert.Equal(t, "bob", user.Username)

	rec = f.do(t, http.MethodGet, "/api/v1/users/13", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decode[middleware.ErrorResponse](t, rec).Code)
}

func TestAPI_DeleteUser(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	_, err := f.service.Store.UpsertUser(ctx, &store.UpsertUser{ID: 12})
	require.NoError(t, err)
	require.NoError(t, f.service.Cache.AppendUser(12, "remember me"))

	rec := f.do(t, http.MethodDelete, "/api/v1/users/12", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, f.service.Cache.HasContext(12))

	id := int64(12)
	user, err := f.service.Store.GetUser(ctx, &store.FindUser{ID: &id})
	require.NoError(t, err)
	assert.Nil(t, user)

	rec = f.do(t, http.MethodDelete, "/api/v1/users/12", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_Broadcast(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	for id := int64(1); id <= 3; id++ {
		_, err := f.service.Store.UpsertUser(ctx, &store.UpsertUser{ID: id})
		require.NoError(t, err)
	}

	rec := f.do(t, http.MethodPost, "/api/v1/broadcast", `{"text": "New model available"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, assistant.BroadcastResult{Recipients: 3, Queued: 3}, decode[assistant.BroadcastResult](t, rec))
	assert.Equal(t, 3, f.service.Queue.Pending())

	rec = f.do(t, http.MethodPost, "/api/v1/broadcast", `{"text": ""}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_ARGUMENT", decode[middleware.ErrorResponse](t, rec).Code)
}

type stubUsage struct {
	usage *ai.Usage
	err   error
}

func (u *stubUsage) Usage(context.Context) (*ai.Usage, error) {
	return u.usage, u.err
}

func TestAPI_AIUsage(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/ai/usage", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	limit := 10.0
	f.service.AIUsage = &stubUsage{usage: &ai.Usage{Label: "prod", Usage: 2.5, Limit: &limit}}
	rec = f.do(t, http.MethodGet, "/api/v1/ai/usage", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[AIUsageResponse](t, rec)
	assert.Equal(t, "prod", resp.Label)
	require.NotNil(t, resp.Remaining)
	assert.InDelta(t, 7.5, *resp.Remaining, 1e-9)
	require.NotNil(t, resp.PercentUsed)
	assert.InDelta(t, 25.0, *resp.PercentUsed, 1e-9)

	f.service.AIUsage = &stubUsage{usage: &ai.Usage{Label: "free", IsFreeTier: true}}
	rec = f.do(t, http.MethodGet, "/api/v1/ai/usage", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[AIUsageResponse](t, rec)
	assert.True(t, resp.IsFreeTier)
	assert.Nil(t, resp.Remaining)

	f.service.AIUsage = &stubUsage{err: apperrors.LLMUnavailable("upstream returned 401", nil)}
	rec = f.do(t, http.MethodGet, "/api/v1/ai/usage", "")
	require.Equal(t, http.StatusBadGateway, rec.Code)
}
