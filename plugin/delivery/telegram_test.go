package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type botAPI struct {
	mu       sync.Mutex
	requests []sendMessageRequest
	handle   func(req sendMessageRequest) (int, string)
}

func (b *botAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/bottest-token/sendMessage" || r.Method != http.MethodPost {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()

	status, body := http.StatusOK, `{"ok":true,"result":{"message_id":1}}`
	if b.handle != nil {
		status, body = b.handle(req)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func (b *botAPI) all() []sendMessageRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sendMessageRequest{}, b.requests...)
}

func newTestTelegram(t *testing.T, api *botAPI) *TelegramSender {
	t.Helper()
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)
	return NewTelegramSender(TelegramConfig{Token: "test-token", APIURL: server.URL + "/", Timeout: 5 * time.Second})
}

func TestTelegramSender_SendPlain(t *testing.T) {
	api := &botAPI{}
	sender := newTestTelegram(t, api)

	err := sender.Send(context.Background(), 42, "Your limit is *5*")
	require.NoError(t, err)

	reqs := api.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, int64(42), reqs[0].ChatID)
	assert.Equal(t, "Your limit is *5*", reqs[0].Text)
	assert.Empty(t, reqs[0].ParseMode)
}

func TestTelegramSender_SendAIResponseUsesHTML(t *testing.T) {
	api := &botAPI{}
	sender := newTestTelegram(t, api)

	err := sender.SendAIResponse(context.Background(), 42, "Use **bold** & `code`")
	require.NoError(t, err)

	reqs := api.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, "HTML", reqs[0].ParseMode)
	assert.Equal(t, "Use <b>bold</b> &amp; <code>code</code>", reqs[0].Text)
	assert.True(t, reqs[0].DisableWebPagePreview)
}

func TestTelegramSender_FallsBackToPlainOnMarkupRejection(t *testing.T) {
	api := &botAPI{handle: func(req sendMessageRequest) (int, string) {
		if req.ParseMode == "HTML" {
			return http.StatusBadRequest, `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`
		}
		return http.StatusOK, `{"ok":true}`
	}}
	sender := newTestTelegram(t, api)

	err := sender.SendAIResponse(context.Background(), 5, "**hi**")
	require.NoError(t, err)

	reqs := api.all()
	require.Len(t, reqs, 2)
	assert.Equal(t, "HTML", reqs[0].ParseMode)
	assert.Empty(t, reqs[1].ParseMode)
	assert.Equal(t, "**hi**", reqs[1].Text)
}

func TestTelegramSender_APIErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
		wantRetry  int
	}{
		{
			name:       "forbidden",
			status:     http.StatusForbidden,
			body:       `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`,
			wantStatus: 403,
		},
		{
			name:       "flood control",
			status:     http.StatusTooManyRequests,
			body:       `{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":7}}`,
			wantStatus: 429,
			wantRetry:  7,
		},
		{
			name:       "non-json gateway error",
			status:     http.StatusBadGateway,
			body:       `<html>bad gateway</html>`,
			wantStatus: 502,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &botAPI{handle: func(sendMessageRequest) (int, string) { return tt.status, tt.body }}
			sender := newTestTelegram(t, api)

			err := sender.SendAIResponse(context.Background(), 1, "hello")
			require.Error(t, err)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.wantStatus, apiErr.StatusCode)
			assert.Equal(t, tt.wantRetry, apiErr.RetryAfter)
			assert.Len(t, api.all(), 1, "only markup rejections are resent")
		})
	}
}

func TestTelegramSender_ErrorHidesToken(t *testing.T) {
	sender := NewTelegramSender(TelegramConfig{Token: "secret-token", APIURL: "http://127.0.0.1:1"})

	err := sender.Send(context.Background(), 1, "hello")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret-token")
}

func TestLogSender(t *testing.T) {
	sender := NewLogSender()
	assert.NoError(t, sender.Send(context.Background(), 1, "plain"))
	assert.NoError(t, sender.SendAIResponse(context.Background(), 1, "**ai**"))
}
