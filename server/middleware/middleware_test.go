package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_AllowPerKey(t *testing.T) {
	rl := NewRateLimiter(1, 2)

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))

	// Other keys have their own bucket.
	assert.True(t, rl.Allow("b"))
}

func TestRateLimiter_BoundedKeys(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	for i := 0; i < maxTrackedClients+100; i++ {
		rl.Allow(string(rune('a' + i%26)) + time.Duration(i).String())
	}
	assert.Equal(t, maxTrackedClients, rl.limits.Len())
}

func TestRateLimiter_Middleware(t *testing.T) {
	e := echo.New()
	rl := NewRateLimiter(1, 1)
	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") }, rl.Middleware())

	do := func() int {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, do())
	assert.Equal(t, http.StatusTooManyRequests, do())
}

func TestAdminToken_RoundTrip(t *testing.T) {
	secret := []byte("s3cret")
	token, err := GenerateAdminToken(secret, "ops", time.Hour, time.Now())
	require.NoError(t, err)

	claims, err := ParseAdminToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, Issuer, claims.Issuer)
}

func TestAdminToken_Rejections(t *testing.T) {
	secret := []byte("s3cret")
	now := time.Now()

	expired, err := GenerateAdminToken(secret, "ops", time.Minute, now.Add(-time.Hour))
	require.NoError(t, err)
	wrongKey, err := GenerateAdminToken([]byte("other"), "ops", time.Hour, now)
	require.NoError(t, err)
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: Issuer, Audience: jwt.ClaimStrings{AdminAudience}},
	}).SignedString(secret)
	require.NoError(t, err)
	wrongAudience, err := jwt.NewWithClaims(jwt.SigningMethodHS256, AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{"someone-else"},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}).SignedString(secret)
	require.NoError(t, err)

	tests := map[string]string{
		"expired":        expired,
		"wrong key":      wrongKey,
		"no expiry":      noExpiry,
		"wrong audience": wrongAudience,
		"garbage":        "not-a-jwt",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseAdminToken(secret, token)
			assert.Error(t, err)
		})
	}
}

func TestAdminAuth_Middleware(t *testing.T) {
	secret := []byte("s3cret")
	e := echo.New()
	e.GET("/secure", func(c echo.Context) error {
		claims := c.Get(ClaimsContextKey).(*AdminClaims)
		return c.String(http.StatusOK, claims.Subject)
	}, AdminAuth(secret))

	token, err := GenerateAdminToken(secret, "ops", time.Hour, time.Now())
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/secure", nil)
			if tt.header != "" {
				req.Header.Set(echo.HeaderAuthorization, tt.header)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, "ops", rec.Body.String())
			}
		})
	}
}
