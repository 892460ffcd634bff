package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

const (
	// Issuer is the issuer of admin tokens.
	Issuer = "askparrot"
	// AdminAudience is the audience of admin tokens.
	AdminAudience = "askparrot.admin"

	// ClaimsContextKey holds the verified claims in the echo context.
	ClaimsContextKey = "admin-claims"
)

// AdminClaims are the claims of an admin token.
type AdminClaims struct {
	jwt.RegisteredClaims
}

// GenerateAdminToken signs an HS256 admin token for subject valid for ttl.
func GenerateAdminToken(secret []byte, subject string, ttl time.Duration, now time.Time) (string, error) {
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{AdminAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign admin token")
	}
	return signed, nil
}

// ParseAdminToken verifies an admin token and returns its claims.
func ParseAdminToken(secret []byte, tokenString string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) {
			return secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(AdminAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "invalid admin token")
	}
	return claims, nil
}

// AdminAuth requires a valid "Authorization: Bearer <jwt>" header.
func AdminAuth(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			tokenString, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tokenString == "" {
				return c.JSON(http.StatusUnauthorized, ErrorResponse{Code: "UNAUTHENTICATED", Message: "authentication required"})
			}

			claims, err := ParseAdminToken(secret, tokenString)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, ErrorResponse{Code: "UNAUTHENTICATED", Message: "invalid token"})
			}
			c.Set(ClaimsContextKey, claims)
			return next(c)
		}
	}
}
