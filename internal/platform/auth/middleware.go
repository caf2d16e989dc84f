// Package auth validates the bearer tokens patients present and exposes the
// authenticated owner id to handlers.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	// OwnerIDKey holds the token subject, both on the echo context and on
	// the request context.
	OwnerIDKey = "owner_id"
	// BearerTokenKey holds the raw bearer token so it can be forwarded to
	// the backend on the caller's behalf.
	BearerTokenKey = "bearer_token"

	ownerCtxKey contextKey = OwnerIDKey
	tokenCtxKey contextKey = BearerTokenKey

	// accessTokenParam is accepted instead of the Authorization header,
	// since browsers cannot set headers on a websocket upgrade.
	accessTokenParam = "access_token"
)

type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
	// Skipper lets public routes through untouched.
	Skipper func(echo.Context) bool
}

// ErrNoSigningKey is returned when a token is minted without a key.
var ErrNoSigningKey = errors.New("auth: signing key is not configured")

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			raw, err := bearerToken(c)
			if err != nil {
				return err
			}
			claims, err := ParseToken(cfg, raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			setOwner(c, claims.Subject, raw)
			return next(c)
		}
	}
}

// DevAuthMiddleware lets unauthenticated requests through as devOwner. A
// request that does carry a token is still validated when a key is set.
func DevAuthMiddleware(cfg JWTConfig, devOwner string) echo.MiddlewareFunc {
	validate := JWTMiddleware(cfg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		checked := validate(next)
		return func(c echo.Context) error {
			hasToken := c.Request().Header.Get(echo.HeaderAuthorization) != "" || c.QueryParam(accessTokenParam) != ""
			if hasToken && len(cfg.SigningKey) > 0 {
				return checked(c)
			}
			setOwner(c, devOwner, "")
			return next(c)
		}
	}
}

func bearerToken(c echo.Context) (string, error) {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if header == "" {
		if q := c.QueryParam(accessTokenParam); q != "" {
			return q, nil
		}
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return strings.TrimSpace(parts[1]), nil
}

// ParseToken verifies an HS256 token and returns its claims. Tokens without
// a subject are rejected.
func ParseToken(cfg JWTConfig, raw string) (*Claims, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, ErrNoSigningKey
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return cfg.SigningKey, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token is not valid")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// IssueToken mints a token for subject, valid for ttl from now.
func IssueToken(cfg JWTConfig, subject string, ttl time.Duration, now time.Time) (string, error) {
	if len(cfg.SigningKey) == 0 {
		return "", ErrNoSigningKey
	}
	if subject == "" {
		return "", errors.New("auth: subject is required")
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.SigningKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func setOwner(c echo.Context, ownerID, token string) {
	c.Set(OwnerIDKey, ownerID)
	c.Set(BearerTokenKey, token)

	ctx := c.Request().Context()
	ctx = context.WithValue(ctx, ownerCtxKey, ownerID)
	ctx = context.WithValue(ctx, tokenCtxKey, token)
	c.SetRequest(c.Request().WithContext(ctx))
}

// OwnerFromContext returns the authenticated owner id, or "".
func OwnerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerCtxKey).(string)
	return owner
}

func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenCtxKey).(string)
	return token
}
