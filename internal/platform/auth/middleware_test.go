package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testConfig = JWTConfig{
	Issuer:     "salus",
	Audience:   "reminders",
	SigningKey: []byte("test-secret-key-for-unit-tests-only"),
}

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims(subject string) Claims {
	now := time.Now()
	return Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    testConfig.Issuer,
		Audience:  jwt.ClaimStrings{testConfig.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}}
}

func runMiddleware(mw echo.MiddlewareFunc, req *http.Request) (echo.Context, error) {
	e := echo.New()
	c := e.NewContext(req, httptest.NewRecorder())
	err := mw(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c)
	return c, err
}

func assertStatus(t *testing.T, err error, want int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != want {
		t.Errorf("expected %d, got %d", want, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, err := runMiddleware(JWTMiddleware(testConfig), httptest.NewRequest(http.MethodGet, "/", nil))
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", tt.header)
			_, err := runMiddleware(JWTMiddleware(testConfig), req)
			assertStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	token := createTestToken(t, validClaims("patient-7"), testConfig.SigningKey)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	c, err := runMiddleware(JWTMiddleware(testConfig), req)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := c.Get(OwnerIDKey); got != "patient-7" {
		t.Errorf("owner_id = %v, want patient-7", got)
	}
	if got := c.Get(BearerTokenKey); got != token {
		t.Error("bearer token not stored on the context")
	}
	if got := OwnerFromContext(c.Request().Context()); got != "patient-7" {
		t.Errorf("OwnerFromContext = %q", got)
	}
	if got := TokenFromContext(c.Request().Context()); got != token {
		t.Error("TokenFromContext did not return the raw token")
	}
}

func TestJWTMiddleware_QueryToken(t *testing.T) {
	token := createTestToken(t, validClaims("patient-7"), testConfig.SigningKey)
	req := httptest.NewRequest(http.MethodGet, "/ws?access_token="+token, nil)

	c, err := runMiddleware(JWTMiddleware(testConfig), req)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := c.Get(OwnerIDKey); got != "patient-7" {
		t.Errorf("owner_id = %v", got)
	}
}

func TestJWTMiddleware_RejectedTokens(t *testing.T) {
	expired := validClaims("patient-7")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	wrongIssuer := validClaims("patient-7")
	wrongIssuer.Issuer = "someone-else"

	wrongAudience := validClaims("patient-7")
	wrongAudience.Audience = jwt.ClaimStrings{"billing"}

	noExpiry := validClaims("patient-7")
	noExpiry.ExpiresAt = nil

	tests := []struct {
		name  string
		token string
	}{
		{"expired", createTestToken(t, expired, testConfig.SigningKey)},
		{"wrong issuer", createTestToken(t, wrongIssuer, testConfig.SigningKey)},
		{"wrong audience", createTestToken(t, wrongAudience, testConfig.SigningKey)},
		{"no expiry", createTestToken(t, noExpiry, testConfig.SigningKey)},
		{"no subject", createTestToken(t, validClaims(""), testConfig.SigningKey)},
		{"wrong key", createTestToken(t, validClaims("patient-7"), []byte("another-key-another-key-another-key"))},
		{"garbage", "not.a.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			_, err := runMiddleware(JWTMiddleware(testConfig), req)
			assertStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_Skipper(t *testing.T) {
	cfg := testConfig
	cfg.Skipper = AuthSkipper

	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), httptest.NewRecorder())
	c.SetPath("/health")
	err := JWTMiddleware(cfg)(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c)
	if err != nil {
		t.Fatalf("expected health to skip auth, got %v", err)
	}
}

func TestDevAuthMiddleware_NoToken(t *testing.T) {
	c, err := runMiddleware(DevAuthMiddleware(JWTConfig{}, "dev-patient"), httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := OwnerFromContext(c.Request().Context()); got != "dev-patient" {
		t.Errorf("owner = %q, want dev-patient", got)
	}
}

func TestDevAuthMiddleware_ValidatesPresentedToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer nope")
	_, err := runMiddleware(DevAuthMiddleware(testConfig, "dev-patient"), req)
	assertStatus(t, err, http.StatusUnauthorized)

	token := createTestToken(t, validClaims("patient-3"), testConfig.SigningKey)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	c, err := runMiddleware(DevAuthMiddleware(testConfig, "dev-patient"), req)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := c.Get(OwnerIDKey); got != "patient-3" {
		t.Errorf("owner_id = %v, want patient-3", got)
	}
}

func TestIssueToken_RoundTrip(t *testing.T) {
	raw, err := IssueToken(testConfig, "patient-9", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	claims, err := ParseToken(testConfig, raw)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if claims.Subject != "patient-9" || claims.Issuer != "salus" {
		t.Errorf("claims = %+v", claims.RegisteredClaims)
	}
}

func TestIssueToken_Errors(t *testing.T) {
	if _, err := IssueToken(JWTConfig{}, "patient-9", time.Hour, time.Now()); err != ErrNoSigningKey {
		t.Errorf("err = %v, want ErrNoSigningKey", err)
	}
	if _, err := IssueToken(testConfig, "", time.Hour, time.Now()); err == nil {
		t.Error("expected error for empty subject")
	}
}
