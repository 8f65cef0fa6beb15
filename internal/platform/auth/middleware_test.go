package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func runMiddleware(t *testing.T, mw echo.MiddlewareFunc, header string) (echo.Context, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/queue", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/queue")

	var seen echo.Context
	err := mw(func(c echo.Context) error {
		seen = c
		return okHandler(c)
	})(c)
	return seen, err
}

func expectStatus(t *testing.T, err error, status int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %d error, got nil", status)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != status {
		t.Errorf("expected %d, got %d", status, httpErr.Code)
	}
}

func TestIssueToken_RoundTrip(t *testing.T) {
	now := time.Now()
	tok, err := IssueToken(testSigningKey, DefaultIssuer, "worker-1", []string{RoleWorker}, time.Hour, now)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Issuer: DefaultIssuer})
	c, err := runMiddleware(t, mw, "Bearer "+tok)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := UserIDFromContext(c.Request().Context()); got != "worker-1" {
		t.Errorf("expected subject worker-1, got %q", got)
	}
	roles := RolesFromContext(c.Request().Context())
	if len(roles) != 1 || roles[0] != RoleWorker {
		t.Errorf("expected [worker], got %v", roles)
	}
}

func TestIssueToken_Validation(t *testing.T) {
	if _, err := IssueToken(nil, DefaultIssuer, "s", nil, 0, time.Now()); err == nil {
		t.Error("expected error for empty key")
	}
	if _, err := IssueToken(testSigningKey, DefaultIssuer, "", nil, 0, time.Now()); err == nil {
		t.Error("expected error for empty subject")
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "")
	expectStatus(t, err, http.StatusUnauthorized)
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
			_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), tt.header)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_RejectsBadTokens(t *testing.T) {
	now := time.Now()
	expired, _ := IssueToken(testSigningKey, DefaultIssuer, "s", nil, time.Minute, now.Add(-time.Hour))
	wrongKey, _ := IssueToken([]byte("other-key"), DefaultIssuer, "s", nil, time.Hour, now)
	wrongIssuer, _ := IssueToken(testSigningKey, "someone-else", "s", nil, time.Hour, now)
	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "s"}})
	noneTok, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Issuer: DefaultIssuer})
	for name, tok := range map[string]string{
		"expired":      expired,
		"wrong key":    wrongKey,
		"wrong issuer": wrongIssuer,
		"alg none":     noneTok,
		"garbage":      "not.a.token",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := runMiddleware(t, mw, "Bearer "+tok)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_Skipper(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Skipper: func(echo.Context) bool { return true }})
	if _, err := runMiddleware(t, mw, ""); err != nil {
		t.Fatalf("expected skip, got %v", err)
	}
}

func TestDevAuthMiddleware(t *testing.T) {
	c, err := runMiddleware(t, DevAuthMiddleware(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if UserIDFromContext(c.Request().Context()) != "dev-user" {
		t.Error("expected dev-user")
	}
	if roles := RolesFromContext(c.Request().Context()); len(roles) != 1 || roles[0] != RoleAdmin {
		t.Errorf("expected admin role, got %v", roles)
	}
}

func TestContextHelpers_Empty(t *testing.T) {
	if UserIDFromContext(context.Background()) != "" {
		t.Error("expected empty user id")
	}
	if RolesFromContext(context.Background()) != nil {
		t.Error("expected nil roles")
	}
}
