package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		TenantID:  "acme",
		Roles:     []string{RoleComplianceOfficer},
		Name:      "Dana Reyes",
		SessionID: "sess-1",
	}
}

func runJWT(t *testing.T, cfg JWTConfig, header string) (echo.Context, bool, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit-events", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var called bool
	handler := func(c echo.Context) error {
		called = true
		return c.String(http.StatusOK, "ok")
	}
	err := JWTMiddleware(cfg)(handler)(c)
	return c, called, err
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %d error, got nil", code)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, called, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "")
	expectStatus(t, err, http.StatusUnauthorized)
	if called {
		t.Error("handler should not run without a token")
	}
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
			_, _, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, tt.header)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	token := createTestToken(t, validClaims(), testSigningKey)

	c, called, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "Bearer "+token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler was not called")
	}

	ctx := c.Request().Context()
	if got := UserIDFromContext(ctx); got != "user-123" {
		t.Errorf("user id = %q", got)
	}
	if got := UserNameFromContext(ctx); got != "Dana Reyes" {
		t.Errorf("user name = %q", got)
	}
	if got := SessionIDFromContext(ctx); got != "sess-1" {
		t.Errorf("session id = %q", got)
	}
	roles := RolesFromContext(ctx)
	if len(roles) != 1 || roles[0] != RoleComplianceOfficer {
		t.Errorf("roles = %v", roles)
	}
	if got := c.Get("jwt_tenant_id"); got != "acme" {
		t.Errorf("jwt_tenant_id = %v", got)
	}
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	token := createTestToken(t, validClaims(), []byte("some-other-key"))
	_, _, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_Expired(t *testing.T) {
	claims := validClaims()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	token := createTestToken(t, claims, testSigningKey)

	_, _, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_MissingSubject(t *testing.T) {
	claims := validClaims()
	claims.Subject = ""
	token := createTestToken(t, claims, testSigningKey)

	_, _, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_IssuerAndAudience(t *testing.T) {
	claims := validClaims()
	claims.Issuer = "https://idp.example"
	claims.Audience = jwt.ClaimStrings{"audit"}
	token := createTestToken(t, claims, testSigningKey)

	cfg := JWTConfig{SigningKey: testSigningKey, Issuer: "https://idp.example", Audience: "audit"}
	if _, _, err := runJWT(t, cfg, "Bearer "+token); err != nil {
		t.Fatalf("expected matching issuer/audience to pass, got %v", err)
	}

	cfg.Issuer = "https://other.example"
	_, _, err := runJWT(t, cfg, "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func rsaJWKSServer(t *testing.T, kid string, pub *rsa.PublicKey, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		resp := JWKSResponse{Keys: []JWKSKey{{
			Kty: "RSA",
			Kid: kid,
			Alg: "RS256",
			Use: "sig",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestJWTMiddleware_JWKS(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var hits int32
	srv := rsaJWKSServer(t, "k1", &priv.PublicKey, &hits)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims())
	token.Header["kid"] = "k1"
	signed, err := token.SignedString(priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	cfg := JWTConfig{JWKSURL: srv.URL}
	mw := JWTMiddleware(cfg)
	for i := 0; i < 3; i++ {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+signed)
		c := e.NewContext(req, httptest.NewRecorder())
		if err := mw(func(c echo.Context) error { return nil })(c); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("expected the key set to be fetched once, got %d", got)
	}
}

func TestJWKSCache_UnknownKid(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var hits int32
	srv := rsaJWKSServer(t, "k1", &priv.PublicKey, &hits)

	cache := NewJWKSCache(srv.URL, time.Minute)
	if _, err := cache.GetKey("k1"); err != nil {
		t.Fatalf("GetKey(k1): %v", err)
	}
	if _, err := cache.GetKey("missing"); err == nil {
		t.Fatal("expected error for unknown kid")
	}
}

func TestDevAuthMiddleware_Defaults(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit-events", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	var ctx context.Context
	err := DevAuthMiddleware(nil)(func(c echo.Context) error {
		ctx = c.Request().Context()
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if UserIDFromContext(ctx) != "dev-user" {
		t.Errorf("user id = %q", UserIDFromContext(ctx))
	}
	if !HasRole(ctx, RoleSecurityOfficer) {
		t.Error("dev user should hold every role through admin")
	}
	if c.Get("jwt_tenant_id") != "default" {
		t.Errorf("jwt_tenant_id = %v", c.Get("jwt_tenant_id"))
	}
}

func TestWithIdentity(t *testing.T) {
	ctx := WithIdentity(context.Background(), "cli", "Command Line", RoleSecurityOfficer)
	if UserIDFromContext(ctx) != "cli" || UserNameFromContext(ctx) != "Command Line" {
		t.Errorf("identity not set: %q %q", UserIDFromContext(ctx), UserNameFromContext(ctx))
	}
	if SessionIDFromContext(ctx) != "" {
		t.Error("expected no session id")
	}
	if !HasRole(ctx, RoleSecurityOfficer) {
		t.Error("expected security officer role")
	}
}
