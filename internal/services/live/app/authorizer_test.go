package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testJWTSecret = "pitwall-test-secret"

func signTestToken(t *testing.T, method jwt.SigningMethod, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestJWTAuthorizerAcceptsValidToken(t *testing.T) {
	a := newJWTAuthorizer(testJWTSecret)
	token := signTestToken(t, jwt.SigningMethodHS256, testJWTSecret, jwt.MapClaims{
		"id":  "65f0c0ffee",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	userID, err := a.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if userID != "65f0c0ffee" {
		t.Fatalf("userID = %q, want 65f0c0ffee", userID)
	}
}

func TestJWTAuthorizerAcceptsTokenWithoutExpiry(t *testing.T) {
	a := newJWTAuthorizer(testJWTSecret)
	token := signTestToken(t, jwt.SigningMethodHS256, testJWTSecret, jwt.MapClaims{"id": "user-1"})
	if _, err := a.Authenticate(context.Background(), token); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
}

func TestJWTAuthorizerRejectsMissingIDClaim(t *testing.T) {
	a := newJWTAuthorizer(testJWTSecret)
	token := signTestToken(t, jwt.SigningMethodHS256, testJWTSecret, jwt.MapClaims{"sub": "user-1"})
	if _, err := a.Authenticate(context.Background(), token); !errors.Is(err, errMissingUserID) {
		t.Fatalf("error = %v, want errMissingUserID", err)
	}
}

func TestJWTAuthorizerRejectsWrongSecret(t *testing.T) {
	a := newJWTAuthorizer(testJWTSecret)
	token := signTestToken(t, jwt.SigningMethodHS256, "other-secret", jwt.MapClaims{"id": "user-1"})
	if _, err := a.Authenticate(context.Background(), token); err == nil {
		t.Fatal("expected signature error")
	}
}

func TestJWTAuthorizerRejectsOtherAlgorithms(t *testing.T) {
	a := newJWTAuthorizer(testJWTSecret)
	token := signTestToken(t, jwt.SigningMethodHS512, testJWTSecret, jwt.MapClaims{"id": "user-1"})
	if _, err := a.Authenticate(context.Background(), token); err == nil {
		t.Fatal("expected algorithm error")
	}
}

func TestJWTAuthorizerRejectsExpiredToken(t *testing.T) {
	now := time.Date(2026, time.March, 15, 5, 0, 0, 0, time.UTC)
	a := newJWTAuthorizer(testJWTSecret)
	a.now = func() time.Time { return now }
	token := signTestToken(t, jwt.SigningMethodHS256, testJWTSecret, jwt.MapClaims{
		"id":  "user-1",
		"exp": now.Add(-time.Minute).Unix(),
	})
	if _, err := a.Authenticate(context.Background(), token); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("error = %v, want jwt.ErrTokenExpired", err)
	}
}

func TestJWTAuthorizerRejectsEmptyToken(t *testing.T) {
	if _, err := newJWTAuthorizer(testJWTSecret).Authenticate(context.Background(), " "); err == nil {
		t.Fatal("expected empty token error")
	}
	var nilAuthorizer *jwtAuthorizer
	if _, err := nilAuthorizer.Authenticate(context.Background(), "x"); err == nil {
		t.Fatal("expected unconfigured authorizer error")
	}
}

func TestAccessTokenFromRequestPrecedence(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?token=query-token", nil)
	req.AddCookie(&http.Cookie{Name: tokenCookieName, Value: "cookie-token"})
	req.Header.Set("Authorization", "Bearer header-token")
	if got := accessTokenFromRequest(req); got != "header-token" {
		t.Fatalf("token = %q, want header-token", got)
	}

	req.Header.Del("Authorization")
	if got := accessTokenFromRequest(req); got != "query-token" {
		t.Fatalf("token = %q, want query-token", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.AddCookie(&http.Cookie{Name: tokenCookieName, Value: "cookie-token"})
	if got := accessTokenFromRequest(req); got != "cookie-token" {
		t.Fatalf("token = %q, want cookie-token", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if got := accessTokenFromRequest(req); got != "" {
		t.Fatalf("token = %q, want empty for non-bearer auth", got)
	}
	if accessTokenFromRequest(nil) != "" {
		t.Fatal("expected empty token for nil request")
	}
}

func TestJWTGateEndToEnd(t *testing.T) {
	registry := newTestRegistry(t, newFakeFetcher(), nil)
	handler := newHandler(handlerDeps{
		manager:     NewConnectionManager(registry),
		registry:    registry,
		authorizer:  newJWTAuthorizer(testJWTSecret),
		requireAuth: true,
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	bad := signTestToken(t, jwt.SigningMethodHS256, "wrong", jwt.MapClaims{"id": "user-1"})
	if _, err := dialWSWithServerURL(srv.URL, "/ws?token="+bad, nil); err == nil {
		t.Fatal("expected dial with bad token to fail")
	}

	good := signTestToken(t, jwt.SigningMethodHS256, testJWTSecret, jwt.MapClaims{"id": "user-1"})
	conn, err := dialWSWithServerURL(srv.URL, "/ws?token="+good, nil)
	if err != nil {
		t.Fatalf("dial with good token: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	writeFrame(t, conn, filterFrame("", "race"))
	readFrameOfType(t, conn, frameTypeJoined)
}
