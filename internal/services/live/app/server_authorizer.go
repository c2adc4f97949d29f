package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type wsAuthorizer interface {
	Authenticate(ctx context.Context, accessToken string) (string, error)
}

type wsUserIDContextKey struct{}

var errMissingUserID = errors.New("token has no id claim")

// liveClaims matches tokens issued by the account service: the user id
// travels in a top-level "id" claim.
type liveClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"id"`
}

// jwtAuthorizer verifies HS256 bearer tokens against a shared secret.
type jwtAuthorizer struct {
	secret []byte
	now    func() time.Time
}

func newJWTAuthorizer(secret string) *jwtAuthorizer {
	return &jwtAuthorizer{secret: []byte(secret), now: time.Now}
}

// Authenticate returns the user id carried by accessToken.
func (a *jwtAuthorizer) Authenticate(ctx context.Context, accessToken string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if a == nil || len(a.secret) == 0 {
		return "", errors.New("jwt authorizer is not configured")
	}
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return "", errors.New("access token is required")
	}

	now := a.now
	if now == nil {
		now = time.Now
	}
	var claims liveClaims
	_, err := jwt.ParseWithClaims(accessToken, &claims, func(token *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(now),
	)
	if err != nil {
		return "", fmt.Errorf("verify access token: %w", err)
	}
	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		return "", errMissingUserID
	}
	return userID, nil
}

// accessTokenFromRequest reads the token from the Authorization header, the
// token query parameter, or the session cookie, in that order.
func accessTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			if token = strings.TrimSpace(token); token != "" {
				return token
			}
		}
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	cookie, err := r.Cookie(tokenCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}
