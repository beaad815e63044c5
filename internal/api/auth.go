package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"

	"github.com/spayyavula/campuspandit-sub002/internal/types"
)

const (
	tokenCookieKey = "token"
	tokenQueryKey  = "access_token"

	subjectClaim = "sub"
	emailClaim   = "email"
	roleClaim    = "role"
	expClaim     = "exp"
)

var errMissingToken = errors.New("missing token")

type contextKey string

const userKey contextKey = "user"

func WithUser(ctx context.Context, user types.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

func UserFromContext(ctx context.Context) (types.User, bool) {
	user, ok := ctx.Value(userKey).(types.User)
	return user, ok
}

// tokenFromRequest looks for the access token in the Authorization header,
// then the query string, then the session cookie. Browsers cannot set
// headers on EventSource and WebSocket requests.
func tokenFromRequest(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return "", fmt.Errorf("malformed authorization header")
		}
		return token, nil
	}

	if token := r.URL.Query().Get(tokenQueryKey); token != "" {
		return token, nil
	}

	if cookie, err := r.Cookie(tokenCookieKey); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}

	return "", errMissingToken
}

func (s *RealtimeApp) verifyToken(tokenString string) (*jwt.Token, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return s.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return token, nil
}

// userFromToken builds the identity carried by a token issued by the
// identity provider. The subject must be a UUID.
func (s *RealtimeApp) userFromToken(tokenString string) (types.User, error) {
	token, err := s.verifyToken(tokenString)
	if err != nil {
		return types.User{}, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return types.User{}, fmt.Errorf("invalid token claims")
	}

	sub, _ := claims[subjectClaim].(string)
	id, err := uuid.Parse(sub)
	if err != nil {
		return types.User{}, fmt.Errorf("invalid subject claim: %w", err)
	}

	user := types.User{Id: id.String()}
	user.Email, _ = claims[emailClaim].(string)
	user.Role, _ = claims[roleClaim].(string)

	return user, nil
}

// IssueToken signs a token the way the identity provider does. It is used
// for local development and tests.
func IssueToken(signingKey []byte, user types.User, exp time.Duration) (string, error) {
	if _, err := uuid.Parse(user.Id); err != nil {
		return "", fmt.Errorf("invalid user id: %w", err)
	}

	claims := jwt.MapClaims{
		subjectClaim: user.Id,
		expClaim:     time.Now().Add(exp).Unix(),
	}
	if user.Email != "" {
		claims[emailClaim] = user.Email
	}
	if user.Role != "" {
		claims[roleClaim] = user.Role
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
}
