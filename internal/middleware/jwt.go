package myMiddleware

import (
	"context"
	"net/http"
	"strings"

	"go-meetup/internal/apperr"

	"go.uber.org/zap"
)

type contextKey string

const (
	UserKey     contextKey = "user_id"
	UsernameKey contextKey = "username"
)

// TokenValidator is the identity collaborator: token in, identity out.
type TokenValidator interface {
	ValidateToken(tokenString string) (int64, string, error)
}

type AuthMiddleware struct {
	validator TokenValidator
	log       *zap.Logger
}

func NewAuthMiddleware(v TokenValidator, log *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{validator: v, log: log}
}

// TokenFromRequest reads a bearer token from the Authorization header,
// falling back to the "token" query parameter (browsers cannot set headers
// on a websocket handshake).
func TokenFromRequest(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return r.URL.Query().Get("token")
}

// Authenticate validates the request's token exactly once.
func (am *AuthMiddleware) Authenticate(r *http.Request) (int64, string, error) {
	tokenString := TokenFromRequest(r)
	if tokenString == "" {
		return 0, "", apperr.E(apperr.Forbidden, "auth", "missing authentication token")
	}
	userID, username, err := am.validator.ValidateToken(tokenString)
	if err != nil {
		return 0, "", apperr.E(apperr.Forbidden, "auth", "invalid token")
	}
	return userID, username, nil
}

func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, username, err := am.Authenticate(r)
		if err != nil {
			am.log.Debug("rejected request", zap.String("path", r.URL.Path), zap.Error(err))
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID, username)))
	})
}

func WithUser(ctx context.Context, userID int64, username string) context.Context {
	ctx = context.WithValue(ctx, UserKey, userID)
	return context.WithValue(ctx, UsernameKey, username)
}

// UserID returns the authenticated user injected by Handle.
func UserID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(UserKey).(int64)
	return id, ok
}

func Username(ctx context.Context) string {
	name, _ := ctx.Value(UsernameKey).(string)
	return name
}
