package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nacsos/meta-cache/internal/domain"
)

type contextKey string

// AuthKeyKey carries the resolved auth key through the request context.
const AuthKeyKey contextKey = "authKey"

// AuthStore resolves bearer tokens.
type AuthStore interface {
	GetAuthKey(ctx context.Context, authKeyID uuid.UUID) (*domain.AuthKey, error)
}

// AuthMiddleware checks the x-auth-key header against the auth_key table.
type AuthMiddleware struct {
	store AuthStore
	log   *zap.SugaredLogger
}

func NewAuthMiddleware(store AuthStore, log *zap.SugaredLogger) *AuthMiddleware {
	return &AuthMiddleware{store: store, log: log}
}

// RequireRead admits callers holding an active key with read permission.
func (m *AuthMiddleware) RequireRead(next http.Handler) http.Handler {
	return m.require(next, false)
}

// RequireWrite admits callers holding an active key with write permission.
func (m *AuthMiddleware) RequireWrite(next http.Handler) http.Handler {
	return m.require(next, true)
}

func (m *AuthMiddleware) require(next http.Handler, write bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("x-auth-key")
		if header == "" {
			http.Error(w, "x-auth-key header required", http.StatusUnauthorized)
			return
		}
		keyID, err := uuid.Parse(header)
		if err != nil {
			http.Error(w, "malformed auth key", http.StatusUnauthorized)
			return
		}

		key, err := m.store.GetAuthKey(r.Context(), keyID)
		if err != nil || !key.Active {
			http.Error(w, "unknown or inactive auth key", http.StatusUnauthorized)
			return
		}
		if (write && !key.Write) || (!write && !key.Read) {
			http.Error(w, "insufficient permissions", http.StatusForbidden)
			return
		}

		ctx := context.WithValue(r.Context(), AuthKeyKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetAuthKey pulls the resolved key back out of the context.
func GetAuthKey(ctx context.Context) (*domain.AuthKey, bool) {
	key, ok := ctx.Value(AuthKeyKey).(*domain.AuthKey)
	return key, ok
}
