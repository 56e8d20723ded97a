package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/api/response"
	"github.com/kiranshivaraju/faultline/internal/cache"
	"github.com/kiranshivaraju/faultline/internal/store"
	"golang.org/x/crypto/bcrypt"
)

// KeyPrefixLen is the number of leading key characters stored in clear for
// lookup.
const KeyPrefixLen = 8

const (
	// touchInterval is the minimum spacing of last_used_at updates per key.
	touchInterval = time.Minute
	touchTimeout  = 5 * time.Second
)

// TouchLocker grants a short-lived exclusive lock. cache.Cache satisfies it.
type TouchLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Auth provides authentication and scope-checking middleware.
type Auth struct {
	store    store.KeyStore
	throttle TouchLocker
}

// NewAuth creates a new Auth middleware. Key use is recorded at most once
// per key per minute while throttle grants the window. A nil throttle
// records every use.
func NewAuth(s store.KeyStore, throttle TouchLocker) *Auth {
	return &Auth{store: s, throttle: throttle}
}

// Authenticate validates the Bearer token, looks up the API key, and sets
// key name, key_prefix, and scopes in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		if len(rawKey) < KeyPrefixLen {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key format", nil)
			return
		}

		prefix := rawKey[:KeyPrefixLen]

		keys, err := a.store.GetAPIKeyByPrefix(r.Context(), prefix)
		if err != nil {
			slog.ErrorContext(r.Context(), "api key lookup failed", "key_prefix", prefix, "error", err)
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate API key", nil)
			return
		}

		// Find matching key by bcrypt comparison
		var matched bool
		for _, key := range keys {
			if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) == nil {
				ctx := r.Context()
				ctx = SetKeyName(ctx, key.Name)
				ctx = setKeyPrefix(ctx, prefix)
				ctx = SetScopes(ctx, key.Scopes)
				r = r.WithContext(ctx)
				matched = true

				if a.touchDue(ctx, key.ID) {
					go a.touch(key.ID)
				}
				break
			}
		}

		if !matched {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// touchDue reports whether this request owns the key's touch window. An
// unavailable throttle skips the update.
func (a *Auth) touchDue(ctx context.Context, id uuid.UUID) bool {
	if a.throttle == nil {
		return true
	}
	ok, err := a.throttle.TryLock(ctx, cache.KeyTouchKey(id), touchInterval)
	if err != nil {
		slog.DebugContext(ctx, "api key touch throttle unavailable", "key_id", id, "error", err)
		return false
	}
	return ok
}

// touch records key use off the request path.
func (a *Auth) touch(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
	defer cancel()
	if err := a.store.UpdateAPIKeyLastUsed(ctx, id); err != nil {
		slog.Warn("failed to update api key last_used_at", "key_id", id, "error", err)
	}
}

// RequireScope returns middleware that checks whether the authenticated
// API key has the given scope.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scopes := getScopes(r)
			for _, s := range scopes {
				if s == scope {
					next.ServeHTTP(w, r)
					return
				}
			}
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "Insufficient permissions", map[string]string{"required_scope": scope})
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
