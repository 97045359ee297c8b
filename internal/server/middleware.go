package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"canasta-server/internal/apperror"
	"canasta-server/internal/domain"
	"canasta-server/internal/ratelimit"
	"canasta-server/internal/repository"
)

// ConnectionHealth tracks last activity time for each socket, used to
// detect dead/zombie connections that stop responding to heartbeats.
type ConnectionHealth struct {
	lastActivity map[string]time.Time
	mu           sync.RWMutex
}

func NewConnectionHealth() *ConnectionHealth {
	return &ConnectionHealth{lastActivity: make(map[string]time.Time)}
}

func (h *ConnectionHealth) UpdateActivity(socketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastActivity[socketID] = time.Now()
}

func (h *ConnectionHealth) IsInactive(socketID string, timeout time.Duration) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	last, ok := h.lastActivity[socketID]
	if !ok {
		return false
	}
	return time.Since(last) > timeout
}

func (h *ConnectionHealth) GetInactiveConnections(timeout time.Duration) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	inactive := make([]string, 0)
	now := time.Now()
	for socketID, last := range h.lastActivity {
		if now.Sub(last) > timeout {
			inactive = append(inactive, socketID)
		}
	}
	return inactive
}

func (h *ConnectionHealth) RemoveConnection(socketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.lastActivity, socketID)
}

// getAllowedOrigin centralizes CORS origin policy so dev stays
// permissive while production is locked to the real client host.
func getAllowedOrigin() string {
	if os.Getenv("ENVIRONMENT") == "production" {
		return os.Getenv("CLIENT_URL")
	}
	return "*"
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", getAllowedOrigin())
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, PATCH")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Api-Key")
		w.Header().Set("Access-Control-Allow-Credentials", "false")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type apiKeyContextKey struct{}

// APIKeyFromContext recovers the ApiKey a request authenticated with.
func APIKeyFromContext(ctx context.Context) (*domain.ApiKey, bool) {
	k, ok := ctx.Value(apiKeyContextKey{}).(*domain.ApiKey)
	return k, ok
}

func hashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// APIKeyAuth validates x-api-key against the repository and attaches
// the resolved ApiKey to the request context. Every External Game API
// route requires it (spec.md §4.F).
func APIKeyAuth(repo repository.Repository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("x-api-key")
			if raw == "" {
				writeAppError(w, apperror.New(apperror.CodeInvalidAPIKey, "missing x-api-key header"))
				return
			}

			key, err := repo.GetAPIKeyByHash(r.Context(), hashAPIKey(raw))
			if err != nil {
				writeAppError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), apiKeyContextKey{}, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ServiceRateLimit enforces the fail-secure per-service budget (spec.md
// §4.F "fail-secure: a named limiter missing applies a strict default").
// Rate-limit headers are emitted on every response regardless of outcome.
func ServiceRateLimit(limiter *ratelimit.Limiter, defaultPerMin int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := APIKeyFromContext(r.Context())
			if !ok {
				writeAppError(w, apperror.New(apperror.CodeUnauthorized, "rate limiting requires an authenticated api key"))
				return
			}

			limit := key.RateLimit
			if limit <= 0 {
				limit = defaultPerMin
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))

			if !limiter.Allow(fmt.Sprintf("%s:%s", key.ServiceName, r.URL.Path), limit) {
				w.Header().Set("Retry-After", "60")
				writeAppError(w, apperror.New(apperror.CodeRateLimited, "rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
