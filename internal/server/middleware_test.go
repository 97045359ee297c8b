package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canasta-server/internal/domain"
	"canasta-server/internal/ratelimit"
	"canasta-server/internal/repository"
)

func TestConnectionHealthDetectsInactivity(t *testing.T) {
	h := NewConnectionHealth()
	h.UpdateActivity("sock-1")
	assert.False(t, h.IsInactive("sock-1", time.Hour))

	h.lastActivity["sock-1"] = time.Now().Add(-time.Hour)
	assert.True(t, h.IsInactive("sock-1", time.Minute))
}

func TestConnectionHealthRemoveConnectionForgetsSocket(t *testing.T) {
	h := NewConnectionHealth()
	h.UpdateActivity("sock-1")
	h.RemoveConnection("sock-1")
	assert.False(t, h.IsInactive("sock-1", 0))
}

func TestHashAPIKeyIsDeterministicSHA256(t *testing.T) {
	sum := sha256.Sum256([]byte("raw-key"))
	assert.Equal(t, hex.EncodeToString(sum[:]), hashAPIKey("raw-key"))
}

func TestAPIKeyAuthRejectsMissingHeader(t *testing.T) {
	repo := repository.NewMemoryRepository()
	handler := APIKeyAuth(repo)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached without an api key")
	}))

	req := httptest.NewRequest(http.MethodGet, "/rooms/ABCDEF/validate", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIKeyAuthAttachesResolvedKey(t *testing.T) {
	repo := repository.NewMemoryRepository()
	repo.SeedAPIKey(domain.ApiKey{ID: "key-1", HashedKey: hashAPIKey("secret"), ServiceName: "canasta"})

	var resolved *domain.ApiKey
	handler := APIKeyAuth(repo)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resolved, _ = APIKeyFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/rooms/ABCDEF/validate", nil)
	req.Header.Set("x-api-key", "secret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.NotNil(t, resolved)
	assert.Equal(t, "canasta", resolved.ServiceName)
}

func TestServiceRateLimitSetsHeaderAndEnforcesBudget(t *testing.T) {
	limiter := ratelimit.NewLimiter(30)
	handler := ServiceRateLimit(limiter, 1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	key := &domain.ApiKey{ServiceName: "canasta"}

	makeReq := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/rooms/ABCDEF/validate", nil)
		req = req.WithContext(context.WithValue(req.Context(), apiKeyContextKey{}, key))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := makeReq()
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))

	second := makeReq()
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "60", second.Header().Get("Retry-After"))
}
