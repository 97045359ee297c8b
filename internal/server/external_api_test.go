package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canasta-server/internal/config"
	"canasta-server/internal/domain"
	"canasta-server/internal/identity"
	"canasta-server/internal/progress"
	"canasta-server/internal/ratelimit"
	"canasta-server/internal/repository"
	"canasta-server/internal/roomactor"
	"canasta-server/internal/session"
)

func newTestServer(t *testing.T) (*Server, *repository.MemoryRepository) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	conns := NewConnectionManager(8)
	sessions := session.NewManager(repo, "https://lobby.example.com", time.Hour)
	actors := roomactor.NewRegistry()

	s := &Server{
		cfg:               config.Config{RateLimitDefaultPerMin: 1000},
		log:               slog.New(slog.NewTextHandler(nil_writer{}, nil)),
		repo:              repo,
		connectionManager: conns,
		connectionHealth:  NewConnectionHealth(),
		actors:            actors,
		sessions:          sessions,
		lobby:             NewLobbyManager(repo, conns, sessions, actors),
		statusSync:        NewStatusSyncManager(repo, actors, sessions, time.Second),
		identity:          identity.NewVerifier([]byte("secret"), repo),
		limiter:           ratelimit.NewLimiter(1000),
		progress:          progress.NewPipeline(repo),
	}
	return s, repo
}

type nil_writer struct{}

func (nil_writer) Write(p []byte) (int, error) { return len(p), nil }

func seedRoomAndKey(t *testing.T, repo *repository.MemoryRepository) (*domain.RoomWithMembers, string) {
	t.Helper()
	room, err := repo.CreateRoomWithHost(context.Background(), repository.CreateRoomParams{
		RoomCode: "ABCDEF", HostUserID: "host-1", MaxPlayers: 4,
	})
	require.NoError(t, err)
	gameID := "canasta"
	require.NoError(t, repo.SetRoomCurrentGame(context.Background(), room.Room.ID, &gameID))
	repo.SeedAPIKey(domain.ApiKey{ID: "key-1", HashedKey: hashAPIKey("secret"), ServiceName: "canasta"})
	return room, "secret"
}

func TestExternalAPIValidateReturnsRoomSnapshot(t *testing.T) {
	s, repo := newTestServer(t)
	_, apiKey := seedRoomAndKey(t, repo)
	router := s.externalAPIRouter()

	req := httptest.NewRequest(http.MethodGet, "/rooms/ABCDEF/validate", nil)
	req.Header.Set("x-api-key", apiKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "room")
	assert.Contains(t, body, "players")
	assert.Equal(t, false, body["sessionValid"])
}

func TestExternalAPIValidateRejectsWrongServiceKey(t *testing.T) {
	s, repo := newTestServer(t)
	room, _ := seedRoomAndKey(t, repo)
	_ = room
	repo.SeedAPIKey(domain.ApiKey{ID: "key-2", HashedKey: hashAPIKey("other"), ServiceName: "chess"})
	router := s.externalAPIRouter()

	req := httptest.NewRequest(http.MethodGet, "/rooms/ABCDEF/validate", nil)
	req.Header.Set("x-api-key", "other")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestExternalAPIPlayerStatusUpdatesLocation(t *testing.T) {
	s, repo := newTestServer(t)
	_, apiKey := seedRoomAndKey(t, repo)
	router := s.externalAPIRouter()

	body := strings.NewReader(`{"location":"game"}`)
	req := httptest.NewRequest(http.MethodPost, "/rooms/ABCDEF/players/host-1/status", body)
	req.Header.Set("x-api-key", apiKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	updated, err := repo.GetRoomByCode(context.Background(), "ABCDEF")
	require.NoError(t, err)
	for _, m := range updated.Members {
		if m.UserID == "host-1" {
			assert.True(t, m.InGame)
		}
	}
}

func TestExternalAPIGameEndReturnsRoomToLobby(t *testing.T) {
	s, repo := newTestServer(t)
	room, apiKey := seedRoomAndKey(t, repo)
	require.NoError(t, repo.UpdateRoomStatus(context.Background(), room.Room.ID, domain.RoomStatusInGame))
	router := s.externalAPIRouter()

	req := httptest.NewRequest(http.MethodPost, "/rooms/ABCDEF/game-end", strings.NewReader(`{"reason":"finished"}`))
	req.Header.Set("x-api-key", apiKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	updated, err := repo.GetRoomByCode(context.Background(), "ABCDEF")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomStatusLobby, updated.Room.Status)
}

func TestExternalAPIProgressEventReturnsStatsAndUnlocks(t *testing.T) {
	s, _ := newTestServer(t)
	repo := repository.NewMemoryRepository()
	s.repo = repo
	s.progress = progress.NewPipeline(repo)
	repo.SeedAPIKey(domain.ApiKey{ID: "key-1", HashedKey: hashAPIKey("secret"), ServiceName: "canasta"})
	router := s.externalAPIRouter()

	payload := `{"userId":"user-1","xpDelta":120,"reason":"match_win","conditions":["first_win"]}`
	req := httptest.NewRequest(http.MethodPost, "/progress/event", strings.NewReader(payload))
	req.Header.Set("x-api-key", "secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "stats")
	assert.Contains(t, body, "newlyUnlocked")
}

func TestExternalAPIRejectsMissingAPIKey(t *testing.T) {
	s, repo := newTestServer(t)
	seedRoomAndKey(t, repo)
	router := s.externalAPIRouter()

	req := httptest.NewRequest(http.MethodGet, "/rooms/ABCDEF/validate", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExternalAPIHealthIsUnauthenticated(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.externalAPIRouter()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
