package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/joho/godotenv/autoload"
	"github.com/pressly/goose/v3"

	"canasta-server/internal/config"
	"canasta-server/internal/identity"
	"canasta-server/internal/progress"
	"canasta-server/internal/ratelimit"
	"canasta-server/internal/repository"
	"canasta-server/internal/roomactor"
	"canasta-server/internal/session"
)

// Server wires every component the spec names (A-F) plus the ambient
// concerns (config, logging) into one process.
type Server struct {
	cfg config.Config
	log *slog.Logger

	repo repository.Repository

	connectionManager *ConnectionManager
	connectionHealth  *ConnectionHealth

	actors     *roomactor.Registry
	sessions   *session.Manager
	lobby      *LobbyManager
	statusSync *StatusSyncManager
	identity   *identity.Verifier
	limiter    *ratelimit.Limiter
	progress   *progress.Pipeline
}

// NewServer wires the full dependency graph and applies schema
// migrations. Returns both the custom Server (for shutdown/background
// tasks) and the http.Server (so cmd/api owns the listen/serve loop).
func NewServer(ctx context.Context, cfg config.Config, identitySecret []byte) (*Server, *http.Server, error) {
	logger := newLogger(cfg)

	pool, err := repository.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := runMigrations(cfg.DatabaseURL); err != nil {
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}

	repo := repository.NewPostgresRepository(pool)
	actors := roomactor.NewRegistry()
	conns := NewConnectionManager(cfg.MaxConnPerUser)
	sessions := session.NewManager(repo, cfg.ClientURL, cfg.SessionTimeout)

	s := &Server{
		cfg:               cfg,
		log:               logger,
		repo:              repo,
		connectionManager: conns,
		connectionHealth:  NewConnectionHealth(),
		actors:            actors,
		sessions:          sessions,
		lobby:             NewLobbyManager(repo, conns, sessions, actors),
		statusSync:        NewStatusSyncManager(repo, actors, sessions, cfg.ReturnGrace),
		identity:          identity.NewVerifier(identitySecret, repo),
		limiter:           ratelimit.NewLimiter(cfg.RateLimitDefaultPerMin),
		progress:          progress.NewPipeline(repo),
	}

	go s.idleRoomCleanupTask()
	go s.checkInactiveConnections()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s, httpServer, nil
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Environment == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func runMigrations(databaseURL string) error {
	db, err := goose.OpenDBWithDriver("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(repository.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// idleRoomCleanupTask reaps actors idle past IdleRoomCleanup (spec.md §6
// IDLE_ROOM_CLEANUP_MINUTES). It only stops the actors; it does not change
// any room's status, so an empty room is not marked abandoned here.
func (s *Server) idleRoomCleanupTask() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		reaped := s.actors.ReapIdle(s.cfg.IdleRoomCleanup)
		if reaped > 0 {
			s.log.Info("reaped idle room actors", "count", reaped)
		}
	}
}

// checkInactiveConnections closes sockets that stopped responding to
// heartbeats (dead/zombie connections).
func (s *Server) checkInactiveConnections() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		inactive := s.connectionHealth.GetInactiveConnections(5 * time.Minute)
		for _, socketID := range inactive {
			if conn, ok := s.connectionManager.Conn(socketID); ok {
				_ = conn.Close(1001, "connection inactive")
			}
		}
		if len(inactive) > 0 {
			s.log.Info("closed inactive sockets", "count", len(inactive))
		}
	}
}

// Shutdown performs graceful shutdown: notify connected sockets, then
// release the repository pool.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("beginning graceful shutdown")
	s.notifyAllSockets("server_shutdown", map[string]string{
		"message": "server is shutting down for maintenance",
	})
	s.repo.Close()
	s.log.Info("graceful shutdown complete")
	return nil
}

func (s *Server) notifyAllSockets(messageType string, payload any) {
	msg := ServerMessage{Type: messageType, Payload: payload}
	ctx := context.Background()
	for _, socketID := range s.connectionManager.AllSockets() {
		conn, ok := s.connectionManager.Conn(socketID)
		if !ok {
			continue
		}
		if err := sendMessage(conn, ctx, msg); err != nil {
			s.log.Warn("failed to notify socket", "socket", socketID, "error", err)
		}
	}
}
