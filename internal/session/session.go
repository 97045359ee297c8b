// Package session issues and validates the short-lived opaque tokens
// that let a player (or, for streamer-mode group returns, a generic
// room slot) resume into the correct room without re-authenticating via
// the identity provider. See spec.md §4.C.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"canasta-server/internal/apperror"
	"canasta-server/internal/domain"
	"canasta-server/internal/repository"
)

const defaultTTL = 3 * time.Hour

// Manager owns every write to player_sessions; no other component may
// create, revoke or expire a session row.
type Manager struct {
	repo      repository.Repository
	clientURL string
	ttl       time.Duration
}

func NewManager(repo repository.Repository, clientURL string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Manager{repo: repo, clientURL: clientURL, ttl: ttl}
}

// CreatePlayerSession issues a token for userID (nil only legal for a
// streamer-mode generic room session) scoped to room and gameType.
func (m *Manager) CreatePlayerSession(ctx context.Context, userID *string, roomID, gameType string, streamerMode bool) (*domain.PlayerSession, error) {
	token, err := generateToken()
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeServerError, err)
	}

	session := domain.PlayerSession{
		Token:        token,
		UserID:       userID,
		RoomID:       roomID,
		GameType:     gameType,
		StreamerMode: streamerMode,
		Status:       domain.SessionActive,
		Metadata:     map[string]any{},
		ExpiresAt:    time.Now().Add(m.ttl),
	}
	return m.repo.CreateSession(ctx, session)
}

// RecoverSession resolves a token back to its room, enforcing the
// cross-game hijack defense: the token's game_type must equal the
// calling API key's service_name.
func (m *Manager) RecoverSession(ctx context.Context, token, callerServiceName string) (*domain.RoomWithMembers, *domain.PlayerSession, error) {
	sess, err := m.repo.GetSessionByToken(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	if !sess.Valid(time.Now()) {
		return nil, nil, apperror.New(apperror.CodeInvalidSession, "token expired or inactive")
	}
	if sess.GameType != callerServiceName {
		m.repo.LogEvent(ctx, sess.RoomID, sess.UserID, "cross_game_session_attempt", map[string]any{
			"session_game_type": sess.GameType,
			"caller":            callerServiceName,
		})
		return nil, nil, apperror.New(apperror.CodeWrongGameSession, "token was not issued for this game")
	}

	room, err := m.repo.GetRoomByID(ctx, sess.RoomID)
	if err != nil {
		return nil, nil, err
	}
	return room, sess, nil
}

func (m *Manager) RevokeSession(ctx context.Context, token string) error {
	return m.repo.RevokeSession(ctx, token)
}

func (m *Manager) ExpireSession(ctx context.Context, token string) error {
	return m.repo.ExpireSession(ctx, token)
}

// BuildReturnUrl centralizes every redirect/return URL construction so
// no caller ever concatenates a room code by hand (spec.md §9
// "Streamer-mode URL handling"). A nil session with a non-streamer room
// falls back to the plain lobby URL for the room.
func (m *Manager) BuildReturnUrl(room *domain.Room, sess *domain.PlayerSession) string {
	if sess != nil && sess.StreamerMode && sess.UserID == nil {
		return fmt.Sprintf("%s/lobby?session=%s", m.clientURL, sess.Token)
	}
	if sess != nil {
		return fmt.Sprintf("%s/lobby?roomCode=%s&sessionToken=%s", m.clientURL, room.RoomCode, sess.Token)
	}
	return fmt.Sprintf("%s/lobby?roomCode=%s", m.clientURL, room.RoomCode)
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
