// Package repository defines typed read/write access to the durable
// entities (rooms, members, sessions, users, events, game definitions,
// api keys) per spec.md §4.A. This package does not check which component
// calls which method. The Session Manager is the only caller of the
// session write methods; the room and member methods are called by both
// the Lobby Manager and the Status Sync Manager (JoinRoom and StartGame
// write presence, HandleGameEnd and HandleAbandon change room status).
package repository

import (
	"context"
	"time"

	"canasta-server/internal/domain"
)

// CreateRoomParams is the input to CreateRoomWithHost.
type CreateRoomParams struct {
	RoomCode     string
	HostUserID   string
	MaxPlayers   int
	IsPublic     bool
	StreamerMode bool
}

// MemberPatch describes one member's presence/readiness update inside an
// atomic bulk write.
type MemberPatch struct {
	UserID          string
	Presence        *domain.Presence
	IsReady         *bool
	SocketID        *string
	LastPing        *time.Time
	GameData        map[string]any
	CustomLobbyName *string
	Role            *domain.MemberRole
	LeftAt          *time.Time
}

// Repository is the full typed access surface the core depends on. The
// Postgres implementation lives in postgres.go; an in-memory fake used by
// fast unit tests lives in memory.go.
type Repository interface {
	// Rooms
	CreateRoomWithHost(ctx context.Context, params CreateRoomParams) (*domain.RoomWithMembers, error)
	GetRoomByCode(ctx context.Context, code string) (*domain.RoomWithMembers, error)
	GetRoomByID(ctx context.Context, id string) (*domain.RoomWithMembers, error)
	ListLiveRoomCodes(ctx context.Context) (map[string]bool, error)
	UpdateRoomStatus(ctx context.Context, roomID string, status domain.RoomStatus) error
	UpdateRoomMetadata(ctx context.Context, roomID string, metadata map[string]any) error
	SetRoomCurrentGame(ctx context.Context, roomID string, gameID *string) error
	TransferHost(ctx context.Context, roomID, newHostUserID string) error

	// Members
	UpsertMember(ctx context.Context, roomID string, member domain.RoomMember) (*domain.RoomMember, error)
	UpdateRoomMembersBulk(ctx context.Context, roomID string, patches []MemberPatch) (*domain.RoomWithMembers, error)
	RemoveMember(ctx context.Context, roomID, userID string) error

	// Sessions
	CreateSession(ctx context.Context, session domain.PlayerSession) (*domain.PlayerSession, error)
	GetSessionByToken(ctx context.Context, token string) (*domain.PlayerSession, error)
	RevokeSession(ctx context.Context, token string) error
	ExpireSession(ctx context.Context, token string) error
	ListActiveSessionsForRoom(ctx context.Context, roomID string) ([]domain.PlayerSession, error)

	// Games (read-only catalog)
	GetGameDefinition(ctx context.Context, gameID string) (*domain.GameDefinition, error)
	ListActiveGameDefinitions(ctx context.Context) ([]domain.GameDefinition, error)

	// Users
	UpsertUser(ctx context.Context, user domain.User) (*domain.User, error)
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// Events
	LogEvent(ctx context.Context, roomID string, userID *string, eventType string, data map[string]any)

	// Progress / achievements
	ApplyXPEvent(ctx context.Context, userID string, xpDelta int, reason string) (domain.UserStats, error)
	RecordAchievementUnlocks(ctx context.Context, userID string, achievementIDs []string) ([]string, error)

	// API keys
	GetAPIKeyByHash(ctx context.Context, hashedKey string) (*domain.ApiKey, error)

	Close()
}
