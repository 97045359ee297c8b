package server

import (
	"context"
	"fmt"

	"canasta-server/internal/apperror"
	"canasta-server/internal/domain"
	"canasta-server/internal/repository"
	"canasta-server/internal/roomactor"
	"canasta-server/internal/session"
)

const (
	minPlayerNameLen = 2
	maxPlayerNameLen = 32
)

// LobbyManager performs the room lifecycle operations (spec.md §4.D).
// The Status Sync Manager also changes room status on game end and
// abandon, and JoinRoom and StartGame write presence. All mutations run
// inside the target room's actor to guarantee single-writer semantics.
type LobbyManager struct {
	repo     repository.Repository
	conns    *ConnectionManager
	sessions *session.Manager
	actors   *roomactor.Registry
}

func NewLobbyManager(repo repository.Repository, conns *ConnectionManager, sessions *session.Manager, actors *roomactor.Registry) *LobbyManager {
	return &LobbyManager{repo: repo, conns: conns, sessions: sessions, actors: actors}
}

func validatePlayerName(name string) error {
	if len(name) < minPlayerNameLen || len(name) > maxPlayerNameLen {
		return apperror.New(apperror.CodeInvalidPlayerName, fmt.Sprintf("must be between %d and %d characters", minPlayerNameLen, maxPlayerNameLen))
	}
	return nil
}

// CreateRoomParams mirrors spec.md §4.D's createRoom payload.
type CreateRoomParams struct {
	HostUserID   string
	MaxPlayers   int
	IsPublic     bool
	StreamerMode bool
}

func (l *LobbyManager) CreateRoom(ctx context.Context, params CreateRoomParams) (*domain.RoomWithMembers, int64, error) {
	liveCodes, err := l.repo.ListLiveRoomCodes(ctx)
	if err != nil {
		return nil, 0, err
	}
	code, err := GenerateRoomCode(liveCodes)
	if err != nil {
		return nil, 0, apperror.Wrap(apperror.CodeServerError, err)
	}

	maxPlayers := params.MaxPlayers
	if maxPlayers < 2 || maxPlayers > 16 {
		maxPlayers = 8
	}

	room, err := l.repo.CreateRoomWithHost(ctx, repository.CreateRoomParams{
		RoomCode:     code,
		HostUserID:   params.HostUserID,
		MaxPlayers:   maxPlayers,
		IsPublic:     params.IsPublic,
		StreamerMode: params.StreamerMode,
	})
	if err != nil {
		return nil, 0, err
	}

	l.repo.LogEvent(ctx, room.Room.ID, &params.HostUserID, "room_created", nil)
	return room, roomactor.NextVersion(), nil
}

// JoinRoom validates and applies a join inside the room's actor so two
// concurrent joins against the same room never race each other.
func (l *LobbyManager) JoinRoom(ctx context.Context, roomCode, userID, playerName string) (*domain.RoomWithMembers, int64, error) {
	if err := validatePlayerName(playerName); err != nil {
		return nil, 0, err
	}

	actor := l.actors.GetOrCreate(roomCode)
	result, err := actor.Submit(ctx, func(ctx context.Context, _ *roomactor.Dedup) (any, error) {
		room, err := l.repo.GetRoomByCode(ctx, roomCode)
		if err != nil {
			return nil, apperror.New(apperror.CodeRoomNotFound, roomCode)
		}
		if !isJoinable(room.Room.Status) {
			return nil, apperror.New(apperror.CodeRoomNotAvailable, string(room.Room.Status))
		}
		if connectedCount(room) >= room.Room.MaxPlayers {
			return nil, apperror.New(apperror.CodeRoomFull, roomCode)
		}

		member := domain.RoomMember{
			RoomID: room.Room.ID,
			UserID: userID,
			Role:   domain.MemberRolePlayer,
		}
		member.ApplyPresence(domain.PresenceInLobby)
		if _, err := l.repo.UpsertMember(ctx, room.Room.ID, member); err != nil {
			return nil, err
		}

		l.repo.LogEvent(ctx, room.Room.ID, &userID, "player_joined", nil)
		updated, err := l.repo.GetRoomByID(ctx, room.Room.ID)
		if err != nil {
			return nil, err
		}
		return updated, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return result.(*domain.RoomWithMembers), roomactor.NextVersion(), nil
}

func isJoinable(status domain.RoomStatus) bool {
	switch status {
	case domain.RoomStatusLobby, domain.RoomStatusInGame, domain.RoomStatusReturning:
		return true
	default:
		return false
	}
}

func connectedCount(room *domain.RoomWithMembers) int {
	n := 0
	for _, m := range room.Members {
		if m.IsConnected && m.LeftAt == nil {
			n++
		}
	}
	return n
}

// SelectGame is host-only and requires the game be joinable.
func (l *LobbyManager) SelectGame(ctx context.Context, roomCode, requesterID, gameID string) (*domain.RoomWithMembers, int64, error) {
	actor := l.actors.GetOrCreate(roomCode)
	result, err := actor.Submit(ctx, func(ctx context.Context, _ *roomactor.Dedup) (any, error) {
		room, err := l.repo.GetRoomByCode(ctx, roomCode)
		if err != nil {
			return nil, apperror.New(apperror.CodeRoomNotFound, roomCode)
		}
		if room.Room.HostID != requesterID {
			return nil, apperror.New(apperror.CodeForbidden, "only the host may select a game")
		}
		game, err := l.repo.GetGameDefinition(ctx, gameID)
		if err != nil {
			return nil, err
		}
		if !game.Joinable() {
			return nil, apperror.New(apperror.CodeRoomNotAvailable, "game is inactive or under maintenance")
		}
		if err := l.repo.SetRoomCurrentGame(ctx, room.Room.ID, &gameID); err != nil {
			return nil, err
		}
		return l.repo.GetRoomByID(ctx, room.Room.ID)
	})
	if err != nil {
		return nil, 0, err
	}
	return result.(*domain.RoomWithMembers), roomactor.NextVersion(), nil
}

// StartedSession pairs a member with the session token issued for them.
type StartedSession struct {
	UserID    string
	Token     string
	RedirectURL string
}

// StartGame performs the atomic §4.D sequence: status flip, per-player
// session issuance, member flag updates, all inside one actor message.
func (l *LobbyManager) StartGame(ctx context.Context, roomCode, requesterID string, settings map[string]any) (*domain.RoomWithMembers, []StartedSession, int64, error) {
	actor := l.actors.GetOrCreate(roomCode)
	result, err := actor.Submit(ctx, func(ctx context.Context, _ *roomactor.Dedup) (any, error) {
		room, err := l.repo.GetRoomByCode(ctx, roomCode)
		if err != nil {
			return nil, apperror.New(apperror.CodeRoomNotFound, roomCode)
		}
		if room.Room.HostID != requesterID {
			return nil, apperror.New(apperror.CodeForbidden, "only the host may start the game")
		}
		if room.Room.CurrentGame == nil {
			return nil, apperror.New(apperror.CodeRoomNotAvailable, "no game selected")
		}
		game, err := l.repo.GetGameDefinition(ctx, *room.Room.CurrentGame)
		if err != nil {
			return nil, err
		}
		if connectedCount(room) < game.MinPlayers {
			return nil, apperror.New(apperror.CodeRoomNotAvailable, "not enough connected players")
		}

		if err := l.repo.UpdateRoomStatus(ctx, room.Room.ID, domain.RoomStatusInGame); err != nil {
			return nil, err
		}
		if settings != nil {
			_ = l.repo.UpdateRoomMetadata(ctx, room.Room.ID, map[string]any{"game_settings": settings})
		}

		var patches []repository.MemberPatch
		var sessions []StartedSession
		inGame := domain.PresenceInGame
		for _, m := range room.Members {
			if !m.IsConnected || m.LeftAt != nil {
				continue
			}
			patches = append(patches, repository.MemberPatch{UserID: m.UserID, Presence: &inGame})

			userID := m.UserID
			sess, err := l.sessions.CreatePlayerSession(ctx, &userID, room.Room.ID, *room.Room.CurrentGame, room.Room.StreamerMode)
			if err != nil {
				return nil, err
			}
			sessions = append(sessions, StartedSession{
				UserID:      m.UserID,
				Token:       sess.Token,
				RedirectURL: fmt.Sprintf("%s?roomCode=%s&sessionToken=%s", game.BaseURL, room.Room.RoomCode, sess.Token),
			})
		}
		if len(patches) > 0 {
			if _, err := l.repo.UpdateRoomMembersBulk(ctx, room.Room.ID, patches); err != nil {
				return nil, err
			}
		}

		updated, err := l.repo.GetRoomByID(ctx, room.Room.ID)
		if err != nil {
			return nil, err
		}
		return struct {
			Room     *domain.RoomWithMembers
			Sessions []StartedSession
		}{updated, sessions}, nil
	})
	if err != nil {
		return nil, nil, 0, err
	}
	out := result.(struct {
		Room     *domain.RoomWithMembers
		Sessions []StartedSession
	})
	return out.Room, out.Sessions, roomactor.NextVersion(), nil
}

// LeaveRoom removes the member; if the leaver was host, transfers the
// role to the longest-joined remaining connected member, or abandons
// the room if none remain.
func (l *LobbyManager) LeaveRoom(ctx context.Context, roomCode, userID string) (*domain.RoomWithMembers, int64, error) {
	actor := l.actors.GetOrCreate(roomCode)
	result, err := actor.Submit(ctx, func(ctx context.Context, _ *roomactor.Dedup) (any, error) {
		room, err := l.repo.GetRoomByCode(ctx, roomCode)
		if err != nil {
			return nil, apperror.New(apperror.CodeRoomNotFound, roomCode)
		}

		wasHost := room.Room.HostID == userID
		if err := l.repo.RemoveMember(ctx, room.Room.ID, userID); err != nil {
			return nil, err
		}

		if wasHost {
			successor := longestJoinedRemaining(room, userID)
			if successor == "" {
				if err := l.repo.UpdateRoomStatus(ctx, room.Room.ID, domain.RoomStatusAbandoned); err != nil {
					return nil, err
				}
			} else if err := l.repo.TransferHost(ctx, room.Room.ID, successor); err != nil {
				return nil, err
			}
		}

		l.repo.LogEvent(ctx, room.Room.ID, &userID, "player_left", nil)
		return l.repo.GetRoomByID(ctx, room.Room.ID)
	})
	if err != nil {
		return nil, 0, err
	}
	return result.(*domain.RoomWithMembers), roomactor.NextVersion(), nil
}

func longestJoinedRemaining(room *domain.RoomWithMembers, excluding string) string {
	var best *domain.RoomMember
	for i := range room.Members {
		m := &room.Members[i]
		if m.UserID == excluding || m.LeftAt != nil || !m.IsConnected {
			continue
		}
		if best == nil || m.JoinedAt.Before(best.JoinedAt) {
			best = m
		}
	}
	if best == nil {
		return ""
	}
	return best.UserID
}

// TransferHost is host-only and swaps the host role atomically.
func (l *LobbyManager) TransferHost(ctx context.Context, roomCode, requesterID, targetID string) (*domain.RoomWithMembers, int64, error) {
	actor := l.actors.GetOrCreate(roomCode)
	result, err := actor.Submit(ctx, func(ctx context.Context, _ *roomactor.Dedup) (any, error) {
		room, err := l.repo.GetRoomByCode(ctx, roomCode)
		if err != nil {
			return nil, apperror.New(apperror.CodeRoomNotFound, roomCode)
		}
		if room.Room.HostID != requesterID {
			return nil, apperror.New(apperror.CodeForbidden, "only the host may transfer host")
		}
		if err := l.repo.TransferHost(ctx, room.Room.ID, targetID); err != nil {
			return nil, err
		}
		return l.repo.GetRoomByID(ctx, room.Room.ID)
	})
	if err != nil {
		return nil, 0, err
	}
	return result.(*domain.RoomWithMembers), roomactor.NextVersion(), nil
}

// KickPlayer is host-only; it marks left_at and logs the reason so
// syncRoomStatus debug replay can show why a member left (SPEC_FULL.md
// supplemented feature).
func (l *LobbyManager) KickPlayer(ctx context.Context, roomCode, requesterID, targetID, reason string) (*domain.RoomWithMembers, int64, error) {
	actor := l.actors.GetOrCreate(roomCode)
	result, err := actor.Submit(ctx, func(ctx context.Context, _ *roomactor.Dedup) (any, error) {
		room, err := l.repo.GetRoomByCode(ctx, roomCode)
		if err != nil {
			return nil, apperror.New(apperror.CodeRoomNotFound, roomCode)
		}
		if room.Room.HostID != requesterID {
			return nil, apperror.New(apperror.CodeForbidden, "only the host may kick a player")
		}
		if err := l.repo.RemoveMember(ctx, room.Room.ID, targetID); err != nil {
			return nil, err
		}
		l.repo.LogEvent(ctx, room.Room.ID, &targetID, "player_kicked", map[string]any{"reason": reason})
		return l.repo.GetRoomByID(ctx, room.Room.ID)
	})
	if err != nil {
		return nil, 0, err
	}
	defer closeSocketsInRoom(l.conns, roomCode, targetID)
	return result.(*domain.RoomWithMembers), roomactor.NextVersion(), nil
}

func closeSocketsInRoom(conns *ConnectionManager, roomCode, userID string) {
	for _, socketID := range conns.RoomSockets(roomCode) {
		if owner, ok := conns.SocketUser(socketID); !ok || owner != userID {
			continue
		}
		if conn, ok := conns.Conn(socketID); ok {
			_ = conn.Close(1000, "kicked")
		}
	}
}
