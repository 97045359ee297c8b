package server

import (
	"context"
	"fmt"
	"time"

	"canasta-server/internal/apperror"
	"canasta-server/internal/domain"
	"canasta-server/internal/repository"
	"canasta-server/internal/roomactor"
	"canasta-server/internal/session"
)

// StatusSyncManager writes is_connected/current_location/in_game/last_ping
// for status changes (LobbyManager also writes them when a member joins
// and when a game starts) and reconciles three input streams (socket lifecycle,
// external-game REST, periodic sweeper) into one authoritative snapshot
// per spec.md §4.E.
type StatusSyncManager struct {
	repo        repository.Repository
	actors      *roomactor.Registry
	sessions    *session.Manager
	returnGrace time.Duration
}

func NewStatusSyncManager(repo repository.Repository, actors *roomactor.Registry, sessions *session.Manager, returnGrace time.Duration) *StatusSyncManager {
	if returnGrace <= 0 {
		returnGrace = 15 * time.Second
	}
	return &StatusSyncManager{repo: repo, actors: actors, sessions: sessions, returnGrace: returnGrace}
}

// PlayerStatusUpdate is the authoritative snapshot broadcast as
// playerStatusUpdated (spec.md §4.E snapshot schema). GroupSession is set
// only when HandleGameEnd just issued a generic (user_id = null) session
// for a streamer-mode group return (spec.md §4.C/§6 server:return-to-gb) —
// the caller must broadcast it alongside the snapshot.
type PlayerStatusUpdate struct {
	Reason       string
	RoomVersion  int64
	Source       string
	Room         *domain.RoomWithMembers
	GroupSession *domain.PlayerSession
}

// statusPushKey builds the idempotency key an external status push is
// deduped on (spec.md §5 "idempotent keyed by
// (roomCode,userId,newLocation,metadata.timestamp)"). An empty timestamp
// (socket-originated transitions carry none) disables dedup for that call.
func statusPushKey(roomCode, userID, newLocation, timestamp string) string {
	return fmt.Sprintf("%s,%s,%s,%s", roomCode, userID, newLocation, timestamp)
}

func returnInProgressUntil(room *domain.Room) (time.Time, bool) {
	raw, ok := room.Metadata[domain.MetaReturnInProgressUntil]
	if !ok {
		return time.Time{}, false
	}
	switch v := raw.(type) {
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	case time.Time:
		return v, true
	default:
		return time.Time{}, false
	}
}

// dedupSentinel is returned by an actor Fn to signal "this push was a
// duplicate of one already applied, do not mutate or re-emit" without
// collapsing that state into a nil/error result the caller would have to
// special-case against a genuine not-found.
type dedupSentinel struct{}

// UpdatePlayerLocation applies a presence transition, deferring
// transitions to disconnected that arrive inside the room's return
// grace window (spec.md's conflict-resolution rule). timestamp is the
// external push's metadata.timestamp; a repeat of
// (roomCode,userId,newLocation,timestamp) is absorbed as a no-op per
// spec.md §5/§8 property 4 — UpdatePlayerLocation returns (nil, nil) and
// the caller must skip re-emitting a snapshot. Socket-originated calls
// pass an empty timestamp, which disables dedup (there is no retry to
// absorb on that path).
func (s *StatusSyncManager) UpdatePlayerLocation(ctx context.Context, roomCode, userID, newLocation, timestamp string) (*PlayerStatusUpdate, error) {
	actor := s.actors.GetOrCreate(roomCode)
	result, err := actor.Submit(ctx, func(ctx context.Context, dedup *roomactor.Dedup) (any, error) {
		if timestamp != "" && !dedup.Seen(statusPushKey(roomCode, userID, newLocation, timestamp)) {
			return dedupSentinel{}, nil
		}

		room, err := s.repo.GetRoomByCode(ctx, roomCode)
		if err != nil {
			return nil, apperror.New(apperror.CodeRoomNotFound, roomCode)
		}

		presence := domain.ParsePresence(newLocation)
		if presence == domain.PresenceDisconnected {
			if until, ok := returnInProgressUntil(&room.Room); ok && time.Now().Before(until) {
				// Deferred: a grace-window disconnect is dropped without
				// mutating member rows (spec.md §8 return-grace suppression).
				return room, nil
			}
		}

		now := time.Now()
		patch := repository.MemberPatch{UserID: userID, Presence: &presence, LastPing: &now}
		return s.repo.UpdateRoomMembersBulk(ctx, room.Room.ID, []repository.MemberPatch{patch})
	})
	if err != nil {
		return nil, err
	}
	if _, skipped := result.(dedupSentinel); skipped {
		return nil, nil
	}
	room := result.(*domain.RoomWithMembers)
	return &PlayerStatusUpdate{Reason: "location", RoomVersion: roomactor.NextVersion(), Source: "status_sync", Room: room}, nil
}

// HandleHeartbeat refreshes last_ping and reports whether the room has a
// pending return the caller should act on.
func (s *StatusSyncManager) HandleHeartbeat(ctx context.Context, roomCode, userID string) (shouldReturn bool, err error) {
	actor := s.actors.GetOrCreate(roomCode)
	result, err := actor.Submit(ctx, func(ctx context.Context, _ *roomactor.Dedup) (any, error) {
		room, err := s.repo.GetRoomByCode(ctx, roomCode)
		if err != nil {
			return nil, apperror.New(apperror.CodeRoomNotFound, roomCode)
		}
		now := time.Now()
		patch := repository.MemberPatch{UserID: userID, LastPing: &now}
		if _, err := s.repo.UpdateRoomMembersBulk(ctx, room.Room.ID, []repository.MemberPatch{patch}); err != nil {
			return nil, err
		}
		pending, _ := room.Room.Metadata[domain.MetaPendingReturn].(bool)
		return pending, nil
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// StatusUpdateInput is one element of a bulk status update.
type StatusUpdateInput struct {
	UserID   string
	Location string
}

// BulkUpdatePlayerStatus applies every update inside a single actor
// message (one round trip, one snapshot) per spec.md §4.E. An update for
// a user who isn't a current member is skipped, not fatal — see
// internal/repository's memory fake for the grounding of that rule.
func (s *StatusSyncManager) BulkUpdatePlayerStatus(ctx context.Context, roomCode string, updates []StatusUpdateInput, reason string) (*PlayerStatusUpdate, error) {
	actor := s.actors.GetOrCreate(roomCode)
	result, err := actor.Submit(ctx, func(ctx context.Context, _ *roomactor.Dedup) (any, error) {
		room, err := s.repo.GetRoomByCode(ctx, roomCode)
		if err != nil {
			return nil, apperror.New(apperror.CodeRoomNotFound, roomCode)
		}

		now := time.Now()
		until, inGrace := returnInProgressUntil(&room.Room)
		patches := make([]repository.MemberPatch, 0, len(updates))
		for _, u := range updates {
			presence := domain.ParsePresence(u.Location)
			if presence == domain.PresenceDisconnected && inGrace && now.Before(until) {
				continue
			}
			patches = append(patches, repository.MemberPatch{UserID: u.UserID, Presence: &presence, LastPing: &now})
		}
		if len(patches) == 0 {
			return room, nil
		}
		return s.repo.UpdateRoomMembersBulk(ctx, room.Room.ID, patches)
	})
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeBulkUpdateFailed, err)
	}
	room := result.(*domain.RoomWithMembers)
	return &PlayerStatusUpdate{Reason: reason, RoomVersion: roomactor.NextVersion(), Source: "status_sync", Room: room}, nil
}

// GameResult is the payload accompanying a return-to-lobby trigger.
type GameResult struct {
	Source string
	Reason string
}

// gameEndResult is HandleGameEnd's internal actor-message result: the
// refreshed room, plus the generic group session issued for a
// streamer-mode room's return (nil otherwise).
type gameEndResult struct {
	room         *domain.RoomWithMembers
	groupSession *domain.PlayerSession
}

// HandleGameEnd is the single return-to-lobby funnel every external
// return path (game-end, return-all, a host's playerReturnToLobby) goes
// through — spec.md §9 "no duplicate return-to-lobby logic". For a
// streamer-mode room this also issues the generic (user_id = null) group
// session spec.md §4.C reserves for streamer-mode group returns, carried
// back on PlayerStatusUpdate.GroupSession so the caller can broadcast
// server:return-to-gb alongside the snapshot (spec.md §6, §8 scenario S5).
func (s *StatusSyncManager) HandleGameEnd(ctx context.Context, roomCode string, result GameResult) (*PlayerStatusUpdate, error) {
	actor := s.actors.GetOrCreate(roomCode)
	res, err := actor.Submit(ctx, func(ctx context.Context, _ *roomactor.Dedup) (any, error) {
		room, err := s.repo.GetRoomByCode(ctx, roomCode)
		if err != nil {
			return nil, apperror.New(apperror.CodeRoomNotFound, roomCode)
		}

		if err := s.repo.UpdateRoomStatus(ctx, room.Room.ID, domain.RoomStatusLobby); err != nil {
			return nil, err
		}
		until := time.Now().Add(s.returnGrace).UTC().Format(time.RFC3339)
		if err := s.repo.UpdateRoomMetadata(ctx, room.Room.ID, map[string]any{
			domain.MetaReturnInProgressUntil: until,
		}); err != nil {
			return nil, err
		}

		now := time.Now()
		lobby := domain.PresenceInLobby
		patches := make([]repository.MemberPatch, 0, len(room.Members))
		for _, m := range room.Members {
			if m.LeftAt != nil {
				continue
			}
			patches = append(patches, repository.MemberPatch{UserID: m.UserID, Presence: &lobby, LastPing: &now})
		}
		if len(patches) > 0 {
			if _, err := s.repo.UpdateRoomMembersBulk(ctx, room.Room.ID, patches); err != nil {
				return nil, apperror.Wrap(apperror.CodeReturnAllFailed, err)
			}
		}

		if err := s.ensureHost(ctx, room); err != nil {
			return nil, err
		}

		var groupSession *domain.PlayerSession
		if room.Room.StreamerMode && s.sessions != nil {
			gameType := ""
			if room.Room.CurrentGame != nil {
				gameType = *room.Room.CurrentGame
			}
			groupSession, err = s.sessions.CreatePlayerSession(ctx, nil, room.Room.ID, gameType, true)
			if err != nil {
				return nil, err
			}
		}

		updated, err := s.repo.GetRoomByID(ctx, room.Room.ID)
		if err != nil {
			return nil, err
		}
		return gameEndResult{room: updated, groupSession: groupSession}, nil
	})
	if err != nil {
		return nil, err
	}
	out := res.(gameEndResult)
	return &PlayerStatusUpdate{
		Reason:       "return_all",
		RoomVersion:  roomactor.NextVersion(),
		Source:       result.Source,
		Room:         out.room,
		GroupSession: out.groupSession,
	}, nil
}

func (s *StatusSyncManager) ensureHost(ctx context.Context, room *domain.RoomWithMembers) error {
	for _, m := range room.Members {
		if m.UserID == room.Room.HostID && m.LeftAt == nil {
			return nil
		}
	}
	successor := longestJoinedRemaining(room, "")
	if successor == "" {
		return nil
	}
	return s.repo.TransferHost(ctx, room.Room.ID, successor)
}

// HandleAbandon sets the room abandoned and every member disconnected in
// one atomic actor message (spec.md §4.F "/abandon ... Sets room
// abandoned, all members disconnected", §8 property 2 connection↔location
// coherence).
func (s *StatusSyncManager) HandleAbandon(ctx context.Context, roomCode string) (*PlayerStatusUpdate, error) {
	actor := s.actors.GetOrCreate(roomCode)
	res, err := actor.Submit(ctx, func(ctx context.Context, _ *roomactor.Dedup) (any, error) {
		room, err := s.repo.GetRoomByCode(ctx, roomCode)
		if err != nil {
			return nil, apperror.New(apperror.CodeRoomNotFound, roomCode)
		}

		if err := s.repo.UpdateRoomStatus(ctx, room.Room.ID, domain.RoomStatusAbandoned); err != nil {
			return nil, apperror.Wrap(apperror.CodeRoomAbandonFailed, err)
		}

		disconnected := domain.PresenceDisconnected
		patches := make([]repository.MemberPatch, 0, len(room.Members))
		for _, m := range room.Members {
			if m.LeftAt != nil {
				continue
			}
			patches = append(patches, repository.MemberPatch{UserID: m.UserID, Presence: &disconnected})
		}
		if len(patches) > 0 {
			if _, err := s.repo.UpdateRoomMembersBulk(ctx, room.Room.ID, patches); err != nil {
				return nil, apperror.Wrap(apperror.CodeRoomAbandonFailed, err)
			}
		}

		return s.repo.GetRoomByID(ctx, room.Room.ID)
	})
	if err != nil {
		return nil, err
	}
	room := res.(*domain.RoomWithMembers)
	return &PlayerStatusUpdate{Reason: "abandoned", RoomVersion: roomactor.NextVersion(), Source: "external_game", Room: room}, nil
}

// SyncRoomStatus is the admin/debug path: recompute the snapshot from
// durable state and rebroadcast it, with no mutation of its own.
func (s *StatusSyncManager) SyncRoomStatus(ctx context.Context, roomCode string) (*PlayerStatusUpdate, error) {
	room, err := s.repo.GetRoomByCode(ctx, roomCode)
	if err != nil {
		return nil, apperror.New(apperror.CodeRoomNotFound, roomCode)
	}
	return &PlayerStatusUpdate{Reason: "sync", RoomVersion: roomactor.NextVersion(), Source: "admin_sync", Room: room}, nil
}

// SweepIdleMembers promotes members whose last_ping is older than
// idleThreshold to disconnected. Intended to run on a periodic ticker.
func (s *StatusSyncManager) SweepIdleMembers(ctx context.Context, roomCode string, idleThreshold time.Duration) error {
	actor := s.actors.GetOrCreate(roomCode)
	_, err := actor.Submit(ctx, func(ctx context.Context, _ *roomactor.Dedup) (any, error) {
		room, err := s.repo.GetRoomByCode(ctx, roomCode)
		if err != nil {
			return nil, apperror.New(apperror.CodeRoomNotFound, roomCode)
		}

		disconnected := domain.PresenceDisconnected
		cutoff := time.Now().Add(-idleThreshold)
		var patches []repository.MemberPatch
		for _, m := range room.Members {
			if m.LeftAt != nil || !m.IsConnected {
				continue
			}
			if m.LastPing.Before(cutoff) {
				patches = append(patches, repository.MemberPatch{UserID: m.UserID, Presence: &disconnected})
			}
		}
		if len(patches) == 0 {
			return nil, nil
		}
		_, err = s.repo.UpdateRoomMembersBulk(ctx, room.Room.ID, patches)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("sweeping idle members for room %s: %w", roomCode, err)
	}
	return nil
}
