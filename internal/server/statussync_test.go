package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canasta-server/internal/domain"
	"canasta-server/internal/repository"
	"canasta-server/internal/roomactor"
	"canasta-server/internal/session"
)

func newTestStatusSync(t *testing.T, returnGrace time.Duration) (*StatusSyncManager, *repository.MemoryRepository, *domain.RoomWithMembers) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	actors := roomactor.NewRegistry()
	sessions := session.NewManager(repo, "https://lobby.example.com", time.Hour)
	sync := NewStatusSyncManager(repo, actors, sessions, returnGrace)

	room, err := repo.CreateRoomWithHost(context.Background(), repository.CreateRoomParams{
		RoomCode: "ABCDEF", HostUserID: "host-1", MaxPlayers: 4,
	})
	require.NoError(t, err)
	_, err = repo.UpsertMember(context.Background(), room.Room.ID, domain.RoomMember{RoomID: room.Room.ID, UserID: "user-2", Role: domain.MemberRolePlayer})
	require.NoError(t, err)

	return sync, repo, room
}

func TestUpdatePlayerLocationAppliesPresence(t *testing.T) {
	sync, _, room := newTestStatusSync(t, 0)

	update, err := sync.UpdatePlayerLocation(context.Background(), room.Room.RoomCode, "host-1", "game", "")
	require.NoError(t, err)
	assert.Equal(t, "status_sync", update.Source)

	var host *domain.RoomMember
	for i := range update.Room.Members {
		if update.Room.Members[i].UserID == "host-1" {
			host = &update.Room.Members[i]
		}
	}
	require.NotNil(t, host)
	assert.True(t, host.InGame)
}

func TestUpdatePlayerLocationDropsDisconnectDuringReturnGrace(t *testing.T) {
	sync, repo, room := newTestStatusSync(t, time.Minute)

	until := time.Now().Add(time.Minute).UTC().Format(time.RFC3339)
	require.NoError(t, repo.UpdateRoomMetadata(context.Background(), room.Room.ID, map[string]any{
		domain.MetaReturnInProgressUntil: until,
	}))

	before, err := repo.GetRoomByID(context.Background(), room.Room.ID)
	require.NoError(t, err)
	var beforePing time.Time
	for _, m := range before.Members {
		if m.UserID == "host-1" {
			beforePing = m.LastPing
		}
	}

	_, err = sync.UpdatePlayerLocation(context.Background(), room.Room.RoomCode, "host-1", "disconnected", "")
	require.NoError(t, err)

	after, err := repo.GetRoomByID(context.Background(), room.Room.ID)
	require.NoError(t, err)
	for _, m := range after.Members {
		if m.UserID == "host-1" {
			assert.Equal(t, beforePing, m.LastPing, "grace-window disconnect must not mutate member rows")
		}
	}
}

func TestHandleHeartbeatReportsShouldReturn(t *testing.T) {
	sync, repo, room := newTestStatusSync(t, 0)
	require.NoError(t, repo.UpdateRoomMetadata(context.Background(), room.Room.ID, map[string]any{
		domain.MetaPendingReturn: true,
	}))

	shouldReturn, err := sync.HandleHeartbeat(context.Background(), room.Room.RoomCode, "host-1")
	require.NoError(t, err)
	assert.True(t, shouldReturn)
}

func TestBulkUpdatePlayerStatusSkipsUnknownMember(t *testing.T) {
	sync, _, room := newTestStatusSync(t, 0)

	update, err := sync.BulkUpdatePlayerStatus(context.Background(), room.Room.RoomCode, []StatusUpdateInput{
		{UserID: "host-1", Location: "game"},
		{UserID: "ghost", Location: "game"},
	}, "sync_test")
	require.NoError(t, err)
	assert.Equal(t, "sync_test", update.Reason)
	assert.Len(t, update.Room.Members, 2)
}

func TestHandleGameEndReturnsEveryoneToLobby(t *testing.T) {
	sync, repo, room := newTestStatusSync(t, time.Second)
	require.NoError(t, repo.UpdateRoomStatus(context.Background(), room.Room.ID, domain.RoomStatusInGame))

	update, err := sync.HandleGameEnd(context.Background(), room.Room.RoomCode, GameResult{Source: "external_game", Reason: "game_over"})
	require.NoError(t, err)
	assert.Equal(t, domain.RoomStatusLobby, update.Room.Room.Status)
	for _, m := range update.Room.Members {
		assert.Equal(t, "lobby", m.CurrentLocation)
	}
	_, ok := update.Room.Room.Metadata[domain.MetaReturnInProgressUntil]
	assert.True(t, ok)
}

func TestUpdatePlayerLocationIsIdempotentPerTimestamp(t *testing.T) {
	sync, repo, room := newTestStatusSync(t, 0)

	first, err := sync.UpdatePlayerLocation(context.Background(), room.Room.RoomCode, "host-1", "game", "2026-07-31T12:00:00Z")
	require.NoError(t, err)
	require.NotNil(t, first)

	before, err := repo.GetRoomByID(context.Background(), room.Room.ID)
	require.NoError(t, err)
	var beforePing time.Time
	for _, m := range before.Members {
		if m.UserID == "host-1" {
			beforePing = m.LastPing
		}
	}

	second, err := sync.UpdatePlayerLocation(context.Background(), room.Room.RoomCode, "host-1", "game", "2026-07-31T12:00:00Z")
	require.NoError(t, err)
	assert.Nil(t, second, "retried push with the same (roomCode,userId,newLocation,timestamp) key must be a no-op")

	after, err := repo.GetRoomByID(context.Background(), room.Room.ID)
	require.NoError(t, err)
	for _, m := range after.Members {
		if m.UserID == "host-1" {
			assert.Equal(t, beforePing, m.LastPing, "deduped retry must not re-mutate the member row")
		}
	}
}

func TestUpdatePlayerLocationWithoutTimestampIsNeverDeduped(t *testing.T) {
	sync, _, room := newTestStatusSync(t, 0)

	first, err := sync.UpdatePlayerLocation(context.Background(), room.Room.RoomCode, "host-1", "game", "")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := sync.UpdatePlayerLocation(context.Background(), room.Room.RoomCode, "host-1", "game", "")
	require.NoError(t, err)
	assert.NotNil(t, second, "a caller that sends no timestamp gets no dedup guarantee")
}

func TestHandleAbandonDisconnectsEveryMember(t *testing.T) {
	sync, repo, room := newTestStatusSync(t, 0)

	update, err := sync.HandleAbandon(context.Background(), room.Room.RoomCode)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomStatusAbandoned, update.Room.Room.Status)
	require.Len(t, update.Room.Members, 2)
	for _, m := range update.Room.Members {
		assert.False(t, m.IsConnected, "member %s must be disconnected when its room is abandoned", m.UserID)
	}

	stored, err := repo.GetRoomByID(context.Background(), room.Room.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomStatusAbandoned, stored.Room.Status)
	for _, m := range stored.Members {
		assert.False(t, m.IsConnected)
	}
}

func TestHandleGameEndIssuesGroupSessionForStreamerModeRoom(t *testing.T) {
	repo := repository.NewMemoryRepository()
	actors := roomactor.NewRegistry()
	sessions := session.NewManager(repo, "https://lobby.example.com", time.Hour)
	sync := NewStatusSyncManager(repo, actors, sessions, time.Second)

	room, err := repo.CreateRoomWithHost(context.Background(), repository.CreateRoomParams{
		RoomCode: "STREAM1", HostUserID: "host-1", MaxPlayers: 4, StreamerMode: true,
	})
	require.NoError(t, err)
	gameID := "canasta"
	require.NoError(t, repo.SetRoomCurrentGame(context.Background(), room.Room.ID, &gameID))
	require.NoError(t, repo.UpdateRoomStatus(context.Background(), room.Room.ID, domain.RoomStatusInGame))

	update, err := sync.HandleGameEnd(context.Background(), room.Room.RoomCode, GameResult{Source: "external_game", Reason: "game_over"})
	require.NoError(t, err)
	require.NotNil(t, update.GroupSession, "streamer-mode rooms must get a generic group-return session")
	assert.Nil(t, update.GroupSession.UserID, "group sessions are legal only with a null user id")
	assert.True(t, update.GroupSession.StreamerMode)
	assert.NotEmpty(t, update.GroupSession.Token)
}

func TestHandleGameEndSkipsGroupSessionForNonStreamerRoom(t *testing.T) {
	sync, repo, room := newTestStatusSync(t, time.Second)
	require.NoError(t, repo.UpdateRoomStatus(context.Background(), room.Room.ID, domain.RoomStatusInGame))

	update, err := sync.HandleGameEnd(context.Background(), room.Room.RoomCode, GameResult{Source: "external_game", Reason: "game_over"})
	require.NoError(t, err)
	assert.Nil(t, update.GroupSession)
}

func TestSweepIdleMembersDisconnectsStalePing(t *testing.T) {
	sync, repo, room := newTestStatusSync(t, 0)
	stale := time.Now().Add(-time.Hour)
	inLobby := domain.PresenceInLobby
	_, err := repo.UpdateRoomMembersBulk(context.Background(), room.Room.ID, []repository.MemberPatch{
		{UserID: "user-2", Presence: &inLobby, LastPing: &stale},
	})
	require.NoError(t, err)

	require.NoError(t, sync.SweepIdleMembers(context.Background(), room.Room.RoomCode, 5*time.Minute))

	updated, err := repo.GetRoomByID(context.Background(), room.Room.ID)
	require.NoError(t, err)
	for _, m := range updated.Members {
		if m.UserID == "user-2" {
			assert.False(t, m.IsConnected)
		}
	}
}
