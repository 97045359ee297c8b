package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canasta-server/internal/domain"
	"canasta-server/internal/repository"
	"canasta-server/internal/roomactor"
	"canasta-server/internal/session"
)

func newTestLobby(t *testing.T) (*LobbyManager, *repository.MemoryRepository) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	repo.SeedGame(domain.GameDefinition{ID: "canasta", Name: "Canasta", BaseURL: "https://canasta.example.com", MinPlayers: 2, MaxPlayers: 4, IsActive: true})
	conns := NewConnectionManager(8)
	sessions := session.NewManager(repo, "https://lobby.example.com", 0)
	actors := roomactor.NewRegistry()
	return NewLobbyManager(repo, conns, sessions, actors), repo
}

func TestCreateRoomAssignsSixCharCode(t *testing.T) {
	lobby, _ := newTestLobby(t)
	room, version, err := lobby.CreateRoom(context.Background(), CreateRoomParams{HostUserID: "host-1", MaxPlayers: 4})
	require.NoError(t, err)
	assert.Len(t, room.Room.RoomCode, 6)
	assert.Equal(t, "host-1", room.Room.HostID)
	assert.Equal(t, domain.RoomStatusLobby, room.Room.Status)
	assert.Greater(t, version, int64(0))
	require.Len(t, room.Members, 1)
	assert.Equal(t, domain.MemberRoleHost, room.Members[0].Role)
}

func TestJoinRoomRejectsShortName(t *testing.T) {
	lobby, _ := newTestLobby(t)
	room, _, err := lobby.CreateRoom(context.Background(), CreateRoomParams{HostUserID: "host-1", MaxPlayers: 4})
	require.NoError(t, err)

	_, _, err = lobby.JoinRoom(context.Background(), room.Room.RoomCode, "user-2", "a")
	require.Error(t, err)
}

func TestJoinRoomRejectsWhenFull(t *testing.T) {
	lobby, _ := newTestLobby(t)
	room, _, err := lobby.CreateRoom(context.Background(), CreateRoomParams{HostUserID: "host-1", MaxPlayers: 2})
	require.NoError(t, err)

	_, _, err = lobby.JoinRoom(context.Background(), room.Room.RoomCode, "user-2", "Player Two")
	require.NoError(t, err)

	_, _, err = lobby.JoinRoom(context.Background(), room.Room.RoomCode, "user-3", "Player Three")
	require.Error(t, err)
	assert.Equal(t, "ROOM_FULL", errCode(err))
}

func TestJoinRoomSucceeds(t *testing.T) {
	lobby, _ := newTestLobby(t)
	room, _, err := lobby.CreateRoom(context.Background(), CreateRoomParams{HostUserID: "host-1", MaxPlayers: 4})
	require.NoError(t, err)

	updated, version, err := lobby.JoinRoom(context.Background(), room.Room.RoomCode, "user-2", "Player Two")
	require.NoError(t, err)
	assert.Greater(t, version, int64(0))
	assert.Len(t, updated.Members, 2)
}

func TestSelectGameRequiresHost(t *testing.T) {
	lobby, _ := newTestLobby(t)
	room, _, err := lobby.CreateRoom(context.Background(), CreateRoomParams{HostUserID: "host-1", MaxPlayers: 4})
	require.NoError(t, err)

	_, _, err = lobby.SelectGame(context.Background(), room.Room.RoomCode, "not-the-host", "canasta")
	require.Error(t, err)
	assert.Equal(t, "FORBIDDEN", errCode(err))
}

func TestStartGameIssuesSessionsForConnectedMembers(t *testing.T) {
	lobby, _ := newTestLobby(t)
	room, _, err := lobby.CreateRoom(context.Background(), CreateRoomParams{HostUserID: "host-1", MaxPlayers: 4})
	require.NoError(t, err)
	room, _, err = lobby.JoinRoom(context.Background(), room.Room.RoomCode, "user-2", "Player Two")
	require.NoError(t, err)

	_, _, err = lobby.SelectGame(context.Background(), room.Room.RoomCode, "host-1", "canasta")
	require.NoError(t, err)

	updated, sessions, version, err := lobby.StartGame(context.Background(), room.Room.RoomCode, "host-1", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomStatusInGame, updated.Room.Status)
	assert.Len(t, sessions, 2)
	assert.Greater(t, version, int64(0))
	for _, s := range sessions {
		assert.NotEmpty(t, s.Token)
		assert.Contains(t, s.RedirectURL, room.Room.RoomCode)
	}
}

func TestLeaveRoomTransfersHostToLongestJoinedMember(t *testing.T) {
	lobby, _ := newTestLobby(t)
	room, _, err := lobby.CreateRoom(context.Background(), CreateRoomParams{HostUserID: "host-1", MaxPlayers: 4})
	require.NoError(t, err)
	room, _, err = lobby.JoinRoom(context.Background(), room.Room.RoomCode, "user-2", "Player Two")
	require.NoError(t, err)

	updated, _, err := lobby.LeaveRoom(context.Background(), room.Room.RoomCode, "host-1")
	require.NoError(t, err)
	assert.Equal(t, "user-2", updated.Room.HostID)
}

func TestLeaveRoomAbandonsWhenLastMemberLeaves(t *testing.T) {
	lobby, _ := newTestLobby(t)
	room, _, err := lobby.CreateRoom(context.Background(), CreateRoomParams{HostUserID: "host-1", MaxPlayers: 4})
	require.NoError(t, err)

	updated, _, err := lobby.LeaveRoom(context.Background(), room.Room.RoomCode, "host-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomStatusAbandoned, updated.Room.Status)
}

func TestKickPlayerRemovesMember(t *testing.T) {
	lobby, _ := newTestLobby(t)
	room, _, err := lobby.CreateRoom(context.Background(), CreateRoomParams{HostUserID: "host-1", MaxPlayers: 4})
	require.NoError(t, err)
	room, _, err = lobby.JoinRoom(context.Background(), room.Room.RoomCode, "user-2", "Player Two")
	require.NoError(t, err)

	updated, _, err := lobby.KickPlayer(context.Background(), room.Room.RoomCode, "host-1", "user-2", "disruptive")
	require.NoError(t, err)
	assert.Len(t, updated.Members, 1)
}
