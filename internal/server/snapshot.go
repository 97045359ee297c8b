package server

import "canasta-server/internal/domain"

// BuildSnapshot projects a RoomWithMembers into the wire format broadcast
// to sockets. forMember is the recipient's own user id; in a
// streamer-mode room, the room code is hidden from everyone except
// current members, per spec.md §3 "streamer_mode...room code is
// suppressed in URLs and broadcast payloads to non-members". An empty
// forMember means the recipient is the trusted external game server
// itself (not a socket), which always sees the real code.
func BuildSnapshot(room *domain.RoomWithMembers, version int64, forMember string) RoomSnapshot {
	isMember := forMember == ""
	for _, m := range room.Members {
		if m.UserID == forMember {
			isMember = true
			break
		}
	}

	code := room.Room.RoomCode
	if room.Room.StreamerMode && !isMember {
		code = ""
	}

	view := RoomView{
		ID:           room.Room.ID,
		Code:         code,
		HostID:       room.Room.HostID,
		Status:       string(room.Room.Status),
		CurrentGame:  room.Room.CurrentGame,
		MaxPlayers:   room.Room.MaxPlayers,
		IsPublic:     room.Room.IsPublic,
		StreamerMode: room.Room.StreamerMode,
		GameSettings: room.Room.GameSettings,
	}

	members := make([]MemberView, 0, len(room.Members))
	for _, m := range room.Members {
		if m.LeftAt != nil {
			continue
		}
		mv := MemberView{
			UserID:          m.UserID,
			Role:            string(m.Role),
			IsConnected:     m.IsConnected,
			InGame:          m.InGame,
			CurrentLocation: m.CurrentLocation,
			IsReady:         m.IsReady,
		}
		if m.CustomLobbyName != nil {
			mv.CustomLobbyName = *m.CustomLobbyName
		}
		if m.User != nil {
			mv.Username = m.User.Username
		}
		members = append(members, mv)
	}

	return RoomSnapshot{RoomVersion: version, Room: view, Members: members}
}
