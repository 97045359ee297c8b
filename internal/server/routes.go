package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"canasta-server/internal/apperror"
	"canasta-server/internal/domain"
)

// RegisterRoutes mounts the socket endpoint and the External Game API
// behind one CORS-wrapped handler.
func (s *Server) RegisterRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/websocket", s.websocketHandler)
	mux.Handle("/", s.externalAPIRouter())

	return corsMiddleware(mux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	stats := s.connectionManager.GetStats()
	resp, _ := json.Marshal(map[string]any{
		"status":      "ok",
		"sockets":     stats.TotalSockets,
		"rooms":       stats.TotalRooms,
		"roomActors":  s.actors.Count(),
		"environment": s.cfg.Environment,
	})
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	originPatterns := []string{"*"}
	if s.cfg.Environment == "production" {
		originPatterns = []string{s.cfg.ClientURL}
	}

	socket, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns})
	if err != nil {
		http.Error(w, "failed to open websocket", http.StatusInternalServerError)
		return
	}
	defer socket.Close(websocket.StatusGoingAway, "server closing")

	token := r.URL.Query().Get("token")
	user, err := s.identity.Authenticate(r.Context(), token)
	if err != nil {
		s.sendError(socket, r.Context(), err)
		return
	}

	ctx := r.Context()
	socketID := uuid.New().String()
	s.log.Info("new socket connection", "socket", socketID, "user", user.ID)

	var boundRoom string
	if err := s.connectionManager.Register(socketID, user.ID, "", socket); err != nil {
		s.sendError(socket, ctx, err)
		return
	}

	heartbeatDone := make(chan struct{})
	go s.heartbeatLoop(ctx, socket, socketID, heartbeatDone)

	defer func() {
		close(heartbeatDone)
		s.connectionManager.Disconnect(socketID)
		s.connectionHealth.RemoveConnection(socketID)
		if boundRoom != "" {
			s.handleSocketDisconnect(context.Background(), boundRoom, user.ID)
		}
		s.log.Info("socket closed", "socket", socketID, "user", user.ID)
	}()

	for {
		msgType, data, err := socket.Read(ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(socket, ctx, apperror.New(apperror.CodeServerError, "invalid JSON"))
			continue
		}

		s.connectionHealth.UpdateActivity(socketID)
		boundRoom = s.dispatch(ctx, socket, socketID, user.ID, boundRoom, msg)
	}
}

// dispatch routes one decoded client message to the right manager and
// returns the room code the socket should now be considered bound to.
func (s *Server) dispatch(ctx context.Context, socket *websocket.Conn, socketID, userID, boundRoom string, msg ClientMessage) string {
	switch msg.Type {
	case "ping":
		_ = s.sendMessage(socket, ctx, ServerMessage{Type: "pong"})
		return boundRoom

	case EventCreateRoom:
		var payload struct {
			MaxPlayers   int  `json:"maxPlayers"`
			IsPublic     bool `json:"isPublic"`
			StreamerMode bool `json:"streamerMode"`
		}
		_ = json.Unmarshal(msg.Payload, &payload)
		room, version, err := s.lobby.CreateRoom(ctx, CreateRoomParams{
			HostUserID: userID, MaxPlayers: payload.MaxPlayers, IsPublic: payload.IsPublic, StreamerMode: payload.StreamerMode,
		})
		if err != nil {
			s.sendError(socket, ctx, err)
			return boundRoom
		}
		s.rebindSocket(socketID, userID, room.Room.RoomCode)
		s.emitSnapshot(ctx, EventRoomCreated, room, version, userID)
		return room.Room.RoomCode

	case EventJoinRoom, EventJoinSocketRoom:
		var payload struct {
			RoomCode   string `json:"roomCode"`
			PlayerName string `json:"playerName"`
		}
		_ = json.Unmarshal(msg.Payload, &payload)
		room, version, err := s.lobby.JoinRoom(ctx, NormalizeRoomCode(payload.RoomCode), userID, payload.PlayerName)
		if err != nil {
			s.sendError(socket, ctx, err)
			return boundRoom
		}
		s.rebindSocket(socketID, userID, room.Room.RoomCode)
		s.emitSnapshot(ctx, EventRoomJoined, room, version, userID)
		return room.Room.RoomCode

	case EventSelectGame:
		var payload struct {
			GameID string `json:"gameId"`
		}
		_ = json.Unmarshal(msg.Payload, &payload)
		room, version, err := s.lobby.SelectGame(ctx, boundRoom, userID, payload.GameID)
		if err != nil {
			s.sendError(socket, ctx, err)
			return boundRoom
		}
		s.emitSnapshot(ctx, EventGameSelected, room, version, userID)
		return boundRoom

	case EventStartGame:
		var payload struct {
			Settings map[string]any `json:"settings"`
		}
		_ = json.Unmarshal(msg.Payload, &payload)
		room, sessions, version, err := s.lobby.StartGame(ctx, boundRoom, userID, payload.Settings)
		if err != nil {
			s.sendError(socket, ctx, err)
			return boundRoom
		}
		s.emitSnapshot(ctx, EventGameStarted, room, version, userID)
		s.deliverSessionTokens(room.Room.RoomCode, sessions)
		return boundRoom

	case EventLeaveRoom:
		room, version, err := s.lobby.LeaveRoom(ctx, boundRoom, userID)
		if err != nil {
			s.sendError(socket, ctx, err)
			return boundRoom
		}
		s.emitSnapshot(ctx, EventPlayerLeft, room, version, userID)
		return ""

	case EventPlayerReturnToLobby:
		update, err := s.statusSync.HandleGameEnd(ctx, boundRoom, GameResult{Source: "host", Reason: "player_return"})
		if err != nil {
			s.sendError(socket, ctx, err)
			return boundRoom
		}
		s.emitStatusUpdate(ctx, update, userID)
		s.emitReturnToGB(ctx, update, "player_return")
		return boundRoom

	case EventTransferHost:
		var payload struct {
			TargetID string `json:"targetId"`
		}
		_ = json.Unmarshal(msg.Payload, &payload)
		room, version, err := s.lobby.TransferHost(ctx, boundRoom, userID, payload.TargetID)
		if err != nil {
			s.sendError(socket, ctx, err)
			return boundRoom
		}
		s.emitSnapshot(ctx, EventHostTransferred, room, version, userID)
		return boundRoom

	case EventKickPlayer:
		var payload struct {
			TargetID string `json:"targetId"`
			Reason   string `json:"reason"`
		}
		_ = json.Unmarshal(msg.Payload, &payload)
		room, version, err := s.lobby.KickPlayer(ctx, boundRoom, userID, payload.TargetID, payload.Reason)
		if err != nil {
			s.sendError(socket, ctx, err)
			return boundRoom
		}
		s.emitSnapshot(ctx, EventPlayerKicked, room, version, userID)
		return boundRoom

	default:
		s.sendError(socket, ctx, apperror.New(apperror.CodeServerError, fmt.Sprintf("unknown message type: %s", msg.Type)))
		return boundRoom
	}
}

func (s *Server) rebindSocket(socketID, userID, roomCode string) {
	conn, ok := s.connectionManager.Conn(socketID)
	s.connectionManager.Disconnect(socketID)
	if ok {
		_ = s.connectionManager.Register(socketID, userID, roomCode, conn)
	}
}

func (s *Server) handleSocketDisconnect(ctx context.Context, roomCode, userID string) {
	if _, err := s.statusSync.UpdatePlayerLocation(ctx, roomCode, userID, "disconnected", ""); err != nil {
		s.log.Warn("failed to record disconnect", "room", roomCode, "user", userID, "error", err)
	}
}

func (s *Server) deliverSessionTokens(roomCode string, sessions []StartedSession) {
	for _, sess := range sessions {
		for _, socketID := range s.connectionManager.RoomSockets(roomCode) {
			owner, ok := s.connectionManager.SocketUser(socketID)
			if !ok || owner != sess.UserID {
				continue
			}
			conn, ok := s.connectionManager.Conn(socketID)
			if !ok {
				continue
			}
			_ = s.sendMessage(conn, context.Background(), ServerMessage{Type: EventGameStarted, Payload: sess})
		}
	}
}

// heartbeatLoop sends periodic websocket pings so the transport layer
// (not the application protocol) detects dead sockets.
func (s *Server) heartbeatLoop(ctx context.Context, socket *websocket.Conn, socketID string, done chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.cfg.PingTimeout)
			err := socket.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func sendMessage(socket *websocket.Conn, ctx context.Context, msg ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	return socket.Write(ctx, websocket.MessageText, data)
}

func (s *Server) sendMessage(socket *websocket.Conn, ctx context.Context, msg ServerMessage) error {
	return sendMessage(socket, ctx, msg)
}

func (s *Server) sendError(socket *websocket.Conn, ctx context.Context, err error) {
	code := string(apperror.CodeServerError)
	message := err.Error()
	if ae, ok := err.(*apperror.Error); ok {
		code = string(ae.Code)
		message = ae.Code.Message()
	}
	_ = s.sendMessage(socket, ctx, ServerMessage{
		Type:    EventError,
		Payload: NewErrorEnvelope(code, message, nil),
	})
}

// emitSnapshot broadcasts the authoritative room snapshot to every
// socket currently bound to the room, hiding the room code from
// non-members of a streamer-mode room (spec.md §3).
func (s *Server) emitSnapshot(ctx context.Context, eventType string, room *domain.RoomWithMembers, version int64, actingUserID string) {
	for _, socketID := range s.connectionManager.RoomSockets(room.Room.RoomCode) {
		owner, ok := s.connectionManager.SocketUser(socketID)
		if !ok {
			continue
		}
		conn, ok := s.connectionManager.Conn(socketID)
		if !ok {
			continue
		}
		snapshot := BuildSnapshot(room, version, owner)
		_ = s.sendMessage(conn, ctx, ServerMessage{Type: eventType, Payload: snapshot})
	}
}

// emitReturnToGB broadcasts server:return-to-gb (spec.md §4.C/§6) whenever
// HandleGameEnd just issued a generic group session for a streamer-mode
// room's return — every socket in the room redirects through the same
// session since there is no per-user slot to address individually.
func (s *Server) emitReturnToGB(ctx context.Context, update *PlayerStatusUpdate, reason string) {
	if update == nil || update.GroupSession == nil {
		return
	}
	payload := map[string]any{
		"roomCode":    update.Room.Room.RoomCode,
		"mode":        "group",
		"initiatedAt": update.GroupSession.CreatedAt,
		"reason":      reason,
		"returnUrl":   s.sessions.BuildReturnUrl(&update.Room.Room, update.GroupSession),
	}
	for _, socketID := range s.connectionManager.RoomSockets(update.Room.Room.RoomCode) {
		conn, ok := s.connectionManager.Conn(socketID)
		if !ok {
			continue
		}
		_ = s.sendMessage(conn, ctx, ServerMessage{Type: EventReturnToGB, Payload: payload})
	}
}

func (s *Server) emitStatusUpdate(ctx context.Context, update *PlayerStatusUpdate, actingUserID string) {
	if update == nil {
		return
	}
	for _, socketID := range s.connectionManager.RoomSockets(update.Room.Room.RoomCode) {
		owner, ok := s.connectionManager.SocketUser(socketID)
		if !ok {
			continue
		}
		conn, ok := s.connectionManager.Conn(socketID)
		if !ok {
			continue
		}
		snapshot := BuildSnapshot(update.Room, update.RoomVersion, owner)
		_ = s.sendMessage(conn, ctx, ServerMessage{
			Type: EventPlayerStatusUpdated,
			Payload: map[string]any{
				"reason":      update.Reason,
				"roomVersion": update.RoomVersion,
				"source":      update.Source,
				"room":        snapshot.Room,
				"players":     snapshot.Members,
			},
		})
	}
}
