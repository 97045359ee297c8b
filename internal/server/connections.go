package server

import (
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ErrTooManyConnections is returned by Register when a user already has
// MaxConnPerUser live sockets. The caller decides policy (reject the new
// connection, or evict an old one) — this manager only enforces the
// limit, per spec.md §6's "configuration is mechanism, not policy".
var ErrTooManyConnections = errors.New("too many connections for this user")

// socketInfo is the per-socket bookkeeping the Connection Manager keeps.
type socketInfo struct {
	conn        *websocket.Conn
	userID      string
	roomCode    string
	connectedAt time.Time
}

// ConnectionManager tracks live sockets against users and rooms so the
// Lobby/StatusSync managers can fan broadcasts out without owning
// transport details themselves (spec.md §4.B).
type ConnectionManager struct {
	mu             sync.RWMutex
	sockets        map[string]socketInfo     // socketId -> info
	userSockets    map[string]map[string]bool // userId -> set<socketId>
	roomSockets    map[string]map[string]bool // roomCode -> set<socketId>
	maxConnPerUser int
}

func NewConnectionManager(maxConnPerUser int) *ConnectionManager {
	if maxConnPerUser <= 0 {
		maxConnPerUser = 8
	}
	return &ConnectionManager{
		sockets:        make(map[string]socketInfo),
		userSockets:    make(map[string]map[string]bool),
		roomSockets:    make(map[string]map[string]bool),
		maxConnPerUser: maxConnPerUser,
	}
}

// Register binds a new socket to a user and room. It refuses to exceed
// MaxConnPerUser rather than silently evicting an older socket.
func (cm *ConnectionManager) Register(socketID, userID, roomCode string, conn *websocket.Conn) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if len(cm.userSockets[userID]) >= cm.maxConnPerUser {
		return ErrTooManyConnections
	}

	cm.sockets[socketID] = socketInfo{conn: conn, userID: userID, roomCode: roomCode, connectedAt: time.Now()}

	if cm.userSockets[userID] == nil {
		cm.userSockets[userID] = make(map[string]bool)
	}
	cm.userSockets[userID][socketID] = true

	if cm.roomSockets[roomCode] == nil {
		cm.roomSockets[roomCode] = make(map[string]bool)
	}
	cm.roomSockets[roomCode][socketID] = true

	return nil
}

// Disconnect removes a socket from every index. It returns the bindings
// that were in effect, so callers can decide what (if anything) to do
// about the user's presence in that room.
func (cm *ConnectionManager) Disconnect(socketID string) (userID, roomCode string, ok bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	info, exists := cm.sockets[socketID]
	if !exists {
		return "", "", false
	}
	delete(cm.sockets, socketID)

	if set := cm.userSockets[info.userID]; set != nil {
		delete(set, socketID)
		if len(set) == 0 {
			delete(cm.userSockets, info.userID)
		}
	}
	if set := cm.roomSockets[info.roomCode]; set != nil {
		delete(set, socketID)
		if len(set) == 0 {
			delete(cm.roomSockets, info.roomCode)
		}
	}

	return info.userID, info.roomCode, true
}

// GetUserConnections returns every live socket for a user, across rooms
// — used to deliver out-of-band notifications like achievement unlocks.
func (cm *ConnectionManager) GetUserConnections(userID string) []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	out := make([]string, 0, len(cm.userSockets[userID]))
	for socketID := range cm.userSockets[userID] {
		out = append(out, socketID)
	}
	return out
}

// RoomSockets returns every socket currently bound to roomCode.
func (cm *ConnectionManager) RoomSockets(roomCode string) []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	out := make([]string, 0, len(cm.roomSockets[roomCode]))
	for socketID := range cm.roomSockets[roomCode] {
		out = append(out, socketID)
	}
	return out
}

// SocketUser returns the user id a socket is bound to.
func (cm *ConnectionManager) SocketUser(socketID string) (string, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	info, ok := cm.sockets[socketID]
	if !ok {
		return "", false
	}
	return info.userID, true
}

func (cm *ConnectionManager) Conn(socketID string) (*websocket.Conn, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	info, ok := cm.sockets[socketID]
	if !ok {
		return nil, false
	}
	return info.conn, true
}

// AllSockets returns every currently registered socket id, used for
// process-wide broadcasts like a shutdown notice.
func (cm *ConnectionManager) AllSockets() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]string, 0, len(cm.sockets))
	for socketID := range cm.sockets {
		out = append(out, socketID)
	}
	return out
}

// Stats reports the live totals the health endpoint exposes.
type Stats struct {
	TotalSockets int
	TotalUsers   int
	TotalRooms   int
}

func (cm *ConnectionManager) GetStats() Stats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return Stats{
		TotalSockets: len(cm.sockets),
		TotalUsers:   len(cm.userSockets),
		TotalRooms:   len(cm.roomSockets),
	}
}
