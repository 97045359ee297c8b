package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"canasta-server/internal/apperror"
	"canasta-server/internal/domain"
)

// MemoryRepository is an in-process fake satisfying Repository. It backs
// the fast unit-test suite. The Postgres-backed PostgresRepository has no
// tests in this repository.
type MemoryRepository struct {
	mu sync.Mutex

	rooms       map[string]*domain.Room // by ID
	roomsByCode map[string]string       // code -> ID, live rooms only
	members     map[string]map[string]*domain.RoomMember // roomID -> userID -> member
	sessions    map[string]*domain.PlayerSession          // token -> session
	users       map[string]*domain.User
	games       map[string]*domain.GameDefinition
	apiKeys     map[string]*domain.ApiKey
	events      []domain.EventLog
	stats       map[string]*domain.UserStats
	unlocked    map[string]map[string]bool // userID -> achievementID -> unlocked
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rooms:       make(map[string]*domain.Room),
		roomsByCode: make(map[string]string),
		members:     make(map[string]map[string]*domain.RoomMember),
		sessions:    make(map[string]*domain.PlayerSession),
		users:       make(map[string]*domain.User),
		games:       make(map[string]*domain.GameDefinition),
		apiKeys:     make(map[string]*domain.ApiKey),
		stats:       make(map[string]*domain.UserStats),
		unlocked:    make(map[string]map[string]bool),
	}
}

// SeedGame registers a GameDefinition for tests that exercise selectGame
// / startGame without a real catalog service.
func (r *MemoryRepository) SeedGame(g domain.GameDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.games[g.ID] = &g
}

// SeedAPIKey registers an ApiKey for tests exercising the External Game
// API auth middleware.
func (r *MemoryRepository) SeedAPIKey(k domain.ApiKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apiKeys[k.HashedKey] = &k
}

func (r *MemoryRepository) snapshotRoom(roomID string) *domain.RoomWithMembers {
	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	roomCopy := *room
	roomCopy.Metadata = cloneMap(room.Metadata)
	roomCopy.GameSettings = cloneMap(room.GameSettings)

	out := &domain.RoomWithMembers{Room: roomCopy}
	for _, m := range r.members[roomID] {
		mc := *m
		if m.User != nil {
			uc := *m.User
			mc.User = &uc
		}
		out.Members = append(out.Members, mc)
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (r *MemoryRepository) CreateRoomWithHost(ctx context.Context, params CreateRoomParams) (*domain.RoomWithMembers, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.roomsByCode[params.RoomCode]; exists {
		return nil, apperror.New(apperror.CodeServerError, "room code already in use")
	}

	now := time.Now()
	room := &domain.Room{
		ID:           uuid.New().String(),
		RoomCode:     params.RoomCode,
		HostID:       params.HostUserID,
		Status:       domain.RoomStatusLobby,
		MaxPlayers:   params.MaxPlayers,
		IsPublic:     params.IsPublic,
		StreamerMode: params.StreamerMode,
		GameSettings: map[string]any{},
		Metadata:     map[string]any{},
		CreatedAt:    now,
		LastActivity: now,
	}
	r.rooms[room.ID] = room
	r.roomsByCode[room.RoomCode] = room.ID

	host := &domain.RoomMember{
		RoomID:   room.ID,
		UserID:   params.HostUserID,
		Role:     domain.MemberRoleHost,
		JoinedAt: now,
		LastPing: now,
	}
	host.ApplyPresence(domain.PresenceInLobby)
	if user, ok := r.users[params.HostUserID]; ok {
		uc := *user
		host.User = &uc
	}

	r.members[room.ID] = map[string]*domain.RoomMember{params.HostUserID: host}

	return r.snapshotRoom(room.ID), nil
}

func (r *MemoryRepository) GetRoomByCode(ctx context.Context, code string) (*domain.RoomWithMembers, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.roomsByCode[code]
	if !ok {
		return nil, apperror.New(apperror.CodeRoomNotFound, code)
	}
	return r.snapshotRoom(id), nil
}

func (r *MemoryRepository) GetRoomByID(ctx context.Context, id string) (*domain.RoomWithMembers, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.snapshotRoom(id)
	if snap == nil {
		return nil, apperror.New(apperror.CodeRoomNotFound, id)
	}
	return snap, nil
}

func (r *MemoryRepository) ListLiveRoomCodes(ctx context.Context) (map[string]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]bool, len(r.roomsByCode))
	for code, id := range r.roomsByCode {
		if room, ok := r.rooms[id]; ok && !room.Status.Terminal() {
			out[code] = true
		}
	}
	return out, nil
}

func (r *MemoryRepository) UpdateRoomStatus(ctx context.Context, roomID string, status domain.RoomStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return apperror.New(apperror.CodeRoomNotFound, roomID)
	}
	room.Status = status
	room.LastActivity = time.Now()
	if status.Terminal() {
		delete(r.roomsByCode, room.RoomCode)
	}
	return nil
}

func (r *MemoryRepository) UpdateRoomMetadata(ctx context.Context, roomID string, metadata map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return apperror.New(apperror.CodeRoomNotFound, roomID)
	}
	if room.Metadata == nil {
		room.Metadata = map[string]any{}
	}
	for k, v := range metadata {
		room.Metadata[k] = v
	}
	return nil
}

func (r *MemoryRepository) SetRoomCurrentGame(ctx context.Context, roomID string, gameID *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return apperror.New(apperror.CodeRoomNotFound, roomID)
	}
	room.CurrentGame = gameID
	return nil
}

func (r *MemoryRepository) TransferHost(ctx context.Context, roomID, newHostUserID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return apperror.New(apperror.CodeRoomNotFound, roomID)
	}
	members, ok := r.members[roomID]
	if !ok {
		return apperror.New(apperror.CodeRoomNotFound, roomID)
	}
	if _, ok := members[newHostUserID]; !ok {
		return apperror.New(apperror.CodeServerError, "new host is not a member")
	}
	for _, m := range members {
		if m.Role == domain.MemberRoleHost {
			m.Role = domain.MemberRolePlayer
		}
	}
	members[newHostUserID].Role = domain.MemberRoleHost
	room.HostID = newHostUserID
	return nil
}

func (r *MemoryRepository) UpsertMember(ctx context.Context, roomID string, member domain.RoomMember) (*domain.RoomMember, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[roomID]; !ok {
		return nil, apperror.New(apperror.CodeRoomNotFound, roomID)
	}
	if r.members[roomID] == nil {
		r.members[roomID] = map[string]*domain.RoomMember{}
	}
	if member.JoinedAt.IsZero() {
		member.JoinedAt = time.Now()
	}
	if user, ok := r.users[member.UserID]; ok {
		uc := *user
		member.User = &uc
	}
	mc := member
	r.members[roomID][member.UserID] = &mc

	out := *r.members[roomID][member.UserID]
	return &out, nil
}

func (r *MemoryRepository) UpdateRoomMembersBulk(ctx context.Context, roomID string, patches []MemberPatch) (*domain.RoomWithMembers, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[roomID]; !ok {
		return nil, apperror.New(apperror.CodeRoomNotFound, roomID)
	}
	members := r.members[roomID]
	if members == nil {
		return nil, apperror.New(apperror.CodeRoomNotFound, roomID)
	}

	for _, patch := range patches {
		m, ok := members[patch.UserID]
		if !ok {
			continue // per spec.md S6, unknown members are skipped, not fatal
		}
		if patch.Presence != nil {
			m.ApplyPresence(*patch.Presence)
		}
		if patch.IsReady != nil {
			m.IsReady = *patch.IsReady
		}
		if patch.SocketID != nil {
			m.SocketID = patch.SocketID
		}
		if patch.LastPing != nil {
			m.LastPing = *patch.LastPing
		}
		if patch.GameData != nil {
			m.GameData = patch.GameData
		}
		if patch.CustomLobbyName != nil {
			m.CustomLobbyName = patch.CustomLobbyName
		}
		if patch.Role != nil {
			m.Role = *patch.Role
		}
		if patch.LeftAt != nil {
			m.LeftAt = patch.LeftAt
		}
	}

	return r.snapshotRoom(roomID), nil
}

func (r *MemoryRepository) RemoveMember(ctx context.Context, roomID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if members, ok := r.members[roomID]; ok {
		delete(members, userID)
	}
	return nil
}

func (r *MemoryRepository) CreateSession(ctx context.Context, session domain.PlayerSession) (*domain.PlayerSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	sc := session
	r.sessions[session.Token] = &sc
	out := sc
	return &out, nil
}

func (r *MemoryRepository) GetSessionByToken(ctx context.Context, token string) (*domain.PlayerSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[token]
	if !ok {
		return nil, apperror.New(apperror.CodeInvalidSession, "token not found")
	}
	out := *s
	return &out, nil
}

func (r *MemoryRepository) RevokeSession(ctx context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[token]
	if !ok {
		return apperror.New(apperror.CodeInvalidSession, "token not found")
	}
	s.Status = domain.SessionRevoked
	return nil
}

func (r *MemoryRepository) ExpireSession(ctx context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[token]
	if !ok {
		return apperror.New(apperror.CodeInvalidSession, "token not found")
	}
	s.Status = domain.SessionExpired
	return nil
}

func (r *MemoryRepository) ListActiveSessionsForRoom(ctx context.Context, roomID string) ([]domain.PlayerSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.PlayerSession
	now := time.Now()
	for _, s := range r.sessions {
		if s.RoomID == roomID && s.Valid(now) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *MemoryRepository) GetGameDefinition(ctx context.Context, gameID string) (*domain.GameDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.games[gameID]
	if !ok {
		return nil, apperror.New(apperror.CodeServerError, "game definition not found")
	}
	out := *g
	return &out, nil
}

func (r *MemoryRepository) ListActiveGameDefinitions(ctx context.Context) ([]domain.GameDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.GameDefinition
	for _, g := range r.games {
		if g.Joinable() {
			out = append(out, *g)
		}
	}
	return out, nil
}

func (r *MemoryRepository) UpsertUser(ctx context.Context, user domain.User) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.LastSeen = time.Now()
	uc := user
	r.users[user.ID] = &uc
	out := uc
	return &out, nil
}

func (r *MemoryRepository) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return nil, apperror.New(apperror.CodeServerError, "user not found")
	}
	out := *u
	return &out, nil
}

func (r *MemoryRepository) LogEvent(ctx context.Context, roomID string, userID *string, eventType string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, domain.EventLog{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		UserID:    userID,
		EventType: eventType,
		EventData: data,
		CreatedAt: time.Now(),
	})
}

// Events returns a snapshot of the event log, for assertions in tests.
func (r *MemoryRepository) Events() []domain.EventLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventLog, len(r.events))
	copy(out, r.events)
	return out
}

func (r *MemoryRepository) ApplyXPEvent(ctx context.Context, userID string, xpDelta int, reason string) (domain.UserStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.stats[userID]
	if !ok {
		st = &domain.UserStats{UserID: userID}
		r.stats[userID] = st
	}
	st.XP += xpDelta
	st.Level = domain.LevelForXP(st.XP)
	return *st, nil
}

func (r *MemoryRepository) RecordAchievementUnlocks(ctx context.Context, userID string, achievementIDs []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.unlocked[userID] == nil {
		r.unlocked[userID] = map[string]bool{}
	}
	var newly []string
	for _, id := range achievementIDs {
		if !r.unlocked[userID][id] {
			r.unlocked[userID][id] = true
			newly = append(newly, id)
		}
	}
	return newly, nil
}

func (r *MemoryRepository) GetAPIKeyByHash(ctx context.Context, hashedKey string) (*domain.ApiKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, ok := r.apiKeys[hashedKey]
	if !ok {
		return nil, apperror.New(apperror.CodeInvalidAPIKey, "unknown api key")
	}
	out := *k
	return &out, nil
}

func (r *MemoryRepository) Close() {}
