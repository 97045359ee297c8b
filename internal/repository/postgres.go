package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"canasta-server/internal/apperror"
	"canasta-server/internal/domain"
)

// PostgresRepository implements Repository against a real Postgres
// database through jackc/pgx's pool. This type only executes the
// queries; it does not check which component calls it (see repository.go).
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Connect builds a pgxpool from a DSN, applying the configured max pool
// size (spec.md §6 ambient DB_MAX_CONNS).
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

func (r *PostgresRepository) Close() { r.pool.Close() }

func marshalJSON(v map[string]any) []byte {
	if v == nil {
		v = map[string]any{}
	}
	b, _ := json.Marshal(v)
	return b
}

func unmarshalJSON(b []byte) map[string]any {
	out := map[string]any{}
	if len(b) == 0 {
		return out
	}
	_ = json.Unmarshal(b, &out)
	return out
}

func (r *PostgresRepository) CreateRoomWithHost(ctx context.Context, params CreateRoomParams) (*domain.RoomWithMembers, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeDatabaseError, err)
	}
	defer tx.Rollback(ctx)

	roomID := uuid.New().String()
	now := time.Now()

	_, err = tx.Exec(ctx, `
		INSERT INTO rooms (id, room_code, host_id, status, max_players, is_public, streamer_mode,
			game_settings, metadata, created_at, last_activity)
		VALUES ($1, $2, $3, 'lobby', $4, $5, $6, $7, $8, $9, $9)
	`, roomID, params.RoomCode, params.HostUserID, params.MaxPlayers, params.IsPublic,
		params.StreamerMode, marshalJSON(nil), marshalJSON(nil), now)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeDatabaseError, err)
	}

	proj := domain.DeriveProjection(domain.PresenceInLobby)
	_, err = tx.Exec(ctx, `
		INSERT INTO room_members (room_id, user_id, role, is_connected, in_game, current_location,
			is_ready, last_ping, game_data, joined_at)
		VALUES ($1, $2, 'host', $3, $4, $5, false, $6, $7, $6)
	`, roomID, params.HostUserID, proj.IsConnected, proj.InGame, proj.CurrentLocation, now, marshalJSON(nil))
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeDatabaseError, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperror.Wrap(apperror.CodeDatabaseError, err)
	}

	return r.GetRoomByID(ctx, roomID)
}

const roomWithMembersQuery = `
	SELECT r.id, r.room_code, r.host_id, r.status, r.current_game, r.max_players, r.is_public,
		r.streamer_mode, r.game_settings, r.metadata, r.created_at, r.last_activity,
		m.user_id, m.role, m.is_connected, m.in_game, m.current_location, m.is_ready,
		m.socket_id, m.last_ping, m.game_data, m.custom_lobby_name, m.joined_at, m.left_at,
		u.id, u.username, u.display_name, u.avatar_url, u.role, u.is_guest, u.premium_tier,
		u.xp, u.level, u.last_seen
	FROM rooms r
	LEFT JOIN room_members m ON m.room_id = r.id
	LEFT JOIN users u ON u.id = m.user_id
	WHERE %s
`

func (r *PostgresRepository) scanRoomWithMembers(ctx context.Context, whereClause string, arg any) (*domain.RoomWithMembers, error) {
	rows, err := r.pool.Query(ctx, fmt.Sprintf(roomWithMembersQuery, whereClause), arg)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeDatabaseError, err)
	}
	defer rows.Close()

	var out *domain.RoomWithMembers
	for rows.Next() {
		var room domain.Room
		var currentGame *string
		var gameSettings, metadata []byte

		var userID *string
		var mRole *string
		var isConnected, inGame, isReady *bool
		var currentLocation *string
		var socketID, customLobbyName *string
		var lastPing, joinedAt *time.Time
		var leftAt *time.Time
		var gameData []byte

		var uID, uUsername, uDisplayName, uAvatarURL *string
		var uRole *string
		var uIsGuest *bool
		var uPremiumTier *string
		var uXP, uLevel *int
		var uLastSeen *time.Time

		err := rows.Scan(
			&room.ID, &room.RoomCode, &room.HostID, &room.Status, &currentGame, &room.MaxPlayers,
			&room.IsPublic, &room.StreamerMode, &gameSettings, &metadata, &room.CreatedAt, &room.LastActivity,
			&userID, &mRole, &isConnected, &inGame, &currentLocation, &isReady,
			&socketID, &lastPing, &gameData, &customLobbyName, &joinedAt, &leftAt,
			&uID, &uUsername, &uDisplayName, &uAvatarURL, &uRole, &uIsGuest, &uPremiumTier,
			&uXP, &uLevel, &uLastSeen,
		)
		if err != nil {
			return nil, apperror.Wrap(apperror.CodeDatabaseError, err)
		}

		if out == nil {
			room.CurrentGame = currentGame
			room.GameSettings = unmarshalJSON(gameSettings)
			room.Metadata = unmarshalJSON(metadata)
			out = &domain.RoomWithMembers{Room: room}
		}

		if userID == nil {
			continue // room has no members yet
		}

		member := domain.RoomMember{
			RoomID:          out.Room.ID,
			UserID:          *userID,
			Role:            domain.MemberRole(*mRole),
			IsConnected:     *isConnected,
			InGame:          *inGame,
			CurrentLocation: *currentLocation,
			IsReady:         *isReady,
			SocketID:        socketID,
			GameData:        unmarshalJSON(gameData),
			CustomLobbyName: customLobbyName,
			LeftAt:          leftAt,
		}
		if lastPing != nil {
			member.LastPing = *lastPing
		}
		if joinedAt != nil {
			member.JoinedAt = *joinedAt
		}
		if uID != nil {
			member.User = &domain.User{
				ID:          *uID,
				Username:    derefStr(uUsername),
				DisplayName: derefStr(uDisplayName),
				AvatarURL:   derefStr(uAvatarURL),
				Role:        domain.Role(derefStr(uRole)),
				IsGuest:     uIsGuest != nil && *uIsGuest,
				PremiumTier: domain.PremiumTier(derefStr(uPremiumTier)),
				XP:          derefInt(uXP),
				Level:       derefInt(uLevel),
			}
			if uLastSeen != nil {
				member.User.LastSeen = *uLastSeen
			}
		}

		out.Members = append(out.Members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Wrap(apperror.CodeDatabaseError, err)
	}
	if out == nil {
		return nil, apperror.New(apperror.CodeRoomNotFound, fmt.Sprintf("%v", arg))
	}
	return out, nil
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}

func (r *PostgresRepository) GetRoomByCode(ctx context.Context, code string) (*domain.RoomWithMembers, error) {
	return r.scanRoomWithMembers(ctx, "r.room_code = $1", code)
}

func (r *PostgresRepository) GetRoomByID(ctx context.Context, id string) (*domain.RoomWithMembers, error) {
	return r.scanRoomWithMembers(ctx, "r.id = $1", id)
}

func (r *PostgresRepository) ListLiveRoomCodes(ctx context.Context) (map[string]bool, error) {
	rows, err := r.pool.Query(ctx, `SELECT room_code FROM rooms WHERE status NOT IN ('abandoned', 'finished')`)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeDatabaseError, err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, apperror.Wrap(apperror.CodeDatabaseError, err)
		}
		out[code] = true
	}
	return out, rows.Err()
}

func (r *PostgresRepository) UpdateRoomStatus(ctx context.Context, roomID string, status domain.RoomStatus) error {
	_, err := r.pool.Exec(ctx, `UPDATE rooms SET status = $1, last_activity = now() WHERE id = $2`, status, roomID)
	if err != nil {
		return apperror.Wrap(apperror.CodeDatabaseError, err)
	}
	return nil
}

func (r *PostgresRepository) UpdateRoomMetadata(ctx context.Context, roomID string, metadata map[string]any) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE rooms SET metadata = metadata || $1::jsonb, last_activity = now() WHERE id = $2
	`, marshalJSON(metadata), roomID)
	if err != nil {
		return apperror.Wrap(apperror.CodeDatabaseError, err)
	}
	return nil
}

func (r *PostgresRepository) SetRoomCurrentGame(ctx context.Context, roomID string, gameID *string) error {
	_, err := r.pool.Exec(ctx, `UPDATE rooms SET current_game = $1 WHERE id = $2`, gameID, roomID)
	if err != nil {
		return apperror.Wrap(apperror.CodeDatabaseError, err)
	}
	return nil
}

func (r *PostgresRepository) TransferHost(ctx context.Context, roomID, newHostUserID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return apperror.Wrap(apperror.CodeDatabaseError, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE room_members SET role = 'player' WHERE room_id = $1 AND role = 'host'`, roomID); err != nil {
		return apperror.Wrap(apperror.CodeDatabaseError, err)
	}
	tag, err := tx.Exec(ctx, `UPDATE room_members SET role = 'host' WHERE room_id = $1 AND user_id = $2`, roomID, newHostUserID)
	if err != nil {
		return apperror.Wrap(apperror.CodeDatabaseError, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.New(apperror.CodeServerError, "new host is not a member")
	}
	if _, err := tx.Exec(ctx, `UPDATE rooms SET host_id = $1 WHERE id = $2`, newHostUserID, roomID); err != nil {
		return apperror.Wrap(apperror.CodeDatabaseError, err)
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) UpsertMember(ctx context.Context, roomID string, member domain.RoomMember) (*domain.RoomMember, error) {
	proj := domain.DeriveProjection(domain.ParsePresence(member.CurrentLocation))
	_, err := r.pool.Exec(ctx, `
		INSERT INTO room_members (room_id, user_id, role, is_connected, in_game, current_location,
			is_ready, socket_id, last_ping, game_data, custom_lobby_name, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		ON CONFLICT (room_id, user_id) DO UPDATE SET
			role = EXCLUDED.role,
			is_connected = EXCLUDED.is_connected,
			in_game = EXCLUDED.in_game,
			current_location = EXCLUDED.current_location,
			is_ready = EXCLUDED.is_ready,
			socket_id = EXCLUDED.socket_id,
			last_ping = EXCLUDED.last_ping,
			left_at = NULL
	`, roomID, member.UserID, member.Role, proj.IsConnected, proj.InGame, proj.CurrentLocation,
		member.IsReady, member.SocketID, member.LastPing, marshalJSON(member.GameData), member.CustomLobbyName)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeDatabaseError, err)
	}
	out := member
	return &out, nil
}

func (r *PostgresRepository) UpdateRoomMembersBulk(ctx context.Context, roomID string, patches []MemberPatch) (*domain.RoomWithMembers, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeDatabaseError, err)
	}
	defer tx.Rollback(ctx)

	for _, patch := range patches {
		var proj *domain.Projection
		if patch.Presence != nil {
			p := domain.DeriveProjection(*patch.Presence)
			proj = &p
		}
		_, err := tx.Exec(ctx, `
			UPDATE room_members SET
				is_connected = COALESCE($1, is_connected),
				in_game = COALESCE($2, in_game),
				current_location = COALESCE($3, current_location),
				is_ready = COALESCE($4, is_ready),
				socket_id = COALESCE($5, socket_id),
				last_ping = COALESCE($6, last_ping),
				role = COALESCE($7, role),
				left_at = COALESCE($8, left_at)
			WHERE room_id = $9 AND user_id = $10
		`,
			projField(proj, func(p domain.Projection) any { return p.IsConnected }),
			projField(proj, func(p domain.Projection) any { return p.InGame }),
			projField(proj, func(p domain.Projection) any { return p.CurrentLocation }),
			patch.IsReady, patch.SocketID, patch.LastPing, patch.Role, patch.LeftAt,
			roomID, patch.UserID,
		)
		if err != nil {
			return nil, apperror.Wrap(apperror.CodeBulkUpdateFailed, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperror.Wrap(apperror.CodeDatabaseError, err)
	}
	return r.GetRoomByID(ctx, roomID)
}

func projField(p *domain.Projection, f func(domain.Projection) any) any {
	if p == nil {
		return nil
	}
	return f(*p)
}

func (r *PostgresRepository) RemoveMember(ctx context.Context, roomID, userID string) error {
	_, err := r.pool.Exec(ctx, `UPDATE room_members SET left_at = now() WHERE room_id = $1 AND user_id = $2`, roomID, userID)
	if err != nil {
		return apperror.Wrap(apperror.CodeDatabaseError, err)
	}
	return nil
}

func (r *PostgresRepository) CreateSession(ctx context.Context, session domain.PlayerSession) (*domain.PlayerSession, error) {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO player_sessions (id, session_token, user_id, room_id, game_type, streamer_mode,
			status, expires_at, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
	`, session.ID, session.Token, session.UserID, session.RoomID, session.GameType, session.StreamerMode,
		session.Status, session.ExpiresAt, marshalJSON(session.Metadata))
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeDatabaseError, err)
	}
	return &session, nil
}

func (r *PostgresRepository) GetSessionByToken(ctx context.Context, token string) (*domain.PlayerSession, error) {
	var s domain.PlayerSession
	var metadata []byte
	err := r.pool.QueryRow(ctx, `
		SELECT id, session_token, user_id, room_id, game_type, streamer_mode, status, expires_at, metadata, created_at
		FROM player_sessions WHERE session_token = $1
	`, token).Scan(&s.ID, &s.Token, &s.UserID, &s.RoomID, &s.GameType, &s.StreamerMode, &s.Status,
		&s.ExpiresAt, &metadata, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.New(apperror.CodeInvalidSession, "token not found")
	}
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeDatabaseError, err)
	}
	s.Metadata = unmarshalJSON(metadata)
	return &s, nil
}

func (r *PostgresRepository) RevokeSession(ctx context.Context, token string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE player_sessions SET status = 'revoked' WHERE session_token = $1`, token)
	if err != nil {
		return apperror.Wrap(apperror.CodeDatabaseError, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.New(apperror.CodeInvalidSession, "token not found")
	}
	return nil
}

func (r *PostgresRepository) ExpireSession(ctx context.Context, token string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE player_sessions SET status = 'expired' WHERE session_token = $1`, token)
	if err != nil {
		return apperror.Wrap(apperror.CodeDatabaseError, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.New(apperror.CodeInvalidSession, "token not found")
	}
	return nil
}

func (r *PostgresRepository) ListActiveSessionsForRoom(ctx context.Context, roomID string) ([]domain.PlayerSession, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, session_token, user_id, room_id, game_type, streamer_mode, status, expires_at, metadata, created_at
		FROM player_sessions WHERE room_id = $1 AND status = 'active' AND expires_at > now()
	`, roomID)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeDatabaseError, err)
	}
	defer rows.Close()

	var out []domain.PlayerSession
	for rows.Next() {
		var s domain.PlayerSession
		var metadata []byte
		if err := rows.Scan(&s.ID, &s.Token, &s.UserID, &s.RoomID, &s.GameType, &s.StreamerMode,
			&s.Status, &s.ExpiresAt, &metadata, &s.CreatedAt); err != nil {
			return nil, apperror.Wrap(apperror.CodeDatabaseError, err)
		}
		s.Metadata = unmarshalJSON(metadata)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) GetGameDefinition(ctx context.Context, gameID string) (*domain.GameDefinition, error) {
	var g domain.GameDefinition
	var settingsSchema, defaultSettings []byte
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, base_url, min_players, max_players, is_active, maintenance_mode,
			settings_schema, default_settings
		FROM games WHERE id = $1
	`, gameID).Scan(&g.ID, &g.Name, &g.BaseURL, &g.MinPlayers, &g.MaxPlayers, &g.IsActive,
		&g.MaintenanceMode, &settingsSchema, &defaultSettings)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.New(apperror.CodeServerError, "game definition not found")
	}
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeDatabaseError, err)
	}
	g.SettingsSchema = unmarshalJSON(settingsSchema)
	g.DefaultSettings = unmarshalJSON(defaultSettings)
	return &g, nil
}

func (r *PostgresRepository) ListActiveGameDefinitions(ctx context.Context) ([]domain.GameDefinition, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, base_url, min_players, max_players, is_active, maintenance_mode,
			settings_schema, default_settings
		FROM games WHERE is_active = true AND maintenance_mode = false
	`)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeDatabaseError, err)
	}
	defer rows.Close()

	var out []domain.GameDefinition
	for rows.Next() {
		var g domain.GameDefinition
		var settingsSchema, defaultSettings []byte
		if err := rows.Scan(&g.ID, &g.Name, &g.BaseURL, &g.MinPlayers, &g.MaxPlayers, &g.IsActive,
			&g.MaintenanceMode, &settingsSchema, &defaultSettings); err != nil {
			return nil, apperror.Wrap(apperror.CodeDatabaseError, err)
		}
		g.SettingsSchema = unmarshalJSON(settingsSchema)
		g.DefaultSettings = unmarshalJSON(defaultSettings)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) UpsertUser(ctx context.Context, user domain.User) (*domain.User, error) {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (id, username, display_name, avatar_url, role, is_guest, premium_tier,
			xp, level, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			display_name = EXCLUDED.display_name,
			avatar_url = EXCLUDED.avatar_url,
			role = EXCLUDED.role,
			is_guest = EXCLUDED.is_guest,
			premium_tier = EXCLUDED.premium_tier,
			last_seen = now()
	`, user.ID, user.Username, user.DisplayName, user.AvatarURL, user.Role, user.IsGuest,
		user.PremiumTier, user.XP, user.Level)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeDatabaseError, err)
	}
	return &user, nil
}

func (r *PostgresRepository) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	var u domain.User
	err := r.pool.QueryRow(ctx, `
		SELECT id, username, display_name, avatar_url, role, is_guest, premium_tier, xp, level, last_seen
		FROM users WHERE id = $1
	`, userID).Scan(&u.ID, &u.Username, &u.DisplayName, &u.AvatarURL, &u.Role, &u.IsGuest,
		&u.PremiumTier, &u.XP, &u.Level, &u.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.New(apperror.CodeServerError, "user not found")
	}
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeDatabaseError, err)
	}
	return &u, nil
}

// LogEvent is fire-and-forget best-effort durability per spec.md §4.A: a
// failed insert is discarded here, so it is neither logged nor surfaced
// as an operation failure.
func (r *PostgresRepository) LogEvent(ctx context.Context, roomID string, userID *string, eventType string, data map[string]any) {
	_, _ = r.pool.Exec(ctx, `
		INSERT INTO event_logs (id, room_id, user_id, event_type, event_data, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, uuid.New().String(), roomID, userID, eventType, marshalJSON(data))
}

func (r *PostgresRepository) ApplyXPEvent(ctx context.Context, userID string, xpDelta int, reason string) (domain.UserStats, error) {
	var xp int
	err := r.pool.QueryRow(ctx, `
		INSERT INTO user_stats (user_id, xp) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET xp = user_stats.xp + EXCLUDED.xp
		RETURNING xp
	`, userID, xpDelta).Scan(&xp)
	if err != nil {
		return domain.UserStats{}, apperror.Wrap(apperror.CodeDatabaseError, err)
	}
	return domain.UserStats{UserID: userID, XP: xp, Level: domain.LevelForXP(xp)}, nil
}

func (r *PostgresRepository) RecordAchievementUnlocks(ctx context.Context, userID string, achievementIDs []string) ([]string, error) {
	var newly []string
	for _, achievementID := range achievementIDs {
		tag, err := r.pool.Exec(ctx, `
			INSERT INTO user_achievements (user_id, achievement_id, unlocked_at)
			VALUES ($1, $2, now())
			ON CONFLICT (user_id, achievement_id) DO NOTHING
		`, userID, achievementID)
		if err != nil {
			return newly, apperror.Wrap(apperror.CodeDatabaseError, err)
		}
		if tag.RowsAffected() > 0 {
			newly = append(newly, achievementID)
		}
	}
	return newly, nil
}

func (r *PostgresRepository) GetAPIKeyByHash(ctx context.Context, hashedKey string) (*domain.ApiKey, error) {
	var k domain.ApiKey
	err := r.pool.QueryRow(ctx, `
		SELECT id, hashed_key, service_name, game_id, permissions, rate_limit
		FROM api_keys WHERE hashed_key = $1
	`, hashedKey).Scan(&k.ID, &k.HashedKey, &k.ServiceName, &k.GameID, &k.Permissions, &k.RateLimit)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.New(apperror.CodeInvalidAPIKey, "unknown api key")
	}
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeDatabaseError, err)
	}
	return &k, nil
}
