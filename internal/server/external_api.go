package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"canasta-server/internal/apperror"
	"canasta-server/internal/progress"
	"canasta-server/internal/roomactor"
)

// externalAPIRouter mounts the ten External Game API endpoints
// (spec.md §4.F), all behind API-key auth and per-service rate limiting.
func (s *Server) externalAPIRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.healthHandler)

	r.Group(func(r chi.Router) {
		r.Use(APIKeyAuth(s.repo))
		r.Use(ServiceRateLimit(s.limiter, s.cfg.RateLimitDefaultPerMin))

		r.Get("/rooms/{code}/validate", s.handleValidate)
		r.Post("/rooms/{code}/players/{id}/status", s.handlePlayerStatus)
		r.Post("/rooms/{code}/bulk-status", s.handleBulkStatus)
		r.Post("/rooms/{code}/players/{id}/heartbeat", s.handlePlayerHeartbeat)
		r.Post("/rooms/{code}/game-end", s.handleGameEnd)
		r.Post("/rooms/{code}/return-all", s.handleReturnAll)
		r.Post("/rooms/{code}/abandon", s.handleAbandon)
		r.Post("/rooms/{code}/poll-return", s.handleGameEnd) // legacy compat, same funnel
		r.Post("/sessions/recover", s.handleSessionRecover)
		r.Post("/progress/event", s.handleProgressEvent)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAppError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := string(apperror.CodeServerError)
	message := err.Error()

	if ae, ok := err.(*apperror.Error); ok {
		code = string(ae.Code)
		message = ae.Code.Message()
		status = httpStatusForCode(ae.Code)
	}

	writeJSON(w, status, NewErrorEnvelope(code, message, nil))
}

func httpStatusForCode(code apperror.Code) int {
	switch code {
	case apperror.CodeRoomNotFound:
		return http.StatusNotFound
	case apperror.CodeRoomFull, apperror.CodeRoomNotAvailable, apperror.CodeInvalidPlayerName, apperror.CodeInvalidRoomCode:
		return http.StatusBadRequest
	case apperror.CodeUnauthorized, apperror.CodeInvalidAPIKey:
		return http.StatusUnauthorized
	case apperror.CodeForbidden, apperror.CodeWrongGameType, apperror.CodeWrongGameSession:
		return http.StatusForbidden
	case apperror.CodeRateLimited:
		return http.StatusTooManyRequests
	case apperror.CodeInvalidSession:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// requireServiceMatch enforces the cross-service trust rule: the API
// key's service_name must equal either the room's current_game or be
// explicitly whitelisted (spec.md §4.F preamble).
func (s *Server) requireServiceMatch(w http.ResponseWriter, r *http.Request, roomGameID *string) bool {
	key, ok := APIKeyFromContext(r.Context())
	if !ok {
		writeAppError(w, apperror.New(apperror.CodeUnauthorized, "missing api key context"))
		return false
	}
	if roomGameID == nil {
		// Room hasn't selected a game yet — nothing to check membership
		// against, so any authenticated service may observe it.
		return true
	}
	if key.ServiceName == *roomGameID {
		return true
	}
	if key.GameID != "" && key.GameID == *roomGameID {
		return true
	}
	writeAppError(w, apperror.New(apperror.CodeWrongGameType, "api key is not authorized for this room's game"))
	return false
}

// GET /rooms/:code/validate — supplemented with a sessionValid flag
// (SPEC_FULL.md) so a game server can distinguish "room exists but no
// valid session" from "room doesn't exist" in one round trip.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	code := NormalizeRoomCode(chi.URLParam(r, "code"))
	room, err := s.repo.GetRoomByCode(r.Context(), code)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if !s.requireServiceMatch(w, r, room.Room.CurrentGame) {
		return
	}

	sessionValid := false
	if token := r.URL.Query().Get("sessionToken"); token != "" {
		if key, ok := APIKeyFromContext(r.Context()); ok {
			if _, sess, err := s.sessions.RecoverSession(r.Context(), token, key.ServiceName); err == nil {
				sessionValid = sess.RoomID == room.Room.ID
			}
		}
	}

	snapshot := BuildSnapshot(room, roomactor.NextVersion(), "")
	writeJSON(w, http.StatusOK, map[string]any{
		"room":         snapshot.Room,
		"players":      snapshot.Members,
		"sessionValid": sessionValid,
	})
}

// POST /rooms/:code/players/:id/status
func (s *Server) handlePlayerStatus(w http.ResponseWriter, r *http.Request) {
	code := NormalizeRoomCode(chi.URLParam(r, "code"))
	userID := chi.URLParam(r, "id")

	var body struct {
		Location string `json:"location"`
		Metadata struct {
			Timestamp string `json:"timestamp"`
		} `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAppError(w, apperror.New(apperror.CodeServerError, "invalid request body"))
		return
	}

	update, err := s.statusSync.UpdatePlayerLocation(r.Context(), code, userID, body.Location, body.Metadata.Timestamp)
	if err != nil {
		writeAppError(w, err)
		return
	}
	s.emitStatusUpdate(r.Context(), update, userID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// POST /rooms/:code/bulk-status
func (s *Server) handleBulkStatus(w http.ResponseWriter, r *http.Request) {
	code := NormalizeRoomCode(chi.URLParam(r, "code"))

	var body struct {
		Updates []StatusUpdateInput `json:"updates"`
		Reason  string              `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAppError(w, apperror.New(apperror.CodeServerError, "invalid request body"))
		return
	}

	update, err := s.statusSync.BulkUpdatePlayerStatus(r.Context(), code, body.Updates, body.Reason)
	if err != nil {
		writeAppError(w, err)
		return
	}
	s.emitStatusUpdate(r.Context(), update, "")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// POST /rooms/:code/players/:id/heartbeat
func (s *Server) handlePlayerHeartbeat(w http.ResponseWriter, r *http.Request) {
	code := NormalizeRoomCode(chi.URLParam(r, "code"))
	userID := chi.URLParam(r, "id")

	shouldReturn, err := s.statusSync.HandleHeartbeat(r.Context(), code, userID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "shouldReturn": shouldReturn})
}

// POST /rooms/:code/game-end — idempotent if the room is already returning.
func (s *Server) handleGameEnd(w http.ResponseWriter, r *http.Request) {
	code := NormalizeRoomCode(chi.URLParam(r, "code"))

	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	update, err := s.statusSync.HandleGameEnd(r.Context(), code, GameResult{Source: "external_game", Reason: body.Reason})
	if err != nil {
		writeAppError(w, err)
		return
	}
	s.emitStatusUpdate(r.Context(), update, "")
	s.emitReturnToGB(r.Context(), update, body.Reason)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// POST /rooms/:code/return-all — external-initiated group return.
func (s *Server) handleReturnAll(w http.ResponseWriter, r *http.Request) {
	code := NormalizeRoomCode(chi.URLParam(r, "code"))
	update, err := s.statusSync.HandleGameEnd(r.Context(), code, GameResult{Source: "external_game", Reason: "return_all"})
	if err != nil {
		writeAppError(w, err)
		return
	}
	s.emitStatusUpdate(r.Context(), update, "")
	s.emitReturnToGB(r.Context(), update, "return_all")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// POST /rooms/:code/abandon — game room destroyed externally. Per spec.md
// §4.F this must leave every member disconnected, not just the room row,
// so the write goes through StatusSyncManager's atomic actor message
// (spec.md §8 property 2) instead of a bare UpdateRoomStatus.
func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	code := NormalizeRoomCode(chi.URLParam(r, "code"))
	update, err := s.statusSync.HandleAbandon(r.Context(), code)
	if err != nil {
		writeAppError(w, err)
		return
	}
	s.emitSnapshot(r.Context(), EventRoomClosed, update.Room, update.RoomVersion, "")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// POST /sessions/recover — rejects cross-game tokens.
func (s *Server) handleSessionRecover(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAppError(w, apperror.New(apperror.CodeServerError, "invalid request body"))
		return
	}

	key, ok := APIKeyFromContext(r.Context())
	if !ok {
		writeAppError(w, apperror.New(apperror.CodeUnauthorized, "missing api key context"))
		return
	}

	room, sess, err := s.sessions.RecoverSession(r.Context(), body.Token, key.ServiceName)
	if err != nil {
		writeAppError(w, err)
		return
	}

	snapshot := BuildSnapshot(room, roomactor.NextVersion(), "")
	writeJSON(w, http.StatusOK, map[string]any{
		"room":        snapshot.Room,
		"players":     snapshot.Members,
		"returnUrl":   s.sessions.BuildReturnUrl(&room.Room, sess),
	})
}

// POST /progress/event — XP + batched achievement condition check, a
// single consolidated call per event (SPEC_FULL.md supplemented feature).
func (s *Server) handleProgressEvent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID     string   `json:"userId"`
		XPDelta    int      `json:"xpDelta"`
		Reason     string   `json:"reason"`
		Conditions []string `json:"conditions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAppError(w, apperror.New(apperror.CodeServerError, "invalid request body"))
		return
	}

	result, err := s.progress.Ingest(r.Context(), progress.Event{
		UserID: body.UserID, XPDelta: body.XPDelta, Reason: body.Reason, Conditions: body.Conditions,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":         result.Stats,
		"newlyUnlocked": result.NewlyUnlocked,
	})
}
