// Package apperror defines the error taxonomy shared by the socket and
// REST surfaces. Every client-visible failure carries one of these codes
// so callers never have to pattern-match on message text.
package apperror

import "fmt"

// Code identifies a failure category. Recovery behavior for each code is
// documented alongside its constant.
type Code string

const (
	// Client precondition — reported, client may retry after user action.
	CodeRoomNotFound     Code = "ROOM_NOT_FOUND"
	CodeRoomFull         Code = "ROOM_FULL"
	CodeRoomNotAvailable Code = "ROOM_NOT_AVAILABLE"

	// Validation — reported, no state change.
	CodeInvalidPlayerName Code = "INVALID_PLAYER_NAME"
	CodeInvalidRoomCode   Code = "INVALID_ROOM_CODE"

	// AuthZ — reported, logged at info.
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"

	// Cross-service trust — reported + security audit entry.
	CodeInvalidAPIKey    Code = "INVALID_API_KEY"
	CodeWrongGameType    Code = "WRONG_GAME_TYPE"
	CodeWrongGameSession Code = "WRONG_GAME_SESSION"

	// Flow control — reported with Retry-After.
	CodeRateLimited Code = "RATE_LIMITED"

	// Session recovery — reported, client falls back to fresh join.
	CodeInvalidSession Code = "INVALID_SESSION"

	// Internal — logged at error, not surfaced in detail.
	CodeDatabaseError Code = "DATABASE_ERROR"
	CodeServerError   Code = "SERVER_ERROR"

	// Partial operation — best-effort, subsequent syncRoomStatus reconciles.
	CodeRoomAbandonFailed Code = "ROOM_ABANDON_FAILED"
	CodeReturnAllFailed   Code = "RETURN_ALL_FAILED"
	CodeBulkUpdateFailed  Code = "BULK_UPDATE_FAILED"
)

// messages holds the fixed human-readable template for each code. Details
// (room codes, usernames, etc.) are appended by the caller, never baked
// into the template, so the template stays stable across call sites.
var messages = map[Code]string{
	CodeRoomNotFound:      "room not found",
	CodeRoomFull:          "room is full",
	CodeRoomNotAvailable:  "room is not accepting this action in its current status",
	CodeInvalidPlayerName: "player name is invalid",
	CodeInvalidRoomCode:   "room code is invalid",
	CodeUnauthorized:      "authentication required",
	CodeForbidden:         "not permitted to perform this action",
	CodeInvalidAPIKey:     "api key is invalid or unknown",
	CodeWrongGameType:     "api key is not authorized for this game",
	CodeWrongGameSession:  "session was not issued for this game",
	CodeRateLimited:       "rate limit exceeded",
	CodeInvalidSession:    "session is invalid or expired",
	CodeDatabaseError:     "a database error occurred",
	CodeServerError:       "an internal error occurred",
	CodeRoomAbandonFailed: "room abandon did not complete, a sync will reconcile",
	CodeReturnAllFailed:   "return-to-lobby did not complete, a sync will reconcile",
	CodeBulkUpdateFailed:  "bulk status update partially failed",
}

// Error is the typed failure carried across the Lobby/StatusSync/Session
// boundary and surfaced verbatim in the socket/REST error envelope.
type Error struct {
	Code    Code
	Detail  string
	Fields  map[string]any
	wrapped error
}

func New(code Code, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}

func Wrap(code Code, err error) *Error {
	return &Error{Code: code, Detail: err.Error(), wrapped: err}
}

func (e *Error) Error() string {
	msg := messages[e.Code]
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, msg, e.Detail)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Message returns the fixed human-readable template for the code, without
// any caller-supplied detail — this is what non-internal codes show to a
// client directly.
func (e *Code) Message() string { return messages[*e] }

// Is reports whether err carries the given code, unwrapping as needed.
func Is(err error, code Code) bool {
	var appErr *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			appErr = ae
			break
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = unwrapper.Unwrap()
	}
	return appErr != nil && appErr.Code == code
}
