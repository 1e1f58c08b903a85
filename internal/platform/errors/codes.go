// Package errors provides structured error handling with stable wire codes.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Request validation errors
	CodeInvalidInput Code = "INVALID_INPUT"

	// Lookup errors
	CodeNotFound Code = "NOT_FOUND"
	CodeConflict Code = "CONFLICT"

	// Authorization errors
	CodeForbidden  Code = "FORBIDDEN"
	CodeAuthFailed Code = "AUTH_FAILED"

	// Move validation errors
	CodeNotInProgress   Code = "NOT_IN_PROGRESS"
	CodeNotYourTurn     Code = "NOT_YOUR_TURN"
	CodeNotAParticipant Code = "NOT_A_PARTICIPANT"
	CodeInvalidPosition Code = "INVALID_POSITION"

	// Matchmaking errors
	CodeRoomFull            Code = "ROOM_FULL"
	CodeInsufficientPlayers Code = "INSUFFICIENT_PLAYERS"

	// Cross-service errors
	CodeUpstreamUnavailable Code = "UPSTREAM_UNAVAILABLE"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidInput,
		CodeInvalidPosition,
		CodeRoomFull,
		CodeInsufficientPlayers:
		return http.StatusBadRequest

	case CodeAuthFailed:
		return http.StatusUnauthorized

	case CodeForbidden,
		CodeNotAParticipant,
		CodeNotYourTurn:
		return http.StatusForbidden

	case CodeNotFound:
		return http.StatusNotFound

	// Conflict covers both duplicate creation and operations against a
	// match whose lifecycle no longer allows them.
	case CodeConflict,
		CodeNotInProgress:
		return http.StatusConflict

	case CodeUpstreamUnavailable:
		return http.StatusBadGateway

	default:
		return http.StatusInternalServerError
	}
}
