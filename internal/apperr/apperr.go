package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// Kind classifies an error so transports can decide how to surface it.
type Kind string

const (
	Internal   Kind = "internal"
	Validation Kind = "validation"
	Conflict   Kind = "conflict"
	Forbidden  Kind = "forbidden"
	NotFound   Kind = "not_found"
	Connection Kind = "connection"
	Timeout    Kind = "timeout"
)

// Reasons carried by Conflict errors.
var (
	ErrCapacityExceeded    = errors.New("capacity exceeded")
	ErrAlreadyMember       = errors.New("participant already exists")
	ErrDuplicateTransition = errors.New("participant is not pending")
)

// Error is the error type returned by the membership and delivery core.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error. msg may be an error (wrapped) or a string.
func E(kind Kind, op string, msg any) error {
	var err error
	switch v := msg.(type) {
	case nil:
	case error:
		err = v
	case string:
		err = errors.New(v)
	default:
		err = fmt.Errorf("%v", v)
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the Kind of the outermost *Error in err's chain, or
// Internal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether a client should retry automatically.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Connection, Timeout:
		return true
	}
	return false
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation:
		return http.StatusBadRequest
	case Conflict:
		return http.StatusConflict
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Connection:
		return http.StatusBadGateway
	case Timeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error string `json:"error"`
	Kind  Kind   `json:"kind"`
}

// Write renders err as a JSON error response. Internal errors are logged
// and their details are not exposed.
func Write(w http.ResponseWriter, log *zap.Logger, err error) {
	kind := KindOf(err)
	msg := err.Error()
	if kind == Internal {
		log.Error("request failed", zap.Error(err))
		msg = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(kind))
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg, Kind: kind})
}
