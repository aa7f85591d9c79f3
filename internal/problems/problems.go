// Package problems holds the error taxonomy shared by the cursor coordinator,
// the delivery engine and the transports, and renders errors as RFC 7807
// problem documents.
package problems

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// ContentType is the media type of problem bodies.
const ContentType = "application/problem+json"

var (
	// ErrInvalidCursor marks a malformed or unusable cursor. Client error.
	ErrInvalidCursor = errors.New("invalid cursor")
	// ErrNoSuchSubscription is returned when a subscription id is unknown.
	ErrNoSuchSubscription = errors.New("subscription not found")
	// ErrNoSuchStream is returned when a stream (event type/topic) is unknown.
	ErrNoSuchStream = errors.New("stream not found")
	// ErrNoSuchPartition is returned by partition lookups outside a cursor.
	ErrNoSuchPartition = errors.New("partition not found")
	// ErrCoordinationUnavailable marks a transient coordination failure.
	ErrCoordinationUnavailable = errors.New("error communicating with coordination service")
	// ErrStreamRead marks a topic store failure during an active session.
	ErrStreamRead = errors.New("stream read error")
	// ErrClientDisconnected is normal session termination, not a fault.
	ErrClientDisconnected = errors.New("client disconnected")
	// ErrValidation marks a malformed request.
	ErrValidation = errors.New("validation failed")
	// ErrConflict marks a request that conflicts with existing state.
	ErrConflict = errors.New("conflict")
)

// CursorError classifies why a cursor was rejected.
type CursorError string

const (
	CursorInvalidFormat     CursorError = "INVALID_FORMAT"
	CursorPartitionNotFound CursorError = "PARTITION_NOT_FOUND"
	CursorUnavailable       CursorError = "UNAVAILABLE"
	CursorNullPartition     CursorError = "NULL_PARTITION"
	CursorNullOffset        CursorError = "NULL_OFFSET"
)

// InvalidCursorError describes a rejected cursor. It matches ErrInvalidCursor
// under errors.Is.
type InvalidCursorError struct {
	Reason    CursorError
	Partition string
	Offset    string
	Cause     error
}

func (e *InvalidCursorError) Error() string {
	msg := fmt.Sprintf("invalid cursor %s: partition %q offset %q", e.Reason, e.Partition, e.Offset)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *InvalidCursorError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrInvalidCursor, e.Cause}
	}
	return []error{ErrInvalidCursor}
}

// InvalidCursor builds an *InvalidCursorError.
func InvalidCursor(reason CursorError, partition, offset string, cause error) error {
	return &InvalidCursorError{Reason: reason, Partition: partition, Offset: offset, Cause: cause}
}

// Unavailable wraps cause as a coordination failure, keeping both in the chain.
func Unavailable(cause error) error {
	if cause == nil || errors.Is(cause, ErrCoordinationUnavailable) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrCoordinationUnavailable, cause)
}

// Problem is an RFC 7807 problem document.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// New builds a problem for an HTTP status.
func New(status int, detail string) Problem {
	return Problem{
		Type:   "https://httpstatus.es/" + strconv.Itoa(status),
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	}
}

// Status maps an error to the HTTP status a client should see.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoSuchSubscription), errors.Is(err, ErrNoSuchStream), errors.Is(err, ErrNoSuchPartition):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidCursor):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrCoordinationUnavailable), errors.Is(err, ErrStreamRead):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsClientError reports whether err is caused by the request rather than the
// service.
func IsClientError(err error) bool {
	s := Status(err)
	return s >= 400 && s < 500
}

// FromError renders err as a problem. Unclassified errors keep a generic detail
// so internals do not leak.
func FromError(err error) Problem {
	status := Status(err)
	if status == http.StatusInternalServerError {
		return New(status, "internal error")
	}
	return New(status, err.Error())
}

// Write sends p as the whole response.
func Write(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError is Write(w, FromError(err)).
func WriteError(w http.ResponseWriter, err error) { Write(w, FromError(err)) }
