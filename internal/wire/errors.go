package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Error kinds exchanged over the envelope boundary. Each kind has a stable
// string prefix so the caller side can reconstruct the typed error from a
// response envelope's ErrorMessage.
var (
	// ErrTimeout indicates that the send deadline elapsed. Not retried at
	// the transport layer.
	ErrTimeout = errors.New("request timed out")

	// ErrCanceled indicates the caller canceled the call. Suppression of
	// the in-flight envelope is best effort only.
	ErrCanceled = errors.New("request canceled")

	// ErrUnknownActorType indicates no dispatcher or factory is
	// registered for the envelope's actor type. Non-retriable.
	ErrUnknownActorType = errors.New("unknown actor type")

	// ErrUnknownMethod indicates the dispatcher has no entry for the
	// envelope's method name. Non-retriable.
	ErrUnknownMethod = errors.New("unknown method")

	// ErrMalformedPayload indicates a framing or converter violation.
	// Non-retriable; the outer stream is never advanced past the fault.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrRateLimited indicates the target mailbox rejected the message
	// under its Reject excess action. Callers may back off.
	ErrRateLimited = errors.New("rate limited")

	// ErrCircuitOpen indicates the target mailbox's circuit breaker
	// rejected the message. Callers may back off.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrSupervisorEscalation indicates a child exceeded its restart
	// budget and the failure bubbled to the parent supervisor.
	ErrSupervisorEscalation = errors.New("supervisor escalation")
)

// Serialized kind prefixes. These are the stable cross-silo names; the Go
// error values above are process-local.
const (
	kindTimeout         = "Timeout"
	kindCanceled        = "Canceled"
	kindUnknownType     = "UnknownActorType"
	kindUnknownMethod   = "UnknownMethod"
	kindMalformed       = "MalformedPayload"
	kindConflict        = "ConcurrencyConflict"
	kindRateLimited     = "RateLimited"
	kindCircuitOpen     = "CircuitOpen"
	kindActorFailure    = "ActorFailure"
	kindEscalation      = "SupervisorEscalation"
)

// ConflictError reports a failed optimistic-concurrency write. The caller
// is expected to re-read and retry.
type ConflictError struct {
	// Expected is the version the writer presented.
	Expected int64

	// Actual is the version currently stored.
	Actual int64
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict: expected version %d, "+
		"actual %d", e.Expected, e.Actual)
}

// ActorFailureError wraps an error thrown by user actor code. Retried per
// policy, then dead-lettered.
type ActorFailureError struct {
	// Inner is the failure produced by the actor method.
	Inner error
}

// Error implements the error interface.
func (e *ActorFailureError) Error() string {
	return fmt.Sprintf("actor failure: %v", e.Inner)
}

// Unwrap exposes the inner error to errors.Is/As.
func (e *ActorFailureError) Unwrap() error {
	return e.Inner
}

// MarshalError serializes an error into the "Kind: message" form carried in
// an envelope's ErrorMessage field.
func MarshalError(err error) string {
	var conflict *ConflictError
	var failure *ActorFailureError

	switch {
	case errors.Is(err, ErrTimeout):
		return kindTimeout + ": " + err.Error()

	case errors.Is(err, ErrCanceled):
		return kindCanceled + ": " + err.Error()

	case errors.Is(err, ErrUnknownActorType):
		return kindUnknownType + ": " + err.Error()

	case errors.Is(err, ErrUnknownMethod):
		return kindUnknownMethod + ": " + err.Error()

	case errors.Is(err, ErrMalformedPayload):
		return kindMalformed + ": " + err.Error()

	case errors.Is(err, ErrRateLimited):
		return kindRateLimited + ": " + err.Error()

	case errors.Is(err, ErrCircuitOpen):
		return kindCircuitOpen + ": " + err.Error()

	case errors.Is(err, ErrSupervisorEscalation):
		return kindEscalation + ": " + err.Error()

	case errors.As(err, &conflict):
		// Versions ride along so the caller can rebuild the typed
		// conflict without re-reading.
		return fmt.Sprintf("%s:%d:%d", kindConflict,
			conflict.Expected, conflict.Actual)

	case errors.As(err, &failure):
		return kindActorFailure + ": " + failure.Inner.Error()

	default:
		return kindActorFailure + ": " + err.Error()
	}
}

// UnmarshalError reconstructs the typed error from its serialized form.
// Unrecognized strings surface as an ActorFailureError carrying the raw
// message.
func UnmarshalError(s string) error {
	kind, rest, found := strings.Cut(s, ":")
	if !found {
		return &ActorFailureError{Inner: errors.New(s)}
	}
	rest = strings.TrimSpace(rest)

	switch kind {
	case kindTimeout:
		return ErrTimeout

	case kindCanceled:
		return ErrCanceled

	case kindUnknownType:
		return ErrUnknownActorType

	case kindUnknownMethod:
		return ErrUnknownMethod

	case kindMalformed:
		return ErrMalformedPayload

	case kindRateLimited:
		return ErrRateLimited

	case kindCircuitOpen:
		return ErrCircuitOpen

	case kindEscalation:
		return ErrSupervisorEscalation

	case kindConflict:
		expStr, actStr, ok := strings.Cut(rest, ":")
		if !ok {
			return &ActorFailureError{Inner: errors.New(s)}
		}

		expected, err1 := strconv.ParseInt(expStr, 10, 64)
		actual, err2 := strconv.ParseInt(
			strings.TrimSpace(actStr), 10, 64,
		)
		if err1 != nil || err2 != nil {
			return &ActorFailureError{Inner: errors.New(s)}
		}

		return &ConflictError{Expected: expected, Actual: actual}

	case kindActorFailure:
		return &ActorFailureError{Inner: errors.New(rest)}

	default:
		return &ActorFailureError{Inner: errors.New(s)}
	}
}
