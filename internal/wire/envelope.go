// Package wire defines the universal envelope that carries every actor
// invocation between silos, its binary codec, and the length-prefixed
// parameter framing used inside envelope payloads. The envelope is the sole
// on-wire contract of the cluster.
package wire

import (
	"time"

	"github.com/google/uuid"
)

// Envelope is the universal request/response message. An envelope is
// immutable for the direction it flows: request fields are set by the
// caller, response fields are populated on a fresh envelope built from the
// request via Response or ErrorResponse.
type Envelope struct {
	// MessageID uniquely identifies the request. A response envelope
	// reuses the request's MessageID; callers correlate outstanding calls
	// by this id.
	MessageID string

	// CorrelationID optionally links this call to a wider trace.
	CorrelationID string

	// ActorID is the opaque identity of the target actor.
	ActorID string

	// ActorType is the fully qualified logical type name of the target.
	ActorType string

	// MethodName selects the method to invoke on the activation.
	MethodName string

	// Payload carries the framed call parameters (see framing.go).
	Payload []byte

	// Timestamp records when the envelope was created.
	Timestamp time.Time

	// ResponsePayload carries the framed return value on the way back.
	ResponsePayload []byte

	// IsError reports that the call failed; ErrorMessage holds the
	// serialized error kind and message.
	IsError bool

	// ErrorMessage is the serialized failure, see MarshalError.
	ErrorMessage string

	// IsResponse distinguishes a response envelope from a request.
	IsResponse bool
}

// NewRequest builds a request envelope with a fresh MessageID and the
// current timestamp.
func NewRequest(actorType, actorID, methodName string,
	payload []byte) *Envelope {

	return &Envelope{
		MessageID:  uuid.NewString(),
		ActorID:    actorID,
		ActorType:  actorType,
		MethodName: methodName,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	}
}

// Identity returns the cluster-wide actor identity key for this envelope,
// also used as the consistent hash ring key.
func (e *Envelope) Identity() string {
	return e.ActorType + ":" + e.ActorID
}

// Response builds the success response for this request. The MessageID is
// reused so the caller can correlate the reply.
func (e *Envelope) Response(payload []byte) *Envelope {
	return &Envelope{
		MessageID:       e.MessageID,
		CorrelationID:   e.CorrelationID,
		ActorID:         e.ActorID,
		ActorType:       e.ActorType,
		MethodName:      e.MethodName,
		Timestamp:       time.Now().UTC(),
		ResponsePayload: payload,
		IsResponse:      true,
	}
}

// ErrorResponse builds the failure response for this request, carrying the
// error kind and message in serialized form.
func (e *Envelope) ErrorResponse(err error) *Envelope {
	resp := e.Response(nil)
	resp.IsError = true
	resp.ErrorMessage = MarshalError(err)

	return resp
}

// Err reconstructs the typed error carried by an error response, or nil for
// a success response.
func (e *Envelope) Err() error {
	if !e.IsError {
		return nil
	}

	return UnmarshalError(e.ErrorMessage)
}
