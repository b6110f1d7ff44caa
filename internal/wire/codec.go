package wire

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Envelope field numbers in the protobuf wire encoding. The envelope is
// hand-encoded with protowire so the schema lives here rather than in a
// generated stub; numbers are append-only and must never be reused.
const (
	fieldMessageID       = 1
	fieldCorrelationID   = 2
	fieldActorID         = 3
	fieldActorType       = 4
	fieldMethodName      = 5
	fieldPayload         = 6
	fieldTimestamp       = 7
	fieldResponsePayload = 8
	fieldIsError         = 9
	fieldErrorMessage    = 10
	fieldIsResponse      = 11
)

// EncodeEnvelope serializes an envelope into protobuf wire format.
// Zero-valued fields are omitted, matching proto3 presence semantics, so
// encode followed by decode is the identity for every field combination.
func EncodeEnvelope(e *Envelope) []byte {
	// Rough size guess to avoid most growth reallocations.
	buf := make([]byte, 0, 64+len(e.Payload)+len(e.ResponsePayload))

	appendString := func(field protowire.Number, s string) {
		if s == "" {
			return
		}
		buf = protowire.AppendTag(buf, field, protowire.BytesType)
		buf = protowire.AppendString(buf, s)
	}
	appendBytes := func(field protowire.Number, b []byte) {
		if len(b) == 0 {
			return
		}
		buf = protowire.AppendTag(buf, field, protowire.BytesType)
		buf = protowire.AppendBytes(buf, b)
	}
	appendBool := func(field protowire.Number, v bool) {
		if !v {
			return
		}
		buf = protowire.AppendTag(buf, field, protowire.VarintType)
		buf = protowire.AppendVarint(buf, 1)
	}

	appendString(fieldMessageID, e.MessageID)
	appendString(fieldCorrelationID, e.CorrelationID)
	appendString(fieldActorID, e.ActorID)
	appendString(fieldActorType, e.ActorType)
	appendString(fieldMethodName, e.MethodName)
	appendBytes(fieldPayload, e.Payload)

	if !e.Timestamp.IsZero() {
		buf = protowire.AppendTag(
			buf, fieldTimestamp, protowire.VarintType,
		)
		buf = protowire.AppendVarint(
			buf, uint64(e.Timestamp.UnixNano()),
		)
	}

	appendBytes(fieldResponsePayload, e.ResponsePayload)
	appendBool(fieldIsError, e.IsError)
	appendString(fieldErrorMessage, e.ErrorMessage)
	appendBool(fieldIsResponse, e.IsResponse)

	return buf
}

// DecodeEnvelope parses an envelope from protobuf wire format. Unknown
// fields are skipped so newer peers can add fields without breaking older
// silos.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope

	for len(data) > 0 {
		field, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad tag",
				ErrMalformedPayload)
		}
		data = data[n:]

		switch typ {
		case protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: truncated field "+
					"%d", ErrMalformedPayload, field)
			}
			data = data[n:]

			switch field {
			case fieldMessageID:
				e.MessageID = string(b)
			case fieldCorrelationID:
				e.CorrelationID = string(b)
			case fieldActorID:
				e.ActorID = string(b)
			case fieldActorType:
				e.ActorType = string(b)
			case fieldMethodName:
				e.MethodName = string(b)
			case fieldPayload:
				e.Payload = append([]byte(nil), b...)
			case fieldResponsePayload:
				e.ResponsePayload = append([]byte(nil), b...)
			case fieldErrorMessage:
				e.ErrorMessage = string(b)
			}

		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: truncated varint "+
					"field %d", ErrMalformedPayload, field)
			}
			data = data[n:]

			switch field {
			case fieldTimestamp:
				e.Timestamp = time.Unix(0, int64(v)).UTC()
			case fieldIsError:
				e.IsError = v != 0
			case fieldIsResponse:
				e.IsResponse = v != 0
			}

		default:
			// Skip unknown wire types to stay forward compatible.
			n := protowire.ConsumeFieldValue(field, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad field %d",
					ErrMalformedPayload, field)
			}
			data = data[n:]
		}
	}

	return &e, nil
}
