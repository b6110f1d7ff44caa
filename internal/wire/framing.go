package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Parameter framing: call parameters are serialized as an ordered
// concatenation of length-prefixed segments. Each parameter is a 32-bit
// big-endian length L followed by exactly L converter-produced bytes. The
// reader hands each converter a bounded view and verifies the converter
// consumed exactly L bytes, so a converter bug in one parameter can never
// corrupt its neighbors and converters can be swapped without re-framing.

// MaxParamSize bounds a single framed parameter. Anything larger is
// treated as a framing fault rather than an allocation request.
const MaxParamSize = 64 << 20

// ParamWriter frames parameters onto an underlying writer.
type ParamWriter struct {
	w io.Writer
}

// NewParamWriter creates a ParamWriter over w.
func NewParamWriter(w io.Writer) *ParamWriter {
	return &ParamWriter{w: w}
}

// WriteParam writes one length-prefixed parameter segment.
func (pw *ParamWriter) WriteParam(b []byte) error {
	if len(b) > MaxParamSize {
		return fmt.Errorf("%w: parameter of %d bytes exceeds limit",
			ErrMalformedPayload, len(b))
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))

	if _, err := pw.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write param length: %w", err)
	}
	if _, err := pw.w.Write(b); err != nil {
		return fmt.Errorf("write param body: %w", err)
	}

	return nil
}

// ParamReader consumes framed parameters from an underlying reader. On any
// framing fault it returns ErrMalformedPayload and leaves the outer stream
// untouched past the fault.
type ParamReader struct {
	r io.Reader
}

// NewParamReader creates a ParamReader over r.
func NewParamReader(r io.Reader) *ParamReader {
	return &ParamReader{r: r}
}

// ReadParam reads the next length-prefixed parameter segment into a fresh
// bounded buffer. Negative or oversized lengths and short reads fail with
// ErrMalformedPayload.
func (pr *ParamReader) ReadParam() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(pr.r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: short length prefix",
			ErrMalformedPayload)
	}

	// The length is signed on the wire; a negative value is a framing
	// fault, not a huge unsigned length.
	length := int32(binary.BigEndian.Uint32(hdr[:]))
	if length < 0 || length > MaxParamSize {
		return nil, fmt.Errorf("%w: invalid parameter length %d",
			ErrMalformedPayload, length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(pr.r, buf); err != nil {
		return nil, fmt.Errorf("%w: short parameter body (want %d "+
			"bytes)", ErrMalformedPayload, length)
	}

	return buf, nil
}

// EncodeParams frames the given pre-serialized parameters into a single
// payload.
func EncodeParams(params ...[]byte) ([]byte, error) {
	var buf bytes.Buffer
	pw := NewParamWriter(&buf)

	for _, p := range params {
		if err := pw.WriteParam(p); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// DecodeParams splits a payload into exactly want framed parameters.
// Residual bytes after the final parameter are a framing fault.
func DecodeParams(payload []byte, want int) ([][]byte, error) {
	r := bytes.NewReader(payload)
	pr := NewParamReader(r)

	params := make([][]byte, 0, want)
	for i := 0; i < want; i++ {
		p, err := pr.ReadParam()
		if err != nil {
			return nil, fmt.Errorf("param %d: %w", i, err)
		}
		params = append(params, p)
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d residual bytes after %d "+
			"parameters", ErrMalformedPayload, r.Len(), want)
	}

	return params, nil
}

// Converter serializes one parameter or result value. Implementations must
// consume exactly the bytes they are handed: Unmarshal receives a bounded
// view holding one framed segment and nothing else.
type Converter interface {
	// Marshal serializes the value into the segment body.
	Marshal(v any) ([]byte, error)

	// Unmarshal deserializes the full segment body into a value.
	Unmarshal(b []byte) (any, error)
}

// RawConverter passes []byte parameters through unchanged.
type RawConverter struct{}

// Marshal implements Converter.
func (RawConverter) Marshal(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("raw converter: expected []byte, "+
			"got %T", v)
	}

	return b, nil
}

// Unmarshal implements Converter.
func (RawConverter) Unmarshal(b []byte) (any, error) {
	return b, nil
}

// JSONConverter serializes parameters as JSON. The decoder rejects residual
// bytes after the first value, enforcing the exact-consumption contract.
type JSONConverter[T any] struct{}

// Marshal implements Converter.
func (JSONConverter[T]) Marshal(v any) ([]byte, error) {
	tv, ok := v.(T)
	if !ok {
		var zero T
		return nil, fmt.Errorf("json converter: expected %T, got %T",
			zero, v)
	}

	return json.Marshal(tv)
}

// Unmarshal implements Converter.
func (JSONConverter[T]) Unmarshal(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))

	var v T
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	// A converter must consume exactly its segment. Trailing content
	// means the producer framed the parameter incorrectly.
	if dec.More() {
		return nil, fmt.Errorf("%w: residual bytes after JSON value",
			ErrMalformedPayload)
	}

	return v, nil
}
