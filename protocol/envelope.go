package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrDecode is wrapped by every error returned from Decode.
	ErrDecode = errors.New("protocol: invalid envelope")
	// ErrInvalidEnvelope is returned when constructing or encoding an
	// envelope that violates the Dispatch/event name pairing.
	ErrInvalidEnvelope = errors.New("protocol: malformed envelope")
)

// Envelope is the unit exchanged over the gateway connection in both
// directions.
//
// Invariant: Event is set if and only if Op is OpDispatch. Absent fields
// (nil Data, empty Event, empty Seq) are omitted from the wire form.
type Envelope struct {
	Op    OpCode
	Data  json.RawMessage
	Event EventName
	Seq   string
}

type wireEnvelope struct {
	Op    *int64          `json:"op"`
	Data  json.RawMessage `json:"d,omitempty"`
	Event *string         `json:"e,omitempty"`
	Seq   *string         `json:"s,omitempty"`
}

// FromEvent builds a Dispatch envelope carrying event e with payload data.
func FromEvent(data any, e EventName) (Envelope, error) {
	if !e.Valid() {
		return Envelope{}, fmt.Errorf("%w: unknown event name %q", ErrInvalidEnvelope, e)
	}
	raw, err := marshalData(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Op: OpDispatch, Data: raw, Event: e}, nil
}

// FromOp builds a non-Dispatch envelope with payload data.
func FromOp(data any, op OpCode) (Envelope, error) {
	if err := checkBareOp(op); err != nil {
		return Envelope{}, err
	}
	raw, err := marshalData(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Op: op, Data: raw}, nil
}

// FromBareOp builds a non-Dispatch envelope with no payload.
func FromBareOp(op OpCode) (Envelope, error) {
	if err := checkBareOp(op); err != nil {
		return Envelope{}, err
	}
	return Envelope{Op: op}, nil
}

func checkBareOp(op OpCode) error {
	if !op.Valid() {
		return fmt.Errorf("%w: unknown opcode %d", ErrInvalidEnvelope, int(op))
	}
	if op == OpDispatch {
		return fmt.Errorf("%w: dispatch envelopes must be built with FromEvent", ErrInvalidEnvelope)
	}
	return nil
}

func marshalData(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	if bytes.Equal(b, []byte("null")) {
		return nil, nil
	}
	return b, nil
}

// Validate checks the envelope invariants.
func (e Envelope) Validate() error {
	if !e.Op.Valid() {
		return fmt.Errorf("%w: unknown opcode %d", ErrInvalidEnvelope, int(e.Op))
	}
	if e.Op == OpDispatch {
		if !e.Event.Valid() {
			return fmt.Errorf("%w: dispatch requires a known event name, got %q", ErrInvalidEnvelope, e.Event)
		}
	} else if e.Event != "" {
		return fmt.Errorf("%w: event name %q on %s envelope", ErrInvalidEnvelope, e.Event, e.Op)
	}
	return nil
}

// Equal reports whether two envelopes carry the same fields. Payloads are
// compared byte for byte.
func (e Envelope) Equal(o Envelope) bool {
	return e.Op == o.Op && e.Event == o.Event && e.Seq == o.Seq && bytes.Equal(e.Data, o.Data)
}

// MarshalJSON implements json.Marshaler.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	op := int64(e.Op)
	w := wireEnvelope{Op: &op, Data: e.Data}
	if e.Event != "" {
		ev := string(e.Event)
		w.Event = &ev
	}
	if e.Seq != "" {
		s := e.Seq
		w.Seq = &s
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler and enforces the envelope
// invariants.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if w.Op == nil {
		return fmt.Errorf("%w: missing op", ErrDecode)
	}
	op := OpCode(*w.Op)
	if int64(op) != *w.Op || !op.Valid() {
		return fmt.Errorf("%w: unknown opcode %d", ErrDecode, *w.Op)
	}

	out := Envelope{Op: op}
	if w.Event != nil {
		if op != OpDispatch {
			return fmt.Errorf("%w: event name on %s envelope", ErrDecode, op)
		}
		ev := EventName(*w.Event)
		if !ev.Valid() {
			return fmt.Errorf("%w: unknown event name %q", ErrDecode, *w.Event)
		}
		out.Event = ev
	} else if op == OpDispatch {
		return fmt.Errorf("%w: dispatch without event name", ErrDecode)
	}
	if w.Seq != nil {
		out.Seq = *w.Seq
	}
	if len(w.Data) > 0 && !bytes.Equal(w.Data, []byte("null")) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, w.Data); err != nil {
			return fmt.Errorf("%w: %v", ErrDecode, err)
		}
		out.Data = buf.Bytes()
	}

	*e = out
	return nil
}

// Decode parses a wire envelope. Any failure wraps ErrDecode.
func Decode(b []byte) (Envelope, error) {
	// encoding/json would silently replace invalid sequences with U+FFFD.
	if !utf8.Valid(b) {
		return Envelope{}, fmt.Errorf("%w: not valid UTF-8", ErrDecode)
	}
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		if errors.Is(err, ErrDecode) {
			return Envelope{}, err
		}
		return Envelope{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return e, nil
}

// Encode renders an envelope in its wire form.
func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeData unmarshals the envelope payload into v. A missing payload is
// reported as an error.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s envelope has no payload", ErrDecode, e.Op)
	}
	return json.Unmarshal(e.Data, v)
}
