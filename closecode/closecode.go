// Package closecode holds the closed vocabulary of reasons a gateway session
// can be terminated for, and the registry mapping each reason to the numeric
// WebSocket close code and human description sent to the client.
//
// Every abnormal termination of a session goes through a Registry. No other
// package should spell out a numeric close code.
package closecode

import (
	"errors"
	"fmt"
	"sort"
)

// MinCode is the lowest code a registry may assign. Codes below it belong to
// the WebSocket protocol itself (RFC 6455 section 7.4).
const MinCode uint16 = 4000

// Protocol status codes used outside the registry.
const (
	// GoingAway is sent when the server is shutting down.
	GoingAway uint16 = 1001
	// InternalError is sent when the server cannot complete a request for
	// reasons unrelated to the client.
	InternalError uint16 = 1011
)

// ErrUnknownCode is returned by ReasonFor when a numeric code is not part of
// the registry.
var ErrUnknownCode = errors.New("closecode: unknown close code")

// ErrInvalidRegistry is returned by NewRegistry when the supplied entries do
// not form a total, bijective mapping.
var ErrInvalidRegistry = errors.New("closecode: invalid registry")

// Reason is a symbolic session termination reason.
type Reason uint8

const (
	InvalidOpCode Reason = iota + 1
	InvalidPacket
	NotAuthenticated
	MissingSessionID
	InvalidSessionID
	InvalidUserToken
	HeartbeatTimeout
	IdentifyTimeout
)

var reasonNames = map[Reason]string{
	InvalidOpCode:    "InvalidOpCode",
	InvalidPacket:    "InvalidPacket",
	NotAuthenticated: "NotAuthenticated",
	MissingSessionID: "MissingSessionID",
	InvalidSessionID: "InvalidSessionID",
	InvalidUserToken: "InvalidUserToken",
	HeartbeatTimeout: "HeartbeatTimeout",
	IdentifyTimeout:  "IdentifyTimeout",
}

// AllReasons returns every defined Reason in declaration order.
func AllReasons() []Reason {
	out := make([]Reason, 0, len(reasonNames))
	for r := InvalidOpCode; r <= IdentifyTimeout; r++ {
		out = append(out, r)
	}
	return out
}

// String returns the symbolic name of the reason.
func (r Reason) String() string {
	if n, ok := reasonNames[r]; ok {
		return n
	}
	return fmt.Sprintf("Reason(%d)", uint8(r))
}

// Valid reports whether r is one of the defined reasons.
func (r Reason) Valid() bool {
	_, ok := reasonNames[r]
	return ok
}

// Entry binds a reason to its wire code and description.
type Entry struct {
	Reason      Reason
	Code        uint16
	Description string
}

// Registry is an immutable bidirectional mapping between reasons and close
// codes. It is safe for concurrent use.
type Registry struct {
	byReason map[Reason]Entry
	byCode   map[uint16]Reason
}

// NewRegistry builds a registry from entries. Every defined Reason must appear
// exactly once, codes must be unique and no lower than MinCode.
func NewRegistry(entries ...Entry) (*Registry, error) {
	r := &Registry{
		byReason: make(map[Reason]Entry, len(entries)),
		byCode:   make(map[uint16]Reason, len(entries)),
	}
	for _, e := range entries {
		if !e.Reason.Valid() {
			return nil, fmt.Errorf("%w: undefined reason %d", ErrInvalidRegistry, uint8(e.Reason))
		}
		if e.Code < MinCode {
			return nil, fmt.Errorf("%w: code %d for %s is below %d", ErrInvalidRegistry, e.Code, e.Reason, MinCode)
		}
		if _, dup := r.byReason[e.Reason]; dup {
			return nil, fmt.Errorf("%w: duplicate reason %s", ErrInvalidRegistry, e.Reason)
		}
		if prev, dup := r.byCode[e.Code]; dup {
			return nil, fmt.Errorf("%w: code %d assigned to both %s and %s", ErrInvalidRegistry, e.Code, prev, e.Reason)
		}
		r.byReason[e.Reason] = e
		r.byCode[e.Code] = e.Reason
	}
	for _, reason := range AllReasons() {
		if _, ok := r.byReason[reason]; !ok {
			return nil, fmt.Errorf("%w: missing reason %s", ErrInvalidRegistry, reason)
		}
	}
	return r, nil
}

// CodeFor returns the wire close code for reason. It returns 0 for a value
// outside the defined reasons.
func (r *Registry) CodeFor(reason Reason) uint16 {
	return r.byReason[reason].Code
}

// ReasonFor maps a wire close code back to its reason.
func (r *Registry) ReasonFor(code uint16) (Reason, error) {
	reason, ok := r.byCode[code]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownCode, code)
	}
	return reason, nil
}

// DescriptionFor returns the human readable description for reason.
func (r *Registry) DescriptionFor(reason Reason) string {
	return r.byReason[reason].Description
}

// Codes returns every registered code in ascending order.
func (r *Registry) Codes() []uint16 {
	out := make([]uint16, 0, len(r.byCode))
	for c := range r.byCode {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Default is the reference close code table of the gateway protocol.
var Default = mustRegistry(
	Entry{InvalidOpCode, 4001, "you sent a non-existent op code or invalid data for an op code. Don't do that!"},
	Entry{InvalidPacket, 4002, "you sent us an invalid payload. Don't do that!"},
	Entry{NotAuthenticated, 4003, "you tried sending a payload before identifying."},
	Entry{MissingSessionID, 4004, "you sent us a packet without a session ID. Don't do that!"},
	Entry{InvalidSessionID, 4005, "the session ID you used is not valid. Reconnect and try again"},
	Entry{InvalidUserToken, 4006, "the user token provided is not valid."},
	Entry{HeartbeatTimeout, 4008, "you didn't answer the heartbeat in time, please reconnect"},
	Entry{IdentifyTimeout, 4009, "you didn't identify in time. Try again"},
)

func mustRegistry(entries ...Entry) *Registry {
	r, err := NewRegistry(entries...)
	if err != nil {
		panic(err)
	}
	return r
}
