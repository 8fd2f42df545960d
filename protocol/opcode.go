package protocol

import "fmt"

// OpCode identifies the kind of an Envelope. The integer values are part of
// the wire contract and must never be renumbered.
type OpCode int

const (
	// OpDispatch carries a named event in the envelope's e/d fields. Server to client.
	OpDispatch OpCode = 0
	// OpHello is the handshake greeting. Server to client.
	OpHello OpCode = 1
	// OpIdentify authenticates the connection. Client to server.
	OpIdentify OpCode = 2
	// OpReconnect asks the client to reconnect. Server to client, not yet emitted.
	OpReconnect OpCode = 3
	// OpGuildSubscribe subscribes to a guild's events. Client to server, not yet handled.
	OpGuildSubscribe OpCode = 4
	// OpGuildUnsubscribe drops a guild subscription. Client to server, not yet handled.
	OpGuildUnsubscribe OpCode = 5
	// OpSubscriptionAck acknowledges a (un)subscription. Server to client, not yet emitted.
	OpSubscriptionAck OpCode = 6
	// OpGuildRequest requests a guild's full data. Client to server, not yet handled.
	OpGuildRequest OpCode = 7
)

var opNames = [...]string{
	OpDispatch:         "Dispatch",
	OpHello:            "Hello",
	OpIdentify:         "Identify",
	OpReconnect:        "Reconnect",
	OpGuildSubscribe:   "GuildSubscribe",
	OpGuildUnsubscribe: "GuildUnsubscribe",
	OpSubscriptionAck:  "SubscriptionAck",
	OpGuildRequest:     "GuildRequest",
}

// Valid reports whether op is part of the opcode space.
func (op OpCode) Valid() bool {
	return op >= OpDispatch && op <= OpGuildRequest
}

// FromClient reports whether op is one a client is allowed to originate.
func (op OpCode) FromClient() bool {
	switch op {
	case OpIdentify, OpGuildSubscribe, OpGuildUnsubscribe, OpGuildRequest:
		return true
	}
	return false
}

func (op OpCode) String() string {
	if op.Valid() {
		return opNames[op]
	}
	return fmt.Sprintf("OpCode(%d)", int(op))
}
