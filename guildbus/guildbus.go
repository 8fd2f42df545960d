// Package guildbus defines the store and fan-out contract used to deliver
// guild events to the sessions subscribed to a guild.
//
// Every guild is an isolated, ordered stream of messages. A subscriber either
// follows the stream from the next published message or resumes after a
// previously delivered event ID.
package guildbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/ggoodman/guild-gateway-go/protocol"
)

var (
	// ErrUnknownEventID is returned by Subscribe when lastEventID does not
	// identify a message retained for the guild.
	ErrUnknownEventID = errors.New("guildbus: unknown event id")
	// ErrGuildClosed is returned by Subscribe when the guild is cleaned up
	// while the subscription is active.
	ErrGuildClosed = errors.New("guildbus: guild cleaned up")
	// ErrSlowConsumer is returned by Subscribe when the subscriber fell too
	// far behind the publishers and was dropped.
	ErrSlowConsumer = errors.New("guildbus: subscriber too slow")
)

// Bus handles storage and delivery of guild events.
type Bus interface {
	// Publish appends data to the guild's stream and returns the generated
	// event ID.
	Publish(ctx context.Context, guildID string, data []byte) (eventID string, err error)

	// Subscribe calls handler for each message of the guild's stream, in
	// order, until ctx ends or handler returns an error. If lastEventID is
	// empty the subscription starts with the next published message;
	// otherwise it resumes with the message after lastEventID.
	//
	// Subscribe returns ctx.Err() on cancellation and the handler's error
	// unchanged when the handler fails.
	Subscribe(ctx context.Context, guildID string, lastEventID string, handler MessageHandler) error

	// Cleanup removes every message retained for the guild.
	Cleanup(ctx context.Context, guildID string) error
}

// MessageHandler processes one delivered message.
type MessageHandler func(ctx context.Context, msg MessageEnvelope) error

// MessageEnvelope is a message with its position in the guild stream.
type MessageEnvelope struct {
	// ID is unique and increasing within the guild.
	ID string `json:"id"`
	// Data is the encoded gateway envelope.
	Data []byte `json:"data"`
}

// Envelope decodes the message as a gateway envelope.
func (m MessageEnvelope) Envelope() (protocol.Envelope, error) {
	return protocol.Decode(m.Data)
}

// PublishEvent encodes env and publishes it to the guild's stream.
func PublishEvent(ctx context.Context, b Bus, guildID string, env protocol.Envelope) (string, error) {
	data, err := protocol.Encode(env)
	if err != nil {
		return "", fmt.Errorf("failed to encode guild event: %w", err)
	}
	return b.Publish(ctx, guildID, data)
}
