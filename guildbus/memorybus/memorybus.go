// Package memorybus provides an in-process guildbus.Bus. It is suitable for
// single-node deployments and tests; state is lost with the process.
package memorybus

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/guild-gateway-go/guildbus"
)

const (
	defaultBacklog = 1024
	defaultBuffer  = 128
)

// Option configures a Bus.
type Option func(*Bus)

// WithBacklog bounds how many messages are retained per guild for resuming
// subscribers. Older messages are discarded first.
func WithBacklog(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.backlog = n
		}
	}
}

// WithSubscriberBuffer sets how many undelivered messages a subscriber may
// lag behind before it is dropped with guildbus.ErrSlowConsumer.
func WithSubscriberBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// Bus implements guildbus.Bus with per-guild slices and channels.
type Bus struct {
	mu      sync.Mutex
	guilds  map[string]*guild
	counter atomic.Int64
	backlog int
	buffer  int
}

type guild struct {
	mu       sync.Mutex
	messages []guildbus.MessageEnvelope
	subs     map[*subscriber]struct{}
}

type subscriber struct {
	ch   chan guildbus.MessageEnvelope
	done chan struct{}
	once sync.Once
	err  error
}

func (s *subscriber) stop(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// New creates an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		guilds:  make(map[string]*guild),
		backlog: defaultBacklog,
		buffer:  defaultBuffer,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) guild(id string) *guild {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.guilds[id]
	if !ok {
		g = &guild{subs: make(map[*subscriber]struct{})}
		b.guilds[id] = g
	}
	return g
}

// Publish implements guildbus.Bus.
func (b *Bus) Publish(ctx context.Context, guildID string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	msg := guildbus.MessageEnvelope{
		ID:   strconv.FormatInt(b.counter.Add(1), 10),
		Data: append([]byte(nil), data...),
	}

	g := b.guild(guildID)
	g.mu.Lock()
	defer g.mu.Unlock()

	g.messages = append(g.messages, msg)
	if over := len(g.messages) - b.backlog; over > 0 {
		g.messages = append(g.messages[:0:0], g.messages[over:]...)
	}
	for sub := range g.subs {
		select {
		case sub.ch <- msg:
		default:
			delete(g.subs, sub)
			sub.stop(guildbus.ErrSlowConsumer)
		}
	}
	return msg.ID, nil
}

// Subscribe implements guildbus.Bus.
func (b *Bus) Subscribe(ctx context.Context, guildID string, lastEventID string, handler guildbus.MessageHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g := b.guild(guildID)
	g.mu.Lock()
	var backlog []guildbus.MessageEnvelope
	if lastEventID != "" {
		idx := -1
		for i, msg := range g.messages {
			if msg.ID == lastEventID {
				idx = i
				break
			}
		}
		if idx < 0 {
			g.mu.Unlock()
			return fmt.Errorf("%w: %q in guild %s", guildbus.ErrUnknownEventID, lastEventID, guildID)
		}
		backlog = append(backlog, g.messages[idx+1:]...)
	}
	sub := &subscriber{
		ch:   make(chan guildbus.MessageEnvelope, b.buffer),
		done: make(chan struct{}),
	}
	g.subs[sub] = struct{}{}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.subs, sub)
		g.mu.Unlock()
	}()

	for _, msg := range backlog {
		if err := handler(ctx, msg); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-sub.ch:
			if err := handler(ctx, msg); err != nil {
				return err
			}
		case <-sub.done:
			return sub.err
		}
	}
}

// Cleanup implements guildbus.Bus. Active subscribers of the guild end with
// guildbus.ErrGuildClosed.
func (b *Bus) Cleanup(ctx context.Context, guildID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	g, ok := b.guilds[guildID]
	delete(b.guilds, guildID)
	b.mu.Unlock()
	if !ok {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for sub := range g.subs {
		sub.stop(guildbus.ErrGuildClosed)
	}
	g.subs = make(map[*subscriber]struct{})
	g.messages = nil
	return nil
}

var _ guildbus.Bus = (*Bus)(nil)
