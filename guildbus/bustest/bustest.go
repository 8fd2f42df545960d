// Package bustest provides a conformance suite for guildbus.Bus
// implementations.
package bustest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/guild-gateway-go/guildbus"
	"github.com/ggoodman/guild-gateway-go/protocol"
)

// BusFactory creates a fresh bus for one test.
type BusFactory func(t *testing.T) guildbus.Bus

// RunBusTests runs the conformance suite against the bus built by factory.
// Guild IDs are unique per run so a shared backend can be reused.
func RunBusTests(t *testing.T, factory BusFactory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b guildbus.Bus, guild func(string) string)
	}{
		{"PublishAndSubscribe", testPublishAndSubscribe},
		{"ResumeFromLastEventID", testResumeFromLastEventID},
		{"OrderedDelivery", testOrderedDelivery},
		{"PublishBetweenIdleReads", testPublishBetweenIdleReads},
		{"MultipleSubscribers", testMultipleSubscribers},
		{"GuildIsolation", testGuildIsolation},
		{"ContextCancellation", testContextCancellation},
		{"HandlerErrorStopsSubscription", testHandlerErrorStopsSubscription},
		{"Cleanup", testCleanup},
		{"ResumeFromUnknownEventID", testResumeFromUnknownEventID},
	}
	run := time.Now().UnixNano()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := factory(t)
			var used []string
			guild := func(name string) string {
				id := fmt.Sprintf("%s-%d-%s", tt.name, run, name)
				used = append(used, id)
				return id
			}
			t.Cleanup(func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				for _, id := range used {
					if err := b.Cleanup(ctx, id); err != nil {
						t.Logf("cleanup guild %s: %v", id, err)
					}
				}
			})
			tt.fn(t, b, guild)
		})
	}
}

func guildEvent(t *testing.T, name string) protocol.Envelope {
	t.Helper()
	env, err := protocol.FromEvent(protocol.PartialGuild{ID: "1", Name: name}, protocol.EventPartialGuildUpdate)
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	return env
}

func publish(t *testing.T, ctx context.Context, b guildbus.Bus, guildID, name string) string {
	t.Helper()
	id, err := guildbus.PublishEvent(ctx, b, guildID, guildEvent(t, name))
	if err != nil {
		t.Fatalf("publish to %s: %v", guildID, err)
	}
	if id == "" {
		t.Fatal("publish returned an empty event id")
	}
	return id
}

func eventName(t *testing.T, msg guildbus.MessageEnvelope) string {
	t.Helper()
	env, err := msg.Envelope()
	if err != nil {
		t.Fatalf("decode delivered message: %v", err)
	}
	var pg protocol.PartialGuild
	if err := env.DecodeData(&pg); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return pg.Name
}

// collector gathers delivered messages and cancels once it has want of them.
type collector struct {
	mu     sync.Mutex
	msgs   []guildbus.MessageEnvelope
	want   int
	cancel context.CancelFunc
}

func (c *collector) handle(ctx context.Context, msg guildbus.MessageEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	if c.want > 0 && len(c.msgs) >= c.want {
		c.cancel()
	}
	return nil
}

func (c *collector) snapshot() []guildbus.MessageEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]guildbus.MessageEnvelope(nil), c.msgs...)
}

func subscribeAsync(ctx context.Context, b guildbus.Bus, guildID, last string, h guildbus.MessageHandler) <-chan error {
	done := make(chan error, 1)
	go func() { done <- b.Subscribe(ctx, guildID, last, h) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not complete within timeout")
	}
	return nil
}

// settle gives a freshly started subscription time to register before
// messages are published.
func settle() { time.Sleep(100 * time.Millisecond) }

func testPublishAndSubscribe(t *testing.T, b guildbus.Bus, guild func(string) string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g := guild("a")

	c := &collector{want: 1, cancel: cancel}
	done := subscribeAsync(ctx, b, g, "", c.handle)
	settle()
	id := publish(t, context.Background(), b, g, "first")

	if err := waitDone(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("subscription error: %v", err)
	}
	msgs := c.snapshot()
	if len(msgs) != 1 || msgs[0].ID != id {
		t.Fatalf("delivered %v, want one message with id %s", msgs, id)
	}
	if got := eventName(t, msgs[0]); got != "first" {
		t.Fatalf("payload name = %q", got)
	}
}

func testResumeFromLastEventID(t *testing.T, b guildbus.Bus, guild func(string) string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g := guild("a")

	id1 := publish(t, ctx, b, g, "one")
	id2 := publish(t, ctx, b, g, "two")

	c := &collector{want: 1, cancel: cancel}
	err := b.Subscribe(ctx, g, id1, c.handle)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("subscription error: %v", err)
	}
	msgs := c.snapshot()
	if len(msgs) != 1 || msgs[0].ID != id2 {
		t.Fatalf("resumed with %v, want %s", msgs, id2)
	}
	if got := eventName(t, msgs[0]); got != "two" {
		t.Fatalf("payload name = %q", got)
	}
}

func testOrderedDelivery(t *testing.T, b guildbus.Bus, guild func(string) string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g := guild("a")

	const n = 20
	c := &collector{want: n, cancel: cancel}
	done := subscribeAsync(ctx, b, g, "", c.handle)
	settle()
	var ids []string
	for i := range n {
		ids = append(ids, publish(t, context.Background(), b, g, fmt.Sprintf("m%d", i)))
	}
	if err := waitDone(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("subscription error: %v", err)
	}
	msgs := c.snapshot()
	if len(msgs) != n {
		t.Fatalf("delivered %d messages, want %d", len(msgs), n)
	}
	for i, msg := range msgs {
		if msg.ID != ids[i] {
			t.Fatalf("message %d has id %s, want %s", i, msg.ID, ids[i])
		}
		if got, want := eventName(t, msg), fmt.Sprintf("m%d", i); got != want {
			t.Fatalf("message %d = %q, want %q", i, got, want)
		}
	}
}

// testPublishBetweenIdleReads spreads publishes over a subscription that has
// already been idle for a while, so backends that poll with a blocking read
// see messages arrive around their read timeouts.
func testPublishBetweenIdleReads(t *testing.T, b guildbus.Bus, guild func(string) string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g := guild("a")

	const n = 10
	c := &collector{want: n, cancel: cancel}
	done := subscribeAsync(ctx, b, g, "", c.handle)
	time.Sleep(300 * time.Millisecond)

	var ids []string
	for i := range n {
		ids = append(ids, publish(t, context.Background(), b, g, fmt.Sprintf("late%d", i)))
		time.Sleep(35 * time.Millisecond)
	}
	if err := waitDone(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("subscription error: %v (delivered %d of %d)", err, len(c.snapshot()), n)
	}
	msgs := c.snapshot()
	if len(msgs) != n {
		t.Fatalf("delivered %d messages, want %d", len(msgs), n)
	}
	for i, msg := range msgs {
		if msg.ID != ids[i] {
			t.Fatalf("message %d has id %s, want %s", i, msg.ID, ids[i])
		}
	}
}

func testMultipleSubscribers(t *testing.T, b guildbus.Bus, guild func(string) string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g := guild("a")

	c1 := &collector{}
	c2 := &collector{}
	done1 := subscribeAsync(ctx, b, g, "", c1.handle)
	done2 := subscribeAsync(ctx, b, g, "", c2.handle)
	settle()
	id := publish(t, context.Background(), b, g, "shared")
	time.Sleep(200 * time.Millisecond)
	cancel()
	waitDone(t, done1)
	waitDone(t, done2)

	for i, c := range []*collector{c1, c2} {
		msgs := c.snapshot()
		if len(msgs) != 1 || msgs[0].ID != id {
			t.Fatalf("subscriber %d got %v, want one message with id %s", i+1, msgs, id)
		}
	}
}

func testGuildIsolation(t *testing.T, b guildbus.Bus, guild func(string) string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ga, gb := guild("a"), guild("b")

	ca := &collector{}
	cb := &collector{}
	doneA := subscribeAsync(ctx, b, ga, "", ca.handle)
	doneB := subscribeAsync(ctx, b, gb, "", cb.handle)
	settle()
	publish(t, context.Background(), b, ga, "for-a")
	publish(t, context.Background(), b, gb, "for-b")
	time.Sleep(200 * time.Millisecond)
	cancel()
	waitDone(t, doneA)
	waitDone(t, doneB)

	for _, tc := range []struct {
		c    *collector
		want string
	}{{ca, "for-a"}, {cb, "for-b"}} {
		msgs := tc.c.snapshot()
		if len(msgs) != 1 {
			t.Fatalf("subscriber for %s got %d messages, want 1", tc.want, len(msgs))
		}
		if got := eventName(t, msgs[0]); got != tc.want {
			t.Fatalf("got %q, want %q", got, tc.want)
		}
	}
}

func testContextCancellation(t *testing.T, b guildbus.Bus, guild func(string) string) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := subscribeAsync(ctx, b, guild("a"), "", func(context.Context, guildbus.MessageEnvelope) error { return nil })
	if err := waitDone(t, done); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func testHandlerErrorStopsSubscription(t *testing.T, b guildbus.Bus, guild func(string) string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g := guild("a")

	handlerErr := errors.New("handler error")
	done := subscribeAsync(ctx, b, g, "", func(context.Context, guildbus.MessageEnvelope) error {
		return handlerErr
	})
	settle()
	publish(t, ctx, b, g, "boom")
	if err := waitDone(t, done); !errors.Is(err, handlerErr) {
		t.Fatalf("err = %v, want handler error", err)
	}
}

func testCleanup(t *testing.T, b guildbus.Bus, guild func(string) string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g := guild("a")

	publish(t, ctx, b, g, "gone")
	id := publish(t, ctx, b, g, "gone-too")
	if err := b.Cleanup(ctx, g); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	subCtx, subCancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer subCancel()
	err := b.Subscribe(subCtx, g, id, func(context.Context, guildbus.MessageEnvelope) error {
		t.Error("received a message after cleanup")
		return nil
	})
	// Implementations may either reject the forgotten id or wait quietly.
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Logf("subscribe after cleanup returned (acceptable): %v", err)
	}
}

func testResumeFromUnknownEventID(t *testing.T, b guildbus.Bus, guild func(string) string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := b.Subscribe(ctx, guild("a"), "non-existent-id", func(context.Context, guildbus.MessageEnvelope) error {
		return nil
	})
	if err == nil {
		t.Fatal("expected an error for an unknown event id")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("subscription should fail immediately for an unknown event id, not time out")
	}
	if !errors.Is(err, guildbus.ErrUnknownEventID) {
		t.Fatalf("err = %v, want ErrUnknownEventID", err)
	}
}
