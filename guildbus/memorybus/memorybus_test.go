package memorybus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/guild-gateway-go/guildbus"
	"github.com/ggoodman/guild-gateway-go/guildbus/bustest"
)

func TestMemoryBus(t *testing.T) {
	bustest.RunBusTests(t, func(t *testing.T) guildbus.Bus {
		return New()
	})
}

func TestBacklogIsBounded(t *testing.T) {
	b := New(WithBacklog(2))
	ctx := context.Background()

	first, _ := b.Publish(ctx, "g", []byte(`{"op":3}`))
	second, _ := b.Publish(ctx, "g", []byte(`{"op":3}`))
	b.Publish(ctx, "g", []byte(`{"op":3}`))

	noop := func(context.Context, guildbus.MessageEnvelope) error { return nil }
	if err := b.Subscribe(ctx, "g", first, noop); !errors.Is(err, guildbus.ErrUnknownEventID) {
		t.Fatalf("resume from trimmed id: err = %v, want ErrUnknownEventID", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	var got []string
	err := b.Subscribe(subCtx, "g", second, func(_ context.Context, msg guildbus.MessageEnvelope) error {
		got = append(got, msg.ID)
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) || len(got) != 1 {
		t.Fatalf("err = %v, delivered %v", err, got)
	}
}

func TestSlowConsumerIsDropped(t *testing.T) {
	b := New(WithSubscriberBuffer(1))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, "g", "", func(context.Context, guildbus.MessageEnvelope) error {
			<-release
			return nil
		})
	}()
	time.Sleep(50 * time.Millisecond)

	// One message is taken by the blocked handler, one fills the buffer and
	// the next overflows it.
	for range 3 {
		if _, err := b.Publish(ctx, "g", []byte(`{"op":3}`)); err != nil {
			t.Fatalf("publish: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(release)

	select {
	case err := <-done:
		if !errors.Is(err, guildbus.ErrSlowConsumer) {
			t.Fatalf("err = %v, want ErrSlowConsumer", err)
		}
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not dropped")
	}
}

func TestCleanupEndsSubscribers(t *testing.T) {
	b := New()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, "g", "", func(context.Context, guildbus.MessageEnvelope) error { return nil })
	}()
	time.Sleep(50 * time.Millisecond)
	if err := b.Cleanup(ctx, "g"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, guildbus.ErrGuildClosed) {
			t.Fatalf("err = %v, want ErrGuildClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber survived cleanup")
	}
}
