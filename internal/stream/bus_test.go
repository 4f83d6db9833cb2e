package stream_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/firstbad/bisectd/internal/stream"
)

func TestPublishThenDrainInOrder(t *testing.T) {
	bus := stream.New(100, time.Minute)
	bus.Publish(1, stream.MessageLog, "first")
	bus.Publish(1, stream.MessageLog, "second")
	bus.Publish(1, stream.MessageStatus, "running")
	bus.MarkComplete(1)

	sub := bus.Subscribe(1, 0)
	defer sub.Close()

	want := []struct {
		typ     stream.MessageType
		content string
	}{
		{stream.MessageLog, "first"},
		{stream.MessageLog, "second"},
		{stream.MessageStatus, "running"},
	}
	for i, w := range want {
		msg, ok := sub.Next(context.Background())
		if !ok {
			t.Fatalf("message %d: stream ended early", i)
		}
		if msg.Type != w.typ || msg.Content != w.content {
			t.Errorf("message %d: got (%s, %q), want (%s, %q)", i, msg.Type, msg.Content, w.typ, w.content)
		}
	}

	if _, ok := sub.Next(context.Background()); ok {
		t.Error("expected stream to end after draining a completed buffer")
	}
}

func TestSubscribeFromOffsetSkipsEarlierMessages(t *testing.T) {
	bus := stream.New(100, time.Minute)
	for i := 0; i < 5; i++ {
		bus.Publish(7, stream.MessageLog, fmt.Sprintf("line %d", i))
	}
	bus.MarkComplete(7)

	sub := bus.Subscribe(7, 3)
	defer sub.Close()

	msg, ok := sub.Next(context.Background())
	if !ok {
		t.Fatal("expected a message at offset 3")
	}
	if msg.Content != "line 3" {
		t.Errorf("got %q, want %q", msg.Content, "line 3")
	}
}

func TestEvictionAdvancesLateSubscribers(t *testing.T) {
	bus := stream.New(5, time.Minute)
	for i := 0; i < 8; i++ {
		bus.Publish(3, stream.MessageLog, fmt.Sprintf("line %d", i))
	}
	bus.MarkComplete(3)

	sub := bus.Subscribe(3, 0)
	defer sub.Close()

	msg, ok := sub.Next(context.Background())
	if !ok {
		t.Fatal("expected buffered messages to survive eviction")
	}
	if msg.Content != "line 3" {
		t.Errorf("first served message = %q, want %q (lines 0-2 evicted)", msg.Content, "line 3")
	}
	if got := sub.Missed(); got != 3 {
		t.Errorf("Missed() = %d, want 3", got)
	}
}

func TestNextWakesOnPublish(t *testing.T) {
	bus := stream.New(100, time.Minute)
	sub := bus.Subscribe(9, 0)
	defer sub.Close()

	go func() {
		time.Sleep(10 * time.Millisecond)
		bus.Publish(9, stream.MessageLog, "late arrival")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, ok := sub.Next(ctx)
	if !ok {
		t.Fatal("expected a message, got end of stream")
	}
	if msg.Type != stream.MessageLog || msg.Content != "late arrival" {
		t.Errorf("got (%s, %q), want a log message", msg.Type, msg.Content)
	}
}

func TestIdleSubscriberGetsKeepalive(t *testing.T) {
	bus := stream.New(100, 20*time.Millisecond)
	sub := bus.Subscribe(4, 0)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, ok := sub.Next(ctx)
	if !ok {
		t.Fatal("expected a keepalive, got end of stream")
	}
	if msg.Type != stream.MessageKeepalive {
		t.Errorf("got %s, want %s", msg.Type, stream.MessageKeepalive)
	}
}

func TestMarkCompleteUnblocksWaiters(t *testing.T) {
	bus := stream.New(100, time.Minute)
	sub := bus.Subscribe(5, 0)
	defer sub.Close()

	done := make(chan bool, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, ok := sub.Next(ctx)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	bus.MarkComplete(5)

	select {
	case ok := <-done:
		if ok {
			t.Error("expected end of stream after MarkComplete")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber still blocked after MarkComplete")
	}
}

func TestPublishAfterCompleteIsDropped(t *testing.T) {
	bus := stream.New(100, time.Minute)
	bus.Publish(6, stream.MessageLog, "kept")
	bus.MarkComplete(6)
	bus.Publish(6, stream.MessageLog, "dropped")

	sub := bus.Subscribe(6, 0)
	defer sub.Close()

	msg, ok := sub.Next(context.Background())
	if !ok || msg.Content != "kept" {
		t.Fatalf("expected the pre-complete message, got (%v, %v)", msg, ok)
	}
	if _, ok := sub.Next(context.Background()); ok {
		t.Error("message published after MarkComplete should not be delivered")
	}
}

func TestCleanupLetsExistingSubscribersDrain(t *testing.T) {
	bus := stream.New(100, time.Minute)
	bus.Publish(8, stream.MessageLog, "before cleanup")
	sub := bus.Subscribe(8, 0)
	defer sub.Close()

	bus.Cleanup(8)

	msg, ok := sub.Next(context.Background())
	if !ok || msg.Content != "before cleanup" {
		t.Fatalf("expected buffered message to survive Cleanup for attached subscriber, got (%v, %v)", msg, ok)
	}
	if _, ok := sub.Next(context.Background()); ok {
		t.Error("expected end of stream after Cleanup")
	}

	// A subscriber attaching after Cleanup starts from an empty stream.
	late := bus.Subscribe(8, 0)
	defer late.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := late.Next(ctx); ok {
		t.Error("late subscriber should see no messages after Cleanup")
	}
}
