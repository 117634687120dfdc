package bus

import (
	"context"
	"testing"
	"time"
)

func TestMemoryFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemory(4)
	first, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	second, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	want := Notification{StreamID: "s-1", Seq: 3}
	if err := b.Publish(ctx, want); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, ch := range []<-chan Notification{first, second} {
		select {
		case got := <-ch:
			if got != want {
				t.Fatalf("got %+v, want %+v", got, want)
			}
		case <-time.After(time.Second):
			t.Fatal("notification not delivered")
		}
	}
}

func TestMemoryDropsWhenFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemory(1)
	if _, err := b.Subscribe(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = b.Publish(ctx, Notification{StreamID: "s", Seq: 1})
	_ = b.Publish(ctx, Notification{StreamID: "s", Seq: 2})
	if b.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", b.Dropped())
	}
}

func TestMemoryClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewMemory(1)
	ch, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}
