package bus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

func TestNewRedisRequiresClient(t *testing.T) {
	if _, err := NewRedis(nil, "", zerolog.Nop()); err == nil {
		t.Fatal("expected error for nil client")
	}
}

func TestNewRedisDefaultsChannel(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	b, err := NewRedis(client, "", zerolog.Nop())
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	defer b.Close()
	if b.channel != DefaultChannel {
		t.Fatalf("channel = %q, want %q", b.channel, DefaultChannel)
	}
}

func TestRedisPublishReportsUnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	b, err := NewRedis(client, "test", zerolog.Nop())
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Publish(ctx, Notification{StreamID: "s1", Seq: 1}); err == nil {
		t.Fatal("expected publish to fail without a server")
	}
	if _, err := b.Subscribe(ctx); err == nil {
		t.Fatal("expected subscribe to fail without a server")
	}
}

func TestRedisForwardSkipsMalformedMessages(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	b, err := NewRedis(client, "test", zerolog.Nop())
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	defer b.Close()

	messages := make(chan *redis.Message, 3)
	messages <- &redis.Message{Channel: "test", Payload: `{"stream_id":"s1","seq":1}`}
	messages <- &redis.Message{Channel: "test", Payload: `not json`}
	messages <- &redis.Message{Channel: "test", Payload: `{"stream_id":"s1","seq":2}`}
	close(messages)

	out := make(chan Notification, 3)
	b.forward(context.Background(), messages, out)
	close(out)

	var got []Notification
	for n := range out {
		got = append(got, n)
	}
	if len(got) != 2 || got[0].Seq != 1 || got[1].Seq != 2 || got[1].StreamID != "s1" {
		t.Fatalf("forwarded = %+v", got)
	}
}

func TestRedisForwardStopsOnCancel(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	b, err := NewRedis(client, "test", zerolog.Nop())
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.forward(ctx, make(chan *redis.Message), make(chan Notification))
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forward did not stop after cancel")
	}
}

func TestRedisPublishSubscribeIntegration(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	b, err := NewRedis(client, "clinops:test:"+t.Name(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Publish(ctx, b.channel, "garbage").Err(); err != nil {
		t.Fatalf("publish garbage: %v", err)
	}
	if err := b.Publish(ctx, Notification{StreamID: "s1", Seq: 3}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case n := <-ch:
		if n.StreamID != "s1" || n.Seq != 3 {
			t.Fatalf("notification = %+v", n)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for notification")
	}

	cancel()
	for range ch {
	}
}
