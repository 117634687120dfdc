package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "clinops:study:appended"

// Redis publishes notifications over Redis pub/sub so projection workers in
// other processes observe appends.
type Redis struct {
	client  redis.UniversalClient
	channel string
	logger  zerolog.Logger
}

// NewRedis wraps a connected client.
func NewRedis(client redis.UniversalClient, channel string, logger zerolog.Logger) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{client: client, channel: channel, logger: logger}, nil
}

// Publish sends n as JSON on the channel.
func (r *Redis) Publish(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Subscribe confirms the subscription before returning, then decodes
// messages until ctx is done. Undecodable messages are logged and skipped.
func (r *Redis) Subscribe(ctx context.Context) (<-chan Notification, error) {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	out := make(chan Notification, defaultBuffer)
	messages := sub.Channel()
	go func() {
		defer close(out)
		defer sub.Close()
		r.forward(ctx, messages, out)
	}()
	return out, nil
}

// forward decodes messages onto out until messages closes or ctx is done.
func (r *Redis) forward(ctx context.Context, messages <-chan *redis.Message, out chan<- Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var n Notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				r.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("discard malformed notification")
				continue
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
