// Package bus carries append notifications from the write path to the
// projection engine.
//
// Notifications are hints: they name a stream and the seq that was appended,
// and consumers read the journal for the events themselves. A lost
// notification delays a projection until the next sweep; it never loses data.
package bus

import "context"

// Notification announces that a stream advanced to Seq.
type Notification struct {
	StreamID string `json:"stream_id"`
	Seq      uint64 `json:"seq"`
}

// Publisher announces appended events.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// Subscriber delivers notifications until ctx is done, then closes the
// returned channel.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan Notification, error)
}

// Bus is both ends of a notification channel.
type Bus interface {
	Publisher
	Subscriber
}
