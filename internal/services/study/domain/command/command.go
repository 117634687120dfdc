package command

import (
	"time"

	"github.com/clinprecision/clinops/internal/services/study/domain/event"
)

// Type identifies the command type string.
type Type string

// Command captures the canonical command envelope.
type Command struct {
	StreamID      string
	Type          Type
	ActorID       string
	RequestID     string
	CorrelationID string
	PayloadJSON   []byte
}

// NewEvent builds an event by copying the shared envelope fields from a
// command. The command's request id becomes the event's causation id.
func NewEvent(cmd Command, eventType event.Type, payloadJSON []byte, now time.Time) event.Event {
	return event.Event{
		StreamID:      cmd.StreamID,
		Type:          eventType,
		Timestamp:     now,
		ActorID:       cmd.ActorID,
		RequestID:     cmd.RequestID,
		CorrelationID: cmd.CorrelationID,
		CausationID:   cmd.RequestID,
		PayloadJSON:   payloadJSON,
	}
}
