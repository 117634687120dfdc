package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// hashEnvelope fixes the field order hashed for every event.
type hashEnvelope struct {
	StreamID      string          `json:"stream_id"`
	Seq           uint64          `json:"seq"`
	Type          string          `json:"type"`
	OccurredAt    int64           `json:"occurred_at"`
	ActorID       string          `json:"actor_id,omitempty"`
	RequestID     string          `json:"request_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

type chainEnvelope struct {
	PrevHash  string `json:"prev_hash"`
	EventHash string `json:"event_hash"`
}

// EventHash computes the content hash of an event's envelope and payload.
func EventHash(evt Event) (string, error) {
	if strings.TrimSpace(evt.StreamID) == "" {
		return "", ErrStreamIDRequired
	}
	if evt.Seq == 0 {
		return "", errors.New("event seq is required for hashing")
	}
	payload, err := compactPayload(evt.PayloadJSON)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(hashEnvelope{
		StreamID:      evt.StreamID,
		Seq:           evt.Seq,
		Type:          string(evt.Type),
		OccurredAt:    evt.Timestamp.UTC().UnixMilli(),
		ActorID:       evt.ActorID,
		RequestID:     evt.RequestID,
		CorrelationID: evt.CorrelationID,
		CausationID:   evt.CausationID,
		Payload:       payload,
	})
	if err != nil {
		return "", fmt.Errorf("encode hash envelope: %w", err)
	}
	return sha256Hex(data), nil
}

// ChainHash links an event hash to the chain hash of its predecessor.
func ChainHash(evt Event, prevHash string) (string, error) {
	eventHash := evt.Hash
	if eventHash == "" {
		computed, err := EventHash(evt)
		if err != nil {
			return "", err
		}
		eventHash = computed
	}
	data, err := json.Marshal(chainEnvelope{PrevHash: prevHash, EventHash: eventHash})
	if err != nil {
		return "", fmt.Errorf("encode chain envelope: %w", err)
	}
	return sha256Hex(data), nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
