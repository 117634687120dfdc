package event

import "time"

// Type identifies an event type string, e.g. "study.created".
type Type string

// Event is the persisted envelope for one fact in a stream.
//
// StreamID, Seq, Type, PayloadJSON and Timestamp form the wire shape every
// journal stores; the remaining fields carry request metadata and integrity
// material assigned at append time.
type Event struct {
	StreamID      string
	Seq           uint64
	Type          Type
	Timestamp     time.Time
	ActorID       string
	RequestID     string
	CorrelationID string
	CausationID   string
	PayloadJSON   []byte

	Hash           string
	PrevHash       string
	ChainHash      string
	Signature      string
	SignatureKeyID string
}

// StreamHead reports the newest sequence number of one stream.
type StreamHead struct {
	StreamID string
	LastSeq  uint64
}
