package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clinprecision/clinops/internal/services/study/domain/event"
	"github.com/clinprecision/clinops/internal/services/study/storage"
	"github.com/clinprecision/clinops/internal/services/study/storage/integrity"
)

type eventRow struct {
	StreamID       string    `db:"stream_id"`
	Seq            int64     `db:"seq"`
	EventType      string    `db:"event_type"`
	OccurredAt     time.Time `db:"occurred_at"`
	ActorID        string    `db:"actor_id"`
	RequestID      string    `db:"request_id"`
	CorrelationID  string    `db:"correlation_id"`
	CausationID    string    `db:"causation_id"`
	PayloadJSON    []byte    `db:"payload_json"`
	EventHash      string    `db:"event_hash"`
	PrevHash       string    `db:"prev_hash"`
	ChainHash      string    `db:"chain_hash"`
	Signature      string    `db:"signature"`
	SignatureKeyID string    `db:"signature_key_id"`
}

func toEventRow(evt event.Event) eventRow {
	return eventRow{
		StreamID:       evt.StreamID,
		Seq:            int64(evt.Seq),
		EventType:      string(evt.Type),
		OccurredAt:     evt.Timestamp.UTC(),
		ActorID:        evt.ActorID,
		RequestID:      evt.RequestID,
		CorrelationID:  evt.CorrelationID,
		CausationID:    evt.CausationID,
		PayloadJSON:    evt.PayloadJSON,
		EventHash:      evt.Hash,
		PrevHash:       evt.PrevHash,
		ChainHash:      evt.ChainHash,
		Signature:      evt.Signature,
		SignatureKeyID: evt.SignatureKeyID,
	}
}

func (r eventRow) toDomain() event.Event {
	return event.Event{
		StreamID:       r.StreamID,
		Seq:            uint64(r.Seq),
		Type:           event.Type(r.EventType),
		Timestamp:      r.OccurredAt.UTC(),
		ActorID:        r.ActorID,
		RequestID:      r.RequestID,
		CorrelationID:  r.CorrelationID,
		CausationID:    r.CausationID,
		PayloadJSON:    r.PayloadJSON,
		Hash:           r.EventHash,
		PrevHash:       r.PrevHash,
		ChainHash:      r.ChainHash,
		Signature:      r.Signature,
		SignatureKeyID: r.SignatureKeyID,
	}
}

const insertEventSQL = `INSERT INTO events (stream_id, seq, event_type, occurred_at, actor_id, request_id,
	correlation_id, causation_id, payload_json, event_hash, prev_hash, chain_hash, signature, signature_key_id)
	VALUES (:stream_id, :seq, :event_type, :occurred_at, :actor_id, :request_id, :correlation_id, :causation_id,
	:payload_json, :event_hash, :prev_hash, :chain_hash, :signature, :signature_key_id)`

// AppendEvents appends events when the stream head equals expectedSeq. Two
// writers racing for the same seq collide on the primary key and the loser
// gets storage.ErrConcurrentModification.
func (s *Store) AppendEvents(ctx context.Context, streamID string, expectedSeq uint64, events []event.Event) ([]event.Event, error) {
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return nil, event.ErrStreamIDRequired
	}
	if len(events) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var head struct {
		Seq       int64  `db:"seq"`
		ChainHash string `db:"chain_hash"`
	}
	err = tx.GetContext(ctx, &head,
		`SELECT seq, chain_hash FROM events WHERE stream_id = $1 ORDER BY seq DESC LIMIT 1`, streamID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read stream head: %w", err)
	}
	if uint64(head.Seq) != expectedSeq {
		return nil, fmt.Errorf("%w: stream %s head %d, expected %d", storage.ErrConcurrentModification, streamID, head.Seq, expectedSeq)
	}

	sealed, err := integrity.SealBatch(streamID, uint64(head.Seq), head.ChainHash, events, s.keyring)
	if err != nil {
		return nil, err
	}
	for _, evt := range sealed {
		if _, err := tx.NamedExecContext(ctx, insertEventSQL, toEventRow(evt)); err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("%w: stream %s moved past %d", storage.ErrConcurrentModification, streamID, expectedSeq)
			}
			return nil, fmt.Errorf("append event %s@%d: %w", streamID, evt.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: stream %s moved past %d", storage.ErrConcurrentModification, streamID, expectedSeq)
		}
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return sealed, nil
}

// ListEvents returns up to limit events after afterSeq. A non-positive
// limit returns the rest of the stream.
func (s *Store) ListEvents(ctx context.Context, streamID string, afterSeq uint64, limit int) ([]event.Event, error) {
	var rows []eventRow
	var err error
	if limit > 0 {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT * FROM events WHERE stream_id = $1 AND seq > $2 ORDER BY seq LIMIT $3`, streamID, int64(afterSeq), limit)
	} else {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT * FROM events WHERE stream_id = $1 AND seq > $2 ORDER BY seq`, streamID, int64(afterSeq))
	}
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]event.Event, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// GetLatestEventSeq returns the stream head, zero for an empty stream.
func (s *Store) GetLatestEventSeq(ctx context.Context, streamID string) (uint64, error) {
	var head int64
	if err := s.db.GetContext(ctx, &head,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE stream_id = $1`, streamID); err != nil {
		return 0, fmt.Errorf("get latest event seq: %w", err)
	}
	return uint64(head), nil
}

// ListStreams returns every stream head ordered by stream id.
func (s *Store) ListStreams(ctx context.Context) ([]event.StreamHead, error) {
	var rows []struct {
		StreamID string `db:"stream_id"`
		LastSeq  int64  `db:"last_seq"`
	}
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT stream_id, MAX(seq) AS last_seq FROM events GROUP BY stream_id ORDER BY stream_id`); err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	heads := make([]event.StreamHead, 0, len(rows))
	for _, row := range rows {
		heads = append(heads, event.StreamHead{StreamID: row.StreamID, LastSeq: uint64(row.LastSeq)})
	}
	return heads, nil
}
