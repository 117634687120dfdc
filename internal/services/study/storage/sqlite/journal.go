package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/clinprecision/clinops/internal/services/study/domain/event"
	"github.com/clinprecision/clinops/internal/services/study/storage"
	"github.com/clinprecision/clinops/internal/services/study/storage/integrity"
	"github.com/clinprecision/clinops/internal/services/study/storage/sqlite/migrations"
)

const eventColumns = `stream_id, seq, event_type, occurred_at, actor_id, request_id, correlation_id,
	causation_id, payload_json, event_hash, prev_hash, chain_hash, signature, signature_key_id`

// Journal is the SQLite study event journal.
type Journal struct {
	sqlDB   *sql.DB
	keyring *integrity.Keyring
}

// OpenEvents opens the journal database at path. keyring may be nil, in
// which case events are chained but not signed.
func OpenEvents(path string, keyring *integrity.Keyring) (*Journal, error) {
	sqlDB, err := openDB(path, migrations.EventsFS, "events")
	if err != nil {
		return nil, err
	}
	return &Journal{sqlDB: sqlDB, keyring: keyring}, nil
}

// Close closes the database. It is nil-safe.
func (j *Journal) Close() error {
	if j == nil || j.sqlDB == nil {
		return nil
	}
	return j.sqlDB.Close()
}

// AppendEvents appends events when the stream head equals expectedSeq.
func (j *Journal) AppendEvents(ctx context.Context, streamID string, expectedSeq uint64, events []event.Event) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return nil, event.ErrStreamIDRequired
	}
	if len(events) == 0 {
		return nil, nil
	}

	tx, err := j.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		head     uint64
		prevHash string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT seq, chain_hash FROM events WHERE stream_id = ? ORDER BY seq DESC LIMIT 1`, streamID,
	).Scan(&head, &prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		if isBusyError(err) {
			return nil, conflict(streamID, expectedSeq, err)
		}
		return nil, fmt.Errorf("read stream head: %w", err)
	}
	if head != expectedSeq {
		return nil, fmt.Errorf("%w: stream %s head %d, expected %d", storage.ErrConcurrentModification, streamID, head, expectedSeq)
	}

	sealed, err := integrity.SealBatch(streamID, head, prevHash, events, j.keyring)
	if err != nil {
		return nil, err
	}
	for _, evt := range sealed {
		_, err := tx.ExecContext(ctx, `INSERT INTO events (`+eventColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			evt.StreamID, int64(evt.Seq), string(evt.Type), toMillis(evt.Timestamp),
			evt.ActorID, evt.RequestID, evt.CorrelationID, evt.CausationID, evt.PayloadJSON,
			evt.Hash, evt.PrevHash, evt.ChainHash, evt.Signature, evt.SignatureKeyID,
		)
		if err != nil {
			if isConstraintError(err) || isBusyError(err) {
				return nil, conflict(streamID, expectedSeq, err)
			}
			return nil, fmt.Errorf("append event %s@%d: %w", streamID, evt.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		if isBusyError(err) {
			return nil, conflict(streamID, expectedSeq, err)
		}
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return sealed, nil
}

func conflict(streamID string, expectedSeq uint64, cause error) error {
	return fmt.Errorf("%w: stream %s moved past %d: %v", storage.ErrConcurrentModification, streamID, expectedSeq, cause)
}

// ListEvents returns up to limit events after afterSeq. A non-positive
// limit returns the rest of the stream.
func (j *Journal) ListEvents(ctx context.Context, streamID string, afterSeq uint64, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.sqlDB.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE stream_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		streamID, int64(afterSeq), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var (
			evt        event.Event
			seq        int64
			eventType  string
			occurredAt int64
		)
		if err := rows.Scan(
			&evt.StreamID, &seq, &eventType, &occurredAt, &evt.ActorID, &evt.RequestID,
			&evt.CorrelationID, &evt.CausationID, &evt.PayloadJSON, &evt.Hash, &evt.PrevHash,
			&evt.ChainHash, &evt.Signature, &evt.SignatureKeyID,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt.Seq = uint64(seq)
		evt.Type = event.Type(eventType)
		evt.Timestamp = fromMillis(occurredAt)
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return out, nil
}

// GetLatestEventSeq returns the stream head, zero for an empty stream.
func (j *Journal) GetLatestEventSeq(ctx context.Context, streamID string) (uint64, error) {
	var head int64
	if err := j.sqlDB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE stream_id = ?`, streamID,
	).Scan(&head); err != nil {
		return 0, fmt.Errorf("get latest event seq: %w", err)
	}
	return uint64(head), nil
}

// ListStreams returns every stream head ordered by stream id.
func (j *Journal) ListStreams(ctx context.Context) ([]event.StreamHead, error) {
	rows, err := j.sqlDB.QueryContext(ctx,
		`SELECT stream_id, MAX(seq) FROM events GROUP BY stream_id ORDER BY stream_id`)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()

	var heads []event.StreamHead
	for rows.Next() {
		var (
			head event.StreamHead
			seq  int64
		)
		if err := rows.Scan(&head.StreamID, &seq); err != nil {
			return nil, fmt.Errorf("scan stream head: %w", err)
		}
		head.LastSeq = uint64(seq)
		heads = append(heads, head)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read stream heads: %w", err)
	}
	return heads, nil
}
