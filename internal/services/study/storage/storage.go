package storage

import (
	"context"
	"time"

	apperrors "github.com/clinprecision/clinops/internal/platform/errors"
	"github.com/clinprecision/clinops/internal/services/study/domain/event"
	"github.com/clinprecision/clinops/internal/services/study/domain/study"
)

// ErrNotFound indicates a requested persistence record is missing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrConcurrentModification indicates an append whose expected sequence no
// longer matches the stream head. Nothing was written.
var ErrConcurrentModification = apperrors.New(apperrors.CodeConcurrentModification, "expected sequence does not match stream head")

// EventStore is the append-only study event journal.
type EventStore interface {
	// AppendEvents appends events to a stream whose head must be expectedSeq
	// (zero for a new stream). Events get consecutive seqs, hashes and chain
	// links; the batch is all-or-nothing.
	AppendEvents(ctx context.Context, streamID string, expectedSeq uint64, events []event.Event) ([]event.Event, error)
	// ListEvents returns up to limit events with seq greater than afterSeq in
	// ascending order.
	ListEvents(ctx context.Context, streamID string, afterSeq uint64, limit int) ([]event.Event, error)
	// GetLatestEventSeq returns the stream head, zero when the stream is empty.
	GetLatestEventSeq(ctx context.Context, streamID string) (uint64, error)
	// ListStreams returns the head of every stream.
	ListStreams(ctx context.Context) ([]event.StreamHead, error)
}

// StudyRecord is the queryable projection row of one study.
type StudyRecord struct {
	ID        string
	LegacyKey int64
	study.Details
	PhaseName    string
	Version      string
	Status       study.Status
	StatusName   string
	StatusReason string
	Locked       bool
	Associations []study.Association
	CreatedBy    string
	UpdatedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	// AppliedSeq is the seq of the last event folded into this row.
	AppliedSeq uint64
}

// StudyStore owns the study read model.
type StudyStore interface {
	// GetStudy returns the row with its associations loaded.
	GetStudy(ctx context.Context, id string) (StudyRecord, error)
	// PutStudy upserts the row. Associations are left as they are; use
	// ReplaceAssociations to change them.
	PutStudy(ctx context.Context, rec StudyRecord) error
	// CreateStudy writes a new row together with rec.Associations as one
	// unit, so a row is never visible without the associations it was
	// created with.
	CreateStudy(ctx context.Context, rec StudyRecord) error
	// ReplaceAssociations deletes associations absent from the set and
	// upserts the ones present.
	ReplaceAssociations(ctx context.Context, id string, associations []study.Association) error
	GetStudyByLegacyKey(ctx context.Context, key int64) (StudyRecord, error)
	// ListStudies returns every study ordered by name then id.
	ListStudies(ctx context.Context) ([]StudyRecord, error)
}

// CheckpointStore tracks the last event seq projected per stream.
type CheckpointStore interface {
	// GetCheckpoint returns zero when the stream has never been projected.
	GetCheckpoint(ctx context.Context, streamID string) (uint64, error)
	SaveCheckpoint(ctx context.Context, streamID string, seq uint64) error
}

// LookupStore resolves codes to display names. Unknown codes resolve to
// the code itself.
type LookupStore interface {
	StatusName(ctx context.Context, code string) (string, error)
	PhaseName(ctx context.Context, code string) (string, error)
}

// UserStore resolves user ids to display names.
type UserStore interface {
	GetUserName(ctx context.Context, userID string) (string, error)
}

// LegacyStudy is a study row written before the journal existed.
type LegacyStudy struct {
	Key            int64
	Name           string
	Sponsor        string
	ProtocolNumber string
	Description    string
	PhaseCode      string
	CreatedBy      string
}

// LegacyStudyStore reads the pre-journal study directory.
type LegacyStudyStore interface {
	GetLegacyStudy(ctx context.Context, key int64) (LegacyStudy, error)
	PutLegacyStudy(ctx context.Context, legacy LegacyStudy) error
}

// ReadStore is everything the projection engine writes to.
type ReadStore interface {
	StudyStore
	CheckpointStore
	LookupStore
	UserStore
	// Reset removes every study row and checkpoint so the read model can be
	// rebuilt from the journal.
	Reset(ctx context.Context) error
}
