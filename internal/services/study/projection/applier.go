package projection

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinprecision/clinops/internal/services/study/audit"
	"github.com/clinprecision/clinops/internal/services/study/domain/event"
	"github.com/clinprecision/clinops/internal/services/study/domain/study"
	"github.com/clinprecision/clinops/internal/services/study/storage"
)

// Store is the part of the read store the applier writes to.
type Store interface {
	storage.StudyStore
	storage.LookupStore
}

// Applier applies journal events to the study read model.
type Applier struct {
	Store  Store
	Audit  audit.Resolver
	Logger zerolog.Logger
	Router *Router
}

// NewApplier returns an applier routing every study event type.
func NewApplier(store Store, users storage.UserStore, logger zerolog.Logger) Applier {
	return Applier{
		Store:  store,
		Audit:  audit.Resolver{Users: users, Logger: logger},
		Logger: logger,
		Router: StudyRouter(),
	}
}

// Apply folds one event into the read model. It is idempotent: applying an
// event again, or an event older than the row, leaves the row unchanged.
func (a Applier) Apply(ctx context.Context, evt event.Event) error {
	if a.Store == nil {
		return errors.New("projection store is required")
	}
	router := a.Router
	if router == nil {
		router = StudyRouter()
	}
	return router.Route(a, ctx, evt)
}

// StudyRouter registers handlers for every study event.
func StudyRouter() *Router {
	r := NewRouter()
	HandleProjection(r, study.EventCreated, Applier.applyCreated)
	HandleProjection(r, study.EventUpdated, Applier.applyUpdated)
	HandleProjection(r, study.EventAssociationsChanged, Applier.applyAssociationsChanged)
	HandleProjection(r, study.EventStatusChanged, Applier.applyStatusChanged)
	for _, t := range []event.Type{study.EventSuspended, study.EventResumed, study.EventTerminated, study.EventWithdrawn} {
		HandleProjection(r, t, Applier.applyReasoned)
	}
	HandleProjection(r, study.EventCompleted, Applier.applyCompleted)
	return r
}

// loadRow returns the row an event modifies. ok is false when the event was
// already applied and nothing should change.
func (a Applier) loadRow(ctx context.Context, evt event.Event) (storage.StudyRecord, bool, error) {
	rec, err := a.Store.GetStudy(ctx, evt.StreamID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.StudyRecord{}, false, ErrProjectionLag
	}
	if err != nil {
		return storage.StudyRecord{}, false, err
	}
	if evt.Seq > 0 && evt.Seq <= rec.AppliedSeq {
		return rec, false, nil
	}
	return rec, true, nil
}

// touch stamps audit fields and stores the row.
func (a Applier) touch(ctx context.Context, rec storage.StudyRecord, evt event.Event) error {
	rec.UpdatedBy = a.Audit.Name(ctx, evt.ActorID)
	rec.UpdatedAt = eventTime(evt)
	if evt.Seq > rec.AppliedSeq {
		rec.AppliedSeq = evt.Seq
	}
	return a.Store.PutStudy(ctx, rec)
}

// eventTime normalizes timestamps so rows always persist UTC.
func eventTime(evt event.Event) time.Time {
	if evt.Timestamp.IsZero() {
		return time.Now().UTC()
	}
	return evt.Timestamp.UTC()
}
