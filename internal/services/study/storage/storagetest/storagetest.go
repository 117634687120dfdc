// Package storagetest holds behavior suites shared by every storage backend.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/clinprecision/clinops/internal/platform/errors"
	"github.com/clinprecision/clinops/internal/services/study/domain/event"
	"github.com/clinprecision/clinops/internal/services/study/domain/study"
	"github.com/clinprecision/clinops/internal/services/study/storage"
	"github.com/clinprecision/clinops/internal/services/study/storage/integrity"
)

func sampleEvents(types ...event.Type) []event.Event {
	at := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	out := make([]event.Event, 0, len(types))
	for _, t := range types {
		out = append(out, event.Event{Type: t, Timestamp: at, ActorID: "user-1", PayloadJSON: []byte(`{"name":"Trial"}`)})
	}
	return out
}

// RunJournal exercises the append and read contract of an event journal.
// newJournal must return an empty journal on each call.
func RunJournal(t *testing.T, newJournal func(t *testing.T) storage.EventStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("append assigns consecutive seqs and chains", func(t *testing.T) {
		j := newJournal(t)
		stored, err := j.AppendEvents(ctx, "s-1", 0, sampleEvents(study.EventCreated, study.EventUpdated))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if len(stored) != 2 || stored[0].Seq != 1 || stored[1].Seq != 2 {
			t.Fatalf("stored = %+v", stored)
		}
		if stored[1].PrevHash != stored[0].ChainHash || stored[0].Hash == "" {
			t.Fatalf("chain not linked: %+v", stored)
		}
		more, err := j.AppendEvents(ctx, "s-1", 2, sampleEvents(study.EventAssociationsChanged))
		if err != nil {
			t.Fatalf("second append: %v", err)
		}
		if more[0].Seq != 3 || more[0].PrevHash != stored[1].ChainHash {
			t.Fatalf("second batch = %+v", more)
		}
		if err := integrity.VerifyStream(ctx, j, "s-1", nil); err != nil {
			t.Fatalf("verify: %v", err)
		}
	})

	t.Run("stale expected seq fails without appending", func(t *testing.T) {
		j := newJournal(t)
		if _, err := j.AppendEvents(ctx, "s-1", 0, sampleEvents(study.EventCreated)); err != nil {
			t.Fatalf("append: %v", err)
		}
		_, err := j.AppendEvents(ctx, "s-1", 0, sampleEvents(study.EventCreated, study.EventUpdated))
		if !errors.Is(err, storage.ErrConcurrentModification) {
			t.Fatalf("err = %v, want concurrent modification", err)
		}
		if apperrors.CodeOf(err) != apperrors.CodeConcurrentModification {
			t.Fatalf("code = %s", apperrors.CodeOf(err))
		}
		head, err := j.GetLatestEventSeq(ctx, "s-1")
		if err != nil || head != 1 {
			t.Fatalf("head = %d, err = %v", head, err)
		}
		if _, err := j.AppendEvents(ctx, "s-1", 5, sampleEvents(study.EventUpdated)); !errors.Is(err, storage.ErrConcurrentModification) {
			t.Fatalf("future expected seq err = %v", err)
		}
	})

	t.Run("list pages after seq", func(t *testing.T) {
		j := newJournal(t)
		if _, err := j.AppendEvents(ctx, "s-1", 0, sampleEvents(study.EventCreated, study.EventUpdated, study.EventUpdated, study.EventUpdated)); err != nil {
			t.Fatalf("append: %v", err)
		}
		page, err := j.ListEvents(ctx, "s-1", 1, 2)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(page) != 2 || page[0].Seq != 2 || page[1].Seq != 3 {
			t.Fatalf("page = %+v", page)
		}
		if string(page[0].PayloadJSON) != `{"name":"Trial"}` || page[0].ActorID != "user-1" {
			t.Fatalf("event fields lost: %+v", page[0])
		}
		if !page[0].Timestamp.Equal(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)) {
			t.Fatalf("timestamp = %v", page[0].Timestamp)
		}
		empty, err := j.ListEvents(ctx, "missing", 0, 10)
		if err != nil || len(empty) != 0 {
			t.Fatalf("missing stream = %+v, %v", empty, err)
		}
	})

	t.Run("list streams reports heads", func(t *testing.T) {
		j := newJournal(t)
		if _, err := j.AppendEvents(ctx, "b", 0, sampleEvents(study.EventCreated)); err != nil {
			t.Fatalf("append b: %v", err)
		}
		if _, err := j.AppendEvents(ctx, "a", 0, sampleEvents(study.EventCreated, study.EventUpdated)); err != nil {
			t.Fatalf("append a: %v", err)
		}
		heads, err := j.ListStreams(ctx)
		if err != nil {
			t.Fatalf("list streams: %v", err)
		}
		want := []event.StreamHead{{StreamID: "a", LastSeq: 2}, {StreamID: "b", LastSeq: 1}}
		if len(heads) != len(want) || heads[0] != want[0] || heads[1] != want[1] {
			t.Fatalf("heads = %+v", heads)
		}
	})

	t.Run("concurrent appends at the same seq have one winner", func(t *testing.T) {
		j := newJournal(t)
		const writers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := j.AppendEvents(ctx, "race", 0, sampleEvents(study.EventCreated)); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("wins = %d, want 1", wins)
		}
		head, err := j.GetLatestEventSeq(ctx, "race")
		if err != nil || head != 1 {
			t.Fatalf("head = %d, err = %v", head, err)
		}
	})
}

// RunReadStore exercises the read model contract.
func RunReadStore(t *testing.T, newStore func(t *testing.T) storage.ReadStore) {
	t.Helper()
	ctx := context.Background()
	at := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	record := storage.StudyRecord{
		ID:        "s-1",
		LegacyKey: 42,
		Details: study.Details{
			Name:            "Trial",
			Sponsor:         "Acme",
			PhaseCode:       "PHASE_2",
			PlannedSubjects: 120,
			StartDate:       "2026-05-01",
		},
		PhaseName:  "Phase II",
		Version:    study.InitialVersion,
		Status:     study.StatusPlanning,
		StatusName: "Planning",
		Associations: []study.Association{
			{OrganizationID: "org-1", Role: study.RoleSponsor, IsPrimary: true},
			{OrganizationID: "org-2", Role: study.RoleSite},
		},
		CreatedBy:  "Ada",
		UpdatedBy:  "Ada",
		CreatedAt:  at,
		UpdatedAt:  at,
		AppliedSeq: 1,
	}

	t.Run("create writes row with associations", func(t *testing.T) {
		s := newStore(t)
		if err := s.CreateStudy(ctx, record); err != nil {
			t.Fatalf("create: %v", err)
		}
		got, err := s.GetStudy(ctx, "s-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Name != "Trial" || got.AppliedSeq != 1 {
			t.Fatalf("got = %+v", got)
		}
		if len(got.Associations) != 2 {
			t.Fatalf("associations = %+v", got.Associations)
		}
	})

	t.Run("put and get", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.GetStudy(ctx, "s-1"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("missing err = %v", err)
		}
		if err := s.PutStudy(ctx, record); err != nil {
			t.Fatalf("put: %v", err)
		}
		got, err := s.GetStudy(ctx, "s-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if len(got.Associations) != 0 {
			t.Fatalf("put must not write associations: %+v", got.Associations)
		}
		if err := s.ReplaceAssociations(ctx, "s-1", record.Associations); err != nil {
			t.Fatalf("replace: %v", err)
		}
		got, err = s.GetStudy(ctx, "s-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Name != "Trial" || got.PlannedSubjects != 120 || got.Status != study.StatusPlanning || got.AppliedSeq != 1 {
			t.Fatalf("got = %+v", got)
		}
		if !got.CreatedAt.Equal(at) || got.CreatedBy != "Ada" {
			t.Fatalf("audit fields = %+v", got)
		}
		if len(got.Associations) != 2 {
			t.Fatalf("associations = %+v", got.Associations)
		}
		byKey, err := s.GetStudyByLegacyKey(ctx, 42)
		if err != nil || byKey.ID != "s-1" {
			t.Fatalf("by legacy key = %+v, %v", byKey, err)
		}
	})

	t.Run("upsert overwrites", func(t *testing.T) {
		s := newStore(t)
		if err := s.PutStudy(ctx, record); err != nil {
			t.Fatalf("put: %v", err)
		}
		updated := record
		updated.Status = study.StatusTerminated
		updated.Locked = true
		updated.StatusReason = "futility"
		updated.AppliedSeq = 5
		updated.Associations = nil
		if err := s.PutStudy(ctx, updated); err != nil {
			t.Fatalf("put again: %v", err)
		}
		got, err := s.GetStudy(ctx, "s-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != study.StatusTerminated || !got.Locked || got.StatusReason != "futility" || got.AppliedSeq != 5 {
			t.Fatalf("got = %+v", got)
		}
		all, err := s.ListStudies(ctx)
		if err != nil || len(all) != 1 {
			t.Fatalf("list = %+v, %v", all, err)
		}
	})

	t.Run("replace associations", func(t *testing.T) {
		s := newStore(t)
		if err := s.PutStudy(ctx, record); err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := s.ReplaceAssociations(ctx, "s-1", record.Associations); err != nil {
			t.Fatalf("seed associations: %v", err)
		}
		next := []study.Association{
			{OrganizationID: "org-2", Role: study.RoleSite, IsPrimary: true},
			{OrganizationID: "org-3", Role: study.RoleCRO},
		}
		if err := s.ReplaceAssociations(ctx, "s-1", next); err != nil {
			t.Fatalf("replace: %v", err)
		}
		got, err := s.GetStudy(ctx, "s-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if len(got.Associations) != 2 {
			t.Fatalf("associations = %+v", got.Associations)
		}
		byKey := map[string]study.Association{}
		for _, a := range got.Associations {
			byKey[a.Key()] = a
		}
		if _, ok := byKey["org-1|SPONSOR"]; ok {
			t.Fatal("absent association should be deleted")
		}
		if a := byKey["org-2|SITE"]; !a.IsPrimary {
			t.Fatal("present association should be updated")
		}
		if err := s.ReplaceAssociations(ctx, "s-1", nil); err != nil {
			t.Fatalf("clear: %v", err)
		}
		got, _ = s.GetStudy(ctx, "s-1")
		if len(got.Associations) != 0 {
			t.Fatalf("associations = %+v", got.Associations)
		}
	})

	t.Run("checkpoints", func(t *testing.T) {
		s := newStore(t)
		seq, err := s.GetCheckpoint(ctx, "s-1")
		if err != nil || seq != 0 {
			t.Fatalf("initial checkpoint = %d, %v", seq, err)
		}
		if err := s.SaveCheckpoint(ctx, "s-1", 3); err != nil {
			t.Fatalf("save: %v", err)
		}
		if err := s.SaveCheckpoint(ctx, "s-1", 2); err != nil {
			t.Fatalf("save lower: %v", err)
		}
		seq, err = s.GetCheckpoint(ctx, "s-1")
		if err != nil || seq != 3 {
			t.Fatalf("checkpoint = %d, %v; want 3", seq, err)
		}
	})

	t.Run("lookups fall back to code", func(t *testing.T) {
		s := newStore(t)
		name, err := s.StatusName(ctx, "ACTIVE")
		if err != nil || name != "Active" {
			t.Fatalf("status name = %q, %v", name, err)
		}
		name, err = s.PhaseName(ctx, "PHASE_3")
		if err != nil || name != "Phase III" {
			t.Fatalf("phase name = %q, %v", name, err)
		}
		name, err = s.PhaseName(ctx, "PHASE_9")
		if err != nil || name != "PHASE_9" {
			t.Fatalf("unknown phase = %q, %v", name, err)
		}
		if _, err := s.GetUserName(ctx, "nobody"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("missing user err = %v", err)
		}
	})

	t.Run("reset clears rows and checkpoints", func(t *testing.T) {
		s := newStore(t)
		if err := s.PutStudy(ctx, record); err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := s.SaveCheckpoint(ctx, "s-1", 1); err != nil {
			t.Fatalf("save: %v", err)
		}
		if err := s.Reset(ctx); err != nil {
			t.Fatalf("reset: %v", err)
		}
		if _, err := s.GetStudy(ctx, "s-1"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("after reset err = %v", err)
		}
		if seq, _ := s.GetCheckpoint(ctx, "s-1"); seq != 0 {
			t.Fatalf("checkpoint after reset = %d", seq)
		}
	})
}

// RunLegacy exercises the legacy directory contract.
func RunLegacy(t *testing.T, newStore func(t *testing.T) storage.LegacyStudyStore) {
	t.Helper()
	ctx := context.Background()
	s := newStore(t)
	if _, err := s.GetLegacyStudy(ctx, 7); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing err = %v", err)
	}
	want := storage.LegacyStudy{Key: 7, Name: "Old Trial", Sponsor: "Acme", ProtocolNumber: "P-7", PhaseCode: "PHASE_1", CreatedBy: "user-9"}
	if err := s.PutLegacyStudy(ctx, want); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.GetLegacyStudy(ctx, 7)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}
