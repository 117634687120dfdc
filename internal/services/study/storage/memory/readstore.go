package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/clinprecision/clinops/internal/services/study/domain/study"
	"github.com/clinprecision/clinops/internal/services/study/storage"
)

var statusNames = map[string]string{
	string(study.StatusPlanning):   "Planning",
	string(study.StatusActive):     "Active",
	string(study.StatusSuspended):  "Suspended",
	string(study.StatusCompleted):  "Completed",
	string(study.StatusTerminated): "Terminated",
	string(study.StatusWithdrawn):  "Withdrawn",
}

var phaseNames = map[string]string{
	"PRECLINICAL": "Preclinical",
	"PHASE_0":     "Phase 0",
	"PHASE_1":     "Phase I",
	"PHASE_1_2":   "Phase I/II",
	"PHASE_2":     "Phase II",
	"PHASE_2_3":   "Phase II/III",
	"PHASE_3":     "Phase III",
	"PHASE_4":     "Phase IV",
}

// ReadStore is an in-memory study read model.
type ReadStore struct {
	mu          sync.RWMutex
	studies     map[string]storage.StudyRecord
	checkpoints map[string]uint64
	users       map[string]string
	legacy      map[int64]storage.LegacyStudy
}

// NewReadStore returns an empty read store.
func NewReadStore() *ReadStore {
	return &ReadStore{
		studies:     make(map[string]storage.StudyRecord),
		checkpoints: make(map[string]uint64),
		users:       make(map[string]string),
		legacy:      make(map[int64]storage.LegacyStudy),
	}
}

// GetStudy returns a study row.
func (s *ReadStore) GetStudy(_ context.Context, id string) (storage.StudyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.studies[id]
	if !ok {
		return storage.StudyRecord{}, storage.ErrNotFound
	}
	return cloneRecord(rec), nil
}

// PutStudy upserts a study row, keeping its current associations.
func (s *ReadStore) PutStudy(_ context.Context, rec storage.StudyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Associations = s.studies[rec.ID].Associations
	s.studies[rec.ID] = cloneRecord(rec)
	return nil
}

// CreateStudy writes a row together with its associations.
func (s *ReadStore) CreateStudy(_ context.Context, rec storage.StudyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.studies[rec.ID] = cloneRecord(rec)
	return nil
}

// ReplaceAssociations swaps a study's association set.
func (s *ReadStore) ReplaceAssociations(_ context.Context, id string, associations []study.Association) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.studies[id]
	if !ok {
		return storage.ErrNotFound
	}
	rec.Associations = append([]study.Association(nil), associations...)
	s.studies[id] = rec
	return nil
}

// GetStudyByLegacyKey finds the row created for a legacy key.
func (s *ReadStore) GetStudyByLegacyKey(_ context.Context, key int64) (storage.StudyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.studies {
		if rec.LegacyKey == key && key != 0 {
			return cloneRecord(rec), nil
		}
	}
	return storage.StudyRecord{}, storage.ErrNotFound
}

// ListStudies returns every row ordered by name then id.
func (s *ReadStore) ListStudies(_ context.Context) ([]storage.StudyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.StudyRecord, 0, len(s.studies))
	for _, rec := range s.studies {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Name != out[b].Name {
			return out[a].Name < out[b].Name
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

// GetCheckpoint returns the last projected seq of a stream.
func (s *ReadStore) GetCheckpoint(_ context.Context, streamID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoints[streamID], nil
}

// SaveCheckpoint records the last projected seq of a stream. Checkpoints
// never move backwards.
func (s *ReadStore) SaveCheckpoint(_ context.Context, streamID string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.checkpoints[streamID] {
		s.checkpoints[streamID] = seq
	}
	return nil
}

// StatusName resolves a status code.
func (s *ReadStore) StatusName(_ context.Context, code string) (string, error) {
	return lookup(statusNames, code), nil
}

// PhaseName resolves a phase code.
func (s *ReadStore) PhaseName(_ context.Context, code string) (string, error) {
	return lookup(phaseNames, code), nil
}

// GetUserName returns a user's display name.
func (s *ReadStore) GetUserName(_ context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.users[userID]
	if !ok {
		return "", storage.ErrNotFound
	}
	return name, nil
}

// PutUser registers a user display name.
func (s *ReadStore) PutUser(_ context.Context, userID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = name
	return nil
}

// GetLegacyStudy reads a pre-journal study.
func (s *ReadStore) GetLegacyStudy(_ context.Context, key int64) (storage.LegacyStudy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	legacy, ok := s.legacy[key]
	if !ok {
		return storage.LegacyStudy{}, storage.ErrNotFound
	}
	return legacy, nil
}

// PutLegacyStudy registers a pre-journal study.
func (s *ReadStore) PutLegacyStudy(_ context.Context, legacy storage.LegacyStudy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.legacy[legacy.Key] = legacy
	return nil
}

// Reset drops every study row and checkpoint. Users and legacy rows stay.
func (s *ReadStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.studies = make(map[string]storage.StudyRecord)
	s.checkpoints = make(map[string]uint64)
	return nil
}

func lookup(table map[string]string, code string) string {
	code = strings.TrimSpace(code)
	if name, ok := table[strings.ToUpper(code)]; ok {
		return name
	}
	return code
}

func cloneRecord(rec storage.StudyRecord) storage.StudyRecord {
	rec.Associations = append([]study.Association(nil), rec.Associations...)
	return rec
}
