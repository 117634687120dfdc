package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/clinprecision/clinops/internal/services/study/domain/event"
	"github.com/clinprecision/clinops/internal/services/study/storage"
	"github.com/clinprecision/clinops/internal/services/study/storage/integrity"
)

// Journal is an in-memory event journal with the same append contract as
// the SQL journals.
type Journal struct {
	mu      sync.RWMutex
	streams map[string][]event.Event
	keyring *integrity.Keyring
}

// NewJournal returns an empty journal. keyring may be nil.
func NewJournal(keyring *integrity.Keyring) *Journal {
	return &Journal{streams: make(map[string][]event.Event), keyring: keyring}
}

// AppendEvents appends events when the stream head equals expectedSeq.
func (j *Journal) AppendEvents(_ context.Context, streamID string, expectedSeq uint64, events []event.Event) ([]event.Event, error) {
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return nil, event.ErrStreamIDRequired
	}
	if len(events) == 0 {
		return nil, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	stream := j.streams[streamID]
	head := uint64(len(stream))
	if head != expectedSeq {
		return nil, fmt.Errorf("%w: stream %s head %d, expected %d", storage.ErrConcurrentModification, streamID, head, expectedSeq)
	}
	var prev string
	if head > 0 {
		prev = stream[head-1].ChainHash
	}
	sealed, err := integrity.SealBatch(streamID, head, prev, events, j.keyring)
	if err != nil {
		return nil, err
	}
	j.streams[streamID] = append(stream, sealed...)
	return cloneEvents(sealed), nil
}

// ListEvents returns up to limit events after afterSeq.
func (j *Journal) ListEvents(_ context.Context, streamID string, afterSeq uint64, limit int) ([]event.Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	stream := j.streams[streamID]
	if afterSeq >= uint64(len(stream)) {
		return nil, nil
	}
	page := stream[afterSeq:]
	if limit > 0 && len(page) > limit {
		page = page[:limit]
	}
	return cloneEvents(page), nil
}

// GetLatestEventSeq returns the stream head.
func (j *Journal) GetLatestEventSeq(_ context.Context, streamID string) (uint64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return uint64(len(j.streams[streamID])), nil
}

// ListStreams returns every stream head ordered by stream id.
func (j *Journal) ListStreams(_ context.Context) ([]event.StreamHead, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	heads := make([]event.StreamHead, 0, len(j.streams))
	for id, stream := range j.streams {
		heads = append(heads, event.StreamHead{StreamID: id, LastSeq: uint64(len(stream))})
	}
	sort.Slice(heads, func(a, b int) bool { return heads[a].StreamID < heads[b].StreamID })
	return heads, nil
}

func cloneEvents(in []event.Event) []event.Event {
	out := make([]event.Event, len(in))
	for i, evt := range in {
		evt.PayloadJSON = append([]byte(nil), evt.PayloadJSON...)
		out[i] = evt
	}
	return out
}
