package replay

import (
	"context"
	"errors"
	"testing"

	"github.com/clinprecision/clinops/internal/services/study/domain/event"
)

type fakeStore struct {
	events []event.Event
	calls  int
}

func (s *fakeStore) ListEvents(_ context.Context, _ string, afterSeq uint64, limit int) ([]event.Event, error) {
	s.calls++
	var out []event.Event
	for _, evt := range s.events {
		if evt.Seq > afterSeq {
			out = append(out, evt)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func countFold(state int, _ event.Event) (int, error) { return state + 1, nil }

func TestReplayPagesThroughStream(t *testing.T) {
	store := &fakeStore{}
	for seq := uint64(1); seq <= 5; seq++ {
		store.events = append(store.events, event.Event{StreamID: "s", Seq: seq})
	}
	result, err := Replay(context.Background(), store, countFold, "s", 0, Options{PageSize: 2})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result.State != 5 || result.LastSeq != 5 || result.Applied != 5 {
		t.Fatalf("result = %+v", result)
	}
	if store.calls != 3 {
		t.Fatalf("calls = %d, want 3", store.calls)
	}
}

func TestReplayStopsAtUntilSeq(t *testing.T) {
	store := &fakeStore{events: []event.Event{{Seq: 1}, {Seq: 2}, {Seq: 3}}}
	result, err := Replay(context.Background(), store, countFold, "s", 0, Options{UntilSeq: 2})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result.LastSeq != 2 {
		t.Fatalf("last seq = %d, want 2", result.LastSeq)
	}
}

func TestReplayDetectsGap(t *testing.T) {
	store := &fakeStore{events: []event.Event{{Seq: 1}, {Seq: 3}}}
	_, err := Replay(context.Background(), store, countFold, "s", 0, Options{})
	if !errors.Is(err, ErrSequenceGap) {
		t.Fatalf("err = %v, want ErrSequenceGap", err)
	}
}

func TestReplayStreamMustStartAtOne(t *testing.T) {
	store := &fakeStore{events: []event.Event{{Seq: 2}}}
	_, err := Replay(context.Background(), store, countFold, "s", 0, Options{})
	if !errors.Is(err, ErrSequenceGap) {
		t.Fatalf("err = %v, want ErrSequenceGap", err)
	}
}

func TestReplayPropagatesFoldError(t *testing.T) {
	store := &fakeStore{events: []event.Event{{Seq: 1, Type: "study.created"}}}
	boom := errors.New("boom")
	_, err := Replay(context.Background(), store, func(int, event.Event) (int, error) { return 0, boom }, "s", 0, Options{})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestReplayRequiresInputs(t *testing.T) {
	if _, err := Replay[int](context.Background(), nil, countFold, "s", 0, Options{}); !errors.Is(err, ErrEventStoreRequired) {
		t.Fatalf("err = %v", err)
	}
	if _, err := Replay(context.Background(), &fakeStore{}, nil, "s", 0, Options{}); !errors.Is(err, ErrFoldRequired) {
		t.Fatalf("err = %v", err)
	}
	if _, err := Replay(context.Background(), &fakeStore{}, countFold, " ", 0, Options{}); !errors.Is(err, ErrStreamIDRequired) {
		t.Fatalf("err = %v", err)
	}
}
