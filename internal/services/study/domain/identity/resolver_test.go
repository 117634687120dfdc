package identity

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	apperrors "github.com/clinprecision/clinops/internal/platform/errors"
	"github.com/clinprecision/clinops/internal/services/study/domain/engine"
	"github.com/clinprecision/clinops/internal/services/study/domain/event"
	"github.com/clinprecision/clinops/internal/services/study/domain/study"
	"github.com/clinprecision/clinops/internal/services/study/storage"
	"github.com/clinprecision/clinops/internal/services/study/storage/memory"
)

type fixture struct {
	journal    *memory.Journal
	store      *memory.ReadStore
	dispatcher engine.Dispatcher[study.State]
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	commands, events, err := study.NewRegistries()
	if err != nil {
		t.Fatalf("registries: %v", err)
	}
	journal := memory.NewJournal(nil)
	store := memory.NewReadStore()
	if err := store.PutLegacyStudy(context.Background(), storage.LegacyStudy{Key: 7, Name: "Legacy Trial", Sponsor: "Acme", CreatedBy: "user-9"}); err != nil {
		t.Fatalf("seed legacy: %v", err)
	}
	return fixture{
		journal: journal,
		store:   store,
		dispatcher: engine.Dispatcher[study.State]{
			Commands:    commands,
			Events:      events,
			Journal:     journal,
			Decider:     study.Decider{},
			Fold:        study.Fold,
			Rejections:  study.RejectionError,
			RetryBudget: 10,
			NewBackOff:  func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) },
		},
	}
}

func (f fixture) resolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver(ResolverConfig{Journal: f.journal, Dispatcher: f.dispatcher, Legacy: f.store})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	return r
}

func (f fixture) seed(t *testing.T, id uuid.UUID, eventType event.Type) {
	t.Helper()
	_, err := f.journal.AppendEvents(context.Background(), id.String(), 0, []event.Event{{
		Type:        eventType,
		Timestamp:   time.Now(),
		PayloadJSON: []byte(`{"name":"Seeded"}`),
	}})
	if err != nil {
		t.Fatalf("seed %s: %v", eventType, err)
	}
}

func TestResolveCanonicalIsIdentity(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()
	got, err := f.resolver(t).Resolve(context.Background(), CanonicalRef(id))
	if err != nil || got != id {
		t.Fatalf("resolve = %v, %v", got, err)
	}
	heads, _ := f.journal.ListStreams(context.Background())
	if len(heads) != 0 {
		t.Fatalf("canonical resolution must not write: %+v", heads)
	}
}

func TestResolveInitializesPreferredStream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	got, err := f.resolver(t).Resolve(ctx, LegacyRef(7))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != Derive(7) {
		t.Fatalf("id = %v, want preferred %v", got, Derive(7))
	}
	events, err := f.journal.ListEvents(ctx, got.String(), 0, 10)
	if err != nil || len(events) != 1 || events[0].Type != study.EventCreated {
		t.Fatalf("stream = %+v, %v", events, err)
	}
	var payload study.CreatePayload
	if err := json.Unmarshal(events[0].PayloadJSON, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.LegacyKey != 7 || payload.Name != "Legacy Trial" || events[0].ActorID != "user-9" {
		t.Fatalf("created = %+v actor %q", payload, events[0].ActorID)
	}
}

func TestResolveReusesHistoricalStream(t *testing.T) {
	f := newFixture(t)
	f.seed(t, DeriveHistorical(7), study.EventCreated)
	got, err := f.resolver(t).Resolve(context.Background(), LegacyRef(7))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != DeriveHistorical(7) {
		t.Fatalf("id = %v, want historical", got)
	}
	if head, _ := f.journal.GetLatestEventSeq(context.Background(), Derive(7).String()); head != 0 {
		t.Fatal("preferred stream must not be created when historical exists")
	}
}

func TestResolveSkipsForeignHistoricalStream(t *testing.T) {
	f := newFixture(t)
	f.seed(t, DeriveHistorical(7), "subject.enrolled")
	got, err := f.resolver(t).Resolve(context.Background(), LegacyRef(7))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != Derive(7) {
		t.Fatalf("id = %v, want preferred", got)
	}
}

func TestResolveFailsWhenPreferredStreamIsForeign(t *testing.T) {
	f := newFixture(t)
	f.seed(t, Derive(7), "site.opened")
	_, err := f.resolver(t).Resolve(context.Background(), LegacyRef(7))
	if apperrors.CodeOf(err) != apperrors.CodeForeignStream {
		t.Fatalf("err = %v, want foreign stream", err)
	}
}

func TestResolveUnknownLegacyKey(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver(t).Resolve(context.Background(), LegacyRef(99))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestResolveConcurrentCallersAgree(t *testing.T) {
	f := newFixture(t)
	// Two resolvers stand in for two processes: they share the journal but
	// not the in-process call collapsing.
	resolvers := []*Resolver{f.resolver(t), f.resolver(t)}

	const callers = 16
	ids := make([]uuid.UUID, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = resolvers[i%2].Resolve(context.Background(), LegacyRef(7))
		}(i)
	}
	wg.Wait()

	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("caller %d resolved %v, caller 0 resolved %v", i, ids[i], ids[0])
		}
	}
	heads, err := f.journal.ListStreams(context.Background())
	if err != nil {
		t.Fatalf("list streams: %v", err)
	}
	if len(heads) != 1 || heads[0].LastSeq != 1 {
		t.Fatalf("streams = %+v, want one stream with one created event", heads)
	}
}

func TestResolveCachesResult(t *testing.T) {
	f := newFixture(t)
	r := f.resolver(t)
	first, err := r.Resolve(context.Background(), LegacyRef(7))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, ok := r.cache.Get(7); !ok {
		t.Fatal("expected cached resolution")
	}
	second, err := r.Resolve(context.Background(), LegacyRef(7))
	if err != nil || second != first {
		t.Fatalf("second = %v, %v", second, err)
	}
}

type blockingLegacy struct {
	LegacyDirectory
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingLegacy) GetLegacyStudy(ctx context.Context, key int64) (storage.LegacyStudy, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-ctx.Done():
		return storage.LegacyStudy{}, ctx.Err()
	case <-b.release:
	}
	return b.LegacyDirectory.GetLegacyStudy(ctx, key)
}

func TestResolveSurvivesFirstCallerCancel(t *testing.T) {
	f := newFixture(t)
	legacy := &blockingLegacy{LegacyDirectory: f.store, started: make(chan struct{}), release: make(chan struct{})}
	r, err := NewResolver(ResolverConfig{Journal: f.journal, Dispatcher: f.dispatcher, Legacy: legacy})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Resolve(firstCtx, LegacyRef(7))
		firstErr <- err
	}()
	<-legacy.started

	type result struct {
		id  uuid.UUID
		err error
	}
	second := make(chan result, 1)
	go func() {
		id, err := r.Resolve(context.Background(), LegacyRef(7))
		second <- result{id, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("first caller err = %v, want canceled", err)
	}
	close(legacy.release)

	got := <-second
	if got.err != nil {
		t.Fatalf("second caller: %v", got.err)
	}
	if got.id != Derive(7) {
		t.Fatalf("id = %v, want %v", got.id, Derive(7))
	}
}
