package projection

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/clinprecision/clinops/internal/platform/metrics"
	platformotel "github.com/clinprecision/clinops/internal/platform/otel"
	"github.com/clinprecision/clinops/internal/services/study/bus"
	"github.com/clinprecision/clinops/internal/services/study/domain/event"
	"github.com/clinprecision/clinops/internal/services/study/storage"
)

const (
	defaultWorkers        = 4
	defaultMaxAttempts    = 5
	defaultBatchSize      = 100
	defaultQueueSize      = 256
	defaultRedeliveryRate = 50
	maxDeadLetters        = 256
)

// Journal is the event source the engine catches streams up from.
type Journal interface {
	ListEvents(ctx context.Context, streamID string, afterSeq uint64, limit int) ([]event.Event, error)
	ListStreams(ctx context.Context) ([]event.StreamHead, error)
}

// EventApplier applies one event to the read model.
type EventApplier interface {
	Apply(ctx context.Context, evt event.Event) error
}

// Options tunes delivery. Zero values use defaults.
type Options struct {
	// Workers is the number of partitions; each stream always maps to one.
	Workers int
	// MaxAttempts bounds deliveries of an event failing with a transient
	// error before it is dead-lettered.
	MaxAttempts int
	// BatchSize is the journal page size used while catching up.
	BatchSize int
	// QueueSize is the per-partition queue capacity.
	QueueSize int
	// RedeliveryRate caps redeliveries per second across all partitions.
	RedeliveryRate rate.Limit
	// NewBackOff builds the delay schedule between redeliveries.
	NewBackOff func() backoff.BackOff
}

// DeadLetter records an event that exhausted its delivery attempts. The
// stream is parked at the event's predecessor until the next sweep.
type DeadLetter struct {
	StreamID string
	Seq      uint64
	Type     event.Type
	Err      string
	At       time.Time
}

type partition struct {
	queue   chan string
	mu      sync.Mutex
	pending map[string]struct{}
	// running serializes catch-ups of the streams mapped to this partition.
	running sync.Mutex
}

// Engine delivers journal events to the applier, in order per stream and in
// parallel across streams.
type Engine struct {
	journal     Journal
	checkpoints storage.CheckpointStore
	applier     EventApplier
	subscriber  bus.Subscriber
	opts        Options
	limiter     *rate.Limiter
	logger      zerolog.Logger
	tracer      trace.Tracer
	partitions  []*partition
	running     atomic.Bool

	pauseMu sync.Mutex
	paused  bool
	resume  chan struct{}

	deadMu      sync.Mutex
	deadLetters []DeadLetter
}

// NewEngine builds an engine. subscriber may be nil, in which case streams
// are only caught up by Enqueue and Sweep.
func NewEngine(journal Journal, checkpoints storage.CheckpointStore, applier EventApplier, subscriber bus.Subscriber, opts Options, logger zerolog.Logger) (*Engine, error) {
	if journal == nil {
		return nil, errors.New("journal is required")
	}
	if checkpoints == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if applier == nil {
		return nil, errors.New("applier is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.RedeliveryRate <= 0 {
		opts.RedeliveryRate = defaultRedeliveryRate
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		}
	}

	e := &Engine{
		journal:     journal,
		checkpoints: checkpoints,
		applier:     applier,
		subscriber:  subscriber,
		opts:        opts,
		limiter:     rate.NewLimiter(opts.RedeliveryRate, opts.Workers),
		logger:      logger,
		tracer:      platformotel.Tracer("github.com/clinprecision/clinops/study/projection"),
		partitions:  make([]*partition, opts.Workers),
	}
	for i := range e.partitions {
		e.partitions[i] = &partition{
			queue:   make(chan string, opts.QueueSize),
			pending: make(map[string]struct{}),
		}
	}
	return e, nil
}

// Run delivers until ctx is done. It sweeps once at startup so streams that
// advanced while no engine was running are caught up.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrEngineRunning
	}
	defer e.running.Store(false)

	var notifications <-chan bus.Notification
	if e.subscriber != nil {
		var err error
		notifications, err = e.subscriber.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("subscribe to notifications: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range e.partitions {
		g.Go(func() error {
			e.work(ctx, p)
			return nil
		})
	}
	if notifications != nil {
		g.Go(func() error {
			for n := range notifications {
				if err := e.Enqueue(ctx, n.StreamID); err != nil {
					return nil
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		if _, err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error().Err(err).Msg("startup sweep failed")
		}
		return nil
	})
	return g.Wait()
}

// Enqueue schedules a catch-up of streamID on its partition. Repeated calls
// for a stream that is already queued collapse into one.
func (e *Engine) Enqueue(ctx context.Context, streamID string) error {
	if streamID == "" {
		return nil
	}
	p := e.partitionFor(streamID)
	p.mu.Lock()
	if _, queued := p.pending[streamID]; queued {
		p.mu.Unlock()
		return nil
	}
	p.pending[streamID] = struct{}{}
	p.mu.Unlock()

	select {
	case p.queue <- streamID:
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.pending, streamID)
		p.mu.Unlock()
		return ctx.Err()
	}
}

// Sweep enqueues every stream whose head is ahead of its checkpoint and
// returns how many were lagging.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	heads, err := e.journal.ListStreams(ctx)
	if err != nil {
		return 0, fmt.Errorf("list streams: %w", err)
	}
	lagging := 0
	for _, head := range heads {
		checkpoint, err := e.checkpoints.GetCheckpoint(ctx, head.StreamID)
		if err != nil {
			return lagging, fmt.Errorf("checkpoint %s: %w", head.StreamID, err)
		}
		if head.LastSeq <= checkpoint {
			continue
		}
		lagging++
		if err := e.Enqueue(ctx, head.StreamID); err != nil {
			return lagging, err
		}
	}
	metrics.SetLaggingStreams(lagging)
	if lagging > 0 {
		e.logger.Info().Int("lagging_streams", lagging).Msg("sweep enqueued lagging streams")
	}
	return lagging, nil
}

// CatchUp applies every event of streamID after its checkpoint, in order,
// on the calling goroutine.
func (e *Engine) CatchUp(ctx context.Context, streamID string) error {
	p := e.partitionFor(streamID)
	p.running.Lock()
	defer p.running.Unlock()
	return e.catchUp(ctx, streamID)
}

// Pause holds delivery after the event currently being applied.
func (e *Engine) Pause() {
	e.pauseMu.Lock()
	defer e.pauseMu.Unlock()
	if !e.paused {
		e.paused = true
		e.resume = make(chan struct{})
		e.logger.Info().Msg("projection delivery paused")
	}
}

// Resume releases delivery held by Pause.
func (e *Engine) Resume() {
	e.pauseMu.Lock()
	defer e.pauseMu.Unlock()
	if e.paused {
		e.paused = false
		close(e.resume)
		e.logger.Info().Msg("projection delivery resumed")
	}
}

// Paused reports whether delivery is held.
func (e *Engine) Paused() bool {
	e.pauseMu.Lock()
	defer e.pauseMu.Unlock()
	return e.paused
}

// DeadLetters returns the most recent dead-lettered events.
func (e *Engine) DeadLetters() []DeadLetter {
	e.deadMu.Lock()
	defer e.deadMu.Unlock()
	return append([]DeadLetter(nil), e.deadLetters...)
}

// Rebuild clears the read model and replays every stream into it. It must
// not run while Run is delivering.
func (e *Engine) Rebuild(ctx context.Context, reset func(context.Context) error) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrEngineRunning
	}
	defer e.running.Store(false)

	if reset != nil {
		if err := reset(ctx); err != nil {
			return fmt.Errorf("reset read model: %w", err)
		}
	}
	heads, err := e.journal.ListStreams(ctx)
	if err != nil {
		return fmt.Errorf("list streams: %w", err)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for _, head := range heads {
		g.Go(func() error {
			return e.CatchUp(ctx, head.StreamID)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	e.logger.Info().Int("streams", len(heads)).Msg("read model rebuilt")
	return nil
}

func (e *Engine) work(ctx context.Context, p *partition) {
	for {
		select {
		case <-ctx.Done():
			return
		case streamID := <-p.queue:
			p.mu.Lock()
			delete(p.pending, streamID)
			p.mu.Unlock()

			p.running.Lock()
			err := e.catchUp(ctx, streamID)
			p.running.Unlock()
			if err != nil && ctx.Err() == nil {
				e.logger.Error().Err(err).Str("stream_id", streamID).Msg("stream catch-up stopped")
			}
		}
	}
}

func (e *Engine) catchUp(ctx context.Context, streamID string) error {
	checkpoint, err := e.checkpoints.GetCheckpoint(ctx, streamID)
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", streamID, err)
	}
	for {
		events, err := e.journal.ListEvents(ctx, streamID, checkpoint, e.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("list events %s: %w", streamID, err)
		}
		for _, evt := range events {
			if err := e.waitIfPaused(ctx); err != nil {
				return err
			}
			if err := e.deliver(ctx, evt); err != nil {
				return err
			}
			if err := e.checkpoints.SaveCheckpoint(ctx, streamID, evt.Seq); err != nil {
				return fmt.Errorf("save checkpoint %s@%d: %w", streamID, evt.Seq, err)
			}
			checkpoint = evt.Seq
		}
		if len(events) < e.opts.BatchSize {
			return nil
		}
	}
}

// deliver applies evt, redelivering transient failures. Permanent failures
// are logged and skipped; a nil return lets the checkpoint advance.
func (e *Engine) deliver(ctx context.Context, evt event.Event) error {
	ctx, span := e.tracer.Start(ctx, "project "+string(evt.Type), trace.WithAttributes(
		attribute.String("study.stream_id", evt.StreamID),
		attribute.Int64("study.seq", int64(evt.Seq)),
	))
	defer span.End()

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			if err := e.limiter.Wait(ctx); err != nil {
				return struct{}{}, backoff.Permanent(err)
			}
		}
		err := e.applier.Apply(ctx, evt)
		if err != nil && IsPermanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(e.opts.NewBackOff()),
		backoff.WithMaxTries(uint(e.opts.MaxAttempts)),
		backoff.WithNotify(func(err error, delay time.Duration) {
			metrics.RecordRedelivery()
			e.logger.Debug().Err(err).
				Str("stream_id", evt.StreamID).
				Uint64("seq", evt.Seq).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("redelivering projection event")
		}),
	)

	switch {
	case err == nil:
		metrics.RecordProjection(string(evt.Type), "applied")
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case IsPermanent(err):
		metrics.RecordProjection(string(evt.Type), "skipped")
		span.RecordError(err)
		e.logger.Error().Err(err).
			Str("stream_id", evt.StreamID).
			Uint64("seq", evt.Seq).
			Str("event_type", string(evt.Type)).
			Msg("skipping event that cannot be projected")
		return nil
	default:
		metrics.RecordProjection(string(evt.Type), "dead_letter")
		metrics.RecordDeadLetter()
		span.RecordError(err)
		e.recordDeadLetter(evt, err)
		return fmt.Errorf("dead-lettered %s seq %d after %d attempts: %w", evt.Type, evt.Seq, attempt, err)
	}
}

func (e *Engine) recordDeadLetter(evt event.Event, err error) {
	e.logger.Error().Err(err).
		Str("stream_id", evt.StreamID).
		Uint64("seq", evt.Seq).
		Str("event_type", string(evt.Type)).
		Msg("projection event dead-lettered")
	e.deadMu.Lock()
	defer e.deadMu.Unlock()
	e.deadLetters = append(e.deadLetters, DeadLetter{
		StreamID: evt.StreamID,
		Seq:      evt.Seq,
		Type:     evt.Type,
		Err:      err.Error(),
		At:       time.Now().UTC(),
	})
	if overflow := len(e.deadLetters) - maxDeadLetters; overflow > 0 {
		e.deadLetters = e.deadLetters[overflow:]
	}
}

func (e *Engine) waitIfPaused(ctx context.Context) error {
	e.pauseMu.Lock()
	if !e.paused {
		e.pauseMu.Unlock()
		return nil
	}
	resume := e.resume
	e.pauseMu.Unlock()
	select {
	case <-resume:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) partitionFor(streamID string) *partition {
	h := fnv.New32a()
	_, _ = h.Write([]byte(streamID))
	return e.partitions[h.Sum32()%uint32(len(e.partitions))]
}
