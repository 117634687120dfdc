package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	platformid "github.com/clinprecision/clinops/internal/platform/id"
	"github.com/clinprecision/clinops/internal/platform/logging"
	"github.com/clinprecision/clinops/internal/platform/requestctx"
	"github.com/clinprecision/clinops/internal/services/study/bus"
	"github.com/clinprecision/clinops/internal/services/study/consistency"
	"github.com/clinprecision/clinops/internal/services/study/domain/command"
	"github.com/clinprecision/clinops/internal/services/study/domain/engine"
	"github.com/clinprecision/clinops/internal/services/study/domain/identity"
	"github.com/clinprecision/clinops/internal/services/study/domain/study"
	"github.com/clinprecision/clinops/internal/services/study/projection"
	"github.com/clinprecision/clinops/internal/services/study/storage"
	"github.com/clinprecision/clinops/internal/services/study/storage/integrity"
)

// Result is the outcome of a dispatched study command.
type Result = engine.Result[study.State]

// Service is the study lifecycle facade.
type Service struct {
	cfg        Config
	logger     zerolog.Logger
	bundle     *storageBundle
	bus        bus.Bus
	closeBus   func() error
	dispatcher engine.Dispatcher[study.State]
	projector  *projection.Engine
	resolver   *identity.Resolver
	poller     *consistency.Poller

	closeOnce sync.Once
	closeErr  error
}

// New opens the configured backend and wires every component. Call Run to
// start projecting and Close to release resources.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Service, error) {
	return newService(ctx, cfg, logger, bootstrapConfig{})
}

func newService(ctx context.Context, cfg Config, logger zerolog.Logger, boot bootstrapConfig) (svc *Service, err error) {
	cfg, err = cfg.normalized()
	if err != nil {
		return nil, err
	}
	boot = normalizeBootstrapConfig(boot)

	bundle, err := boot.openStorage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Backend, err)
	}
	defer func() {
		if err != nil {
			_ = bundle.Close()
		}
	}()

	notifications, closeBus, err := boot.openBus(cfg, logging.Component(logger, "bus"))
	if err != nil {
		return nil, fmt.Errorf("open notification bus: %w", err)
	}
	defer func() {
		if err != nil {
			_ = closeBus()
		}
	}()

	commands, events, err := study.NewRegistries()
	if err != nil {
		return nil, fmt.Errorf("build registries: %w", err)
	}
	dispatcher := engine.Dispatcher[study.State]{
		Commands:    commands,
		Events:      events,
		Journal:     bundle.journal,
		Decider:     study.Decider{},
		Fold:        study.Fold,
		Rejections:  study.RejectionError,
		Notifier:    notifications,
		RetryBudget: cfg.RetryBudget,
		Logger:      logging.Component(logger, "dispatcher"),
	}

	applier := projection.NewApplier(bundle.readStore, bundle.readStore, logging.Component(logger, "applier"))
	projector, err := projection.NewEngine(bundle.journal, bundle.readStore, applier, notifications, projection.Options{
		Workers:        cfg.Workers,
		MaxAttempts:    cfg.MaxAttempts,
		RedeliveryRate: rate.Limit(cfg.RedeliveryRate),
	}, logging.Component(logger, "projection"))
	if err != nil {
		return nil, fmt.Errorf("build projection engine: %w", err)
	}

	resolver, err := identity.NewResolver(identity.ResolverConfig{
		Journal:    bundle.journal,
		Dispatcher: dispatcher,
		Legacy:     bundle.legacy,
		CacheSize:  cfg.ResolverCacheSize,
		Logger:     logging.Component(logger, "resolver"),
	})
	if err != nil {
		return nil, fmt.Errorf("build identifier resolver: %w", err)
	}

	poller := consistency.NewPoller(bundle.readStore, cfg.PollSchedule, logging.Component(logger, "poller"))
	poller.MaxAttempts = cfg.PollMaxAttempts

	return &Service{
		cfg:        cfg,
		logger:     logger,
		bundle:     bundle,
		bus:        notifications,
		closeBus:   closeBus,
		dispatcher: dispatcher,
		projector:  projector,
		resolver:   resolver,
		poller:     poller,
	}, nil
}

// Dispatch sends a command to the stream. Actor, request and correlation
// ids are taken from ctx; a request id is generated when absent and also
// used as the correlation id.
func (s *Service) Dispatch(ctx context.Context, streamID string, cmdType command.Type, payload []byte) (Result, error) {
	requestID := requestctx.RequestIDFromContext(ctx)
	if requestID == "" {
		generated, err := platformid.NewID()
		if err != nil {
			return Result{}, err
		}
		requestID = generated
	}
	correlationID := requestctx.CorrelationIDFromContext(ctx)
	if correlationID == "" {
		correlationID = requestID
	}
	return s.dispatcher.Dispatch(ctx, command.Command{
		StreamID:      streamID,
		Type:          cmdType,
		ActorID:       requestctx.ActorIDFromContext(ctx),
		RequestID:     requestID,
		CorrelationID: correlationID,
		PayloadJSON:   payload,
	})
}

// GetProjection returns the projected row of id, or an error carrying
// NOT_FOUND.
func (s *Service) GetProjection(ctx context.Context, id string) (storage.StudyRecord, error) {
	return s.bundle.readStore.GetStudy(ctx, id)
}

// ListProjections returns every projected study ordered by name.
func (s *Service) ListProjections(ctx context.Context) ([]storage.StudyRecord, error) {
	return s.bundle.readStore.ListStudies(ctx)
}

// ResolveIdentifier returns the canonical stream id for ref, initializing
// the stream from the legacy directory on first use of a legacy key.
func (s *Service) ResolveIdentifier(ctx context.Context, ref identity.Ref) (uuid.UUID, error) {
	return s.resolver.Resolve(ctx, ref)
}

// GetProjectionByRef returns the row a reference points at. A legacy key
// that already has a projected row is answered from the read model; any
// other legacy key is resolved, initializing its stream if needed, and
// waited on until visible.
func (s *Service) GetProjectionByRef(ctx context.Context, ref identity.Ref, timeout time.Duration) (storage.StudyRecord, error) {
	if id, ok := ref.Canonical(); ok {
		return s.GetProjection(ctx, id.String())
	}
	if key, ok := ref.LegacyKey(); ok && key > 0 {
		rec, err := s.bundle.readStore.GetStudyByLegacyKey(ctx, key)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return storage.StudyRecord{}, err
		}
	}
	id, err := s.resolver.Resolve(ctx, ref)
	if err != nil {
		return storage.StudyRecord{}, err
	}
	return s.poller.WaitUntilVisible(ctx, id.String(), timeout)
}

// WaitUntilVisible blocks until the row of id is projected or timeout
// passes. A non-positive timeout uses the default.
func (s *Service) WaitUntilVisible(ctx context.Context, id string, timeout time.Duration) (storage.StudyRecord, error) {
	return s.poller.WaitUntilVisible(ctx, id, timeout)
}

// WaitUntil blocks until the row of id satisfies match.
func (s *Service) WaitUntil(ctx context.Context, id string, timeout time.Duration, match func(storage.StudyRecord) bool) (storage.StudyRecord, error) {
	return s.poller.WaitUntil(ctx, id, timeout, match)
}

// WaitForSeq blocks until the row of id reflects at least seq, typically
// the AppliedSeq of a dispatch result.
func (s *Service) WaitForSeq(ctx context.Context, id string, seq uint64, timeout time.Duration) (storage.StudyRecord, error) {
	return s.poller.WaitUntil(ctx, id, timeout, func(rec storage.StudyRecord) bool {
		return rec.AppliedSeq >= seq
	})
}

// PutLegacyStudy records a pre-journal study so legacy keys can resolve.
func (s *Service) PutLegacyStudy(ctx context.Context, legacy storage.LegacyStudy) error {
	return s.bundle.legacy.PutLegacyStudy(ctx, legacy)
}

// VerifyStream re-walks the hash chain of a stream.
func (s *Service) VerifyStream(ctx context.Context, streamID string) error {
	return integrity.VerifyStream(ctx, s.bundle.journal, streamID, s.cfg.Keyring)
}

// Rebuild empties the read model and replays the journal into it. It fails
// with projection.ErrEngineRunning while Run is active.
func (s *Service) Rebuild(ctx context.Context) error {
	return s.projector.Rebuild(ctx, s.bundle.readStore.Reset)
}

// Sweep enqueues every stream whose checkpoint lags its head.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.projector.Sweep(ctx)
}

// DeadLetters lists events that exhausted their delivery attempts.
func (s *Service) DeadLetters() []projection.DeadLetter {
	return s.projector.DeadLetters()
}

// PauseProjections holds projection delivery until ResumeProjections.
func (s *Service) PauseProjections() { s.projector.Pause() }

// ResumeProjections restarts projection delivery.
func (s *Service) ResumeProjections() { s.projector.Resume() }

// Run projects until ctx is done, sweeping on the configured schedule.
func (s *Service) Run(ctx context.Context) error {
	scheduler, err := s.startSweeps(ctx)
	if err != nil {
		return err
	}
	if scheduler != nil {
		defer func() {
			<-scheduler.Stop().Done()
		}()
	}
	err = s.projector.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) startSweeps(ctx context.Context) (*cron.Cron, error) {
	if s.cfg.SweepSchedule == "" {
		return nil, nil
	}
	scheduler := cron.New()
	_, err := scheduler.AddFunc(s.cfg.SweepSchedule, func() {
		lagging, err := s.projector.Sweep(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("scheduled sweep failed")
			}
			return
		}
		if lagging > 0 {
			s.logger.Info().Int("lagging_streams", lagging).Msg("scheduled sweep enqueued streams")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", s.cfg.SweepSchedule, err)
	}
	scheduler.Start()
	return scheduler, nil
}

// Close releases the bus and storage. It is safe to call more than once.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.closeErr = errors.Join(s.closeBus(), s.bundle.Close())
	})
	return s.closeErr
}
