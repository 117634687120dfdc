package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/clinprecision/clinops/internal/platform/errors"
	"github.com/clinprecision/clinops/internal/platform/metrics"
	"github.com/clinprecision/clinops/internal/services/study/domain/command"
	"github.com/clinprecision/clinops/internal/services/study/domain/engine"
	"github.com/clinprecision/clinops/internal/services/study/domain/event"
	"github.com/clinprecision/clinops/internal/services/study/domain/study"
	"github.com/clinprecision/clinops/internal/services/study/storage"
)

// DefaultCacheSize bounds the number of cached legacy resolutions.
const DefaultCacheSize = 4096

// DefaultResolveTimeout bounds a shared legacy resolution once the caller
// that started it has gone away.
const DefaultResolveTimeout = 30 * time.Second

// BridgeActorID is recorded as the actor of streams initialized from the
// legacy directory when the legacy row names no creator.
const BridgeActorID = "legacy-bridge"

// StreamReader reads the head of a stream.
type StreamReader interface {
	ListEvents(ctx context.Context, streamID string, afterSeq uint64, limit int) ([]event.Event, error)
}

// CommandDispatcher sends the create command that initializes a stream.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, cmd command.Command) (engine.Result[study.State], error)
}

// LegacyDirectory reads studies written before the journal existed.
type LegacyDirectory interface {
	GetLegacyStudy(ctx context.Context, key int64) (storage.LegacyStudy, error)
}

// Resolver turns a Ref into a canonical stream id, initializing the stream
// from the legacy directory the first time a legacy key is seen.
type Resolver struct {
	journal    StreamReader
	dispatcher CommandDispatcher
	legacy     LegacyDirectory
	cache      *lru.Cache[int64, uuid.UUID]
	group      singleflight.Group
	timeout    time.Duration
	logger     zerolog.Logger
}

// ResolverConfig wires a Resolver.
type ResolverConfig struct {
	Journal        StreamReader
	Dispatcher     CommandDispatcher
	Legacy         LegacyDirectory
	CacheSize      int
	// ResolveTimeout bounds a legacy resolution shared by concurrent
	// callers. Zero uses DefaultResolveTimeout.
	ResolveTimeout time.Duration
	Logger         zerolog.Logger
}

// NewResolver validates cfg and builds a resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Journal == nil {
		return nil, errors.New("journal is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if cfg.Legacy == nil {
		return nil, errors.New("legacy directory is required")
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	timeout := cfg.ResolveTimeout
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}
	cache, err := lru.New[int64, uuid.UUID](size)
	if err != nil {
		return nil, fmt.Errorf("resolver cache: %w", err)
	}
	return &Resolver{
		journal:    cfg.Journal,
		dispatcher: cfg.Dispatcher,
		legacy:     cfg.Legacy,
		cache:      cache,
		timeout:    timeout,
		logger:     cfg.Logger,
	}, nil
}

// Resolve returns the canonical id for ref. Canonical refs are returned as-is.
func (r *Resolver) Resolve(ctx context.Context, ref Ref) (uuid.UUID, error) {
	if id, ok := ref.Canonical(); ok {
		return id, nil
	}
	key, ok := ref.LegacyKey()
	if !ok || key <= 0 {
		return uuid.Nil, apperrors.New(apperrors.CodeValidation, "study reference is required")
	}
	if id, ok := r.cache.Get(key); ok {
		metrics.RecordResolution("cached")
		return id, nil
	}

	// The shared resolution outlives any single waiter's cancellation.
	ch := r.group.DoChan(strconv.FormatInt(key, 10), func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return r.resolveLegacy(shared, key)
	})
	select {
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return uuid.Nil, res.Err
		}
		id := res.Val.(uuid.UUID)
		r.cache.Add(key, id)
		return id, nil
	}
}

func (r *Resolver) resolveLegacy(ctx context.Context, key int64) (uuid.UUID, error) {
	preferred := Derive(key)
	preferredForeign := false
	for _, candidate := range Candidates(key) {
		kind, first, err := r.classify(ctx, candidate)
		if err != nil {
			return uuid.Nil, err
		}
		switch kind {
		case streamStudy:
			metrics.RecordResolution("existing")
			return candidate, nil
		case streamForeign:
			r.logger.Warn().
				Int64("legacy_key", key).
				Str("stream_id", candidate.String()).
				Str("first_event", first).
				Msg("skipping foreign stream for legacy key")
			metrics.RecordResolution("foreign")
			if candidate == preferred {
				preferredForeign = true
			}
		}
	}
	if preferredForeign {
		return uuid.Nil, foreignStreamError(key, preferred)
	}
	return r.initialize(ctx, key, preferred)
}

func (r *Resolver) initialize(ctx context.Context, key int64, id uuid.UUID) (uuid.UUID, error) {
	legacy, err := r.legacy.GetLegacyStudy(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			metrics.RecordResolution("not_found")
			return uuid.Nil, apperrors.WrapWithMetadata(apperrors.CodeNotFound,
				fmt.Sprintf("no study with legacy key %d", key),
				map[string]string{"legacy_key": strconv.FormatInt(key, 10)},
				err)
		}
		return uuid.Nil, fmt.Errorf("read legacy study %d: %w", key, err)
	}

	payload, err := json.Marshal(study.CreatePayload{
		Details: study.Details{
			Name:           legacy.Name,
			Sponsor:        legacy.Sponsor,
			ProtocolNumber: legacy.ProtocolNumber,
			Description:    legacy.Description,
			PhaseCode:      legacy.PhaseCode,
		},
		LegacyKey: key,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode legacy create: %w", err)
	}
	actor := legacy.CreatedBy
	if actor == "" {
		actor = BridgeActorID
	}
	_, err = r.dispatcher.Dispatch(ctx, command.Command{
		StreamID:    id.String(),
		Type:        study.CommandCreate,
		ActorID:     actor,
		RequestID:   "legacy-" + strconv.FormatInt(key, 10),
		PayloadJSON: payload,
	})
	switch {
	case err == nil:
		metrics.RecordResolution("initialized")
		return id, nil
	case apperrors.HasCode(err, apperrors.CodeDuplicateStream),
		apperrors.HasCode(err, apperrors.CodeConcurrentModification):
		// Another writer initialized the stream first; confirm it is ours.
		kind, _, cerr := r.classify(ctx, id)
		if cerr != nil {
			return uuid.Nil, cerr
		}
		if kind != streamStudy {
			return uuid.Nil, foreignStreamError(key, id)
		}
		metrics.RecordResolution("raced")
		return id, nil
	default:
		return uuid.Nil, fmt.Errorf("initialize study for legacy key %d: %w", key, err)
	}
}

type streamKind uint8

const (
	streamAbsent streamKind = iota
	streamStudy
	streamForeign
)

func (r *Resolver) classify(ctx context.Context, id uuid.UUID) (streamKind, string, error) {
	events, err := r.journal.ListEvents(ctx, id.String(), 0, 1)
	if err != nil {
		return streamAbsent, "", fmt.Errorf("read stream %s: %w", id, err)
	}
	if len(events) == 0 {
		return streamAbsent, "", nil
	}
	first := string(events[0].Type)
	if events[0].Type != study.EventCreated {
		return streamForeign, first, nil
	}
	return streamStudy, first, nil
}

func foreignStreamError(key int64, id uuid.UUID) error {
	return apperrors.WithMetadata(apperrors.CodeForeignStream,
		fmt.Sprintf("stream %s derived for legacy key %d belongs to another aggregate", id, key),
		map[string]string{"legacy_key": strconv.FormatInt(key, 10), "stream_id": id.String()})
}
