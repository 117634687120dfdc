package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/clinprecision/clinops/internal/platform/errors"
	"github.com/clinprecision/clinops/internal/platform/metrics"
	platformotel "github.com/clinprecision/clinops/internal/platform/otel"
	"github.com/clinprecision/clinops/internal/services/study/bus"
	"github.com/clinprecision/clinops/internal/services/study/domain/command"
	"github.com/clinprecision/clinops/internal/services/study/domain/event"
	"github.com/clinprecision/clinops/internal/services/study/domain/replay"
)

const (
	// DefaultRetryBudget is the number of load-decide-append attempts made
	// before a conflict is reported to the caller.
	DefaultRetryBudget = 5

	defaultRetryInitial = 10 * time.Millisecond
	defaultRetryMax     = 250 * time.Millisecond
)

// Journal is the event log the dispatcher reads and appends to.
type Journal interface {
	replay.EventStore
	// AppendEvents appends events after expectedSeq. It fails with an error
	// carrying CONCURRENT_MODIFICATION when the stream head is not expectedSeq.
	AppendEvents(ctx context.Context, streamID string, expectedSeq uint64, events []event.Event) ([]event.Event, error)
}

// Decider returns a decision for a command against folded state.
type Decider[S any] interface {
	Decide(state S, cmd command.Command, now func() time.Time) command.Decision
}

// Dispatcher validates, decides and appends commands for one aggregate type.
type Dispatcher[S any] struct {
	Commands *command.Registry
	Events   *event.Registry
	Journal  Journal
	Decider  Decider[S]
	Fold     replay.FoldFunc[S]
	// Rejections converts decider rejections into caller-facing errors.
	Rejections func(command.Rejection) error
	// Notifier is told about every successful append. Optional.
	Notifier bus.Publisher
	// RetryBudget bounds attempts on append conflicts; zero uses DefaultRetryBudget.
	RetryBudget int
	// NewBackOff builds the delay schedule between conflict retries.
	NewBackOff func() backoff.BackOff
	Now        func() time.Time
	Logger     zerolog.Logger
	Tracer     trace.Tracer
}

// Result captures a successful dispatch.
type Result[S any] struct {
	// Events are the appended events with their assigned sequence numbers.
	Events []event.Event
	// AppliedSeq is the seq of the last appended event, or the current stream
	// version when the decision emitted nothing.
	AppliedSeq uint64
	// State is the aggregate state after folding the appended events.
	State S
	// Attempts counts load-decide-append cycles, including conflicted ones.
	Attempts int
}

// Dispatch runs cmd through the write path, retrying the full cycle on
// append conflicts.
func (d Dispatcher[S]) Dispatch(ctx context.Context, cmd command.Command) (Result[S], error) {
	if err := d.validateWiring(); err != nil {
		return Result[S]{}, err
	}
	validated, err := d.Commands.ValidateForDecision(cmd)
	if err != nil {
		return Result[S]{}, apperrors.Wrap(apperrors.CodeValidation, "invalid command", err)
	}
	cmd = validated

	tracer := d.Tracer
	if tracer == nil {
		tracer = platformotel.Tracer("github.com/clinprecision/clinops/study/engine")
	}
	ctx, span := tracer.Start(ctx, "dispatch "+string(cmd.Type), trace.WithAttributes(
		attribute.String("study.stream_id", cmd.StreamID),
		attribute.String("study.command", string(cmd.Type)),
	))
	defer span.End()

	started := time.Now()
	attempts := 0
	operation := func() (Result[S], error) {
		attempts++
		result, err := d.attempt(ctx, cmd)
		if err == nil {
			return result, nil
		}
		if apperrors.HasCode(err, apperrors.CodeConcurrentModification) && !IsNonRetryable(err) {
			metrics.RecordAppendConflict(string(cmd.Type))
			return Result[S]{}, err
		}
		return Result[S]{}, backoff.Permanent(err)
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(d.backOff()),
		backoff.WithMaxTries(uint(d.retryBudget())),
		backoff.WithNotify(func(err error, delay time.Duration) {
			d.Logger.Debug().
				Str("stream_id", cmd.StreamID).
				Str("command", string(cmd.Type)).
				Int("attempt", attempts).
				Dur("delay", delay).
				Msg("append conflict, retrying")
		}),
	)
	if err != nil && apperrors.HasCode(err, apperrors.CodeConcurrentModification) && !IsNonRetryable(err) {
		err = apperrors.WrapWithMetadata(apperrors.CodeConcurrentModification,
			fmt.Sprintf("stream %s still conflicting after %d attempts", cmd.StreamID, attempts),
			map[string]string{"stream_id": cmd.StreamID},
			err)
	}

	outcome := string(apperrors.CodeOf(err))
	if err == nil {
		outcome = "ok"
	}
	metrics.RecordDispatch(string(cmd.Type), outcome, time.Since(started))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		return Result[S]{Attempts: attempts}, err
	}
	result.Attempts = attempts
	span.SetAttributes(attribute.Int64("study.applied_seq", int64(result.AppliedSeq)))
	d.notify(ctx, cmd.StreamID, result.AppliedSeq, len(result.Events))
	return result, nil
}

func (d Dispatcher[S]) attempt(ctx context.Context, cmd command.Command) (Result[S], error) {
	var initial S
	loaded, err := replay.Replay(ctx, d.Journal, d.Fold, cmd.StreamID, initial, replay.Options{})
	if err != nil {
		return Result[S]{}, fmt.Errorf("load %s: %w", cmd.StreamID, err)
	}

	now := d.Now
	if now == nil {
		now = time.Now
	}
	decision := d.Decider.Decide(loaded.State, cmd, now)
	if decision.Rejected() {
		return Result[S]{}, d.rejectionError(decision.Rejections[0])
	}
	if len(decision.Events) == 0 {
		return Result[S]{AppliedSeq: loaded.LastSeq, State: loaded.State}, nil
	}

	vetted := make([]event.Event, 0, len(decision.Events))
	for _, evt := range decision.Events {
		checked, err := d.Events.ValidateForAppend(evt)
		if err != nil {
			return Result[S]{}, fmt.Errorf("validate %s: %w", evt.Type, err)
		}
		vetted = append(vetted, checked)
	}

	stored, err := d.Journal.AppendEvents(ctx, cmd.StreamID, loaded.LastSeq, vetted)
	if err != nil {
		return Result[S]{}, err
	}

	state := loaded.State
	for _, evt := range stored {
		state, err = d.Fold(state, evt)
		if err != nil {
			return Result[S]{}, wrapNonRetryable(fmt.Errorf("fold appended %s seq %d: %w", evt.Type, evt.Seq, err))
		}
	}
	return Result[S]{
		Events:     stored,
		AppliedSeq: stored[len(stored)-1].Seq,
		State:      state,
	}, nil
}

func (d Dispatcher[S]) notify(ctx context.Context, streamID string, seq uint64, appended int) {
	if d.Notifier == nil || appended == 0 {
		return
	}
	if err := d.Notifier.Publish(ctx, bus.Notification{StreamID: streamID, Seq: seq}); err != nil {
		d.Logger.Warn().Err(err).Str("stream_id", streamID).Uint64("seq", seq).Msg("publish append notification")
	}
}

func (d Dispatcher[S]) rejectionError(r command.Rejection) error {
	if d.Rejections != nil {
		return d.Rejections(r)
	}
	return apperrors.WithMetadata(apperrors.CodePrecondition, r.Message, map[string]string{"reason": r.Code})
}

func (d Dispatcher[S]) retryBudget() int {
	if d.RetryBudget > 0 {
		return d.RetryBudget
	}
	return DefaultRetryBudget
}

func (d Dispatcher[S]) backOff() backoff.BackOff {
	if d.NewBackOff != nil {
		return d.NewBackOff()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultRetryInitial
	b.MaxInterval = defaultRetryMax
	return b
}

func (d Dispatcher[S]) validateWiring() error {
	var errs []error
	if d.Commands == nil {
		errs = append(errs, ErrCommandRegistryRequired)
	}
	if d.Events == nil {
		errs = append(errs, ErrEventRegistryRequired)
	}
	if d.Journal == nil {
		errs = append(errs, ErrJournalRequired)
	}
	if d.Decider == nil {
		errs = append(errs, ErrDeciderRequired)
	}
	if d.Fold == nil {
		errs = append(errs, ErrFoldRequired)
	}
	return errors.Join(errs...)
}
