// Package consistency waits for the study read model to reflect a write.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	apperrors "github.com/clinprecision/clinops/internal/platform/errors"
	"github.com/clinprecision/clinops/internal/platform/metrics"
	"github.com/clinprecision/clinops/internal/platform/timeouts"
	"github.com/clinprecision/clinops/internal/services/study/storage"
)

// Reader loads projected study rows.
type Reader interface {
	GetStudy(ctx context.Context, id string) (storage.StudyRecord, error)
}

// Poller polls the read store until a row is visible.
type Poller struct {
	Reader   Reader
	Schedule []time.Duration
	// MaxAttempts bounds the number of reads; zero leaves only the timeout.
	MaxAttempts int
	Logger      zerolog.Logger
}

// NewPoller returns a poller using schedule, or DefaultSchedule when empty.
func NewPoller(reader Reader, schedule []time.Duration, logger zerolog.Logger) *Poller {
	return &Poller{Reader: reader, Schedule: schedule, Logger: logger}
}

var errNotVisible = errors.New("study row not visible yet")

// WaitUntilVisible waits for the row of id to exist.
func (p *Poller) WaitUntilVisible(ctx context.Context, id string, timeout time.Duration) (storage.StudyRecord, error) {
	return p.WaitUntil(ctx, id, timeout, nil)
}

// WaitUntil waits for the row of id to exist and satisfy match. A nil match
// accepts any row. A non-positive timeout uses timeouts.ProjectionVisible.
//
// When the timeout elapses the returned error carries CodeProjectionTimeout;
// the write itself has already succeeded and callers may read again later.
func (p *Poller) WaitUntil(ctx context.Context, id string, timeout time.Duration, match func(storage.StudyRecord) bool) (storage.StudyRecord, error) {
	if p.Reader == nil {
		return storage.StudyRecord{}, errors.New("poller reader is required")
	}
	if timeout <= 0 {
		timeout = timeouts.ProjectionVisible
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attempts := 0
	check := func(ctx context.Context) (storage.StudyRecord, error) {
		attempts++
		rec, err := p.Reader.GetStudy(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return storage.StudyRecord{}, errNotVisible
		}
		if err != nil {
			if ctx.Err() != nil {
				return storage.StudyRecord{}, ctx.Err()
			}
			return storage.StudyRecord{}, backoff.Permanent(fmt.Errorf("read study %s: %w", id, err))
		}
		if match != nil && !match(rec) {
			return storage.StudyRecord{}, errNotVisible
		}
		return rec, nil
	}

	opts := []backoff.RetryOption{backoff.WithBackOff(newSteppedBackOff(p.Schedule))}
	if p.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(p.MaxAttempts)))
	}
	started := time.Now()
	rec, err := backoff.Retry(waitCtx, func() (storage.StudyRecord, error) { return check(waitCtx) }, opts...)
	if err == nil {
		metrics.RecordPoll("visible", attempts)
		return rec, nil
	}
	if ctx.Err() != nil {
		metrics.RecordPoll("canceled", attempts)
		return storage.StudyRecord{}, ctx.Err()
	}
	if !errors.Is(err, errNotVisible) && !errors.Is(err, context.DeadlineExceeded) {
		metrics.RecordPoll("error", attempts)
		return storage.StudyRecord{}, err
	}

	// The deadline may fire between polls; look once more before giving up.
	if rec, err := check(ctx); err == nil {
		metrics.RecordPoll("visible", attempts)
		return rec, nil
	}
	metrics.RecordPoll("timeout", attempts)
	p.Logger.Warn().
		Str("study_id", id).
		Int("attempts", attempts).
		Dur("waited", time.Since(started)).
		Msg("study projection not visible before timeout")
	return storage.StudyRecord{}, apperrors.WithMetadata(
		apperrors.CodeProjectionTimeout,
		fmt.Sprintf("study %s not visible in read model after %s", id, timeout),
		map[string]string{"study_id": id, "attempts": fmt.Sprint(attempts)},
	)
}
