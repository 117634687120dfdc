// Package replay folds a stream's events into state, page by page, refusing
// streams whose sequence numbers are not gap-free from 1.
package replay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/clinprecision/clinops/internal/services/study/domain/event"
)

const defaultPageSize = 200

var (
	// ErrEventStoreRequired indicates a missing event store.
	ErrEventStoreRequired = errors.New("event store is required")
	// ErrFoldRequired indicates a missing fold function.
	ErrFoldRequired = errors.New("fold function is required")
	// ErrStreamIDRequired indicates a missing stream id.
	ErrStreamIDRequired = errors.New("stream id is required")
	// ErrSequenceGap indicates a stream whose sequence numbers skip a value.
	ErrSequenceGap = errors.New("event sequence gap")
)

// EventStore lists events for replay.
type EventStore interface {
	ListEvents(ctx context.Context, streamID string, afterSeq uint64, limit int) ([]event.Event, error)
}

// FoldFunc applies one event to state.
type FoldFunc[S any] func(state S, evt event.Event) (S, error)

// Options configures replay behavior.
type Options struct {
	AfterSeq uint64
	UntilSeq uint64
	PageSize int
}

// Result captures replay outcomes.
type Result[S any] struct {
	State   S
	LastSeq uint64
	Applied int
}

// Replay folds the stream's events after options.AfterSeq into state in
// sequence order.
func Replay[S any](ctx context.Context, store EventStore, fold FoldFunc[S], streamID string, state S, options Options) (Result[S], error) {
	result := Result[S]{State: state, LastSeq: options.AfterSeq}
	if store == nil {
		return result, ErrEventStoreRequired
	}
	if fold == nil {
		return result, ErrFoldRequired
	}
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return result, ErrStreamIDRequired
	}
	pageSize := options.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		events, err := store.ListEvents(ctx, streamID, result.LastSeq, pageSize)
		if err != nil {
			return result, err
		}
		if len(events) == 0 {
			return result, nil
		}
		for _, evt := range events {
			if options.UntilSeq > 0 && evt.Seq > options.UntilSeq {
				return result, nil
			}
			expectedSeq := result.LastSeq + 1
			if evt.Seq != expectedSeq {
				return result, fmt.Errorf("%w: stream %s expected %d got %d", ErrSequenceGap, streamID, expectedSeq, evt.Seq)
			}
			next, err := fold(result.State, evt)
			if err != nil {
				return result, fmt.Errorf("fold %s seq %d: %w", evt.Type, evt.Seq, err)
			}
			result.State = next
			result.LastSeq = evt.Seq
			result.Applied++
		}
		if len(events) < pageSize {
			return result, nil
		}
	}
}
