package integrity

import (
	"context"
	"fmt"

	apperrors "github.com/clinprecision/clinops/internal/platform/errors"
	"github.com/clinprecision/clinops/internal/services/study/domain/event"
)

const verifyPageSize = 500

// Seal fills an event's hash, previous chain hash and chain hash, and signs
// the chain hash when ring is non-nil. evt.Seq must already be assigned.
func Seal(evt event.Event, prevChainHash string, ring *Keyring) (event.Event, error) {
	hash, err := event.EventHash(evt)
	if err != nil {
		return event.Event{}, fmt.Errorf("hash event: %w", err)
	}
	evt.Hash = hash
	evt.PrevHash = prevChainHash
	chain, err := event.ChainHash(evt, prevChainHash)
	if err != nil {
		return event.Event{}, fmt.Errorf("chain event: %w", err)
	}
	evt.ChainHash = chain
	evt.Signature = ""
	evt.SignatureKeyID = ""
	if ring != nil {
		sig, keyID, err := ring.Sign(evt.StreamID, chain)
		if err != nil {
			return event.Event{}, fmt.Errorf("sign event: %w", err)
		}
		evt.Signature = sig
		evt.SignatureKeyID = keyID
	}
	return evt, nil
}

// SealBatch seals consecutive events of one stream starting after the given
// head. It assigns seqs head+1, head+2, ...
func SealBatch(streamID string, head uint64, prevChainHash string, events []event.Event, ring *Keyring) ([]event.Event, error) {
	sealed := make([]event.Event, 0, len(events))
	prev := prevChainHash
	for i, evt := range events {
		evt.StreamID = streamID
		evt.Seq = head + uint64(i) + 1
		out, err := Seal(evt, prev, ring)
		if err != nil {
			return nil, err
		}
		sealed = append(sealed, out)
		prev = out.ChainHash
	}
	return sealed, nil
}

// EventLister pages through a stream.
type EventLister interface {
	ListEvents(ctx context.Context, streamID string, afterSeq uint64, limit int) ([]event.Event, error)
}

// VerifyStream re-walks a stream and fails at the first event whose hash,
// chain link or signature does not match. Unsigned events are accepted when
// ring is nil.
func VerifyStream(ctx context.Context, store EventLister, streamID string, ring *Keyring) error {
	var (
		after uint64
		prev  string
	)
	for {
		events, err := store.ListEvents(ctx, streamID, after, verifyPageSize)
		if err != nil {
			return err
		}
		for _, evt := range events {
			if err := verifyEvent(evt, after+1, prev, ring); err != nil {
				return apperrors.WrapWithMetadata(apperrors.CodeIntegrity,
					fmt.Sprintf("stream %s seq %d failed verification", streamID, evt.Seq),
					map[string]string{"stream_id": streamID},
					err)
			}
			after = evt.Seq
			prev = evt.ChainHash
		}
		if len(events) < verifyPageSize {
			return nil
		}
	}
}

func verifyEvent(evt event.Event, wantSeq uint64, prev string, ring *Keyring) error {
	if evt.Seq != wantSeq {
		return fmt.Errorf("expected seq %d, got %d", wantSeq, evt.Seq)
	}
	if evt.PrevHash != prev {
		return fmt.Errorf("prev hash does not link to seq %d", wantSeq-1)
	}
	hash, err := event.EventHash(evt)
	if err != nil {
		return err
	}
	if hash != evt.Hash {
		return fmt.Errorf("event hash mismatch")
	}
	chain, err := event.ChainHash(evt, prev)
	if err != nil {
		return err
	}
	if chain != evt.ChainHash {
		return fmt.Errorf("chain hash mismatch")
	}
	if ring != nil {
		return ring.Verify(evt.StreamID, evt.ChainHash, evt.Signature, evt.SignatureKeyID)
	}
	return nil
}
