package study

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/clinprecision/clinops/internal/services/study/domain/event"
)

// Fold applies an event to study state.
//
// Terminal events set Locked and may be folded any number of times. Events
// from another aggregate's namespace yield ErrForeignEvent.
func Fold(state State, evt event.Event) (State, error) {
	if !strings.HasPrefix(string(evt.Type), "study.") {
		return state, fmt.Errorf("%w: %s", ErrForeignEvent, evt.Type)
	}
	if !state.Created && evt.Type != EventCreated {
		return state, fmt.Errorf("%w: first event is %s", ErrForeignEvent, evt.Type)
	}
	state.LastSeq = evt.Seq

	switch evt.Type {
	case EventCreated:
		var payload CreatePayload
		if err := json.Unmarshal(evt.PayloadJSON, &payload); err != nil {
			return state, fmt.Errorf("decode %s: %w", evt.Type, err)
		}
		state.Created = true
		state.StreamID = evt.StreamID
		state.LegacyKey = payload.LegacyKey
		state.Details = payload.Details
		state.Version = payload.Version
		if state.Version == "" {
			state.Version = InitialVersion
		}
		if state.Status == StatusUnspecified {
			state.Status = StatusPlanning
		}
		state.Associations = append([]Association(nil), payload.Associations...)
	case EventUpdated:
		var payload UpdatedPayload
		if err := json.Unmarshal(evt.PayloadJSON, &payload); err != nil {
			return state, fmt.Errorf("decode %s: %w", evt.Type, err)
		}
		state.Details = payload.ApplyTo(state.Details)
	case EventAssociationsChanged:
		var payload AssociationsPayload
		if err := json.Unmarshal(evt.PayloadJSON, &payload); err != nil {
			return state, fmt.Errorf("decode %s: %w", evt.Type, err)
		}
		state.Associations = append([]Association(nil), payload.Associations...)
	case EventStatusChanged:
		var payload StatusChangedPayload
		if err := json.Unmarshal(evt.PayloadJSON, &payload); err != nil {
			return state, fmt.Errorf("decode %s: %w", evt.Type, err)
		}
		state = moveTo(state, payload.To, payload.Reason)
	case EventSuspended, EventResumed, EventTerminated, EventWithdrawn:
		var payload ReasonPayload
		if err := json.Unmarshal(evt.PayloadJSON, &payload); err != nil {
			return state, fmt.Errorf("decode %s: %w", evt.Type, err)
		}
		state = moveTo(state, StatusForEvent(evt.Type), payload.Reason)
	case EventCompleted:
		var payload CompletePayload
		if err := json.Unmarshal(evt.PayloadJSON, &payload); err != nil {
			return state, fmt.Errorf("decode %s: %w", evt.Type, err)
		}
		state = moveTo(state, StatusCompleted, "")
		if payload.CompletionDate != "" {
			state.Details.EndDate = payload.CompletionDate
		}
	}
	return state, nil
}

// StatusForEvent returns the status a narrow lifecycle event moves a study to.
func StatusForEvent(t event.Type) Status {
	switch t {
	case EventSuspended:
		return StatusSuspended
	case EventResumed:
		return StatusActive
	case EventCompleted:
		return StatusCompleted
	case EventTerminated:
		return StatusTerminated
	case EventWithdrawn:
		return StatusWithdrawn
	default:
		return StatusUnspecified
	}
}

func moveTo(state State, status Status, reason string) State {
	state.Status = status
	state.StatusReason = reason
	if status.Terminal() {
		state.Locked = true
	}
	return state
}
