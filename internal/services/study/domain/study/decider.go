package study

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/clinprecision/clinops/internal/services/study/domain/command"
	"github.com/clinprecision/clinops/internal/services/study/domain/event"
)

// Decider adapts Decide for the command dispatcher.
type Decider struct{}

// Decide implements the dispatcher's decider contract.
func (Decider) Decide(state State, cmd command.Command, now func() time.Time) command.Decision {
	return Decide(state, cmd, now)
}

// Decide returns the decision for a study command against current state.
func Decide(state State, cmd command.Command, now func() time.Time) command.Decision {
	if now == nil {
		now = time.Now
	}
	if cmd.Type == CommandCreate {
		return decideCreate(state, cmd, now)
	}
	if !state.Created {
		return reject(RejectionStudyNotCreated, "study does not exist")
	}

	switch cmd.Type {
	case CommandUpdate:
		return decideUpdate(state, cmd, now)
	case CommandChangeAssociations:
		return decideChangeAssociations(state, cmd, now)
	case CommandChangeStatus:
		return decideChangeStatus(state, cmd, now)
	case CommandSuspend:
		return decideReasoned(state, cmd, now, StatusSuspended, EventSuspended, true, StatusActive)
	case CommandResume:
		return decideReasoned(state, cmd, now, StatusActive, EventResumed, false, StatusSuspended)
	case CommandTerminate:
		return decideReasoned(state, cmd, now, StatusTerminated, EventTerminated, true, StatusActive, StatusSuspended)
	case CommandWithdraw:
		return decideReasoned(state, cmd, now, StatusWithdrawn, EventWithdrawn, true, StatusPlanning)
	case CommandComplete:
		return decideComplete(state, cmd, now)
	default:
		return reject(RejectionCommandUnsupported, "study command is not supported: "+string(cmd.Type))
	}
}

func decideCreate(state State, cmd command.Command, now func() time.Time) command.Decision {
	if state.Created {
		return reject(RejectionStudyAlreadyExists, "study already exists")
	}
	if strings.TrimSpace(cmd.StreamID) == "" {
		return reject(RejectionFieldInvalid, "study id is required")
	}
	var payload CreatePayload
	if err := json.Unmarshal(cmd.PayloadJSON, &payload); err != nil {
		return reject(RejectionPayloadInvalid, "decode create payload: "+err.Error())
	}
	details := normalizeDetails(payload.Details)
	if details.Name == "" {
		return reject(RejectionNameRequired, "study name is required")
	}
	if msg, ok := validateDetails(details); !ok {
		return reject(RejectionFieldInvalid, msg)
	}
	associations, ok := normalizeAssociations(payload.Associations)
	if !ok {
		return reject(RejectionAssociationInvalid, "associations require an organization id and a known role")
	}

	normalized := CreatePayload{
		Details:      details,
		LegacyKey:    payload.LegacyKey,
		Version:      InitialVersion,
		Associations: associations,
	}
	return command.Accept(newEvent(cmd, EventCreated, normalized, now))
}

func decideUpdate(state State, cmd command.Command, now func() time.Time) command.Decision {
	if state.Locked {
		return reject(RejectionLocked, "study is locked in status "+string(state.Status))
	}
	var payload UpdatePayload
	if err := json.Unmarshal(cmd.PayloadJSON, &payload); err != nil {
		return reject(RejectionPayloadInvalid, "decode update payload: "+err.Error())
	}
	patch := payload.DetailsPatch.normalized()
	if patch.Empty() && !payload.Associations.Set {
		return reject(RejectionUpdateEmpty, "study update requires fields")
	}
	if patch.Name.Set && patch.Name.Value == "" {
		return reject(RejectionNameRequired, "study name must not be empty")
	}
	if msg, ok := validateDetails(patch.ApplyTo(state.Details)); !ok {
		return reject(RejectionFieldInvalid, msg)
	}

	var events []event.Event
	if !patch.Empty() {
		events = append(events, newEvent(cmd, EventUpdated, UpdatedPayload{DetailsPatch: patch}, now))
	}
	if payload.Associations.Set {
		associations, ok := normalizeAssociations(payload.Associations.Value)
		if !ok {
			return reject(RejectionAssociationInvalid, "associations require an organization id and a known role")
		}
		events = append(events, newEvent(cmd, EventAssociationsChanged, AssociationsPayload{Associations: associations}, now))
	}
	return command.Accept(events...)
}

func decideChangeAssociations(state State, cmd command.Command, now func() time.Time) command.Decision {
	if state.Locked {
		return reject(RejectionLocked, "study is locked in status "+string(state.Status))
	}
	var payload AssociationsPayload
	if err := json.Unmarshal(cmd.PayloadJSON, &payload); err != nil {
		return reject(RejectionPayloadInvalid, "decode associations payload: "+err.Error())
	}
	associations, ok := normalizeAssociations(payload.Associations)
	if !ok {
		return reject(RejectionAssociationInvalid, "associations require an organization id and a known role")
	}
	return command.Accept(newEvent(cmd, EventAssociationsChanged, AssociationsPayload{Associations: associations}, now))
}

func decideChangeStatus(state State, cmd command.Command, now func() time.Time) command.Decision {
	var payload ChangeStatusPayload
	if err := json.Unmarshal(cmd.PayloadJSON, &payload); err != nil {
		return reject(RejectionPayloadInvalid, "decode status payload: "+err.Error())
	}
	target, ok := ParseStatus(payload.Status)
	if !ok {
		return reject(RejectionStatusInvalid, "study status is invalid: "+payload.Status)
	}
	if !CanTransition(state.Status, target) {
		return reject(RejectionStatusTransition, "cannot transition from "+string(state.Status)+" to "+string(target))
	}
	return command.Accept(newEvent(cmd, EventStatusChanged, StatusChangedPayload{
		From:   state.Status,
		To:     target,
		Reason: strings.TrimSpace(payload.Reason),
	}, now))
}

// decideReasoned handles the narrow lifecycle commands that carry only a
// reason and require the study to be in one of the given statuses.
func decideReasoned(state State, cmd command.Command, now func() time.Time, target Status, eventType event.Type, reasonRequired bool, from ...Status) command.Decision {
	if !statusIn(state.Status, from) || !CanTransition(state.Status, target) {
		return reject(RejectionStatusPrecondition, "study in status "+string(state.Status)+" cannot move to "+string(target))
	}
	var payload ReasonPayload
	if err := json.Unmarshal(cmd.PayloadJSON, &payload); err != nil {
		return reject(RejectionPayloadInvalid, "decode reason payload: "+err.Error())
	}
	payload.Reason = strings.TrimSpace(payload.Reason)
	if reasonRequired && payload.Reason == "" {
		return reject(RejectionReasonRequired, "a reason is required to move a study to "+string(target))
	}
	return command.Accept(newEvent(cmd, eventType, payload, now))
}

func decideComplete(state State, cmd command.Command, now func() time.Time) command.Decision {
	if state.Status != StatusActive {
		return reject(RejectionStatusPrecondition, "only active studies can be completed")
	}
	var payload CompletePayload
	if err := json.Unmarshal(cmd.PayloadJSON, &payload); err != nil {
		return reject(RejectionPayloadInvalid, "decode complete payload: "+err.Error())
	}
	payload.CompletionDate = strings.TrimSpace(payload.CompletionDate)
	if payload.CompletionDate == "" {
		payload.CompletionDate = now().UTC().Format(DateLayout)
	} else if _, err := time.Parse(DateLayout, payload.CompletionDate); err != nil {
		return reject(RejectionFieldInvalid, "completion date must be YYYY-MM-DD")
	}
	return command.Accept(newEvent(cmd, EventCompleted, payload, now))
}

func normalizeAssociations(in []Association) ([]Association, bool) {
	out := make([]Association, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, a := range in {
		normalized, ok := NormalizeAssociation(a)
		if !ok {
			return nil, false
		}
		if _, dup := seen[normalized.Key()]; dup {
			continue
		}
		seen[normalized.Key()] = struct{}{}
		out = append(out, normalized)
	}
	return out, true
}

func statusIn(s Status, set []Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

func newEvent(cmd command.Command, eventType event.Type, payload any, now func() time.Time) event.Event {
	payloadJSON, _ := json.Marshal(payload)
	return command.NewEvent(cmd, eventType, payloadJSON, now().UTC())
}

func reject(code, message string) command.Decision {
	return command.Reject(command.Rejection{Code: code, Message: message})
}
