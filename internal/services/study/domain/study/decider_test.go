package study

import (
	"encoding/json"
	"testing"
	"time"

	apperrors "github.com/clinprecision/clinops/internal/platform/errors"
	"github.com/clinprecision/clinops/internal/services/study/domain/command"
	"github.com/clinprecision/clinops/internal/services/study/domain/event"
)

var fixedNow = func() time.Time { return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC) }

func cmd(t *testing.T, cmdType command.Type, payload any) command.Command {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return command.Command{StreamID: "study-1", Type: cmdType, ActorID: "user-1", RequestID: "req-1", PayloadJSON: data}
}

func rawCmd(cmdType command.Type, payload string) command.Command {
	return command.Command{StreamID: "study-1", Type: cmdType, ActorID: "user-1", PayloadJSON: []byte(payload)}
}

func createdState() State {
	return State{Created: true, StreamID: "study-1", Status: StatusPlanning, Details: Details{Name: "Trial"}, Version: InitialVersion}
}

func requireRejection(t *testing.T, decision command.Decision, wantCode string, wantClass apperrors.Code) {
	t.Helper()
	if !decision.Rejected() {
		t.Fatalf("expected rejection %s, got events %+v", wantCode, decision.Events)
	}
	got := decision.Rejections[0]
	if got.Code != wantCode {
		t.Fatalf("rejection code = %s, want %s", got.Code, wantCode)
	}
	err := RejectionError(got)
	if apperrors.CodeOf(err) != wantClass {
		t.Fatalf("error code = %s, want %s", apperrors.CodeOf(err), wantClass)
	}
	if apperrors.MetadataOf(err, "reason") != wantCode {
		t.Fatalf("reason metadata = %q", apperrors.MetadataOf(err, "reason"))
	}
}

func requireEvents(t *testing.T, decision command.Decision, types ...event.Type) {
	t.Helper()
	if decision.Rejected() {
		t.Fatalf("unexpected rejection: %+v", decision.Rejections)
	}
	if len(decision.Events) != len(types) {
		t.Fatalf("events = %d, want %d", len(decision.Events), len(types))
	}
	for i, want := range types {
		if decision.Events[i].Type != want {
			t.Fatalf("event %d type = %s, want %s", i, decision.Events[i].Type, want)
		}
	}
}

func TestDecideCreateNormalizesPayload(t *testing.T) {
	decision := Decide(State{}, cmd(t, CommandCreate, CreatePayload{
		Details:      Details{Name: "  Trial  ", PhaseCode: "phase_2"},
		LegacyKey:    42,
		Associations: []Association{{OrganizationID: " org-1 ", Role: "sponsor", IsPrimary: true}},
	}), fixedNow)
	requireEvents(t, decision, EventCreated)

	evt := decision.Events[0]
	if evt.StreamID != "study-1" || evt.ActorID != "user-1" || evt.CausationID != "req-1" {
		t.Fatalf("envelope not copied: %+v", evt)
	}
	if !evt.Timestamp.Equal(fixedNow()) {
		t.Fatalf("timestamp = %v", evt.Timestamp)
	}
	var payload CreatePayload
	if err := json.Unmarshal(evt.PayloadJSON, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Name != "Trial" || payload.PhaseCode != "PHASE_2" {
		t.Fatalf("details not normalized: %+v", payload.Details)
	}
	if payload.StudyType != DefaultStudyType || payload.Version != InitialVersion {
		t.Fatalf("defaults missing: %+v", payload)
	}
	if len(payload.Associations) != 1 || payload.Associations[0].Role != RoleSponsor || payload.Associations[0].OrganizationID != "org-1" {
		t.Fatalf("associations = %+v", payload.Associations)
	}
}

func TestDecideCreateRejections(t *testing.T) {
	requireRejection(t, Decide(State{}, cmd(t, CommandCreate, CreatePayload{}), fixedNow),
		RejectionNameRequired, apperrors.CodeValidation)
	requireRejection(t, Decide(createdState(), cmd(t, CommandCreate, CreatePayload{Details: Details{Name: "x"}}), fixedNow),
		RejectionStudyAlreadyExists, apperrors.CodeDuplicateStream)
	requireRejection(t, Decide(State{}, cmd(t, CommandCreate, CreatePayload{Details: Details{Name: "x", StartDate: "2026-05-01", EndDate: "2026-04-01"}}), fixedNow),
		RejectionFieldInvalid, apperrors.CodeValidation)
	requireRejection(t, Decide(State{}, cmd(t, CommandCreate, CreatePayload{Details: Details{Name: "x"}, Associations: []Association{{OrganizationID: "org", Role: "owner"}}}), fixedNow),
		RejectionAssociationInvalid, apperrors.CodeValidation)

	missingStream := rawCmd(CommandCreate, `{"name":"x"}`)
	missingStream.StreamID = " "
	requireRejection(t, Decide(State{}, missingStream, fixedNow), RejectionFieldInvalid, apperrors.CodeValidation)
}

func TestDecideRequiresCreatedStudy(t *testing.T) {
	for _, cmdType := range []command.Type{CommandUpdate, CommandChangeStatus, CommandSuspend, CommandComplete, CommandWithdraw} {
		requireRejection(t, Decide(State{}, rawCmd(cmdType, `{}`), fixedNow), RejectionStudyNotCreated, apperrors.CodePrecondition)
	}
}

func TestDecideUpdate(t *testing.T) {
	t.Run("empty update", func(t *testing.T) {
		requireRejection(t, Decide(createdState(), rawCmd(CommandUpdate, `{}`), fixedNow), RejectionUpdateEmpty, apperrors.CodeValidation)
	})
	t.Run("present empty name", func(t *testing.T) {
		requireRejection(t, Decide(createdState(), rawCmd(CommandUpdate, `{"name":"  "}`), fixedNow), RejectionNameRequired, apperrors.CodeValidation)
	})
	t.Run("locked", func(t *testing.T) {
		state := createdState()
		state.Status = StatusCompleted
		state.Locked = true
		requireRejection(t, Decide(state, rawCmd(CommandUpdate, `{"notes":"late"}`), fixedNow), RejectionLocked, apperrors.CodeAggregateLocked)
	})
	t.Run("explicit clear is kept", func(t *testing.T) {
		decision := Decide(createdState(), rawCmd(CommandUpdate, `{"notes":""}`), fixedNow)
		requireEvents(t, decision, EventUpdated)
		if string(decision.Events[0].PayloadJSON) != `{"notes":""}` {
			t.Fatalf("payload = %s", decision.Events[0].PayloadJSON)
		}
	})
	t.Run("associations emit second event", func(t *testing.T) {
		decision := Decide(createdState(), rawCmd(CommandUpdate, `{"sponsor":"Acme","organization_associations":[{"organization_id":"org-2","role":"cro"}]}`), fixedNow)
		requireEvents(t, decision, EventUpdated, EventAssociationsChanged)
	})
	t.Run("associations only", func(t *testing.T) {
		decision := Decide(createdState(), rawCmd(CommandUpdate, `{"organization_associations":[]}`), fixedNow)
		requireEvents(t, decision, EventAssociationsChanged)
	})
}

func TestDecideChangeAssociationsWhenLocked(t *testing.T) {
	state := createdState()
	state.Status = StatusWithdrawn
	state.Locked = true
	requireRejection(t, Decide(state, rawCmd(CommandChangeAssociations, `{"organization_associations":[]}`), fixedNow),
		RejectionLocked, apperrors.CodeAggregateLocked)
}

func TestDecideChangeStatus(t *testing.T) {
	decision := Decide(createdState(), cmd(t, CommandChangeStatus, ChangeStatusPayload{Status: "active"}), fixedNow)
	requireEvents(t, decision, EventStatusChanged)
	var payload StatusChangedPayload
	if err := json.Unmarshal(decision.Events[0].PayloadJSON, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.From != StatusPlanning || payload.To != StatusActive {
		t.Fatalf("payload = %+v", payload)
	}

	requireRejection(t, Decide(createdState(), cmd(t, CommandChangeStatus, ChangeStatusPayload{Status: "COMPLETED"}), fixedNow),
		RejectionStatusTransition, apperrors.CodeInvalidTransition)
	requireRejection(t, Decide(createdState(), cmd(t, CommandChangeStatus, ChangeStatusPayload{Status: "paused"}), fixedNow),
		RejectionStatusInvalid, apperrors.CodeValidation)

	terminated := createdState()
	terminated.Status = StatusTerminated
	terminated.Locked = true
	requireRejection(t, Decide(terminated, cmd(t, CommandChangeStatus, ChangeStatusPayload{Status: "ACTIVE"}), fixedNow),
		RejectionStatusTransition, apperrors.CodeInvalidTransition)
}

func TestDecideNarrowLifecycleCommands(t *testing.T) {
	active := createdState()
	active.Status = StatusActive
	suspended := createdState()
	suspended.Status = StatusSuspended

	requireEvents(t, Decide(active, rawCmd(CommandSuspend, `{"reason":"safety review"}`), fixedNow), EventSuspended)
	requireRejection(t, Decide(active, rawCmd(CommandSuspend, `{}`), fixedNow), RejectionReasonRequired, apperrors.CodePrecondition)
	requireRejection(t, Decide(createdState(), rawCmd(CommandSuspend, `{"reason":"x"}`), fixedNow), RejectionStatusPrecondition, apperrors.CodePrecondition)

	requireEvents(t, Decide(suspended, rawCmd(CommandResume, `{}`), fixedNow), EventResumed)
	requireRejection(t, Decide(active, rawCmd(CommandResume, `{}`), fixedNow), RejectionStatusPrecondition, apperrors.CodePrecondition)

	requireEvents(t, Decide(suspended, rawCmd(CommandTerminate, `{"reason":"futility"}`), fixedNow), EventTerminated)
	requireEvents(t, Decide(active, rawCmd(CommandTerminate, `{"reason":"futility"}`), fixedNow), EventTerminated)
	requireRejection(t, Decide(active, rawCmd(CommandTerminate, `{}`), fixedNow), RejectionReasonRequired, apperrors.CodePrecondition)
	requireRejection(t, Decide(createdState(), rawCmd(CommandTerminate, `{"reason":"x"}`), fixedNow), RejectionStatusPrecondition, apperrors.CodePrecondition)

	requireEvents(t, Decide(createdState(), rawCmd(CommandWithdraw, `{"reason":"funding"}`), fixedNow), EventWithdrawn)
	requireRejection(t, Decide(active, rawCmd(CommandWithdraw, `{"reason":"funding"}`), fixedNow), RejectionStatusPrecondition, apperrors.CodePrecondition)
}

func TestDecideCompleteDefaultsDate(t *testing.T) {
	active := createdState()
	active.Status = StatusActive

	decision := Decide(active, rawCmd(CommandComplete, `{}`), fixedNow)
	requireEvents(t, decision, EventCompleted)
	var payload CompletePayload
	if err := json.Unmarshal(decision.Events[0].PayloadJSON, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.CompletionDate != "2026-03-14" {
		t.Fatalf("completion date = %q", payload.CompletionDate)
	}

	requireRejection(t, Decide(createdState(), rawCmd(CommandComplete, `{}`), fixedNow), RejectionStatusPrecondition, apperrors.CodePrecondition)
	requireRejection(t, Decide(active, rawCmd(CommandComplete, `{"completion_date":"14/03/2026"}`), fixedNow), RejectionFieldInvalid, apperrors.CodeValidation)
}

func TestDecideTerminalStudiesRejectEveryCommand(t *testing.T) {
	commands := []command.Command{
		rawCmd(CommandCreate, `{"name":"Again"}`),
		rawCmd(CommandUpdate, `{"notes":"late"}`),
		rawCmd(CommandChangeAssociations, `{"organization_associations":[{"organization_id":"org-2","role":"cro"}]}`),
		rawCmd(CommandChangeStatus, `{"status":"ACTIVE"}`),
		rawCmd(CommandChangeStatus, `{"status":"SUSPENDED","reason":"review"}`),
		rawCmd(CommandSuspend, `{"reason":"review"}`),
		rawCmd(CommandResume, `{}`),
		rawCmd(CommandComplete, `{"completion_date":"2026-03-14"}`),
		rawCmd(CommandTerminate, `{"reason":"futility"}`),
		rawCmd(CommandWithdraw, `{"reason":"funding"}`),
	}
	for _, status := range []Status{StatusCompleted, StatusTerminated, StatusWithdrawn} {
		state := createdState()
		state.Status = status
		state.Locked = true
		for _, c := range commands {
			t.Run(string(status)+"/"+string(c.Type), func(t *testing.T) {
				decision := Decide(state, c, fixedNow)
				if !decision.Rejected() {
					t.Fatalf("%s accepted on %s study: %+v", c.Type, status, decision.Events)
				}
				if len(decision.Events) != 0 {
					t.Fatalf("rejected decision carries events: %+v", decision.Events)
				}
			})
		}
	}
}
