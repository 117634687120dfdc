package study

import (
	"errors"
	"testing"

	"github.com/clinprecision/clinops/internal/services/study/domain/command"
	"github.com/clinprecision/clinops/internal/services/study/domain/event"
)

// run decides each command against the folded state, numbering events like a
// journal would.
func run(t *testing.T, commands ...command.Command) State {
	t.Helper()
	var state State
	for _, c := range commands {
		decision := Decide(state, c, fixedNow)
		if decision.Rejected() {
			t.Fatalf("%s rejected: %+v", c.Type, decision.Rejections)
		}
		for _, evt := range decision.Events {
			evt.Seq = state.LastSeq + 1
			next, err := Fold(state, evt)
			if err != nil {
				t.Fatalf("fold %s: %v", evt.Type, err)
			}
			state = next
		}
	}
	return state
}

func TestFoldTransitionSequences(t *testing.T) {
	create := rawCmd(CommandCreate, `{"name":"Trial","legacy_key":7,"organization_associations":[{"organization_id":"org-1","role":"SITE"}]}`)

	cases := []struct {
		name       string
		commands   []command.Command
		wantStatus Status
		wantLocked bool
	}{
		{"created", []command.Command{create}, StatusPlanning, false},
		{"activated", []command.Command{create, rawCmd(CommandChangeStatus, `{"status":"ACTIVE"}`)}, StatusActive, false},
		{"suspend and resume", []command.Command{
			create,
			rawCmd(CommandChangeStatus, `{"status":"ACTIVE"}`),
			rawCmd(CommandSuspend, `{"reason":"audit"}`),
			rawCmd(CommandResume, `{}`),
		}, StatusActive, false},
		{"completed", []command.Command{create, rawCmd(CommandChangeStatus, `{"status":"ACTIVE"}`), rawCmd(CommandComplete, `{"completion_date":"2026-12-01"}`)}, StatusCompleted, true},
		{"terminated from suspended", []command.Command{
			create,
			rawCmd(CommandChangeStatus, `{"status":"ACTIVE"}`),
			rawCmd(CommandChangeStatus, `{"status":"SUSPENDED"}`),
			rawCmd(CommandTerminate, `{"reason":"sponsor exit"}`),
		}, StatusTerminated, true},
		{"withdrawn", []command.Command{create, rawCmd(CommandWithdraw, `{"reason":"no funding"}`)}, StatusWithdrawn, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			state := run(t, tc.commands...)
			if state.Status != tc.wantStatus || state.Locked != tc.wantLocked {
				t.Fatalf("state = %s locked=%v, want %s locked=%v", state.Status, state.Locked, tc.wantStatus, tc.wantLocked)
			}
			if state.LastSeq != uint64(len(tc.commands)) {
				t.Fatalf("last seq = %d, want %d", state.LastSeq, len(tc.commands))
			}
			if state.LegacyKey != 7 || len(state.Associations) != 1 {
				t.Fatalf("created fields lost: %+v", state)
			}
		})
	}
}

func TestFoldCompletionSetsEndDate(t *testing.T) {
	state := run(t,
		rawCmd(CommandCreate, `{"name":"Trial","start_date":"2026-01-01"}`),
		rawCmd(CommandChangeStatus, `{"status":"ACTIVE"}`),
		rawCmd(CommandComplete, `{"completion_date":"2026-06-30"}`),
	)
	if state.Details.EndDate != "2026-06-30" {
		t.Fatalf("end date = %q", state.Details.EndDate)
	}
}

func TestFoldTerminalEventTwiceIsIdempotent(t *testing.T) {
	state := createdState()
	state.Status = StatusActive
	evt := event.Event{StreamID: "study-1", Seq: 3, Type: EventTerminated, PayloadJSON: []byte(`{"reason":"x"}`)}

	once, err := Fold(state, evt)
	if err != nil {
		t.Fatalf("first fold: %v", err)
	}
	twice, err := Fold(once, evt)
	if err != nil {
		t.Fatalf("second fold: %v", err)
	}
	if !twice.Locked || twice.Status != StatusTerminated || twice.StatusReason != "x" {
		t.Fatalf("state = %+v", twice)
	}
}

func TestFoldUpdateAppliesOnlyPresentFields(t *testing.T) {
	state := createdState()
	state.Details.Sponsor = "Acme"
	state.Details.Notes = "keep?"
	next, err := Fold(state, event.Event{Seq: 2, Type: EventUpdated, PayloadJSON: []byte(`{"notes":""}`)})
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	if next.Details.Sponsor != "Acme" || next.Details.Notes != "" {
		t.Fatalf("details = %+v", next.Details)
	}
}

func TestFoldRejectsForeignStreams(t *testing.T) {
	_, err := Fold(State{}, event.Event{Seq: 1, Type: "subject.enrolled", PayloadJSON: []byte(`{}`)})
	if !errors.Is(err, ErrForeignEvent) {
		t.Fatalf("err = %v, want ErrForeignEvent", err)
	}
	_, err = Fold(State{}, event.Event{Seq: 1, Type: EventUpdated, PayloadJSON: []byte(`{}`)})
	if !errors.Is(err, ErrForeignEvent) {
		t.Fatalf("err = %v, want ErrForeignEvent", err)
	}
}

func TestNewRegistriesAcceptDecidedEvents(t *testing.T) {
	commands, events, err := NewRegistries()
	if err != nil {
		t.Fatalf("registries: %v", err)
	}
	if len(commands.Types()) != 9 || len(events.Types()) != 9 {
		t.Fatalf("types = %d commands, %d events", len(commands.Types()), len(events.Types()))
	}
	decision := Decide(State{}, rawCmd(CommandCreate, `{"name":"Trial"}`), fixedNow)
	if _, err := events.ValidateForAppend(decision.Events[0]); err != nil {
		t.Fatalf("validate created: %v", err)
	}
}
