package study

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/clinprecision/clinops/internal/services/study/domain/command"
	"github.com/clinprecision/clinops/internal/services/study/domain/event"
)

// RegisterCommands adds every study command to registry.
func RegisterCommands(registry *command.Registry) error {
	for _, t := range []command.Type{
		CommandCreate, CommandUpdate, CommandChangeAssociations, CommandChangeStatus,
		CommandSuspend, CommandResume, CommandComplete, CommandTerminate, CommandWithdraw,
	} {
		if err := registry.Register(command.Definition{Type: t}); err != nil {
			return fmt.Errorf("register %s: %w", t, err)
		}
	}
	return nil
}

// RegisterEvents adds every study event, with payload shape checks, to registry.
func RegisterEvents(registry *event.Registry) error {
	defs := []event.Definition{
		{Type: EventCreated, ValidatePayload: validateCreated},
		{Type: EventUpdated, ValidatePayload: decodeAs[UpdatedPayload]},
		{Type: EventAssociationsChanged, ValidatePayload: decodeAs[AssociationsPayload]},
		{Type: EventStatusChanged, ValidatePayload: validateStatusChanged},
		{Type: EventSuspended, ValidatePayload: decodeAs[ReasonPayload]},
		{Type: EventResumed, ValidatePayload: decodeAs[ReasonPayload]},
		{Type: EventCompleted, ValidatePayload: decodeAs[CompletePayload]},
		{Type: EventTerminated, ValidatePayload: decodeAs[ReasonPayload]},
		{Type: EventWithdrawn, ValidatePayload: decodeAs[ReasonPayload]},
	}
	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			return fmt.Errorf("register %s: %w", def.Type, err)
		}
	}
	return nil
}

// NewRegistries builds the command and event registries for the study service.
func NewRegistries() (*command.Registry, *event.Registry, error) {
	commands := command.NewRegistry()
	if err := RegisterCommands(commands); err != nil {
		return nil, nil, err
	}
	events := event.NewRegistry()
	if err := RegisterEvents(events); err != nil {
		return nil, nil, err
	}
	return commands, events, nil
}

func decodeAs[P any](raw json.RawMessage) error {
	var payload P
	return json.Unmarshal(raw, &payload)
}

func validateCreated(raw json.RawMessage) error {
	var payload CreatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if payload.Name == "" {
		return errors.New("created payload requires a name")
	}
	return nil
}

func validateStatusChanged(raw json.RawMessage) error {
	var payload StatusChangedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if _, ok := ParseStatus(string(payload.To)); !ok {
		return fmt.Errorf("unknown target status %q", payload.To)
	}
	return nil
}
