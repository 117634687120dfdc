package study

import (
	"github.com/clinprecision/clinops/internal/services/study/domain/command"
	"github.com/clinprecision/clinops/internal/services/study/domain/event"
)

const (
	CommandCreate             command.Type = "study.create"
	CommandUpdate             command.Type = "study.update"
	CommandChangeAssociations command.Type = "study.change_associations"
	CommandChangeStatus       command.Type = "study.change_status"
	CommandSuspend            command.Type = "study.suspend"
	CommandResume             command.Type = "study.resume"
	CommandComplete           command.Type = "study.complete"
	CommandTerminate          command.Type = "study.terminate"
	CommandWithdraw           command.Type = "study.withdraw"

	EventCreated             event.Type = "study.created"
	EventUpdated             event.Type = "study.updated"
	EventAssociationsChanged event.Type = "study.associations_changed"
	EventStatusChanged       event.Type = "study.status_changed"
	EventSuspended           event.Type = "study.suspended"
	EventResumed             event.Type = "study.resumed"
	EventCompleted           event.Type = "study.completed"
	EventTerminated          event.Type = "study.terminated"
	EventWithdrawn           event.Type = "study.withdrawn"
)

// TerminalEvent reports whether an event moves a study into a terminal status.
func TerminalEvent(t event.Type) bool {
	return t == EventCompleted || t == EventTerminated || t == EventWithdrawn
}
