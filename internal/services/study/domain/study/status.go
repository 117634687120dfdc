package study

import "strings"

// Status is the lifecycle label of a study.
type Status string

const (
	StatusUnspecified Status = ""
	StatusPlanning    Status = "PLANNING"
	StatusActive      Status = "ACTIVE"
	StatusSuspended   Status = "SUSPENDED"
	StatusCompleted   Status = "COMPLETED"
	StatusTerminated  Status = "TERMINATED"
	StatusWithdrawn   Status = "WITHDRAWN"
)

var transitions = map[Status][]Status{
	StatusPlanning:  {StatusActive, StatusWithdrawn},
	StatusActive:    {StatusSuspended, StatusCompleted, StatusTerminated},
	StatusSuspended: {StatusActive, StatusTerminated},
}

// ParseStatus canonicalizes a status label. Both "active" and
// "STUDY_STATUS_ACTIVE" spellings are accepted.
func ParseStatus(value string) (Status, bool) {
	upper := strings.ToUpper(strings.TrimSpace(value))
	upper = strings.TrimPrefix(upper, "STUDY_STATUS_")
	switch Status(upper) {
	case StatusPlanning, StatusActive, StatusSuspended, StatusCompleted, StatusTerminated, StatusWithdrawn:
		return Status(upper), true
	default:
		return StatusUnspecified, false
	}
}

// Terminal reports whether the status locks the aggregate.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusTerminated, StatusWithdrawn:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the lifecycle permits moving from one status
// to another. Terminal statuses accept nothing.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedTransitions lists the statuses reachable from s.
func AllowedTransitions(s Status) []Status {
	return append([]Status(nil), transitions[s]...)
}
