// Package errors provides structured, code-carrying errors shared by the
// study services.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Command errors
	CodeValidation        Code = "VALIDATION_FAILED"
	CodeInvalidTransition Code = "INVALID_STATUS_TRANSITION"
	CodePrecondition      Code = "PRECONDITION_FAILED"
	CodeAggregateLocked   Code = "AGGREGATE_LOCKED"

	// Stream errors
	CodeConcurrentModification Code = "CONCURRENT_MODIFICATION"
	CodeDuplicateStream        Code = "DUPLICATE_STREAM"
	CodeForeignStream          Code = "FOREIGN_STREAM"
	CodeIntegrity              Code = "EVENT_INTEGRITY_VIOLATION"

	// Projection errors
	CodeProjectionTimeout Code = "PROJECTION_TIMEOUT"
	CodeProjectionLag     Code = "PROJECTION_LAG"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// Retryable reports whether an operation that failed with this code may
// succeed when attempted again without changing its input.
func (c Code) Retryable() bool {
	switch c {
	case CodeConcurrentModification, CodeProjectionTimeout, CodeProjectionLag:
		return true
	default:
		return false
	}
}

// Permanent reports whether the code describes a business-rule or input
// failure the caller must fix.
func (c Code) Permanent() bool {
	switch c {
	case CodeValidation, CodeInvalidTransition, CodePrecondition, CodeAggregateLocked, CodeForeignStream:
		return true
	default:
		return false
	}
}
