package study

import (
	apperrors "github.com/clinprecision/clinops/internal/platform/errors"
	"github.com/clinprecision/clinops/internal/services/study/domain/command"
)

const (
	RejectionStudyAlreadyExists = "STUDY_ALREADY_EXISTS"
	RejectionStudyNotCreated    = "STUDY_NOT_CREATED"
	RejectionNameRequired       = "STUDY_NAME_REQUIRED"
	RejectionFieldInvalid       = "STUDY_FIELD_INVALID"
	RejectionPayloadInvalid     = "STUDY_PAYLOAD_INVALID"
	RejectionUpdateEmpty        = "STUDY_UPDATE_EMPTY"
	RejectionAssociationInvalid = "STUDY_ASSOCIATION_INVALID"
	RejectionStatusInvalid      = "STUDY_INVALID_STATUS"
	RejectionStatusTransition   = "STUDY_INVALID_STATUS_TRANSITION"
	RejectionStatusPrecondition = "STUDY_STATUS_PRECONDITION"
	RejectionReasonRequired     = "STUDY_REASON_REQUIRED"
	RejectionLocked             = "STUDY_LOCKED"
	RejectionCommandUnsupported = "STUDY_COMMAND_UNSUPPORTED"
)

var rejectionCodes = map[string]apperrors.Code{
	RejectionStudyAlreadyExists: apperrors.CodeDuplicateStream,
	RejectionStudyNotCreated:    apperrors.CodePrecondition,
	RejectionNameRequired:       apperrors.CodeValidation,
	RejectionFieldInvalid:       apperrors.CodeValidation,
	RejectionPayloadInvalid:     apperrors.CodeValidation,
	RejectionUpdateEmpty:        apperrors.CodeValidation,
	RejectionAssociationInvalid: apperrors.CodeValidation,
	RejectionStatusInvalid:      apperrors.CodeValidation,
	RejectionStatusTransition:   apperrors.CodeInvalidTransition,
	RejectionStatusPrecondition: apperrors.CodePrecondition,
	RejectionReasonRequired:     apperrors.CodePrecondition,
	RejectionLocked:             apperrors.CodeAggregateLocked,
	RejectionCommandUnsupported: apperrors.CodeValidation,
}

var (
	// ErrForeignEvent indicates a stream carrying events of another aggregate.
	ErrForeignEvent = apperrors.New(apperrors.CodeForeignStream, "stream does not belong to a study")
)

// RejectionError converts a decider rejection into a taxonomy error. The
// rejection code is kept in the "reason" metadata entry.
func RejectionError(r command.Rejection) error {
	code, ok := rejectionCodes[r.Code]
	if !ok {
		code = apperrors.CodePrecondition
	}
	message := r.Message
	if message == "" {
		message = r.Code
	}
	return apperrors.WithMetadata(code, message, map[string]string{"reason": r.Code})
}
