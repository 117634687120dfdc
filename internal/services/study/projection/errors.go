package projection

import (
	"errors"
	"fmt"

	apperrors "github.com/clinprecision/clinops/internal/platform/errors"
)

// ErrProjectionLag indicates an event arrived before the row it modifies.
// It is retryable: redelivery succeeds once the created event is applied.
var ErrProjectionLag = apperrors.New(apperrors.CodeProjectionLag, "projection row does not exist yet")

// ErrEngineRunning is returned by operations that need exclusive access to
// the read store while the engine is delivering.
var ErrEngineRunning = errors.New("projection engine is running")

// permanentError marks an event that can never be applied, such as a
// malformed payload. The engine logs and skips it.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(format string, args ...any) error {
	return &permanentError{err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether retrying the event cannot succeed.
func IsPermanent(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	return apperrors.CodeOf(err).Permanent()
}
