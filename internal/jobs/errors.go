package jobs

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrUnknownJobType is returned by Dispatch when no handler is registered.
var ErrUnknownJobType = errors.New("unknown job type")

// ValidationError marks a job that can never succeed, so it must not be retried.
type ValidationError struct {
	JobType JobType
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.JobType == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed for %s: %s", e.JobType, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(jobType JobType, format string, args ...any) error {
	return &ValidationError{JobType: jobType, Reason: fmt.Sprintf(format, args...)}
}

// IsPermanent reports whether err should skip the retry schedule entirely.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var ve *ValidationError
	return errors.As(err, &ve) || errors.Is(err, ErrUnknownJobType)
}
