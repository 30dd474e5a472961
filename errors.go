package devicelab

import (
	stderrors "errors"
	"fmt"
)

// BuildRetrievalError means fetching the build failed. The invocation aborts
// without producing a test result.
type BuildRetrievalError struct {
	Cause error
}

func (e *BuildRetrievalError) Error() string {
	return fmt.Sprintf("build retrieval failed: %v", e.Cause)
}

func (e *BuildRetrievalError) Unwrap() error { return e.Cause }

// BuildError means the build itself is bad, discovered during setup. It is
// reported as an invocation failure but deliberately excluded from the
// retriable-unit reschedule path: a bad build is not blindly retried.
type BuildError struct {
	Message string
	Cause   error
}

func (e *BuildError) Error() string {
	if e.Cause == nil {
		return "build error: " + e.Message
	}
	return fmt.Sprintf("build error: %s: %v", e.Message, e.Cause)
}

func (e *BuildError) Unwrap() error { return e.Cause }

// SetupError means target preparation failed for environmental reasons.
// Device liveness is re-checked after it is reported.
type SetupError struct {
	Message string
	Cause   error
}

func (e *SetupError) Error() string {
	if e.Cause == nil {
		return "target setup error: " + e.Message
	}
	return fmt.Sprintf("target setup error: %s: %v", e.Message, e.Cause)
}

func (e *SetupError) Unwrap() error { return e.Cause }

// IsBuildError reports whether err wraps a BuildError.
func IsBuildError(err error) bool {
	var be *BuildError
	return stderrors.As(err, &be)
}

// IsBuildRetrievalError reports whether err wraps a BuildRetrievalError.
func IsBuildRetrievalError(err error) bool {
	var bre *BuildRetrievalError
	return stderrors.As(err, &bre)
}

// IsSetupError reports whether err wraps a SetupError.
func IsSetupError(err error) bool {
	var se *SetupError
	return stderrors.As(err, &se)
}
