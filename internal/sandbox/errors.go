package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrUnsupportedLanguage  = errors.New("unsupported language")
	ErrSubstrateUnavailable = errors.New("container runtime unavailable")
	ErrPersistence          = errors.New("execution record write failed")
	ErrInvalidRequest       = errors.New("invalid execution request")
	// ErrTimeout is informational: a timed-out run is a normal result and
	// Execute does not return it.
	ErrTimeout = errors.New("execution timed out")
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsPersistence reports whether err came from a record store write.
func IsPersistence(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// IsUnsupportedLanguage reports whether err names an unknown language.
func IsUnsupportedLanguage(err error) bool {
	return errors.Is(err, ErrUnsupportedLanguage)
}

// substrateError tags a driver failure with the operation that produced it.
// Its text ends up in the stderr of a failed execution.
func substrateError(op string, err error) error {
	return fmt.Errorf("%s: %w", op, err)
}
