package computation

import (
	"errors"
	"fmt"
)

// SkipError marks a record failure as permanent: the condition will not
// resolve itself (invalid argument, already-deleted target), so the record
// is logged, counted as skipped, and checkpointed without retry.
type SkipError struct {
	Err error
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("record skipped: %v", e.Err)
}

func (e *SkipError) Unwrap() error {
	return e.Err
}

// Skip wraps err so the runtime treats the record as permanently failed.
func Skip(err error) error {
	if err == nil {
		return nil
	}
	return &SkipError{Err: err}
}

// IsSkip reports whether err (or anything it wraps) is a SkipError.
func IsSkip(err error) bool {
	var se *SkipError
	return errors.As(err, &se)
}
