package orchestrator

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a lease or job id lookup finds nothing: the
// lease was not found or has expired in renew, or the job id is absent in
// a direct lookup.
var ErrNotFound = errors.New("orchestrator: not found")

// ErrInternal wraps unexpected database failures, serialization failures,
// schema mismatches, and invalid enum values read back from the store.
var ErrInternal = errors.New("orchestrator: internal error")

// Internalf builds an ErrInternal-wrapped error with a formatted message.
func Internalf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInternal}, args...)...)
}
