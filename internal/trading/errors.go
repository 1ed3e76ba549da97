package trading

import (
	"errors"
	"fmt"
)

var (
	// ErrOrderNotFound means the order id does not exist.
	ErrOrderNotFound = errors.New("order not found")

	// ErrConflict is a transient concurrency failure (another execution in
	// flight, or a lock wait timed out). The call is safe to retry: the
	// claim transition guarantees the financial logic runs at most once.
	ErrConflict = errors.New("order execution conflict, retry")

	// ErrOrderRejected means the order reached FAILED: a business rule was
	// violated under lock and the failure was recorded with zero financial
	// side effects.
	ErrOrderRejected = errors.New("order rejected")
)

// Failure reasons recorded on rejected orders
const (
	ReasonInsufficientFunds    = "insufficient funds"
	ReasonInsufficientHoldings = "insufficient holdings"
)

// ValidationError reports a caller fault found at order intake.
// Nothing is persisted when intake returns one.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
