// Package errs declares the error taxonomy shared by the optimization core.
//
// Call sites wrap these sentinels with fmt.Errorf("...: %w", err) and callers
// match them with errors.Is. None of them is fatal to the process.
package errs

import (
	"errors"
	"fmt"
	"math"
)

// Input errors. Always surfaced to the caller, never recovered locally.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrShapeMismatch    = errors.New("shape mismatch")
	ErrEmptyScoreVector = errors.New("empty score vector")
)

// Numerical errors.
var (
	ErrRankDegenerate = errors.New("matrix has no usable rank")
)

// Feedback errors. Rejected at the boundary, never enter learning state.
var (
	ErrValueOutOfRange = errors.New("value out of range")
)

// Cache errors. Every waiter on a failed in-flight computation receives
// an error wrapping this sentinel together with the underlying cause.
var (
	ErrCacheComputation = errors.New("cache computation failed")
)

// CheckFinite returns ErrInvalidInput if any value is NaN or ±Inf.
// name identifies the offending argument in the error message.
func CheckFinite(name string, values []float64) error {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s[%d] is not finite (%v)", ErrInvalidInput, name, i, v)
		}
	}
	return nil
}

// IsFinite reports whether v is neither NaN nor ±Inf.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
