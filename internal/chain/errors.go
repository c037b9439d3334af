package chain

import (
	"errors"
	"fmt"
	"strings"
)

// SubmitReason classifies why a broadcast was rejected before inclusion.
type SubmitReason string

const (
	ReasonInsufficientGas SubmitReason = "insufficient_gas"
	ReasonNonceTooLow     SubmitReason = "nonce_too_low"
	ReasonUnderpriced     SubmitReason = "underpriced"
	ReasonUnknown         SubmitReason = "unknown"
)

// ReadError wraps a failed chain read. Reads are transient: callers skip
// the wallet for the current cycle and retry on the next one.
type ReadError struct {
	Op  string
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("chain read %s: %v", e.Op, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// ValidationError rejects malformed input before it reaches the registry.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SubmitError wraps a transaction rejected at broadcast. Terminal for the
// request that produced it; the next cycle re-evaluates from fresh state.
type SubmitError struct {
	Reason SubmitReason
	Err    error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit rejected (%s): %v", e.Reason, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// IsReadError reports whether err is (or wraps) a ReadError.
func IsReadError(err error) bool {
	var re *ReadError
	return errors.As(err, &re)
}

// classifySubmit maps raw RPC rejection text onto a SubmitReason. Node
// implementations disagree on exact wording, so this is substring based.
func classifySubmit(err error) SubmitReason {
	if err == nil {
		return ReasonUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "insufficient balance"):
		return ReasonInsufficientGas
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "already known"),
		strings.Contains(msg, "known transaction"):
		return ReasonNonceTooLow
	case strings.Contains(msg, "underpriced"),
		strings.Contains(msg, "transaction underpriced"),
		strings.Contains(msg, "fee too low"):
		return ReasonUnderpriced
	default:
		return ReasonUnknown
	}
}

func newSubmitError(err error) *SubmitError {
	return &SubmitError{Reason: classifySubmit(err), Err: err}
}
