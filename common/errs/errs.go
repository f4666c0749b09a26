package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies failures for retry and degradation decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindUnavailable
	KindTimeout
	KindLowConfidence
	KindGuardrail
	KindRateLimited
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindUnavailable:
		return "collaborator_unavailable"
	case KindTimeout:
		return "collaborator_timeout"
	case KindLowConfidence:
		return "low_confidence"
	case KindGuardrail:
		return "guardrail_triggered"
	case KindRateLimited:
		return "rate_limited"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind may be retried.
func (k Kind) Retryable() bool {
	return k == KindUnavailable || k == KindTimeout
}

// Error carries a Kind, the failing operation and the cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind so errors.Is(err, errs.InvalidInput) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	InvalidInput  = &Error{Kind: KindInvalidInput}
	Unavailable   = &Error{Kind: KindUnavailable}
	Timeout       = &Error{Kind: KindTimeout}
	LowConfidence = &Error{Kind: KindLowConfidence}
	Guardrail     = &Error{Kind: KindGuardrail}
	RateLimited   = &Error{Kind: KindRateLimited}
)

// E builds a classified error.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Invalidf builds an InvalidInput error.
func Invalidf(op, format string, args ...any) error {
	return &Error{Kind: KindInvalidInput, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf classifies err. Deadlines and net timeouts are timeouts; other
// unclassified errors are treated as an unavailable collaborator.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindUnavailable
}

// Classify wraps a collaborator error with the kind KindOf assigns, keeping
// an existing classification.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindOf(err), Op: op, Err: err}
}
