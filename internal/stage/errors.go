package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies which stage an error belongs to.
type Kind string

const (
	KindInvalidDate Kind = "invalid_date"
	KindSource      Kind = "source_error"
	KindStorage     Kind = "storage_error"
	KindAnalysis    Kind = "analysis_error"
	KindRender      Kind = "render_error"
	KindDelivery    Kind = "delivery_error"
)

// Cause is the machine-readable reason carried by a failed Result.
type Cause string

const (
	CauseAuth                 Cause = "auth_error"
	CauseRateLimited          Cause = "rate_limited"
	CauseTransport            Cause = "transport_error"
	CauseUpstream             Cause = "upstream_error"
	CauseDecode               Cause = "decode_error"
	CauseConfig               Cause = "config_error"
	CauseTimeout              Cause = "timeout"
	CauseStorage              Cause = "storage_error"
	CauseNumeric              Cause = "numeric_error"
	CauseNarrativeUnavailable Cause = "narrative_unavailable"
	CauseRender               Cause = "render_error"
	CauseDelivery             Cause = "delivery_error"
	CauseInternal             Cause = "internal_error"
)

// ErrNoRecipient is returned when delivery is attempted without a recipient.
var ErrNoRecipient = errors.New("no recipient configured")

// Error is the error type produced at stage boundaries.
type Error struct {
	Kind  Kind
	Cause Cause
	// Op names the failing operation (e.g. "google_ads fetch").
	Op  string
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Cause))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an *Error of the given kind and cause.
func New(k Kind, c Cause, op string, err error) *Error {
	return &Error{Kind: k, Cause: c, Op: op, Err: err}
}

func Errorf(k Kind, c Cause, format string, args ...any) *Error {
	return &Error{Kind: k, Cause: c, Err: fmt.Errorf(format, args...)}
}

// AsError returns err as an *Error. Errors that are not already typed get the
// default cause for k, except context cancellation which maps to timeout.
// A typed error without a Kind is copied, never modified: it may be shared
// between goroutines.
func AsError(k Kind, err error) *Error {
	if err == nil {
		return &Error{Kind: k, Cause: defaultCause(k), Err: errors.New("unspecified failure")}
	}
	var se *Error
	if errors.As(err, &se) {
		if se.Kind == "" {
			cp := *se
			cp.Kind = k
			return &cp
		}
		return se
	}
	return &Error{Kind: k, Cause: CauseOf(err, defaultCause(k)), Err: err}
}

// CauseOf extracts the cause of err, falling back to def.
func CauseOf(err error, def Cause) Cause {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Cause
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CauseTimeout
	}
	return def
}

func defaultCause(k Kind) Cause {
	switch k {
	case KindSource:
		return CauseTransport
	case KindStorage:
		return CauseStorage
	case KindAnalysis:
		return CauseNumeric
	case KindRender:
		return CauseRender
	case KindDelivery:
		return CauseDelivery
	default:
		return CauseInternal
	}
}
