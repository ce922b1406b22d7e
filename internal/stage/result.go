package stage

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failure"
)

// Result is the outcome of one pipeline stage.
//
// Exactly one variant is populated:
//   - Success: Payload is set.
//   - Partial: Payload is set and Warning explains what was degraded.
//   - Failure: Err is set and Payload is the zero value.
type Result[T any] struct {
	Outcome Outcome
	Payload T
	Warning string
	Err     *Error
}

func Success[T any](payload T) Result[T] {
	return Result[T]{Outcome: OutcomeSuccess, Payload: payload}
}

func Partial[T any](payload T, warning string) Result[T] {
	return Result[T]{Outcome: OutcomePartial, Payload: payload, Warning: warning}
}

// Failure converts err into a failed Result. A plain error is wrapped as an
// *Error of kind k so the cause is always machine-readable.
func Failure[T any](k Kind, err error) Result[T] {
	return Result[T]{Outcome: OutcomeFailure, Err: AsError(k, err)}
}

// OK reports whether the stage produced a usable payload.
func (r Result[T]) OK() bool {
	return r.Outcome == OutcomeSuccess || r.Outcome == OutcomePartial
}

// Cause returns the machine-readable failure cause, or "" when the stage did
// not fail.
func (r Result[T]) Cause() Cause {
	if r.Err == nil {
		return ""
	}
	return r.Err.Cause
}

// Reason is a human-readable explanation of a non-success outcome.
func (r Result[T]) Reason() string {
	switch r.Outcome {
	case OutcomePartial:
		return r.Warning
	case OutcomeFailure:
		if r.Err != nil {
			return r.Err.Error()
		}
		return "unknown failure"
	default:
		return ""
	}
}

// Degrade turns a Success into a Partial carrying warning. Partial results
// accumulate warnings; failures are returned unchanged.
func (r Result[T]) Degrade(warning string) Result[T] {
	switch r.Outcome {
	case OutcomeSuccess:
		return Partial(r.Payload, warning)
	case OutcomePartial:
		if r.Warning == "" {
			r.Warning = warning
		} else if warning != "" {
			r.Warning = r.Warning + "; " + warning
		}
		return r
	default:
		return r
	}
}
