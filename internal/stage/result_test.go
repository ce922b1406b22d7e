package stage

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestResultVariants(t *testing.T) {
	s := Success(3)
	if !s.OK() || s.Payload != 3 || s.Reason() != "" || s.Cause() != "" {
		t.Fatalf("unexpected success: %+v", s)
	}

	p := Partial(2, "one source failed")
	if !p.OK() || p.Reason() != "one source failed" {
		t.Fatalf("unexpected partial: %+v", p)
	}

	f := Failure[int](KindSource, New(KindSource, CauseAuth, "meta_ads fetch", errors.New("token expired")))
	if f.OK() {
		t.Fatalf("failure must not be OK")
	}
	if f.Payload != 0 {
		t.Fatalf("failure payload must be zero, got %d", f.Payload)
	}
	if f.Cause() != CauseAuth {
		t.Fatalf("cause = %q", f.Cause())
	}
	if f.Reason() != "meta_ads fetch: auth_error: token expired" {
		t.Fatalf("reason = %q", f.Reason())
	}
}

func TestFailure_PlainErrorGetsDefaultCause(t *testing.T) {
	tests := []struct {
		kind Kind
		err  error
		want Cause
	}{
		{KindSource, errors.New("boom"), CauseTransport},
		{KindStorage, errors.New("disk full"), CauseStorage},
		{KindAnalysis, errors.New("nan"), CauseNumeric},
		{KindRender, errors.New("template"), CauseRender},
		{KindDelivery, errors.New("smtp"), CauseDelivery},
		{KindDelivery, fmt.Errorf("send: %w", context.DeadlineExceeded), CauseTimeout},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind)+"/"+string(tt.want), func(t *testing.T) {
			r := Failure[string](tt.kind, tt.err)
			if r.Err.Kind != tt.kind {
				t.Fatalf("kind = %q", r.Err.Kind)
			}
			if r.Cause() != tt.want {
				t.Fatalf("cause = %q, want %q", r.Cause(), tt.want)
			}
			if !errors.Is(r.Err, tt.err) {
				t.Fatalf("expected wrapped error to be preserved")
			}
		})
	}
}

func TestFailure_WrappedTypedErrorKeepsCause(t *testing.T) {
	inner := New(KindSource, CauseRateLimited, "google_ads fetch", nil)
	r := Failure[int](KindSource, fmt.Errorf("extract: %w", inner))
	if r.Cause() != CauseRateLimited {
		t.Fatalf("cause = %q", r.Cause())
	}
}

func TestDegrade(t *testing.T) {
	r := Success("body").Degrade("workbook unavailable")
	if r.Outcome != OutcomePartial || r.Warning != "workbook unavailable" {
		t.Fatalf("unexpected: %+v", r)
	}
	r = r.Degrade("second")
	if r.Warning != "workbook unavailable; second" {
		t.Fatalf("warning = %q", r.Warning)
	}

	f := Failure[string](KindRender, errors.New("x")).Degrade("ignored")
	if f.Outcome != OutcomeFailure || f.Warning != "" {
		t.Fatalf("failure must be unchanged: %+v", f)
	}
}

func TestAsError_DoesNotModifySharedError(t *testing.T) {
	shared := &Error{Cause: CauseAuth, Op: "meta_ads fetch", Err: errors.New("token expired")}

	got := AsError(KindSource, fmt.Errorf("wrapped: %w", shared))
	if got.Kind != KindSource || got.Cause != CauseAuth || got.Op != "meta_ads fetch" {
		t.Fatalf("unexpected error: %+v", got)
	}
	if got == shared {
		t.Fatalf("expected a copy, got the shared error")
	}
	if shared.Kind != "" {
		t.Fatalf("shared error was modified: Kind=%q", shared.Kind)
	}

	typed := &Error{Kind: KindStorage, Cause: CauseStorage}
	if AsError(KindSource, typed) != typed {
		t.Fatalf("an error that already has a Kind should be returned as is")
	}
}
