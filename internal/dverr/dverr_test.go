package dverr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorMessage(t *testing.T) {
	e := New(CodeInvalidValue, "top must be positive")
	if got := e.Error(); got != "InvalidValue: top must be positive" {
		t.Errorf("Error() = %q", got)
	}
	withTarget := e.WithTarget("top")
	if got := withTarget.Error(); got != "InvalidValue: top must be positive (top)" {
		t.Errorf("Error() with target = %q", got)
	}
	if e.Target != "" {
		t.Error("WithTarget must not mutate the receiver")
	}
}

func TestIsMatchesOnCode(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", New(CodeThrottled, "slow down"))
	if !errors.Is(wrapped, New(CodeThrottled, "")) {
		t.Error("errors.Is should match on code through wrapping")
	}
	if errors.Is(wrapped, New(CodeTransient, "")) {
		t.Error("different codes must not match")
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, ""},
		{"direct", New(CodeNotFound, "x"), CodeNotFound},
		{"wrapped", fmt.Errorf("ctx: %w", New(CodeAuthFailed, "x")), CodeAuthFailed},
		{"cancellation", context.Canceled, CodeCancelled},
		{"deadline", context.DeadlineExceeded, CodeCancelled},
		{"unclassified", errors.New("boom"), CodeFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code Code
		want Category
	}{
		{CodeInvalidFetchXml, CategoryInput},
		{CodeValidationFailed, CategoryInput},
		{CodePoolClosed, CategoryState},
		{CodeCyclicSchema, CategoryState},
		{CodeThrottled, CategoryRemote},
		{CodeAuthFailed, CategoryRemote},
		{CodeCancelled, CategoryControl},
		{CodeFatal, CategoryControl},
	}
	for _, tt := range tests {
		if got := Classify(New(tt.code, "x")); got != tt.want {
			t.Errorf("Classify(%s) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(New(CodeThrottled, "x")) || !Retryable(New(CodeTransient, "x")) {
		t.Error("throttled and transient are retryable")
	}
	for _, code := range []Code{CodeAuthFailed, CodeQueryFailed, CodeCancelled, CodeValidationFailed} {
		if Retryable(New(code, "x")) {
			t.Errorf("%s must not be retryable", code)
		}
	}
}

func TestThrottledRetryAfter(t *testing.T) {
	e := Throttled("busy", 42*time.Second)
	if got := RetryAfterOf(fmt.Errorf("outer: %w", e)); got != 42*time.Second {
		t.Errorf("RetryAfterOf = %v", got)
	}
	if got := RetryAfterOf(New(CodeThrottled, "no hint")); got != 0 {
		t.Errorf("missing hint should be 0, got %v", got)
	}
	if got := RetryAfterOf(errors.New("plain")); got != 0 {
		t.Errorf("plain error should be 0, got %v", got)
	}
}

func TestWrapPreservesChain(t *testing.T) {
	inner := errors.New("socket closed")
	e := Wrap(CodeTransient, "request failed", inner)
	if !errors.Is(e, inner) {
		t.Error("wrapped cause must remain reachable")
	}
}
