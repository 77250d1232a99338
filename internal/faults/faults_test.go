package faults_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/atlas-desktop/weekly-trader/internal/faults"
)

func TestClassOf(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want faults.Class
	}{
		{"unclassified", cause, faults.ClassRetryable},
		{"retryable", faults.Retryable("op", cause), faults.ClassRetryable},
		{"degraded", faults.Degraded("op", cause), faults.ClassDegraded},
		{"safety", faults.SafetyCritical("op", cause), faults.ClassSafetyCritical},
		{"fatal", faults.Fatal("op", cause), faults.ClassFatal},
		{"wrapped fatal", fmt.Errorf("outer: %w", faults.Fatal("op", cause)), faults.ClassFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := faults.ClassOf(tt.err); got != tt.want {
				t.Errorf("ClassOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestConstructorsPassNilThrough(t *testing.T) {
	if err := faults.Retryable("op", nil); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	if err := faults.Fatal("op", nil); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestSentinels(t *testing.T) {
	err := fmt.Errorf("place order: %w", faults.ErrGatewayUnavailable)
	if !errors.Is(err, faults.ErrGatewayUnavailable) {
		t.Error("expected wrapped sentinel to match")
	}
	if !faults.IsRetryable(err) {
		t.Error("gateway unavailable should be retryable")
	}
	if errors.Is(err, faults.ErrReconnectExhausted) {
		t.Error("different sentinels must not match")
	}
	if !faults.IsFatal(faults.ErrReconnectExhausted) {
		t.Error("reconnect exhausted should be fatal")
	}
}

func TestUnwrapReachesCause(t *testing.T) {
	cause := errors.New("socket closed")
	err := faults.Degraded("quote", cause)
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to reach the cause")
	}
	if got := err.Error(); got != "degraded: quote: socket closed" {
		t.Errorf("unexpected message %q", got)
	}
	if faults.IsRetryable(nil) || faults.IsFatal(nil) {
		t.Error("nil is neither retryable nor fatal")
	}
}

func TestClassifyKeepsExistingClass(t *testing.T) {
	cause := errors.New("rejected")

	inner := fmt.Errorf("buy ZZZZ: %w", faults.Degraded("alpaca", cause))
	err := faults.Classify(faults.ClassRetryable, "place order", inner)
	if faults.ClassOf(err) != faults.ClassDegraded || faults.IsRetryable(err) {
		t.Errorf("expected degraded to survive, got %s (%v)", faults.ClassOf(err), err)
	}
	if !errors.Is(err, cause) {
		t.Error("cause should stay reachable")
	}

	err = faults.Classify(faults.ClassRetryable, "place order", cause)
	if !faults.IsRetryable(err) {
		t.Errorf("unclassified error should take the given class, got %s", faults.ClassOf(err))
	}
	if faults.Classify(faults.ClassFatal, "op", nil) != nil {
		t.Error("nil should pass through")
	}
}
