package services_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"podthumb/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrExternalTool, "headshot", "generate", "failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"headshot", "generate", "failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("expected fallback detail, got %q", err.Error())
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", services.Wrap(services.ErrTransient, "compose", "generate", "rate limited", nil), true},
		{"timeout", fmt.Errorf("call: %w", services.ErrTimeout), true},
		{"validation", services.Wrap(services.ErrValidation, "compose", "validate", "empty image", nil), false},
		{"canceled", fmt.Errorf("%w: %w", services.ErrTransient, context.Canceled), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := services.IsRetryable(tc.err); got != tc.want {
				t.Fatalf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestDetailsKind(t *testing.T) {
	err := services.Wrap(services.ErrValidation, "sampling", "extract", "no frames", nil)
	details := services.Details(err)
	if details.Kind != "validation" {
		t.Fatalf("expected validation kind, got %q", details.Kind)
	}
	if !strings.Contains(details.Message, "no frames") {
		t.Fatalf("unexpected message %q", details.Message)
	}
	if got := services.Details(nil); got.Kind != "" {
		t.Fatalf("expected empty details for nil, got %+v", got)
	}
}
