package services_test

import (
	"errors"
	"strings"
	"testing"

	"motionstill/internal/queue"
	"motionstill/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrExternalTool, "tagging", "stamp", "failed", base)
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
	for _, fragment := range []string{"tagging", "stamp", "failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestFailureStatusMapping(t *testing.T) {
	validationErr := services.Wrap(services.ErrValidation, "converting", "classify", "ambiguous tables", nil)
	if status := services.FailureStatus(validationErr); status != queue.StatusSkipped {
		t.Fatalf("expected skipped for validation error, got %s", status)
	}

	notFoundErr := services.Wrap(services.ErrNotFound, "converting", "open", "source missing", nil)
	if status := services.FailureStatus(notFoundErr); status != queue.StatusSkipped {
		t.Fatalf("expected skipped for not-found error, got %s", status)
	}

	toolErr := services.Wrap(services.ErrExternalTool, "converting", "flatten", "codec exited", errors.New("io"))
	if status := services.FailureStatus(toolErr); status != queue.StatusFailed {
		t.Fatalf("expected failed for tool error, got %s", status)
	}

	if status := services.FailureStatus(nil); status != queue.StatusFailed {
		t.Fatalf("expected failed for nil error, got %s", status)
	}
}
