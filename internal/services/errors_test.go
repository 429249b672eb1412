package services_test

import (
	"errors"
	"strings"
	"testing"

	"intake/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrTransient, "dms", "upload", "request failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"dms", "upload", "request failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "tracker", "save", "write failed", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected nil marker to default to transient, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		expect services.Kind
	}{
		{"validation", services.Wrap(services.ErrValidation, "clinical", "validate", "missing column", nil), services.KindValidation},
		{"notFound", services.Wrap(services.ErrNotFound, "identity", "resolve", "no subject", nil), services.KindNotFound},
		{"conflict", services.Wrap(services.ErrConflict, "dms", "create", "duplicate", nil), services.KindConflict},
		{"timeout", services.Wrap(services.ErrTimeout, "dms", "lookup", "deadline", nil), services.KindTimeout},
		{"transient", services.Wrap(services.ErrTransient, "dms", "lookup", "503", nil), services.KindTransient},
		{"configuration", services.Wrap(services.ErrConfiguration, "config", "load", "bad path", nil), services.KindConfiguration},
		{"auth", services.Wrap(services.ErrAuth, "dms", "login", "rejected", nil), services.KindAuth},
		{"unmarked", errors.New("mystery"), services.KindUnknown},
		{"nil", nil, services.KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := services.Classify(tc.err); got != tc.expect {
				t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.expect)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if services.Retryable(services.Wrap(services.ErrValidation, "clinical", "validate", "bad header", nil)) {
		t.Fatal("validation errors must not be retryable")
	}
	if services.Retryable(services.Wrap(services.ErrConfiguration, "config", "load", "missing dir", nil)) {
		t.Fatal("configuration errors must not be retryable")
	}
	if !services.Retryable(services.Wrap(services.ErrTransient, "dms", "upload", "reset", nil)) {
		t.Fatal("transient errors must be retryable")
	}
	if !services.Retryable(errors.New("unmarked")) {
		t.Fatal("unmarked errors are treated as retryable")
	}
}

func TestExtractStripsSentinelPrefix(t *testing.T) {
	base := errors.New("connection reset")
	err := services.Wrap(services.ErrTransient, "dms", "lookup", "batch call", base)
	d := services.Extract(err)
	if d.Kind != services.KindTransient {
		t.Fatalf("expected transient kind, got %s", d.Kind)
	}
	if strings.HasPrefix(d.Message, services.ErrTransient.Error()) {
		t.Fatalf("expected sentinel prefix stripped, got %q", d.Message)
	}
	if !strings.Contains(d.Message, "batch call") {
		t.Fatalf("expected message detail retained, got %q", d.Message)
	}
}
