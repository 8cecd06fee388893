package errors

import (
	stdErrors "errors"
	"fmt"
	"log/slog"
	"testing"
)

func TestWrapKeepsCodeAndCause(t *testing.T) {
	cause := stdErrors.New("dial tcp: connection refused")
	err := Wrap(CodeUnavailable, cause, "list tasks")

	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to be reachable")
	}
	if CodeOf(fmt.Errorf("outer: %w", err)) != CodeUnavailable {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !RetryableError(err) {
		t.Fatalf("unavailable errors should be retryable")
	}
	if !ShouldSurface(err) {
		t.Fatalf("unavailable errors should surface from explicit actions")
	}
}

func TestSentinelMatchesByCode(t *testing.T) {
	sentinel := New(CodeNotFound, "task not found")
	err := Wrap(CodeNotFound, stdErrors.New("404"), "lookup")
	if !stdErrors.Is(err, sentinel) {
		t.Fatalf("expected errors.Is to match on code")
	}
	if stdErrors.Is(New(CodeUnavailable, ""), sentinel) {
		t.Fatalf("different codes must not match")
	}
}

func TestOverridesAndRegistry(t *testing.T) {
	Register("TEST_CODE", Attributes{Message: "test", Severity: SeverityInfo, Retryable: true})
	err := New("TEST_CODE", "", WithRetryable(false), WithSurface(true), WithSeverity(SeverityCritical), WithMetadata("task_id", "t1"))

	if err.Message() != "test" {
		t.Fatalf("expected registered message, got %q", err.Message())
	}
	if err.Retryable() {
		t.Fatalf("override should disable retry")
	}
	if !err.Surface() || err.Severity() != SeverityCritical {
		t.Fatalf("unexpected overrides: surface=%v severity=%s", err.Surface(), err.Severity())
	}
	if err.Metadata()["task_id"] != "t1" {
		t.Fatalf("metadata missing: %+v", err.Metadata())
	}
	if AttributesOf("MISSING").Message != "unknown error" {
		t.Fatalf("expected unknown fallback")
	}
	if ShouldSurface(nil) {
		t.Fatalf("nil error must not surface")
	}
}

func TestLogLevelFollowsSeverity(t *testing.T) {
	cases := map[string]struct {
		err  error
		want slog.Level
	}{
		"nil":         {err: nil, want: slog.LevelInfo},
		"not found":   {err: New(CodeNotFound, ""), want: slog.LevelInfo},
		"unavailable": {err: Wrap(CodeUnavailable, stdErrors.New("refused"), "list"), want: slog.LevelWarn},
		"override":    {err: New(CodeNotFound, "", WithSeverity(SeverityCritical)), want: slog.LevelError},
		"plain":       {err: stdErrors.New("boom"), want: slog.LevelError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := LogLevel(tc.err); got != tc.want {
				t.Fatalf("unexpected level: got %s want %s", got, tc.want)
			}
		})
	}
}
