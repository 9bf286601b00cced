package execx

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunCapturesStdout(t *testing.T) {
	r := Runner{}
	out, err := r.Run(context.Background(), "echo", "hello")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if out != "hello" {
		t.Fatalf("Run() = %q, want %q", out, "hello")
	}
}

func TestRunFailureIncludesStderr(t *testing.T) {
	r := Runner{}
	_, err := r.Run(context.Background(), "sh", "-c", "echo boom >&2; exit 3")
	if err == nil {
		t.Fatal("expected error")
	}
	var xerr *Error
	if !errors.As(err, &xerr) {
		t.Fatalf("error type = %T, want *Error", err)
	}
	if xerr.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", xerr.ExitCode)
	}
	if !xerr.ContainsStderr("boom") {
		t.Errorf("stderr %q should contain boom", xerr.Stderr)
	}
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	r := Runner{Timeout: 100 * time.Millisecond}
	start := time.Now()
	_, err := r.Run(context.Background(), "sleep", "10")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("process not killed promptly, took %v", elapsed)
	}
}
