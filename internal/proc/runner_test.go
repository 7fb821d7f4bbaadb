package proc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/drapik/tg-stream-bot/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	if err := os.WriteFile(path, []byte("#!/bin/bash\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func newRunner() *ExecRunner {
	return NewExecRunner(log.Get()).WithGrace(500 * time.Millisecond)
}

func TestRunSuccess(t *testing.T) {
	script := writeScript(t, `echo "out:$1"; echo "warn" >&2`)

	res, err := newRunner().Run(context.Background(), Command{Path: script, Args: []string{"hello"}, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if strings.TrimSpace(string(res.Stdout)) != "out:hello" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "warn" {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	script := writeScript(t, `echo "ERROR: Video unavailable" >&2; exit 3`)

	res, err := newRunner().Run(context.Background(), Command{Path: script, Timeout: 5 * time.Second})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Run() error = %v, want *ExitError", err)
	}
	if exitErr.Code != 3 {
		t.Errorf("exit code = %d, want 3", exitErr.Code)
	}
	if !strings.Contains(res.Stderr, "Video unavailable") {
		t.Errorf("stderr not captured: %q", res.Stderr)
	}
}

func TestRunTimeout(t *testing.T) {
	// exec replaces bash so SIGTERM reaches sleep directly.
	script := writeScript(t, `exec sleep 30`)

	start := time.Now()
	_, err := newRunner().Run(context.Background(), Command{Path: script, Timeout: 200 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Run() error = %v, want ErrTimeout", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("ErrTimeout should wrap context.DeadlineExceeded")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}
}

func TestRunEscalatesToSIGKILL(t *testing.T) {
	script := writeScript(t, `trap '' TERM; while true; do sleep 0.1; done`)

	start := time.Now()
	_, err := newRunner().Run(context.Background(), Command{Path: script, Timeout: 100 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Run() error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("SIGKILL escalation took too long: %v", elapsed)
	}
}

func TestRunContextCancel(t *testing.T) {
	script := writeScript(t, `exec sleep 30`)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err := newRunner().Run(ctx, Command{Path: script, Timeout: 10 * time.Second})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want context deadline", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("caller deadline must not be reported as the per-command timeout")
	}
}

func TestRunContextDeadlineSkipsGrace(t *testing.T) {
	script := writeScript(t, `trap '' TERM; sleep 30`)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewExecRunner(log.Get()).Run(ctx, Command{Path: script})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want context deadline", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("process outlived the caller deadline by %v", elapsed-300*time.Millisecond)
	}
}

func TestRunAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := newRunner().Run(ctx, Command{Path: "/bin/true"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}

func TestRunMissingBinary(t *testing.T) {
	_, err := newRunner().Run(context.Background(), Command{Path: filepath.Join(t.TempDir(), "nope")})
	if err == nil || !strings.Contains(err.Error(), "start process") {
		t.Fatalf("Run() error = %v, want start failure", err)
	}
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 4}
	n, err := b.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	_, _ = b.Write([]byte("gh"))
	if b.String() != "abcd" {
		t.Errorf("buffer = %q, want abcd", b.String())
	}
}
