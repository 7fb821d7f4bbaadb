// Package proc runs external tools (yt-dlp, ffmpeg) with a hard deadline.
//
// A run ends in one of three ways: the process exits, the per-command
// timeout fires, or the caller's context is done. In the latter two cases
// the whole process group receives SIGTERM, then SIGKILL after a grace
// period, and Run only returns once the process has been reaped.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"
)

const (
	terminationGracePeriod = 5 * time.Second
	maxStderrBytes         = 64 * 1024
	maxStdoutBytes         = 8 * 1024 * 1024
)

// ErrTimeout is returned when Command.Timeout elapses. It wraps
// context.DeadlineExceeded.
var ErrTimeout = fmt.Errorf("process timed out: %w", context.DeadlineExceeded)

// Command describes one invocation.
type Command struct {
	Path    string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// Result captures what the process produced. Output is truncated.
type Result struct {
	Stdout   []byte
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// ExitError reports a non-zero exit status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("process exited with status %d", e.Code)
}

// Runner runs a Command to completion.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner is the os/exec backed Runner.
type ExecRunner struct {
	logger *slog.Logger
	grace  time.Duration
}

var _ Runner = (*ExecRunner)(nil)

func NewExecRunner(logger *slog.Logger) *ExecRunner {
	return &ExecRunner{logger: logger, grace: terminationGracePeriod}
}

// WithGrace overrides the SIGTERM to SIGKILL grace period.
func (r *ExecRunner) WithGrace(d time.Duration) *ExecRunner {
	r.grace = d
	return r
}

// Run starts cmd and waits for it. The context is honoured even though the
// command is not built with exec.CommandContext: termination is escalated
// by hand so children get a chance to flush partial files.
func (r *ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var timeoutC <-chan time.Time
	if c.Timeout > 0 {
		timer := time.NewTimer(c.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = c.Env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := &cappedBuffer{limit: maxStdoutBytes}
	stderr := &cappedBuffer{limit: maxStderrBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger := r.logger.With("tool", c.Path)
	logger.Debug("spawning process", "args", c.Args, "timeout", c.Timeout)

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start process: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	result := func() Result {
		return Result{
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.String(),
			ExitCode: exitCode(cmd),
			Duration: time.Since(started),
		}
	}

	select {
	case <-timeoutC:
		logger.Warn("process timed out, sending SIGTERM", "timeout", c.Timeout)
		r.terminate(cmd, waitErr, logger)
		return result(), ErrTimeout

	case <-ctx.Done():
		// The caller's budget is already spent, so there is no grace left.
		logger.Warn("process cancelled, sending SIGKILL", "reason", ctx.Err())
		kill(cmd, waitErr, logger)
		return result(), ctx.Err()

	case err := <-waitErr:
		res := result()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				logger.Debug("process exited with non-zero status", "exit_code", exitErr.ExitCode())
				return res, &ExitError{Code: exitErr.ExitCode()}
			}
			return res, fmt.Errorf("wait for process: %w", err)
		}
		return res, nil
	}
}

func (r *ExecRunner) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(r.grace)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("process exited after SIGTERM")
	case <-grace.C:
		logger.Warn("process did not exit after SIGTERM, sending SIGKILL")
		kill(cmd, waitErr, logger)
	}
}

// kill sends SIGKILL to the whole process group and reaps the child.
func kill(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		logger.Error("failed to send SIGKILL", "error", err)
	}
	<-waitErr
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

// cappedBuffer keeps the first limit bytes and silently drops the rest so a
// chatty tool can never exhaust memory.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte  { return bytes.Clone(b.buf.Bytes()) }
func (b *cappedBuffer) String() string { return b.buf.String() }
