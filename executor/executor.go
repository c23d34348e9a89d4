// Package executor runs external tools (converters, extractors, filters,
// downloaders, uploaders) as subprocesses with file redirection, a timeout
// and an optional run-as user.
//
// Subprocesses are detached from supervisor cancellation: a stop request is
// honoured at the next checkpoint, never by killing a running tool. Each tool
// still dies at its own timeout.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/pithecene-io/oaiharvest/log"
	"github.com/pithecene-io/oaiharvest/metrics"
)

// DefaultTimeout applies when neither the command nor the invoker sets one.
const DefaultTimeout = 10 * time.Minute

// maxCapture bounds captured stdout/stderr kept in memory per invocation.
const maxCapture = 1 << 20

// Command describes one tool invocation.
type Command struct {
	// Name labels the invocation in logs; defaults to the program name.
	Name string
	// Argv is the program and its arguments. Argv[0] is resolved via PATH.
	Argv []string
	// Dir is the working directory; empty inherits the current one.
	Dir string
	// Env is appended to the inherited environment.
	Env []string
	// StdinFile, when set, is opened and connected to stdin.
	StdinFile string
	// StdoutFile, when set, receives stdout instead of the capture buffer.
	StdoutFile string
	// StderrFile, when set, also receives stderr. Result.Stderr keeps a
	// bounded copy either way.
	StderrFile string
	// Timeout overrides the invoker default.
	Timeout time.Duration
}

// Result is the outcome of a finished invocation.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	TimedOut bool
	Duration time.Duration
}

// OK reports whether the tool exited 0 within its timeout.
func (r Result) OK() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// Failure summarises a failed result for error messages.
func (r Result) Failure() string {
	if r.TimedOut {
		return fmt.Sprintf("timed out after %s", r.Duration.Round(time.Millisecond))
	}
	msg := strings.TrimSpace(string(r.Stderr))
	if len(msg) > 512 {
		msg = msg[:512] + "..."
	}
	if msg == "" {
		return fmt.Sprintf("exit code %d", r.ExitCode)
	}
	return fmt.Sprintf("exit code %d: %s", r.ExitCode, msg)
}

// Invoker runs commands with shared defaults.
type Invoker struct {
	// Timeout is the default per-invocation timeout.
	Timeout time.Duration
	// RunAs names the account tools run as. Empty keeps the current user.
	RunAs string
	// Logger receives one entry per invocation. Nil disables logging.
	Logger *log.Logger
	// Metrics receives invocation counters. Nil-safe.
	Metrics *metrics.Collector
}

// Run executes cmd and waits for it. The returned error is non-nil only when
// the process could not be started (missing binary, unreadable stdin file,
// unknown run-as user); a non-zero exit or timeout is reported in Result.
func (i *Invoker) Run(ctx context.Context, cmd Command) (Result, error) {
	if len(cmd.Argv) == 0 {
		return Result{}, errors.New("executor: empty argv")
	}
	name := cmd.Name
	if name == "" {
		name = cmd.Argv[0]
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = i.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	c := exec.CommandContext(runCtx, cmd.Argv[0], cmd.Argv[1:]...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	c.WaitDelay = 5 * time.Second
	// Own process group so a timeout takes down children of shell wrappers too.
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		if c.Process == nil {
			return nil
		}
		return syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
	}

	if i.RunAs != "" {
		cred, err := credentialFor(i.RunAs)
		if err != nil {
			i.Metrics.IncToolFailure()
			return Result{}, err
		}
		c.SysProcAttr.Credential = cred
	}

	if cmd.StdinFile != "" {
		f, err := os.Open(cmd.StdinFile)
		if err != nil {
			i.Metrics.IncToolFailure()
			return Result{}, fmt.Errorf("executor: open stdin for %s: %w", name, err)
		}
		defer func() { _ = f.Close() }()
		c.Stdin = f
	}

	stdout := &limitedBuffer{limit: maxCapture}
	if cmd.StdoutFile != "" {
		f, err := os.Create(cmd.StdoutFile)
		if err != nil {
			i.Metrics.IncToolFailure()
			return Result{}, fmt.Errorf("executor: create stdout for %s: %w", name, err)
		}
		defer func() { _ = f.Close() }()
		c.Stdout = f
	} else {
		c.Stdout = stdout
	}
	stderr := &limitedBuffer{limit: maxCapture}
	if cmd.StderrFile != "" {
		f, err := os.Create(cmd.StderrFile)
		if err != nil {
			i.Metrics.IncToolFailure()
			return Result{}, fmt.Errorf("executor: create stderr for %s: %w", name, err)
		}
		defer func() { _ = f.Close() }()
		c.Stderr = io.MultiWriter(f, stderr)
	} else {
		c.Stderr = stderr
	}

	i.Metrics.IncToolInvocation()
	start := time.Now()
	if err := c.Start(); err != nil {
		i.Metrics.IncToolFailure()
		return Result{}, fmt.Errorf("executor: start %s: %w", name, err)
	}
	waitErr := c.Wait()

	res := Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
		TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded),
	}
	res.ExitCode = exitCode(c, waitErr)

	switch {
	case res.TimedOut:
		i.Metrics.IncToolTimeout()
		i.Metrics.IncToolFailure()
	case res.ExitCode != 0:
		i.Metrics.IncToolFailure()
	}

	if i.Logger != nil {
		fields := map[string]any{
			"tool":        name,
			"exit_code":   res.ExitCode,
			"duration_ms": res.Duration.Milliseconds(),
		}
		if res.OK() {
			i.Logger.Debug("tool finished", fields)
		} else {
			fields["timed_out"] = res.TimedOut
			fields["stderr"] = truncate(string(res.Stderr), 2048)
			i.Logger.Warn("tool failed", fields)
		}
	}

	return res, nil
}

// exitCode derives the process exit code, -1 when killed by a signal.
func exitCode(c *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return -1
			}
			return status.ExitStatus()
		}
		return -1
	}
	if c.ProcessState != nil {
		return c.ProcessState.ExitCode()
	}
	return -1
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// limitedBuffer keeps at most limit bytes and discards the rest.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

var _ io.Writer = (*limitedBuffer)(nil)

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) Bytes() []byte {
	return b.buf.Bytes()
}
