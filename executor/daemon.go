package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pithecene-io/oaiharvest/log"
	"github.com/pithecene-io/oaiharvest/metrics"
)

// DaemonConfig describes a long-lived helper process, such as a converter
// server that the convert stage talks to instead of spawning per file.
type DaemonConfig struct {
	// Argv is the daemon program and arguments.
	Argv []string
	// HealthURL is polled with GET; 200 means healthy. Empty falls back to
	// checking that the process is still alive.
	HealthURL string
	// StartTimeout bounds how long Start waits for the first healthy probe.
	StartTimeout time.Duration
}

// Daemon supervises one DaemonConfig process.
// Safe for concurrent use.
type Daemon struct {
	cfg     DaemonConfig
	logger  *log.Logger
	metrics *metrics.Collector
	client  *http.Client

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

// NewDaemon creates an unstarted daemon handle.
func NewDaemon(cfg DaemonConfig, logger *log.Logger, m *metrics.Collector) *Daemon {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	return &Daemon{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		client:  &http.Client{Timeout: 2 * time.Second},
	}
}

// Start launches the process and waits until it reports healthy.
// The process is not tied to ctx; only the wait for health is.
func (d *Daemon) Start(ctx context.Context) error {
	if len(d.cfg.Argv) == 0 {
		return errors.New("daemon: empty argv")
	}

	d.mu.Lock()
	if d.running() {
		d.mu.Unlock()
		return nil
	}
	cmd := exec.Command(d.cfg.Argv[0], d.cfg.Argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("daemon: start %s: %w", d.cfg.Argv[0], err)
	}
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	d.cmd, d.done = cmd, done
	d.mu.Unlock()

	if d.logger != nil {
		d.logger.Info("daemon started", map[string]any{"program": d.cfg.Argv[0], "pid": cmd.Process.Pid})
	}

	deadline := time.NewTimer(d.cfg.StartTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if d.Healthy() {
			return nil
		}
		select {
		case <-done:
			return fmt.Errorf("daemon: %s exited during startup", d.cfg.Argv[0])
		case <-deadline.C:
			d.Stop()
			return fmt.Errorf("daemon: %s not healthy after %s", d.cfg.Argv[0], d.cfg.StartTimeout)
		case <-ctx.Done():
			d.Stop()
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// running reports whether the process is alive. Caller holds d.mu.
func (d *Daemon) running() bool {
	if d.cmd == nil {
		return false
	}
	select {
	case <-d.done:
		return false
	default:
		return true
	}
}

// Healthy probes the daemon.
func (d *Daemon) Healthy() bool {
	d.mu.Lock()
	alive := d.running()
	d.mu.Unlock()
	if !alive {
		return false
	}
	if d.cfg.HealthURL == "" {
		return true
	}
	resp, err := d.client.Get(d.cfg.HealthURL)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// EnsureRunning restarts the daemon when the health probe fails.
func (d *Daemon) EnsureRunning(ctx context.Context) error {
	if d.Healthy() {
		return nil
	}
	if d.logger != nil {
		d.logger.Warn("daemon unhealthy, restarting", map[string]any{"program": d.cfg.Argv[0]})
	}
	d.metrics.IncDaemonRestart()
	d.Stop()
	return d.Start(ctx)
}

// Stop terminates the daemon: SIGTERM first, SIGKILL after five seconds.
func (d *Daemon) Stop() {
	d.mu.Lock()
	cmd, done := d.cmd, d.done
	d.cmd, d.done = nil, nil
	d.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
	}
}

// Pid returns the current process id, or 0 when not running.
func (d *Daemon) Pid() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running() {
		return 0
	}
	return d.cmd.Process.Pid
}
