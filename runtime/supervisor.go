package runtime

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pithecene-io/oaiharvest/log"
	"github.com/pithecene-io/oaiharvest/types"
)

// Supervisor holds the cooperative pause and stop requests of the process
// supervisor. The run consults it only at checkpoints: between sources,
// between stages and before uploading. In-flight tool calls are never
// interrupted by it.
type Supervisor struct {
	logger *log.Logger

	mu      sync.Mutex
	paused  bool
	stopped bool
	changed chan struct{}
}

// NewSupervisor creates a supervisor in the running state.
func NewSupervisor(logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Nop()
	}
	return &Supervisor{logger: logger, changed: make(chan struct{})}
}

// notifyLocked wakes every waiting checkpoint. Caller must hold s.mu.
func (s *Supervisor) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Pause makes the next checkpoint block until Resume or Stop.
func (s *Supervisor) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused || s.stopped {
		return
	}
	s.paused = true
	s.notifyLocked()
	s.logger.Info("pause requested", nil)
}

// Resume releases a paused run.
func (s *Supervisor) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	s.notifyLocked()
	s.logger.Info("resume requested", nil)
}

// Stop makes every later checkpoint return types.ErrStopRequested.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.notifyLocked()
	s.logger.Info("stop requested", nil)
}

// Stopped reports whether Stop was called.
func (s *Supervisor) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Paused reports whether the run is paused.
func (s *Supervisor) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Checkpoint returns nil when the run may proceed. It blocks while paused
// and returns types.ErrStopRequested once a stop was requested or ctx ends
// while paused.
func (s *Supervisor) Checkpoint(ctx context.Context) error {
	if s == nil {
		return nil
	}
	for {
		s.mu.Lock()
		stopped, paused, ch := s.stopped, s.paused, s.changed
		s.mu.Unlock()

		switch {
		case stopped:
			return types.ErrStopRequested
		case !paused:
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("%w while paused: %w", types.ErrStopRequested, ctx.Err())
		}
	}
}

// Handle applies a supervisor signal: SIGUSR1 pauses, SIGUSR2 resumes,
// SIGINT and SIGTERM stop.
func (s *Supervisor) Handle(sig os.Signal) {
	switch sig {
	case syscall.SIGUSR1:
		s.Pause()
	case syscall.SIGUSR2:
		s.Resume()
	case syscall.SIGINT, syscall.SIGTERM:
		s.Stop()
	}
}

// Watch forwards process signals to Handle until ctx is done or the
// returned function is called.
func (s *Supervisor) Watch(ctx context.Context) func() {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case sig := <-sigCh:
				s.Handle(sig)
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		cancel()
		<-done
	}
}
