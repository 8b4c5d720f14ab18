// Package shutdown coordinates graceful shutdown of the backup server: new
// runs are refused, in-flight runs get a grace period, and temp files left
// by interrupted runs are removed.
package shutdown

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// State represents the current shutdown state.
type State string

const (
	// StateRunning indicates the server is running normally.
	StateRunning State = "running"
	// StateDraining indicates the server is waiting for in-flight runs and not accepting new ones.
	StateDraining State = "draining"
	// StateCleaning indicates leftover temp files are being removed.
	StateCleaning State = "cleaning"
	// StateComplete indicates shutdown is complete.
	StateComplete State = "complete"
)

// Status represents the current shutdown status.
type Status struct {
	State            State         `json:"state"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	TimeRemaining    time.Duration `json:"time_remaining,omitempty"`
	RunningBackups   int           `json:"running_backups"`
	RemovedFiles     int           `json:"removed_files"`
	AcceptingNewJobs bool          `json:"accepting_new_jobs"`
	Message          string        `json:"message,omitempty"`
}

// Config holds configuration for the shutdown manager.
type Config struct {
	// Timeout is the maximum time to wait for in-flight runs.
	Timeout time.Duration

	// PollInterval is how often the run count is checked while waiting.
	PollInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		PollInterval: time.Second,
	}
}

// Manager coordinates graceful shutdown of the backup server.
type Manager struct {
	config        Config
	tracker       *Tracker
	logger        zerolog.Logger
	mu            sync.RWMutex
	state         State
	startedAt     *time.Time
	removed       int32
	acceptingJobs atomic.Bool
	doneCh        chan struct{}
	shutdownOnce  sync.Once
}

// NewManager creates a new shutdown manager.
func NewManager(config Config, tracker *Tracker, logger zerolog.Logger) *Manager {
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	m := &Manager{
		config:  config,
		tracker: tracker,
		logger:  logger.With().Str("component", "shutdown_manager").Logger(),
		state:   StateRunning,
		doneCh:  make(chan struct{}),
	}
	m.acceptingJobs.Store(true)
	return m
}

// IsAcceptingJobs returns true if the server is accepting new backup runs.
func (m *Manager) IsAcceptingJobs() bool {
	return m.acceptingJobs.Load()
}

// GetState returns the current shutdown state.
func (m *Manager) GetState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// GetStatus returns the current shutdown status.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := Status{
		State:            m.state,
		StartedAt:        m.startedAt,
		RemovedFiles:     int(atomic.LoadInt32(&m.removed)),
		AcceptingNewJobs: m.acceptingJobs.Load(),
	}

	if m.tracker != nil {
		status.RunningBackups = m.tracker.RunningCount()
	}

	if m.startedAt != nil {
		remaining := m.config.Timeout - time.Since(*m.startedAt)
		if remaining > 0 {
			status.TimeRemaining = remaining
		}
	}

	switch m.state {
	case StateRunning:
		status.Message = "Server is running normally"
	case StateDraining:
		status.Message = "Waiting for running backups, not accepting new runs"
	case StateCleaning:
		status.Message = "Removing leftover temp files"
	case StateComplete:
		status.Message = "Shutdown complete"
	}

	return status
}

// Shutdown stops accepting runs, waits for in-flight runs up to the
// configured timeout and removes leftover temp files. It is safe to call
// more than once; only the first call does any work.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.doShutdown(ctx)
	})
	return nil
}

func (m *Manager) doShutdown(ctx context.Context) {
	m.logger.Info().Dur("timeout", m.config.Timeout).Msg("initiating graceful shutdown")

	now := time.Now()
	m.mu.Lock()
	m.startedAt = &now
	m.state = StateDraining
	m.mu.Unlock()

	m.acceptingJobs.Store(false)
	m.logger.Info().Msg("stopped accepting new backup runs")

	if m.tracker != nil {
		waitCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
		m.waitForRuns(waitCtx)
		cancel()

		m.mu.Lock()
		m.state = StateCleaning
		m.mu.Unlock()
		atomic.StoreInt32(&m.removed, int32(m.tracker.RemoveAll()))
	}

	m.mu.Lock()
	m.state = StateComplete
	m.mu.Unlock()
	close(m.doneCh)

	m.logger.Info().
		Dur("duration", time.Since(now)).
		Int("removed_files", int(atomic.LoadInt32(&m.removed))).
		Msg("graceful shutdown complete")
}

// waitForRuns returns when no runs are in flight or ctx is done.
func (m *Manager) waitForRuns(ctx context.Context) {
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		running := m.tracker.RunningCount()
		if running == 0 {
			m.logger.Info().Msg("all backup runs completed")
			return
		}

		m.logger.Info().Int("running_backups", running).Msg("waiting for running backups to complete")

		select {
		case <-ctx.Done():
			m.logger.Warn().Int("running_backups", running).Msg("shutdown timeout reached with backups still running")
			return
		case <-ticker.C:
		}
	}
}

// Done returns a channel that is closed when shutdown is complete.
func (m *Manager) Done() <-chan struct{} {
	return m.doneCh
}
