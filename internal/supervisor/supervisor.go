// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package supervisor owns the Log Tailer's lifetime (spec.md §9's
// "cooperative async + subprocess orchestration" guidance): it restarts
// the tailer after an unexpected exit, but tracks crash frequency and
// stops auto-restarting once too many happen in one window, entering
// safe mode so an operator notices instead of the daemon spinning.
package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/spirock/sml/internal/logging"
)

const (
	// DefaultThreshold is the number of crashes before entering safe mode.
	DefaultThreshold = 3
	// DefaultWindow is the time window for counting crashes.
	DefaultWindow = 5 * time.Minute
	// StateFileName is the crash state persistence file, kept alongside
	// the model directory so it survives a daemon restart.
	StateFileName = "tailer_supervisor.state"
	// DefaultBackoff is the delay before restarting the tailer after a
	// non-safe-mode crash.
	DefaultBackoff = 2 * time.Second
)

// Config holds supervisor thresholds.
type Config struct {
	Threshold int
	Window    time.Duration
	Backoff   time.Duration
}

// DefaultConfig returns the default supervisor configuration.
func DefaultConfig() Config {
	return Config{Threshold: DefaultThreshold, Window: DefaultWindow, Backoff: DefaultBackoff}
}

// CrashEvent records one unexpected tailer exit.
type CrashEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// State holds persisted crash history.
type State struct {
	Events []CrashEvent `json:"events"`
}

// Runnable is the long-lived task the supervisor restarts; the Log
// Tailer satisfies this directly.
type Runnable interface {
	Run(ctx context.Context) error
}

// Supervisor restarts a Runnable on unexpected exit and tracks crash
// frequency to decide when to stop retrying.
type Supervisor struct {
	config   Config
	stateDir string
	state    State
	log      *logging.Logger
}

// New creates a Supervisor whose crash history is persisted under
// stateDir (best-effort; a read failure starts from empty history).
func New(stateDir string, config Config) *Supervisor {
	s := &Supervisor{
		config:   config,
		stateDir: stateDir,
		log:      logging.WithComponent("supervisor"),
	}
	_ = s.loadState()
	return s
}

// Run restarts target every time it returns a non-nil error, until ctx
// is canceled (clean shutdown, not a crash) or safe mode is entered.
// It returns nil on clean shutdown and the last error once safe mode
// is reached.
func (s *Supervisor) Run(ctx context.Context, target Runnable) error {
	for {
		err := target.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			// Clean exit without cancellation is still unexpected for a
			// long-lived task; record it so repeated early-returns still
			// trip safe mode.
			err = errCleanExit
		}

		if recordErr := s.RecordCrash(err.Error()); recordErr != nil {
			s.log.Warn("failed to persist crash state", "error", recordErr)
		}
		if s.ShouldEnterSafeMode() {
			s.log.Error("tailer crash threshold exceeded, entering safe mode", "last_error", err)
			return err
		}

		s.log.Warn("tailer exited unexpectedly, restarting", "error", err, "backoff", s.config.Backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.config.Backoff):
		}
	}
}

var errCleanExit = cleanExitError("tailer returned without error or cancellation")

type cleanExitError string

func (e cleanExitError) Error() string { return string(e) }

// ShouldEnterSafeMode reports whether too many crashes occurred within
// the configured window.
func (s *Supervisor) ShouldEnterSafeMode() bool {
	s.pruneOldEvents()
	return len(s.state.Events) >= s.config.Threshold
}

// RecordCrash records one crash and persists the updated history.
func (s *Supervisor) RecordCrash(reason string) error {
	s.state.Events = append(s.state.Events, CrashEvent{Timestamp: time.Now(), Reason: reason})
	s.pruneOldEvents()
	return s.saveState()
}

// Reset clears crash history, used after an operator resolves a safe-mode
// incident and restarts the daemon.
func (s *Supervisor) Reset() error {
	s.state.Events = nil
	return s.saveState()
}

func (s *Supervisor) pruneOldEvents() {
	cutoff := time.Now().Add(-s.config.Window)
	filtered := make([]CrashEvent, 0, len(s.state.Events))
	for _, e := range s.state.Events {
		if e.Timestamp.After(cutoff) {
			filtered = append(filtered, e)
		}
	}
	s.state.Events = filtered
}

func (s *Supervisor) statePath() string {
	return filepath.Join(s.stateDir, StateFileName)
}

func (s *Supervisor) loadState() error {
	data, err := os.ReadFile(s.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		s.state = State{}
	}
	return nil
}

func (s *Supervisor) saveState() error {
	if err := os.MkdirAll(s.stateDir, 0755); err != nil {
		return err
	}
	data, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	return os.WriteFile(s.statePath(), data, 0644)
}
