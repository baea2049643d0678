// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type flakyTailer struct {
	runs    int
	failN   int
	failErr error
}

func (f *flakyTailer) Run(ctx context.Context) error {
	f.runs++
	if f.runs <= f.failN {
		return f.failErr
	}
	<-ctx.Done()
	return nil
}

var errBoom = cleanExitError("boom")

func TestRunRestartsAfterCrashAndReturnsNilOnEventualCleanShutdown(t *testing.T) {
	s := New(t.TempDir(), Config{Threshold: 5, Window: time.Minute, Backoff: time.Millisecond})
	target := &flakyTailer{failN: 2, failErr: errBoom}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.Run(ctx, target)
	require.NoError(t, err)
	require.GreaterOrEqual(t, target.runs, 3)
}

func TestRunEntersSafeModeAfterThresholdCrashes(t *testing.T) {
	s := New(t.TempDir(), Config{Threshold: 2, Window: time.Minute, Backoff: time.Millisecond})
	target := &flakyTailer{failN: 10, failErr: errBoom}

	err := s.Run(context.Background(), target)
	require.Error(t, err)
	require.True(t, s.ShouldEnterSafeMode())
}

func TestRunReturnsNilWhenContextAlreadyCanceled(t *testing.T) {
	s := New(t.TempDir(), DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	target := &flakyTailer{failN: 0}
	err := s.Run(ctx, target)
	require.NoError(t, err)
}

func TestPruneOldEventsDropsStaleCrashes(t *testing.T) {
	s := New(t.TempDir(), Config{Threshold: 3, Window: time.Millisecond, Backoff: time.Millisecond})
	require.NoError(t, s.RecordCrash("one"))
	time.Sleep(5 * time.Millisecond)
	require.False(t, s.ShouldEnterSafeMode())
}

func TestResetClearsHistory(t *testing.T) {
	s := New(t.TempDir(), Config{Threshold: 1, Window: time.Minute, Backoff: time.Millisecond})
	require.NoError(t, s.RecordCrash("one"))
	require.True(t, s.ShouldEnterSafeMode())
	require.NoError(t, s.Reset())
	require.False(t, s.ShouldEnterSafeMode())
}

func TestStatePersistsAcrossSupervisorInstances(t *testing.T) {
	dir := t.TempDir()
	s1 := New(dir, DefaultConfig())
	require.NoError(t, s1.RecordCrash("one"))

	s2 := New(dir, DefaultConfig())
	require.Len(t, s2.state.Events, 1)
}
