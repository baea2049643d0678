// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package tailer implements the Log Tailer (spec.md C3): it follows the
// IDS's line-delimited JSON log, detects rotation/truncation, and feeds
// each accepted line through the mode-aware normalize/hash/insert pipeline.
package tailer

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	smlerrors "github.com/spirock/sml/internal/errors"
	"github.com/spirock/sml/internal/ids"
	"github.com/spirock/sml/internal/logging"
	"github.com/spirock/sml/internal/mode"
	"github.com/spirock/sml/internal/store"
)

// Inserter is the persistence boundary the tailer writes accepted,
// normalized events through; satisfied by internal/store.Store.
type Inserter interface {
	InsertIfNew(ids.Event) (store.InsertOutcome, error)
}

// ModeReader is the read side of the mode controller the tailer consults
// for every line, since operating mode can change mid-stream.
type ModeReader interface {
	Get() (mode.Config, error)
}

// MetricsSink receives a push per processed line outcome, for Prometheus
// export; nil by default, wired by the daemon.
type MetricsSink interface {
	IncIngested()
	IncDuplicate()
	IncParseError()
}

// Stats tracks tailer progress for observability and tests.
type Stats struct {
	LinesRead      int64
	ParseErrors    int64
	Filtered       int64
	Inserted       int64
	Duplicates     int64
	RotationEvents int64
}

// Tailer follows a single IDS log file from its current end, surviving
// rotation (create-new-inode) and truncation (shrink-in-place).
type Tailer struct {
	path     string
	store    Inserter
	modeCtl  ModeReader
	log      *logging.Logger
	pollFreq time.Duration
	metrics  MetricsSink

	stats Stats
}

// SetMetrics wires a Prometheus sink; Run is a no-op toward it when none
// is set.
func (t *Tailer) SetMetrics(m MetricsSink) { t.metrics = m }

// New creates a Tailer over path, writing accepted events through store
// and consulting modeCtl for the current operating mode on every line.
func New(path string, store Inserter, modeCtl ModeReader) *Tailer {
	return &Tailer{
		path:     path,
		store:    store,
		modeCtl:  modeCtl,
		log:      logging.WithComponent("tailer"),
		pollFreq: 2 * time.Second,
	}
}

// Stats returns a snapshot of tailing counters.
func (t *Tailer) Stats() Stats { return t.stats }

// Run follows the log file until ctx is canceled. It never returns on a
// single malformed line or on a transient filesystem hiccup; it returns
// only on unrecoverable setup failure or context cancellation.
func (t *Tailer) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return smlerrors.Wrap(err, smlerrors.KindUnavailable, "create fsnotify watcher")
	}
	defer watcher.Close()

	dir := dirOf(t.path)
	if err := watcher.Add(dir); err != nil {
		return smlerrors.Wrap(err, smlerrors.KindUnavailable, "watch log directory")
	}

	f, reader, ino, err := t.openAtEnd()
	if err != nil {
		t.log.Warn("log file not yet present, will retry", "path", t.path, "error", err)
	}
	defer closeQuiet(f)

	ticker := time.NewTicker(t.pollFreq)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			t.log.Warn("fsnotify error", "error", err)
		case _, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			f, reader, ino = t.reconcile(f, reader, ino)
		case <-ticker.C:
			if f == nil {
				f, reader, ino = t.reconcile(f, reader, ino)
				continue
			}
			if rotated, newF, newReader, newIno := t.detectRotationOrTruncation(f, ino); rotated {
				closeQuiet(f)
				f, reader, ino = newF, newReader, newIno
				t.stats.RotationEvents++
			}
			t.drain(reader)
		}
	}
}

// reconcile (re)opens the target file when it appears after having been
// absent, or hands back the existing handle unchanged.
func (t *Tailer) reconcile(f *os.File, reader *bufio.Reader, ino uint64) (*os.File, *bufio.Reader, uint64) {
	if f != nil {
		return f, reader, ino
	}
	nf, nr, nino, err := t.openAtEnd()
	if err != nil {
		return nil, nil, 0
	}
	return nf, nr, nino
}

// detectRotationOrTruncation reopens the file when its inode has changed
// (rotation) or its size has shrunk below the current read offset
// (truncation-in-place), both common with logrotate-managed IDS logs.
func (t *Tailer) detectRotationOrTruncation(f *os.File, ino uint64) (bool, *os.File, *bufio.Reader, uint64) {
	fi, err := os.Stat(t.path)
	if err != nil {
		return false, f, nil, ino
	}
	currentIno := inodeOf(fi)
	if currentIno != ino {
		nf, nr, nino, err := t.openAtStart()
		if err != nil {
			return false, f, nil, ino
		}
		return true, nf, nr, nino
	}

	pos, err := f.Seek(0, io.SeekCurrent)
	if err == nil && fi.Size() < pos {
		nf, nr, nino, err := t.openAtStart()
		if err != nil {
			return false, f, nil, ino
		}
		return true, nf, nr, nino
	}
	return false, f, nil, ino
}

func (t *Tailer) openAtEnd() (*os.File, *bufio.Reader, uint64, error) {
	return t.open(io.SeekEnd)
}

func (t *Tailer) openAtStart() (*os.File, *bufio.Reader, uint64, error) {
	return t.open(io.SeekStart)
}

func (t *Tailer) open(whence int) (*os.File, *bufio.Reader, uint64, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, nil, 0, err
	}
	if whence == io.SeekEnd {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return nil, nil, 0, err
		}
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, 0, err
	}
	return f, bufio.NewReader(f), inodeOf(fi), nil
}

// drain reads and processes every complete line currently available.
func (t *Tailer) drain(reader *bufio.Reader) {
	if reader == nil {
		return
	}
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			t.processLine(line)
		}
		if err != nil {
			return
		}
	}
}

func (t *Tailer) processLine(line string) {
	t.stats.LinesRead++

	var raw ids.RawEvent
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		t.stats.ParseErrors++
		if t.metrics != nil {
			t.metrics.IncParseError()
		}
		t.log.Debug("skipping malformed log line", "error", err)
		return
	}

	cfg, err := t.modeCtl.Get()
	if err != nil {
		t.log.Warn("failed to read mode, defaulting to off semantics", "error", err)
		cfg.Mode = mode.Off
	}

	trainingMode := cfg.Mode != mode.Off
	if !raw.Accepted(trainingMode) {
		t.stats.Filtered++
		return
	}

	e := raw.Normalize()
	e.EventHash = raw.Hash()
	e.TrainingMode = trainingMode
	e.TrainingSession = cfg.SessionHash
	if cfg.Mode == mode.Normal {
		e.TrainingLabel = ids.LabelNormal
	} else if cfg.Mode == mode.Anomaly {
		e.TrainingLabel = ids.LabelAnomaly
	} else {
		e.TrainingLabel = ids.LabelUnknown
	}
	if e.TrainingLabel == ids.LabelAnomaly {
		e.Anomaly = 1
	} else {
		e.Anomaly = 0
	}

	outcome, err := t.store.InsertIfNew(e)
	if err != nil {
		t.log.Error("failed to insert event", "error", err)
		return
	}
	if outcome == store.Duplicate {
		t.stats.Duplicates++
		if t.metrics != nil {
			t.metrics.IncDuplicate()
		}
		return
	}
	t.stats.Inserted++
	if t.metrics != nil {
		t.metrics.IncIngested()
	}
}

func closeQuiet(f *os.File) {
	if f != nil {
		f.Close()
	}
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func inodeOf(fi os.FileInfo) uint64 {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}
