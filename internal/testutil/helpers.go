// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package testutil holds small deterministic helpers shared by the sml
// package tests: a fixed clock and a scratch SQLite database path.
package testutil

import (
	"os"
	"testing"
	"time"
)

// FixedClock returns a clock func that always returns t. Components that
// mint session hashes or timestamp events take a clock func so tests never
// depend on wall-clock time.
func FixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// TempDB returns a scratch file path for a SQLite database. The file itself
// is not created; sql.Open("sqlite", ...) creates it lazily, and the path
// is removed automatically when the test's TempDir is cleaned up.
func TempDB(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "sml-*.db")
	if err != nil {
		t.Fatalf("create temp db: %v", err)
	}
	path := f.Name()
	f.Close()
	os.Remove(path)
	return path
}
