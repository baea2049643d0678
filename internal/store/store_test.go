// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"errors"
	"testing"
	"time"

	"github.com/spirock/sml/internal/ids"
	"github.com/spirock/sml/internal/mode"
	"github.com/spirock/sml/internal/testutil"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(testutil.TempDB(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleEvent(hash string) ids.Event {
	return ids.Event{
		EventHash:      hash,
		Timestamp:      time.Unix(1700000000, 0).UTC(),
		Proto:          "TCP",
		SrcIP:          "10.0.0.5",
		DestIP:         "10.0.0.1",
		SrcPort:        1234,
		DestPort:       80,
		AlertSeverity:  2,
		AlertSignature: "ET SCAN",
		TrainingLabel:  ids.LabelUnknown,
	}
}

func TestInsertIfNewDedupsByHash(t *testing.T) {
	s := openTest(t)

	outcome, err := s.InsertIfNew(sampleEvent("abc"))
	require.NoError(t, err)
	require.Equal(t, Inserted, outcome)

	outcome, err = s.InsertIfNew(sampleEvent("abc"))
	require.NoError(t, err)
	require.Equal(t, Duplicate, outcome)

	rows, err := s.Query(QueryOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestQueryUnprocessedOnly(t *testing.T) {
	s := openTest(t)
	_, err := s.InsertIfNew(sampleEvent("a"))
	require.NoError(t, err)
	_, err = s.InsertIfNew(sampleEvent("b"))
	require.NoError(t, err)

	require.NoError(t, s.MarkProcessed([]string{"a"}))

	rows, err := s.Query(QueryOptions{UnprocessedOnly: true})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "b", rows[0].EventHash)
}

func TestQueryLimitPreservesInsertionOrder(t *testing.T) {
	s := openTest(t)
	for _, h := range []string{"a", "b", "c"} {
		_, err := s.InsertIfNew(sampleEvent(h))
		require.NoError(t, err)
	}

	rows, err := s.Query(QueryOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "a", rows[0].EventHash)
	require.Equal(t, "b", rows[1].EventHash)
}

func TestModeConfigRoundTrip(t *testing.T) {
	s := openTest(t)

	cfg, err := s.GetModeConfig()
	require.NoError(t, err)
	require.Equal(t, mode.Off, cfg.Mode)

	err = s.SetModeConfig(mode.Config{
		Mode:        mode.Anomaly,
		SessionHash: "deadbeefcafef00d",
		LegacyValue: true,
		LegacyLabel: "anomaly",
	})
	require.NoError(t, err)

	cfg, err = s.GetModeConfig()
	require.NoError(t, err)
	require.Equal(t, mode.Anomaly, cfg.Mode)
	require.Equal(t, "deadbeefcafef00d", cfg.SessionHash)
	require.True(t, cfg.LegacyValue)
}

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := WithRetry(3, time.Microsecond, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestWithRetryGivesUpAfterAttempts(t *testing.T) {
	err := WithRetry(2, time.Microsecond, func() error {
		return errors.New("database is locked")
	})
	require.Error(t, err)
}

func TestFlowIDNullable(t *testing.T) {
	s := openTest(t)
	e := sampleEvent("flow-nil")
	e.FlowID = nil
	_, err := s.InsertIfNew(e)
	require.NoError(t, err)

	rows, err := s.Query(QueryOptions{})
	require.NoError(t, err)
	require.Nil(t, rows[0].FlowID)

	flowID := int64(42)
	e2 := sampleEvent("flow-set")
	e2.FlowID = &flowID
	_, err = s.InsertIfNew(e2)
	require.NoError(t, err)

	rows, err = s.Query(QueryOptions{})
	require.NoError(t, err)
	for _, r := range rows {
		if r.EventHash == "flow-set" {
			require.NotNil(t, r.FlowID)
			require.Equal(t, int64(42), *r.FlowID)
		}
	}
}
