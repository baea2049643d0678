// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package mode

import (
	"testing"
	"time"

	"github.com/spirock/sml/internal/testutil"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	cfg Config
	sets int
}

func (f *fakeStore) GetModeConfig() (Config, error) { return f.cfg, nil }
func (f *fakeStore) SetModeConfig(c Config) error {
	f.sets++
	f.cfg = c
	return nil
}

func TestGetDefaultsToOffWhenUnset(t *testing.T) {
	store := &fakeStore{}
	c := New(store, testutil.FixedClock(time.Unix(1000, 0)))

	cfg, err := c.Get()
	require.NoError(t, err)
	require.Equal(t, Off, cfg.Mode)
}

func TestGetFallsBackToOffOnUnknownStoredMode(t *testing.T) {
	store := &fakeStore{cfg: Config{Mode: Mode("bogus")}}
	c := New(store, testutil.FixedClock(time.Unix(1000, 0)))

	cfg, err := c.Get()
	require.NoError(t, err)
	require.Equal(t, Off, cfg.Mode)
	require.Empty(t, cfg.SessionHash)
}

func TestSetOffClearsSessionHash(t *testing.T) {
	store := &fakeStore{}
	c := New(store, testutil.FixedClock(time.Unix(1000, 0)))

	_, err := c.Set(Normal, true)
	require.NoError(t, err)

	cfg, err := c.Set(Off, false)
	require.NoError(t, err)
	require.Equal(t, Off, cfg.Mode)
	require.Empty(t, cfg.SessionHash)
	require.False(t, cfg.LegacyValue)
	require.Empty(t, cfg.LegacyLabel)
}

func TestSetNormalMintsSessionOnNewSessionRequest(t *testing.T) {
	store := &fakeStore{}
	now := time.Unix(1000, 0)
	c := New(store, func() time.Time { return now })

	first, err := c.Set(Normal, true)
	require.NoError(t, err)
	require.NotEmpty(t, first.SessionHash)
	require.Len(t, first.SessionHash, 16)

	// The hash is derived from mode and time, so the second session starts
	// at a later instant.
	now = now.Add(time.Second)
	second, err := c.Set(Normal, true)
	require.NoError(t, err)
	require.NotEqual(t, first.SessionHash, second.SessionHash, "newSession=true must mint a fresh hash even in the same mode")
}

func TestSetNormalReusesSessionWithoutNewSessionFlag(t *testing.T) {
	store := &fakeStore{}
	c := New(store, testutil.FixedClock(time.Unix(1000, 0)))

	first, err := c.Set(Normal, true)
	require.NoError(t, err)

	second, err := c.Set(Normal, false)
	require.NoError(t, err)
	require.Equal(t, first.SessionHash, second.SessionHash)
}

func TestSetRejectsUnknownMode(t *testing.T) {
	store := &fakeStore{}
	c := New(store, testutil.FixedClock(time.Unix(1000, 0)))

	_, err := c.Set(Mode("bogus"), false)
	require.Error(t, err)
}

func TestSetStampsLegacyFields(t *testing.T) {
	store := &fakeStore{}
	c := New(store, testutil.FixedClock(time.Unix(1000, 0)))

	cfg, err := c.Set(Anomaly, true)
	require.NoError(t, err)
	require.True(t, cfg.LegacyValue)
	require.Equal(t, "anomaly", cfg.LegacyLabel)
}

func TestGetServesFromCacheWithinTTL(t *testing.T) {
	store := &fakeStore{cfg: Config{Mode: Normal, SessionHash: "abc"}}
	clockTime := time.Unix(1000, 0)
	c := New(store, func() time.Time { return clockTime })

	first, err := c.Get()
	require.NoError(t, err)
	require.Equal(t, Normal, first.Mode)

	// mutate the backing store directly; cached read should not see it yet
	store.cfg = Config{Mode: Off}
	cached, err := c.Get()
	require.NoError(t, err)
	require.Equal(t, Normal, cached.Mode)

	clockTime = clockTime.Add(2 * time.Second)
	fresh, err := c.Get()
	require.NoError(t, err)
	require.Equal(t, Off, fresh.Mode)
}
