// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package mode implements the Mode Controller (spec.md C2): the global
// operating mode state machine {Off, Normal, Anomaly} and session minting.
package mode

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	smlerrors "github.com/spirock/sml/internal/errors"
	"github.com/spirock/sml/internal/logging"
)

// Mode is the pipeline's global operating mode.
type Mode string

const (
	Off     Mode = "off"
	Normal  Mode = "normal"
	Anomaly Mode = "anomaly"
)

// Valid reports whether m is one of the three recognized modes.
func (m Mode) Valid() bool {
	switch m {
	case Off, Normal, Anomaly:
		return true
	default:
		return false
	}
}

// Config is the ModeConfig singleton document (spec.md §3): canonical
// fields plus the legacy value/label pair kept for backward compatibility,
// written alongside but never read ahead of the canonical fields.
type Config struct {
	Mode        Mode   `json:"mode"`
	SessionHash string `json:"session_hash"`

	// Legacy compatibility fields (spec.md §9 "Config overloading").
	LegacyValue bool   `json:"value"`
	LegacyLabel string `json:"label"`
}

// Store is the persistence boundary the controller reads/writes through;
// satisfied by internal/store.Store.
type Store interface {
	GetModeConfig() (Config, error)
	SetModeConfig(Config) error
}

// Controller owns mode transitions and caches reads for up to 1 second to
// bound DB load from the tailer, per spec.md §4.2.
type Controller struct {
	store Store
	now   func() time.Time
	log   *logging.Logger

	mu        sync.Mutex
	cached    Config
	cachedAt  time.Time
	cacheTTL  time.Duration
}

// New creates a Controller backed by store. now defaults to time.Now.
func New(store Store, now func() time.Time) *Controller {
	if now == nil {
		now = time.Now
	}
	return &Controller{
		store:    store,
		now:      now,
		log:      logging.WithComponent("mode"),
		cacheTTL: time.Second,
	}
}

// Get returns the current mode config, served from cache when fresh.
func (c *Controller) Get() (Config, error) {
	c.mu.Lock()
	if !c.cachedAt.IsZero() && c.now().Sub(c.cachedAt) < c.cacheTTL {
		cfg := c.cached
		c.mu.Unlock()
		return cfg, nil
	}
	c.mu.Unlock()

	cfg, err := c.store.GetModeConfig()
	if err != nil {
		return Config{}, smlerrors.Wrap(err, smlerrors.KindUnavailable, "read mode config")
	}
	if !cfg.Mode.Valid() {
		c.log.Warn("unknown mode in store, falling back to off", "mode", cfg.Mode)
		cfg.Mode = Off
		cfg.SessionHash = ""
	}

	c.mu.Lock()
	c.cached = cfg
	c.cachedAt = c.now()
	c.mu.Unlock()
	return cfg, nil
}

// Set transitions to the requested mode. newSession forces minting a fresh
// session hash even when the target mode is unchanged (the "Normal(new
// session)" / "Anomaly(new session)" transitions in spec.md §4.2's table).
func (c *Controller) Set(target Mode, newSession bool) (Config, error) {
	if !target.Valid() {
		return Config{}, smlerrors.Errorf(smlerrors.KindModeViolation, "unknown mode %q", target)
	}

	current, err := c.Get()
	if err != nil {
		return Config{}, err
	}

	next := Config{Mode: target}
	switch target {
	case Off:
		next.SessionHash = ""
	case Normal, Anomaly:
		if !newSession && current.Mode == target && current.SessionHash != "" {
			next.SessionHash = current.SessionHash
		} else {
			next.SessionHash = mintSessionHash(target, c.now())
		}
	}

	next.LegacyValue = next.Mode != Off
	if next.Mode == Off {
		next.LegacyLabel = ""
	} else {
		next.LegacyLabel = string(next.Mode)
	}

	if err := c.store.SetModeConfig(next); err != nil {
		return Config{}, smlerrors.Wrap(err, smlerrors.KindUnavailable, "persist mode config")
	}

	c.mu.Lock()
	c.cached = next
	c.cachedAt = c.now()
	c.mu.Unlock()

	c.log.Info("mode transition", "mode", next.Mode, "session_hash", next.SessionHash)
	return next, nil
}

// mintSessionHash derives a new session identifier: the first 16 hex
// characters of SHA256(mode || now), per spec.md §4.2.
func mintSessionHash(m Mode, now time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s%d", m, now.UnixNano())))
	return hex.EncodeToString(sum[:])[:16]
}
