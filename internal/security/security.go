// Package security implements the gateway's authentication primitives: HMAC
// request verification, timestamp-window checks, a bounded-FIFO nonce
// replay cache and per-device failed-attempt lockout. All state is
// per-gateway, in-memory, and guarded by a single mutex — there is no
// persistence here, matching the donor engine's pattern of owning mutable
// state behind small method sets rather than exposing locks to callers.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Config holds the tunables for the security core. Zero values are
// replaced by DefaultConfig's defaults where sensible.
type Config struct {
	Key                []byte
	TimestampToleranceS int64
	NonceCacheSize      int
	MaxFailedAttempts   int
	LockoutDurationS    int64
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig(key []byte) Config {
	return Config{
		Key:                 key,
		TimestampToleranceS: 300,
		NonceCacheSize:      1000,
		MaxFailedAttempts:   5,
		LockoutDurationS:    300,
	}
}

type lockoutState struct {
	failedAttempts int
	lockedUntil    time.Time
}

// Core is the security state owner for one gateway.
type Core struct {
	cfg Config

	mu       sync.Mutex
	nonces   map[int64]struct{}
	nonceFIFO []int64
	lockouts map[string]*lockoutState
	now      func() time.Time
}

// New constructs a Core. now defaults to time.Now when nil; tests may
// override it to control timestamp/lockout behavior deterministically.
func New(cfg Config, now func() time.Time) *Core {
	if now == nil {
		now = time.Now
	}
	if cfg.NonceCacheSize <= 0 {
		cfg.NonceCacheSize = 1000
	}
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = 5
	}
	if cfg.LockoutDurationS <= 0 {
		cfg.LockoutDurationS = 300
	}
	if cfg.TimestampToleranceS <= 0 {
		cfg.TimestampToleranceS = 300
	}
	return &Core{
		cfg:      cfg,
		nonces:   make(map[int64]struct{}, cfg.NonceCacheSize),
		lockouts: make(map[string]*lockoutState),
		now:      now,
	}
}

// ComputeHMAC returns the lowercase hex HMAC-SHA-256 digest of body under
// the core's key.
func (c *Core) ComputeHMAC(body string) string {
	mac := hmac.New(sha256.New, c.cfg.Key)
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks receivedHex against the HMAC of body in constant time.
// body must be the exact byte string the device transmitted, not a
// re-serialization of its parsed form — re-serializing breaks verification
// whenever field order or whitespace differs from what the device sent.
func (c *Core) VerifyHMAC(body string, receivedHex string) bool {
	expected := c.ComputeHMAC(body)
	return hmac.Equal([]byte(expected), []byte(receivedHex))
}

// ValidateTimestamp reports whether ts is within the configured tolerance
// of the current wall clock.
func (c *Core) ValidateTimestamp(ts int64) bool {
	now := c.now().Unix()
	delta := now - ts
	if delta < 0 {
		delta = -delta
	}
	return delta <= c.cfg.TimestampToleranceS
}

// ValidateNonce reports whether n has not been seen before, within the
// bounded FIFO window. On first sight it records n and evicts the oldest
// entry once the cache is full. The check and insertion are atomic with
// respect to other callers since both happen under the core's single lock.
func (c *Core) ValidateNonce(n int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, seen := c.nonces[n]; seen {
		return false
	}

	if len(c.nonceFIFO) >= c.cfg.NonceCacheSize {
		oldest := c.nonceFIFO[0]
		c.nonceFIFO = c.nonceFIFO[1:]
		delete(c.nonces, oldest)
	}
	c.nonces[n] = struct{}{}
	c.nonceFIFO = append(c.nonceFIFO, n)
	return true
}

// IsLockedOut reports whether deviceID is currently under lockout. An
// expired lockout is lazily cleared as a side effect of the check.
func (c *Core) IsLockedOut(deviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.lockouts[deviceID]
	if !ok {
		return false
	}
	if st.lockedUntil.IsZero() {
		return false
	}
	if c.now().After(st.lockedUntil) {
		st.lockedUntil = time.Time{}
		st.failedAttempts = 0
		return false
	}
	return true
}

// RecordFailedAttempt increments deviceID's failure counter and, once it
// reaches MaxFailedAttempts, starts a lockout expiring at
// now+LockoutDurationS. It returns true iff this call triggered the
// lockout.
func (c *Core) RecordFailedAttempt(deviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.lockouts[deviceID]
	if !ok {
		st = &lockoutState{}
		c.lockouts[deviceID] = st
	}
	st.failedAttempts++
	if st.failedAttempts >= c.cfg.MaxFailedAttempts {
		st.lockedUntil = c.now().Add(time.Duration(c.cfg.LockoutDurationS) * time.Second)
		return true
	}
	return false
}

// RecordSuccess clears deviceID's failure counter and any active lockout.
func (c *Core) RecordSuccess(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lockouts, deviceID)
}

// Stats is a snapshot of the security core's internal counters, used by the
// gateway's health reporting.
type Stats struct {
	NonceCacheEntries int
	LockedOutDevices  int
}

// Stats returns a point-in-time snapshot of the core's state.
func (c *Core) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	locked := 0
	for _, st := range c.lockouts {
		if !st.lockedUntil.IsZero() && c.now().Before(st.lockedUntil) {
			locked++
		}
	}
	return Stats{NonceCacheEntries: len(c.nonces), LockedOutDevices: locked}
}
