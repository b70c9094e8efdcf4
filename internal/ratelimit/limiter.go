package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrRateLimited indicates the caller is currently blocked.
var ErrRateLimited = errors.New("rate limited")

type Config struct {
	MaxAttempts int
	Window      time.Duration
	BaseBlock   time.Duration
	MaxBlock    time.Duration
}

const (
	defaultMaxAttempts = 5
	defaultWindow      = 60 * time.Second
	defaultBaseBlock   = 30 * time.Second
	defaultMaxBlock    = 30 * time.Minute
)

type entry struct {
	attempts     int
	firstAttempt time.Time
	lastAttempt  time.Time
	blockedUntil time.Time
}

// Limiter tracks connection attempts per client key and blocks abusive
// callers with exponential backoff. Failure counts survive blocking windows
// so repeat offenders back off further each time; a successful authentication
// forgives all history. A single coarse mutex guards both maps.
type Limiter struct {
	mu       sync.Mutex
	entries  map[string]*entry
	failures map[string]int
	cfg      Config

	// now is swappable for tests.
	now func() time.Time
}

func NewLimiter(cfg Config) *Limiter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.BaseBlock <= 0 {
		cfg.BaseBlock = defaultBaseBlock
	}
	if cfg.MaxBlock <= 0 {
		cfg.MaxBlock = defaultMaxBlock
	}
	return &Limiter{
		entries:  make(map[string]*entry),
		failures: make(map[string]int),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Allow reports whether the key may attempt a connection right now. Crossing
// the attempt threshold starts (or extends) a block window whose length grows
// exponentially with the key's cumulative failure count.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[key]
	if !ok {
		return true
	}

	if now.Before(e.blockedUntil) {
		return false
	}

	if now.Sub(e.firstAttempt) > l.cfg.Window {
		// Sliding window expired; start over.
		e.attempts = 0
		e.firstAttempt = now
		return true
	}

	if e.attempts >= l.cfg.MaxAttempts {
		block := l.cfg.BaseBlock << l.failures[key]
		if block > l.cfg.MaxBlock || block <= 0 {
			block = l.cfg.MaxBlock
		}
		e.blockedUntil = now.Add(block)
		l.failures[key]++
		slog.Warn("Client blocked by rate limiter",
			"key", key,
			"attempts", e.attempts,
			"blocked_until", e.blockedUntil,
			"failure_count", l.failures[key])
		return false
	}

	return true
}

// RecordAttempt registers a connection attempt for the key.
func (l *Limiter) RecordAttempt(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{firstAttempt: now}
		l.entries[key] = e
	}
	e.attempts++
	e.lastAttempt = now
}

// RecordSuccess clears all history for the key. Successful authentication
// forgives prior failures entirely.
func (l *Limiter) RecordSuccess(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.entries, key)
	delete(l.failures, key)
}

// CleanupExpired removes entries whose block has lapsed and which have been
// idle for more than twice the window, bounding memory under sustained
// scanning.
func (l *Limiter) CleanupExpired() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, e := range l.entries {
		if now.Before(e.blockedUntil) {
			continue
		}
		if now.Sub(e.lastAttempt) > 2*l.cfg.Window {
			delete(l.entries, key)
			delete(l.failures, key)
		}
	}
}

// Run sweeps expired entries on a fixed interval until the context is
// cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.CleanupExpired()
		case <-ctx.Done():
			return
		}
	}
}
