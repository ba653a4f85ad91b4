// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemberLimiter limits how often each share group member may acquire records.
// Idle members are forgotten after twice the cleanup interval.
type MemberLimiter struct {
	mu       sync.Mutex
	limiters map[string]*memberEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type memberEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Config holds member rate limiting configuration.
type Config struct {
	Rate            float64       `yaml:"rate"`             // acquires per second per member, 0 disables
	Burst           int           `yaml:"burst"`            // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // cleanup interval for idle members
}

// DefaultConfig returns the default configuration, limiting disabled.
func DefaultConfig() Config {
	return Config{
		Rate:            0,
		Burst:           10,
		CleanupInterval: 5 * time.Minute,
	}
}

// NewMemberLimiter creates a limiter allowing r acquires per second with the given burst.
func NewMemberLimiter(r float64, burst int, cleanupInterval time.Duration) *MemberLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultConfig().CleanupInterval
	}
	l := &MemberLimiter{
		limiters: make(map[string]*memberEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// New returns a limiter for cfg, or nil when limiting is disabled.
func New(cfg Config) *MemberLimiter {
	if cfg.Rate <= 0 {
		return nil
	}
	return NewMemberLimiter(cfg.Rate, cfg.Burst, cfg.CleanupInterval)
}

// AllowAcquire reports whether memberID may acquire now.
func (l *MemberLimiter) AllowAcquire(memberID string) bool {
	l.mu.Lock()
	entry, exists := l.limiters[memberID]
	if !exists {
		entry = &memberEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[memberID] = entry
	}
	entry.lastSeen = time.Now()
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// RemoveMember drops the limiter of a member that left.
func (l *MemberLimiter) RemoveMember(memberID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, memberID)
}

// Len returns the number of tracked members.
func (l *MemberLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *MemberLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeIdle(time.Now().Add(-l.cleanup * 2))
		case <-l.stopCh:
			return
		}
	}
}

// removeIdle forgets members not seen since threshold.
func (l *MemberLimiter) removeIdle(threshold time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, id)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *MemberLimiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
}
