package main

import (
	"sync"
	"time"
)

// LoginRateLimiter tracks failed login and device auth attempts per
// IP+identity key and blocks repeat offenders for a fixed duration.
type LoginRateLimiter struct {
	mu            sync.RWMutex
	attempts      map[string]*attemptRecord
	maxAttempts   int
	blockDuration time.Duration
	window        time.Duration
	stopCleanup   chan struct{}
}

type attemptRecord struct {
	firstAttempt time.Time
	lastAttempt  time.Time
	failures     int
	blockedUntil time.Time
}

// NewLoginRateLimiter creates a limiter and starts its cleanup goroutine.
func NewLoginRateLimiter(maxAttempts int, blockDuration, window time.Duration) *LoginRateLimiter {
	rl := &LoginRateLimiter{
		attempts:      make(map[string]*attemptRecord),
		maxAttempts:   maxAttempts,
		blockDuration: blockDuration,
		window:        window,
		stopCleanup:   make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// RecordFailure registers a failed attempt and reports whether the key is
// now blocked, along with the failure count in the current window.
func (rl *LoginRateLimiter) RecordFailure(ip, identity string) (blocked bool, count int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := ip + ":" + identity
	now := time.Now()

	rec, ok := rl.attempts[key]
	if !ok {
		rl.attempts[key] = &attemptRecord{firstAttempt: now, lastAttempt: now, failures: 1}
		return false, 1
	}

	if now.Before(rec.blockedUntil) {
		rec.lastAttempt = now
		rec.failures++
		return true, rec.failures
	}

	// New window: reset the counter.
	if now.Sub(rec.firstAttempt) > rl.window {
		rec.firstAttempt = now
		rec.lastAttempt = now
		rec.failures = 1
		return false, 1
	}

	rec.lastAttempt = now
	rec.failures++
	if rec.failures >= rl.maxAttempts {
		rec.blockedUntil = now.Add(rl.blockDuration)
		return true, rec.failures
	}
	return false, rec.failures
}

// IsBlocked reports whether a key is currently blocked and until when.
func (rl *LoginRateLimiter) IsBlocked(ip, identity string) (bool, time.Time) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	rec, ok := rl.attempts[ip+":"+identity]
	if !ok {
		return false, time.Time{}
	}
	if time.Now().Before(rec.blockedUntil) {
		return true, rec.blockedUntil
	}
	return false, time.Time{}
}

// RecordSuccess clears the failure record for a key.
func (rl *LoginRateLimiter) RecordSuccess(ip, identity string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, ip+":"+identity)
}

func (rl *LoginRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

func (rl *LoginRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for key, rec := range rl.attempts {
		stale := now.After(rec.blockedUntil) && now.Sub(rec.lastAttempt) > rl.window
		if stale || now.Sub(rec.lastAttempt) > rl.blockDuration*2 {
			delete(rl.attempts, key)
		}
	}
}

// Stop terminates the cleanup goroutine.
func (rl *LoginRateLimiter) Stop() {
	close(rl.stopCleanup)
}
