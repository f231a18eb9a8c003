package sshmanager

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/sshdeck/internal/logging"
	"github.com/gluk-w/sshdeck/internal/ssherr"
)

// Connect attempts are limited per connection id: at most
// rateLimitMaxAttempts inside any rateLimitWindow, and after
// rateLimitFailureThreshold failures in a row the id is blocked for
// rateLimitInitialBlock, doubling with every further failure up to
// rateLimitMaxBlock.
const (
	rateLimitWindow           = time.Minute
	rateLimitMaxAttempts      = 10
	rateLimitFailureThreshold = 5
	rateLimitInitialBlock     = 30 * time.Second
	rateLimitMaxBlock         = 5 * time.Minute
)

// ErrRateLimited rejects a connect attempt. It is a StateFailure.
type ErrRateLimited struct {
	ConnectionID string
	Reason       string
	RetryAfter   time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("connection %s rate limited: %s (retry after %s)", e.ConnectionID, e.Reason, e.RetryAfter.Round(time.Second))
}

func (e *ErrRateLimited) ErrorKind() ssherr.Kind {
	return ssherr.StateFailure
}

// attemptLog is the limiter's record for one connection id.
type attemptLog struct {
	times    []time.Time // attempts, oldest first
	failures int         // consecutive
	until    time.Time   // blocked until
	penalty  time.Duration
}

// recent drops attempts that fell out of the window and returns the rest.
func (a *attemptLog) recent(now time.Time) []time.Time {
	cutoff := now.Add(-rateLimitWindow)
	i := 0
	for i < len(a.times) && !a.times[i].After(cutoff) {
		i++
	}
	a.times = a.times[i:]
	return a.times
}

func (a *attemptLog) escalate(now time.Time) {
	switch {
	case a.penalty == 0:
		a.penalty = rateLimitInitialBlock
	case a.penalty < rateLimitMaxBlock:
		a.penalty = min(2*a.penalty, rateLimitMaxBlock)
	}
	a.until = now.Add(a.penalty)
}

// RateLimiter throttles connect attempts per connection id.
type RateLimiter struct {
	mu   sync.Mutex
	logs map[string]*attemptLog

	nowFunc func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{logs: make(map[string]*attemptLog), nowFunc: time.Now}
}

func (rl *RateLimiter) entry(connID string) *attemptLog {
	a := rl.logs[connID]
	if a == nil {
		a = &attemptLog{}
		rl.logs[connID] = a
	}
	return a
}

// Allow records an attempt for connID, or rejects it with *ErrRateLimited
// while the id is blocked or has used up its window.
func (rl *RateLimiter) Allow(connID string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFunc()
	a := rl.entry(connID)

	var rejected *ErrRateLimited
	if now.Before(a.until) {
		rejected = &ErrRateLimited{
			ConnectionID: connID,
			Reason:       fmt.Sprintf("blocked after %d consecutive failures", a.failures),
			RetryAfter:   a.until.Sub(now),
		}
	} else if times := a.recent(now); len(times) >= rateLimitMaxAttempts {
		rejected = &ErrRateLimited{
			ConnectionID: connID,
			Reason:       fmt.Sprintf("exceeded %d attempts in %s", rateLimitMaxAttempts, rateLimitWindow),
			RetryAfter:   max(times[0].Add(rateLimitWindow).Sub(now), 0),
		}
	}
	if rejected != nil {
		log.Printf("[registry] connect attempt for %s rejected: %s", logging.Sanitize(connID), rejected.Reason)
		return rejected
	}

	a.times = append(a.times, now)
	return nil
}

// RecordSuccess clears the failure streak and any block.
func (rl *RateLimiter) RecordSuccess(connID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if a := rl.logs[connID]; a != nil {
		a.failures, a.until, a.penalty = 0, time.Time{}, 0
	}
}

// RecordFailure extends the failure streak and blocks the id once it reaches
// rateLimitFailureThreshold.
func (rl *RateLimiter) RecordFailure(connID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	a := rl.entry(connID)
	a.failures++
	if a.failures < rateLimitFailureThreshold {
		return
	}
	a.escalate(rl.nowFunc())
	log.Printf("[registry] connection %s blocked for %s after %d failed attempts",
		logging.Sanitize(connID), a.penalty, a.failures)
}

// Reset forgets everything recorded for connID.
func (rl *RateLimiter) Reset(connID string) {
	rl.mu.Lock()
	delete(rl.logs, connID)
	rl.mu.Unlock()
}

// GetState reports the failure streak, block expiry and attempts inside the
// current window for connID.
func (rl *RateLimiter) GetState(connID string) (consecutiveFailures int, blockedUntil time.Time, attemptsInWindow int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	a := rl.logs[connID]
	if a == nil {
		return 0, time.Time{}, 0
	}
	return a.failures, a.until, len(a.recent(rl.nowFunc()))
}
