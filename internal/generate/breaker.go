package generate

import (
	"sync"
	"time"
)

// breaker is a minimal per-model circuit breaker. After maxFailures
// consecutive failures the model is skipped until cooldown elapses, at which
// point a single probe call is allowed through. Any success closes it again.
//
// Model calls are the only suspension points in a session, so a full
// three-state breaker with probe budgets is not needed here; the fallback
// chain already limits blast radius to one call.
type breaker struct {
	maxFailures int
	cooldown    time.Duration

	mu       sync.Mutex
	failures int
	openedAt time.Time
}

func newBreaker(maxFailures int, cooldown time.Duration) *breaker {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breaker{maxFailures: maxFailures, cooldown: cooldown}
}

// allow reports whether a call may proceed. An open breaker whose cooldown has
// elapsed permits one probe; the probe's outcome decides whether it closes.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures < b.maxFailures {
		return true
	}
	if time.Since(b.openedAt) >= b.cooldown {
		// Probe: push the reopen point forward so concurrent callers
		// don't all probe at once.
		b.openedAt = time.Now()
		return true
	}
	return false
}

// record updates failure accounting after a call.
func (b *breaker) record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !failed {
		b.failures = 0
		return
	}
	b.failures++
	if b.failures == b.maxFailures {
		b.openedAt = time.Now()
	}
}

// open reports whether the breaker is currently rejecting calls.
func (b *breaker) open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures >= b.maxFailures && time.Since(b.openedAt) < b.cooldown
}
