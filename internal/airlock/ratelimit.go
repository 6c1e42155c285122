package airlock

import (
	"fmt"
	"sync"
	"time"
)

// RateLimiter counts requests per minute and tokens per day for each
// workspace. Check-and-record happens under one lock so concurrent tasks in
// the same workspace cannot undercount.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	tokens   map[string]*dayCount
	now      func() time.Time
}

type dayCount struct {
	day  string
	used int
}

// NewRateLimiter creates an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		tokens:   make(map[string]*dayCount),
		now:      time.Now,
	}
}

// Allow records one request (plus tokens) for workspace if both limits have
// room, and returns the reason when they do not.
func (rl *RateLimiter) Allow(workspace string, limits RateLimits, tokens int) (bool, string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-time.Minute)

	var recent []time.Time
	for _, t := range rl.requests[workspace] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}
	if limits.MaxRequestsPerMinute > 0 && len(recent) >= limits.MaxRequestsPerMinute {
		rl.requests[workspace] = recent
		return false, fmt.Sprintf("%d requests/minute limit reached", limits.MaxRequestsPerMinute)
	}

	dc := rl.day(workspace, now)
	if limits.MaxTokensPerDay > 0 && dc.used+tokens > limits.MaxTokensPerDay {
		rl.requests[workspace] = recent
		return false, fmt.Sprintf("%d tokens/day limit reached", limits.MaxTokensPerDay)
	}

	rl.requests[workspace] = append(recent, now)
	dc.used += tokens
	return true, ""
}

// RecordTokens charges tokens consumed outside a step (planning).
func (rl *RateLimiter) RecordTokens(workspace string, tokens int) {
	if tokens <= 0 {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.day(workspace, rl.now()).used += tokens
}

// Usage reports the current minute's request count and today's token count.
func (rl *RateLimiter) Usage(workspace string) (requests, tokens int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for _, t := range rl.requests[workspace] {
		if t.After(now.Add(-time.Minute)) {
			requests++
		}
	}
	return requests, rl.day(workspace, now).used
}

func (rl *RateLimiter) day(workspace string, now time.Time) *dayCount {
	today := now.UTC().Format("2006-01-02")
	dc, ok := rl.tokens[workspace]
	if !ok || dc.day != today {
		dc = &dayCount{day: today}
		rl.tokens[workspace] = dc
	}
	return dc
}
