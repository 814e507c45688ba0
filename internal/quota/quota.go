// Package quota tracks consumption of external reputation APIs against
// hard per-minute and per-day caps. State is process-local and in-memory:
// counters reset to zero on restart, which is an accepted tradeoff for a
// single-instance deployment. A horizontally scaled deployment would swap
// the backing state for a shared atomic counter store behind the same
// interface.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Provider identifies an external reputation service.
type Provider string

const (
	ProviderVirusTotal Provider = "virustotal"
	ProviderAbuseIPDB  Provider = "abuseipdb"
)

// Window durations are fixed; only the counters roll over.
const (
	minuteWindow = time.Minute
	dayWindow    = 24 * time.Hour
)

// waitPad is added after a minute-window wait so the rolled-over window is
// unambiguously current when the caller re-checks.
const waitPad = 100 * time.Millisecond

// Limits configures the caps for one provider. A zero MaxPerMinute means
// the provider has no minute-level cap.
type Limits struct {
	MaxPerMinute int
	MaxPerDay    int
}

// Status is a read-only snapshot of one provider's remaining quota.
type Status struct {
	MinuteRemaining int           `json:"minute_remaining"`
	DailyRemaining  int           `json:"daily_remaining"`
	MinuteResetIn   time.Duration `json:"minute_reset_in"`
	DailyResetIn    time.Duration `json:"daily_reset_in"`
	HasMinuteLimit  bool          `json:"has_minute_limit"`
}

type providerState struct {
	limits          Limits
	minuteCount     int
	minuteWindowEnd time.Time
	dailyCount      int
	dailyWindowEnd  time.Time
}

// Tracker accounts for outbound calls per provider. The enrichment
// pipeline is the single writer; the mutex keeps Status readable from the
// HTTP surface while a run is in flight.
type Tracker struct {
	mu        sync.Mutex
	providers map[Provider]*providerState
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// New creates a tracker with the given per-provider limits. Windows start
// at construction time.
func New(limits map[Provider]Limits) *Tracker {
	t := &Tracker{
		providers: make(map[Provider]*providerState, len(limits)),
		now:       time.Now,
		sleep:     sleepCtx,
	}
	now := time.Now()
	for p, l := range limits {
		t.providers[p] = &providerState{
			limits:          l,
			minuteWindowEnd: now.Add(minuteWindow),
			dailyWindowEnd:  now.Add(dayWindow),
		}
	}
	return t
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// rollover lazily resets any expired window before counters are read.
// Caller must hold the mutex.
func (s *providerState) rollover(now time.Time) {
	if s.limits.MaxPerMinute > 0 && !now.Before(s.minuteWindowEnd) {
		s.minuteCount = 0
		s.minuteWindowEnd = now.Add(minuteWindow)
	}
	if !now.Before(s.dailyWindowEnd) {
		s.dailyCount = 0
		s.dailyWindowEnd = now.Add(dayWindow)
	}
}

func (s *providerState) underLimits() bool {
	if s.limits.MaxPerMinute > 0 && s.minuteCount >= s.limits.MaxPerMinute {
		return false
	}
	return s.dailyCount < s.limits.MaxPerDay
}

// CanConsume reports whether one more call to the provider fits under both
// applicable limits, rolling over expired windows first.
func (t *Tracker) CanConsume(provider Provider) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.providers[provider]
	if !ok {
		return false
	}
	s.rollover(t.now())
	return s.underLimits()
}

// Consume records one call against the provider's counters. Call this
// immediately before issuing the external request, not after the response,
// so in-flight requests are already reflected in the accounting.
func (t *Tracker) Consume(provider Provider) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.providers[provider]
	if !ok {
		return
	}
	s.rollover(t.now())
	if s.limits.MaxPerMinute > 0 {
		s.minuteCount++
	}
	s.dailyCount++
}

// WaitIfNearLimit blocks until the provider's minute window resets when
// that is the limiting factor and the remaining wait fits within maxWait.
// Returns true when clearance was obtained (either no wait was needed or
// the wait completed). Returns false immediately when the daily cap is the
// limiting factor: no amount of waiting helps within a batch.
func (t *Tracker) WaitIfNearLimit(ctx context.Context, provider Provider, maxWait time.Duration) (bool, error) {
	t.mu.Lock()
	s, ok := t.providers[provider]
	if !ok {
		t.mu.Unlock()
		return false, fmt.Errorf("unknown provider %q", provider)
	}
	now := t.now()
	s.rollover(now)

	if s.dailyCount >= s.limits.MaxPerDay {
		t.mu.Unlock()
		return false, nil
	}
	if s.limits.MaxPerMinute == 0 || s.minuteCount < s.limits.MaxPerMinute {
		t.mu.Unlock()
		return true, nil
	}

	wait := s.minuteWindowEnd.Sub(now) + waitPad
	t.mu.Unlock()

	if wait > maxWait {
		return false, nil
	}
	if err := t.sleep(ctx, wait); err != nil {
		return false, err
	}
	return true, nil
}

// StatusFor returns the remaining quota snapshot for one provider.
func (t *Tracker) StatusFor(provider Provider) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.providers[provider]
	if !ok {
		return Status{}, false
	}
	now := t.now()
	s.rollover(now)

	st := Status{
		DailyRemaining: s.limits.MaxPerDay - s.dailyCount,
		DailyResetIn:   s.dailyWindowEnd.Sub(now),
		HasMinuteLimit: s.limits.MaxPerMinute > 0,
	}
	if st.DailyRemaining < 0 {
		st.DailyRemaining = 0
	}
	if s.limits.MaxPerMinute > 0 {
		st.MinuteRemaining = s.limits.MaxPerMinute - s.minuteCount
		if st.MinuteRemaining < 0 {
			st.MinuteRemaining = 0
		}
		st.MinuteResetIn = s.minuteWindowEnd.Sub(now)
	}
	return st, true
}

// StatusAll reports remaining quota for every configured provider.
func (t *Tracker) StatusAll() map[Provider]Status {
	t.mu.Lock()
	providers := make([]Provider, 0, len(t.providers))
	for p := range t.providers {
		providers = append(providers, p)
	}
	t.mu.Unlock()

	out := make(map[Provider]Status, len(providers))
	for _, p := range providers {
		if st, ok := t.StatusFor(p); ok {
			out[p] = st
		}
	}
	return out
}
