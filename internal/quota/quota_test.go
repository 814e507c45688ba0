package quota

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeClock drives the tracker's injected time source.
type fakeClock struct {
	current time.Time
}

func (c *fakeClock) now() time.Time { return c.current }

func (c *fakeClock) advance(d time.Duration) { c.current = c.current.Add(d) }

func newTestTracker(limits map[Provider]Limits) (*Tracker, *fakeClock) {
	clock := &fakeClock{current: time.Now()}
	t := New(limits)
	t.now = clock.now
	return t, clock
}

// TestCanConsume_UnknownProvider verifies that an unconfigured provider
// can never be consumed.
func TestCanConsume_UnknownProvider(t *testing.T) {
	tracker, _ := newTestTracker(nil)
	if tracker.CanConsume(ProviderVirusTotal) {
		t.Error("unconfigured provider should not be consumable")
	}
}

// TestConsume_MinuteLimit verifies the minute cap blocks the next call
// and rolls over after the window elapses.
func TestConsume_MinuteLimit(t *testing.T) {
	tracker, clock := newTestTracker(map[Provider]Limits{
		ProviderVirusTotal: {MaxPerMinute: 4, MaxPerDay: 500},
	})

	for i := 0; i < 4; i++ {
		if !tracker.CanConsume(ProviderVirusTotal) {
			t.Fatalf("call %d should be allowed", i+1)
		}
		tracker.Consume(ProviderVirusTotal)
	}
	if tracker.CanConsume(ProviderVirusTotal) {
		t.Error("fifth call within the minute should be blocked")
	}

	clock.advance(61 * time.Second)
	if !tracker.CanConsume(ProviderVirusTotal) {
		t.Error("minute window should roll over after it elapses")
	}

	st, ok := tracker.StatusFor(ProviderVirusTotal)
	if !ok {
		t.Fatal("provider should be configured")
	}
	if st.MinuteRemaining != 4 {
		t.Errorf("expected full minute quota after rollover, got %d", st.MinuteRemaining)
	}
	if st.DailyRemaining != 496 {
		t.Errorf("daily counter should survive minute rollover, got %d remaining", st.DailyRemaining)
	}
}

// TestConsume_DailyLimit verifies the daily cap and that a minute
// rollover never resets it.
func TestConsume_DailyLimit(t *testing.T) {
	tracker, clock := newTestTracker(map[Provider]Limits{
		ProviderAbuseIPDB: {MaxPerDay: 3},
	})

	for i := 0; i < 3; i++ {
		tracker.Consume(ProviderAbuseIPDB)
	}
	if tracker.CanConsume(ProviderAbuseIPDB) {
		t.Error("daily cap reached, consumption should be blocked")
	}

	clock.advance(2 * time.Minute)
	if tracker.CanConsume(ProviderAbuseIPDB) {
		t.Error("minute passing must not reset the daily counter")
	}

	clock.advance(25 * time.Hour)
	if !tracker.CanConsume(ProviderAbuseIPDB) {
		t.Error("daily window should roll over after a day")
	}
}

// TestConsume_NoMinuteCap verifies that a zero MaxPerMinute means only
// the daily cap applies.
func TestConsume_NoMinuteCap(t *testing.T) {
	tracker, _ := newTestTracker(map[Provider]Limits{
		ProviderAbuseIPDB: {MaxPerDay: 1000},
	})

	for i := 0; i < 100; i++ {
		if !tracker.CanConsume(ProviderAbuseIPDB) {
			t.Fatalf("call %d should be allowed with no minute cap", i+1)
		}
		tracker.Consume(ProviderAbuseIPDB)
	}

	st, _ := tracker.StatusFor(ProviderAbuseIPDB)
	if st.HasMinuteLimit {
		t.Error("provider should report no minute limit")
	}
	if st.DailyRemaining != 900 {
		t.Errorf("expected 900 remaining, got %d", st.DailyRemaining)
	}
}

// TestWaitIfNearLimit_NoWaitNeeded verifies immediate clearance when
// quota is available.
func TestWaitIfNearLimit_NoWaitNeeded(t *testing.T) {
	tracker, _ := newTestTracker(map[Provider]Limits{
		ProviderVirusTotal: {MaxPerMinute: 4, MaxPerDay: 500},
	})

	slept := false
	tracker.sleep = func(ctx context.Context, d time.Duration) error {
		slept = true
		return nil
	}

	ok, err := tracker.WaitIfNearLimit(context.Background(), ProviderVirusTotal, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected clearance with quota available")
	}
	if slept {
		t.Error("should not sleep when no wait is needed")
	}
}

// TestWaitIfNearLimit_MinuteExhausted verifies the wait covers the
// remainder of the minute window plus padding.
func TestWaitIfNearLimit_MinuteExhausted(t *testing.T) {
	tracker, clock := newTestTracker(map[Provider]Limits{
		ProviderVirusTotal: {MaxPerMinute: 1, MaxPerDay: 500},
	})
	tracker.Consume(ProviderVirusTotal)
	clock.advance(30 * time.Second)

	var sleptFor time.Duration
	tracker.sleep = func(ctx context.Context, d time.Duration) error {
		sleptFor = d
		return nil
	}

	ok, err := tracker.WaitIfNearLimit(context.Background(), ProviderVirusTotal, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected clearance after waiting out the minute window")
	}
	if sleptFor < 30*time.Second || sleptFor > 31*time.Second {
		t.Errorf("expected a wait of roughly 30s, got %v", sleptFor)
	}
}

// TestWaitIfNearLimit_DailyExhausted verifies the daily cap returns
// immediately with no clearance and no sleep.
func TestWaitIfNearLimit_DailyExhausted(t *testing.T) {
	tracker, _ := newTestTracker(map[Provider]Limits{
		ProviderVirusTotal: {MaxPerMinute: 4, MaxPerDay: 1},
	})
	tracker.Consume(ProviderVirusTotal)

	tracker.sleep = func(ctx context.Context, d time.Duration) error {
		t.Error("should never sleep for a daily cap")
		return nil
	}

	ok, err := tracker.WaitIfNearLimit(context.Background(), ProviderVirusTotal, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("daily exhaustion must not grant clearance")
	}
}

// TestWaitIfNearLimit_ExceedsMaxWait verifies that a wait longer than
// the caller's budget is refused without sleeping.
func TestWaitIfNearLimit_ExceedsMaxWait(t *testing.T) {
	tracker, _ := newTestTracker(map[Provider]Limits{
		ProviderVirusTotal: {MaxPerMinute: 1, MaxPerDay: 500},
	})
	tracker.Consume(ProviderVirusTotal)

	tracker.sleep = func(ctx context.Context, d time.Duration) error {
		t.Error("should not sleep past the caller's budget")
		return nil
	}

	ok, err := tracker.WaitIfNearLimit(context.Background(), ProviderVirusTotal, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected refusal when the wait exceeds maxWait")
	}
}

// TestWaitIfNearLimit_ContextCancelled verifies cancellation surfaces
// as an error, not a clearance.
func TestWaitIfNearLimit_ContextCancelled(t *testing.T) {
	tracker, _ := newTestTracker(map[Provider]Limits{
		ProviderVirusTotal: {MaxPerMinute: 1, MaxPerDay: 500},
	})
	tracker.Consume(ProviderVirusTotal)

	tracker.sleep = func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}

	ok, err := tracker.WaitIfNearLimit(context.Background(), ProviderVirusTotal, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if ok {
		t.Error("cancelled wait must not grant clearance")
	}
}

// TestStatusAll verifies the snapshot covers every configured provider.
func TestStatusAll(t *testing.T) {
	tracker, _ := newTestTracker(map[Provider]Limits{
		ProviderVirusTotal: {MaxPerMinute: 4, MaxPerDay: 500},
		ProviderAbuseIPDB:  {MaxPerDay: 1000},
	})
	tracker.Consume(ProviderVirusTotal)

	all := tracker.StatusAll()
	if len(all) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(all))
	}
	if all[ProviderVirusTotal].MinuteRemaining != 3 {
		t.Errorf("expected 3 minute remaining, got %d", all[ProviderVirusTotal].MinuteRemaining)
	}
	if all[ProviderAbuseIPDB].DailyRemaining != 1000 {
		t.Errorf("expected untouched abuseipdb quota, got %d", all[ProviderAbuseIPDB].DailyRemaining)
	}
}
