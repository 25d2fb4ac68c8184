package core

import (
	"sync"
	"testing"
	"time"
)

// newTestPool creates a pool with a controllable clock.
func newTestPool(secrets []string, quota int, clock *testClock) *CredentialPool {
	p := NewCredentialPool(secrets, quota)
	p.now = clock.Now
	return p
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{t: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

var noon = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// --------------- selection ---------------

func TestPool_SelectAttempts_Empty(t *testing.T) {
	p := newTestPool(nil, 20, newTestClock(noon))
	if got := p.SelectAttempts(2); len(got) != 0 {
		t.Fatalf("expected no attempts from empty pool, got %d", len(got))
	}
}

func TestPool_SelectAttempts_RotatedOrder(t *testing.T) {
	p := newTestPool([]string{"k0", "k1", "k2"}, 20, newTestClock(noon))

	attempts := p.SelectAttempts(2)
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if attempts[0].Secret != "k0" || attempts[1].Secret != "k1" {
		t.Fatalf("expected [k0 k1], got [%s %s]", attempts[0].Secret, attempts[1].Secret)
	}

	// After a success on k0, selection starts at k1
	p.ReportOutcome(attempts[0], OutcomeSuccess)

	attempts = p.SelectAttempts(2)
	if attempts[0].Secret != "k1" || attempts[1].Secret != "k2" {
		t.Fatalf("expected [k1 k2], got [%s %s]", attempts[0].Secret, attempts[1].Secret)
	}
}

func TestPool_SelectAttempts_CappedByUsable(t *testing.T) {
	p := newTestPool([]string{"k0", "k1"}, 20, newTestClock(noon))
	if got := p.SelectAttempts(5); len(got) != 2 {
		t.Fatalf("expected attempts capped at 2 usable credentials, got %d", len(got))
	}
}

func TestPool_RoundRobinFairness(t *testing.T) {
	p := newTestPool([]string{"k0", "k1", "k2"}, 20, newTestClock(noon))

	counts := make(map[string]int)
	for i := 0; i < 9; i++ {
		attempts := p.SelectAttempts(1)
		if len(attempts) != 1 {
			t.Fatalf("round %d: expected 1 attempt, got %d", i, len(attempts))
		}
		counts[attempts[0].Secret]++
		p.ReportOutcome(attempts[0], OutcomeSuccess)
	}

	for _, k := range []string{"k0", "k1", "k2"} {
		if counts[k] != 3 {
			t.Fatalf("expected each credential used 3 times, got %v", counts)
		}
	}
}

// --------------- outcome accounting ---------------

func TestPool_SuccessConsumesQuota(t *testing.T) {
	p := newTestPool([]string{"k0"}, 2, newTestClock(noon))

	for i := 0; i < 2; i++ {
		attempts := p.SelectAttempts(1)
		if len(attempts) != 1 {
			t.Fatalf("round %d: expected a usable credential", i)
		}
		p.ReportOutcome(attempts[0], OutcomeSuccess)
	}

	if got := p.SelectAttempts(1); len(got) != 0 {
		t.Fatal("credential at quota should not be selected")
	}
}

func TestPool_RateLimitedDisablesAndBurnsQuota(t *testing.T) {
	p := newTestPool([]string{"k0"}, 20, newTestClock(noon))

	attempts := p.SelectAttempts(1)
	p.ReportOutcome(attempts[0], OutcomeRateLimited)

	if got := p.SelectAttempts(1); len(got) != 0 {
		t.Fatal("rate-limited credential should be disabled until next UTC midnight")
	}

	snap := p.Snapshot()
	if snap.Credentials[0].DailyUsed != 1 {
		t.Fatalf("rate limit should count as usage, dailyUsed=%d", snap.Credentials[0].DailyUsed)
	}
	if snap.Credentials[0].DisabledUntil == nil {
		t.Fatal("disabledUntil should be set")
	}
	want := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	if !snap.Credentials[0].DisabledUntil.Equal(want) {
		t.Fatalf("disabledUntil = %v, want %v", snap.Credentials[0].DisabledUntil, want)
	}
}

func TestPool_TransientKeepsCountersUntouched(t *testing.T) {
	p := newTestPool([]string{"k0", "k1"}, 20, newTestClock(noon))

	attempts := p.SelectAttempts(1)
	p.ReportOutcome(attempts[0], OutcomeTransientError)

	snap := p.Snapshot()
	if snap.Credentials[0].DailyUsed != 0 {
		t.Fatal("transient error must not consume quota")
	}

	// lastUsedIndex did not advance: selection starts at k0 again
	attempts = p.SelectAttempts(1)
	if attempts[0].Secret != "k0" {
		t.Fatalf("expected k0 selected again after transient failure, got %s", attempts[0].Secret)
	}
}

// --------------- daily reset ---------------

func TestPool_DailyResetClearsQuotaAndCooldown(t *testing.T) {
	clock := newTestClock(time.Date(2026, 3, 14, 23, 59, 59, 0, time.UTC))
	p := newTestPool([]string{"k0"}, 20, clock)

	attempts := p.SelectAttempts(1)
	p.ReportOutcome(attempts[0], OutcomeRateLimited)
	if got := p.SelectAttempts(1); len(got) != 0 {
		t.Fatal("credential should be in cooldown before midnight")
	}

	clock.Set(time.Date(2026, 3, 15, 0, 0, 1, 0, time.UTC))

	attempts = p.SelectAttempts(1)
	if len(attempts) != 1 {
		t.Fatal("first access after UTC midnight should reset the pool")
	}
	snap := p.Snapshot()
	if snap.Credentials[0].DailyUsed != 0 {
		t.Fatalf("dailyUsed should reset to 0, got %d", snap.Credentials[0].DailyUsed)
	}
	if snap.Credentials[0].DisabledUntil != nil {
		t.Fatal("cooldown should be cleared by the daily reset")
	}
}

func TestPool_ResetHappensOncePerDay(t *testing.T) {
	clock := newTestClock(noon)
	p := newTestPool([]string{"k0"}, 20, clock)

	attempts := p.SelectAttempts(1)
	p.ReportOutcome(attempts[0], OutcomeSuccess)

	// Later the same UTC day: usage must survive
	clock.Set(noon.Add(3 * time.Hour))
	snap := p.Snapshot()
	if snap.Credentials[0].DailyUsed != 1 {
		t.Fatalf("usage must not reset within the same day, got %d", snap.Credentials[0].DailyUsed)
	}
}

// --------------- concurrency ---------------

func TestPool_ConcurrentSuccessAccounting(t *testing.T) {
	p := newTestPool([]string{"k0"}, 20, newTestClock(noon))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			attempts := p.SelectAttempts(1)
			if len(attempts) == 1 {
				p.ReportOutcome(attempts[0], OutcomeSuccess)
			}
		}()
	}
	wg.Wait()

	snap := p.Snapshot()
	if snap.Credentials[0].DailyUsed != 2 {
		t.Fatalf("expected dailyUsed=2 after two racing successes, got %d", snap.Credentials[0].DailyUsed)
	}
}

func TestPool_ConcurrentSelectAndReport(t *testing.T) {
	p := newTestPool([]string{"k0", "k1", "k2"}, 1000, newTestClock(noon))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				for _, a := range p.SelectAttempts(2) {
					p.ReportOutcome(a, OutcomeSuccess)
				}
			}
		}()
	}
	wg.Wait()

	snap := p.Snapshot()
	total := 0
	for _, c := range snap.Credentials {
		total += c.DailyUsed
	}
	if total != 50*10*2 {
		t.Fatalf("lost updates: total dailyUsed=%d, want %d", total, 50*10*2)
	}
}
