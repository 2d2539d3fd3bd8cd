package engine

import (
	"errors"
	"testing"
	"time"
)

func TestQuotaDepthCap(t *testing.T) {
	g := NewQuotaGuard(5, time.Minute, 0)

	if err := g.Admit("a", 3, 0); err != nil {
		t.Fatalf("admit under cap failed: %v", err)
	}
	if err := g.Admit("a", 2, 3); err != nil {
		t.Fatalf("admit at cap failed: %v", err)
	}

	err := g.Admit("a", 1, 5)
	var quota *QuotaExceededError
	if !errors.As(err, &quota) {
		t.Fatalf("admit over cap = %v, want QuotaExceededError", err)
	}
	if quota.Live != 5 || quota.Cap != 5 {
		t.Errorf("error fields = %d/%d, want 5/5", quota.Live, quota.Cap)
	}
}

func TestQuotaBatchCountsOnce(t *testing.T) {
	g := NewQuotaGuard(0, time.Minute, 3)

	// A batch of many URLs is one admission event
	for i := 0; i < 3; i++ {
		if err := g.Admit("a", 10, 0); err != nil {
			t.Fatalf("call %d rejected: %v", i, err)
		}
	}
	if err := g.Admit("a", 1, 0); err == nil {
		t.Fatal("fourth call within window should be rejected")
	}
}

func TestQuotaSlidingWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	g := NewQuotaGuard(0, time.Minute, 2)
	g.now = func() time.Time { return now }

	if err := g.Admit("a", 1, 0); err != nil {
		t.Fatalf("first call rejected: %v", err)
	}
	now = now.Add(30 * time.Second)
	if err := g.Admit("a", 1, 0); err != nil {
		t.Fatalf("second call rejected: %v", err)
	}

	err := g.Admit("a", 1, 0)
	var limited *RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("third call = %v, want RateLimitedError", err)
	}
	if limited.RetryAfter <= 0 || limited.RetryAfter > time.Minute {
		t.Errorf("retry-after = %v, want within (0, 1m]", limited.RetryAfter)
	}

	// First call ages out of the window
	now = now.Add(31 * time.Second)
	if err := g.Admit("a", 1, 0); err != nil {
		t.Fatalf("call after window slid rejected: %v", err)
	}
}

func TestQuotaCallersIndependent(t *testing.T) {
	g := NewQuotaGuard(0, time.Minute, 1)

	if err := g.Admit("a", 1, 0); err != nil {
		t.Fatalf("caller a rejected: %v", err)
	}
	if err := g.Admit("b", 1, 0); err != nil {
		t.Fatalf("caller b rejected: %v", err)
	}
	if err := g.Admit("a", 1, 0); err == nil {
		t.Fatal("caller a second call should be rejected")
	}
}

func TestQuotaEvictsIdleCallers(t *testing.T) {
	now := time.Unix(1000, 0)
	g := NewQuotaGuard(0, time.Minute, 5)
	g.now = func() time.Time { return now }

	if err := g.Admit("idle", 1, 0); err != nil {
		t.Fatalf("idle caller rejected: %v", err)
	}

	// Once its window drains, the idle identity is dropped entirely
	now = now.Add(2 * time.Minute)
	if err := g.Admit("active", 1, 0); err != nil {
		t.Fatalf("active caller rejected: %v", err)
	}

	g.mu.Lock()
	_, kept := g.callers["idle"]
	total := len(g.callers)
	g.mu.Unlock()
	if kept {
		t.Error("drained caller window should be deleted")
	}
	if total != 1 {
		t.Errorf("tracked callers = %d, want 1", total)
	}
}

func TestQuotaDisabled(t *testing.T) {
	g := NewQuotaGuard(0, time.Minute, 0)
	for i := 0; i < 100; i++ {
		if err := g.Admit("a", 10, 1000); err != nil {
			t.Fatalf("disabled guard rejected: %v", err)
		}
	}
}
