package engine

import (
	"strings"
	"testing"
)

func TestLogRingKeepsNewestLines(t *testing.T) {
	ring := NewLogRing(3)

	ring.Add("line %d", 1)
	ring.Add("line %d", 2)
	ring.Add("line %d", 3)
	ring.Add("line %d", 4)

	lines := ring.Lines()
	if len(lines) != 3 {
		t.Fatalf("len = %d, want 3", len(lines))
	}
	if !strings.HasSuffix(lines[0], "line 2") {
		t.Errorf("oldest line = %q, want line 2", lines[0])
	}
	if !strings.HasSuffix(lines[2], "line 4") {
		t.Errorf("newest line = %q, want line 4", lines[2])
	}
}

func TestLogRingLinesAreCopies(t *testing.T) {
	ring := NewLogRing(10)
	ring.Add("original")

	lines := ring.Lines()
	lines[0] = "mutated"

	if got := ring.Lines()[0]; strings.HasSuffix(got, "mutated") {
		t.Error("caller mutation leaked into the ring")
	}
}

func TestAggregateLiveEmpty(t *testing.T) {
	queued, running, avg := aggregateLive(nil)
	if queued != 0 || running != 0 || avg != 0 {
		t.Errorf("empty aggregate = %d/%d/%v, want zeros", queued, running, avg)
	}
}

func TestAggregateLiveIgnoresTerminal(t *testing.T) {
	views := []View{
		{Status: StatusRunning, Progress: 30},
		{Status: StatusRunning, Progress: 70},
		{Status: StatusQueued},
		{Status: StatusCompleted, Progress: 100},
		{Status: StatusFailed, Progress: 10},
	}
	queued, running, avg := aggregateLive(views)
	if queued != 1 || running != 2 {
		t.Errorf("counts = %d/%d, want 1/2", queued, running)
	}
	// Mean over the live set: (30 + 70 + 0) / 3
	if avg < 33.3 || avg > 33.4 {
		t.Errorf("avg = %v, want 100/3", avg)
	}
}

func TestAggregateLiveOnlyRunning(t *testing.T) {
	views := []View{
		{Status: StatusRunning, Progress: 40},
		{Status: StatusRunning, Progress: 60},
	}
	_, running, avg := aggregateLive(views)
	if running != 2 {
		t.Errorf("running = %d, want 2", running)
	}
	if avg != 50 {
		t.Errorf("avg = %v, want 50", avg)
	}
}
