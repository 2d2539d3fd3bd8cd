package engine

import (
	"fmt"
	"sync"
	"time"
)

// LogRing is a fixed-capacity ring of recent engine events. When full, the
// oldest line is dropped. It backs the activity feed of the status surface.
type LogRing struct {
	mu    sync.Mutex
	lines []string
	cap   int
}

// NewLogRing builds a ring holding at most capacity lines.
func NewLogRing(capacity int) *LogRing {
	if capacity <= 0 {
		capacity = 300
	}
	return &LogRing{cap: capacity}
}

// Add formats a line, stamps it, and appends it to the ring.
func (r *LogRing) Add(format string, args ...interface{}) {
	line := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > r.cap {
		r.lines = r.lines[len(r.lines)-r.cap:]
	}
}

// Lines returns a copy of the buffered lines, oldest first.
func (r *LogRing) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}
