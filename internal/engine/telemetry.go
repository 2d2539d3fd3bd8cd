package engine

import "time"

// Telemetry is a point-in-time aggregate of engine health. Live counts come
// from the in-memory task set; completion counts come from the history store
// restricted to the configured window.
type Telemetry struct {
	Queued          int       `json:"queued"`
	Running         int       `json:"running"`
	ActiveWorkers   int       `json:"active_workers"`
	Concurrency     int       `json:"concurrency"`
	AvgProgress     float64   `json:"avg_progress"`
	CompletedWindow int       `json:"completed_window"`
	FailedWindow    int       `json:"failed_window"`
	CancelledWindow int       `json:"cancelled_window"`
	HistoryTotal    int       `json:"history_total"`
	WindowHours     float64   `json:"window_hours"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// aggregateLive folds the live task views into queued/running counts and the
// mean progress over the whole live set, queued tasks included. An empty live
// set yields 0, not NaN.
func aggregateLive(views []View) (queued, running int, avgProgress float64) {
	var sum float64
	for _, v := range views {
		switch v.Status {
		case StatusQueued:
			queued++
			sum += v.Progress
		case StatusRunning:
			running++
			sum += v.Progress
		}
	}
	if live := queued + running; live > 0 {
		avgProgress = sum / float64(live)
	}
	return queued, running, avgProgress
}
