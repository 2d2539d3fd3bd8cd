// Package scheduler runs periodic maintenance jobs.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/artemis-suite/artemis/internal/history"
	"github.com/artemis-suite/artemis/internal/utils"
)

// Janitor prunes aged history entries and rotates debug logs on a cron
// schedule. Schedules use the six-field form with a seconds column.
type Janitor struct {
	cron    *cron.Cron
	store   *history.Store
	age     time.Duration
	logsDir string
	keep    int
}

// NewJanitor validates the schedule and registers the maintenance job.
func NewJanitor(schedule string, store *history.Store, pruneAge time.Duration, logsDir string, keepLogs int) (*Janitor, error) {
	j := &Janitor{
		cron:    cron.New(cron.WithSeconds()),
		store:   store,
		age:     pruneAge,
		logsDir: logsDir,
		keep:    keepLogs,
	}
	if _, err := j.cron.AddFunc(schedule, j.sweep); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Start begins running sweeps on schedule.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts scheduling and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) sweep() {
	if j.store != nil && j.age > 0 {
		if n, err := j.store.Prune(j.age); err != nil {
			utils.Debug("janitor: history prune failed: %v", err)
		} else if n > 0 {
			utils.Debug("janitor: pruned %d aged history entries", n)
		}
	}
	if j.logsDir != "" {
		utils.CleanupLogs(j.logsDir, j.keep)
	}
}
