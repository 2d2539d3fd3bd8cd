package engine

import (
	"context"
	"errors"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/artemis-suite/artemis/internal/fetch"
	"github.com/artemis-suite/artemis/internal/history"
	"github.com/artemis-suite/artemis/internal/utils"
)

// HistoryStore is the persistence surface the engine needs. Satisfied by
// history.Store; tests substitute an in-memory recorder.
type HistoryStore interface {
	Append(e history.Entry) error
	CountByStatusSince(since time.Time) (map[string]int, error)
	Len() (int, error)
}

// Config carries the tunables the engine reads at runtime.
type Config struct {
	Concurrency      int
	MaxWorkers       int
	QueueDepthCap    int
	DownloadDir      string
	FilenameTemplate string
	TaskTimeout      time.Duration
	MaxFileSize      int64
	RateLimitWindow  time.Duration
	RateLimitBurst   int
	TelemetryWindow  time.Duration
	LogRingSize      int
}

// Engine owns the task set, the claim loop, and the worker accounting. All
// scheduling decisions happen under mu; transfers run on worker goroutines.
type Engine struct {
	mu sync.Mutex

	cfg     Config
	fetcher fetch.Fetcher
	store   HistoryStore
	logs    *LogRing
	quota   *QuotaGuard

	tasks map[string]*Task
	order []*Task

	seq           uint64
	concurrency   int
	activeWorkers int
	closed        bool

	wg         sync.WaitGroup
	baseCtx    context.Context
	baseCancel context.CancelFunc
	now        func() time.Time
}

// New builds an engine. The store may be nil when persistence is disabled.
func New(cfg Config, fetcher fetch.Fetcher, store HistoryStore) *Engine {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	if cfg.Concurrency > cfg.MaxWorkers {
		cfg.Concurrency = cfg.MaxWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:         cfg,
		fetcher:     fetcher,
		store:       store,
		logs:        NewLogRing(cfg.LogRingSize),
		quota:       NewQuotaGuard(cfg.QueueDepthCap, cfg.RateLimitWindow, cfg.RateLimitBurst),
		tasks:       make(map[string]*Task),
		concurrency: cfg.Concurrency,
		baseCtx:     ctx,
		baseCancel:  cancel,
		now:         time.Now,
	}
}

// Logs exposes the activity feed ring.
func (e *Engine) Logs() *LogRing { return e.logs }

// Submit validates and enqueues one task per URL, then kicks the claim loop.
// All URLs in the batch share the same options. Admission is all-or-nothing.
func (e *Engine) Submit(caller string, urls []string, opts SubmitOptions) ([]View, error) {
	cleaned := make([]string, 0, len(urls))
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		cleaned = append(cleaned, raw)
	}
	if len(cleaned) == 0 {
		return nil, &ValidationError{Reason: "no URLs supplied"}
	}
	for _, raw := range cleaned {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
			return nil, &ValidationError{Reason: "not an absolute http(s) URL: " + raw}
		}
	}

	opts.normalize()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.OutputDir == "" {
		opts.OutputDir = e.cfg.DownloadDir
	}
	if opts.FilenameTemplate == "" {
		opts.FilenameTemplate = e.cfg.FilenameTemplate
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEngineClosed
	}
	if err := e.quota.Admit(caller, len(cleaned), e.liveCountLocked()); err != nil {
		return nil, err
	}

	views := make([]View, 0, len(cleaned))
	for _, raw := range cleaned {
		e.seq++
		t := newTask(uuid.NewString(), raw, opts, e.seq, e.now())
		e.tasks[t.id] = t
		e.order = append(e.order, t)
		views = append(views, t.Snapshot())
		utils.Debug("engine: queued task %s url=%s priority=%d", t.id, raw, opts.Priority)
	}
	e.logs.Add("Queued %d task(s) (priority %d)", len(cleaned), opts.Priority)

	e.tryScheduleLocked()
	return views, nil
}

// Cancel stops a task. Queued tasks finalize immediately; Running tasks are
// flagged and finalized by their worker. Terminal tasks are untouched and the
// current status is returned, so repeated cancels are harmless.
func (e *Engine) Cancel(id string) (Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[id]
	if !ok {
		return "", ErrTaskNotFound
	}

	t.mu.Lock()
	st := t.status
	t.mu.Unlock()

	if st == StatusQueued {
		if err := t.markCancelled(e.now()); err != nil {
			return t.Status(), nil
		}
		e.recordTerminal(t)
		e.logs.Add("Cancelled queued task %s", id)
		return StatusCancelled, nil
	}

	result := t.requestCancel()
	if result == StatusCancelled && st == StatusRunning {
		e.logs.Add("Cancellation requested for running task %s", id)
	}
	return result, nil
}

// SetConcurrency adjusts the worker ceiling at runtime. Raising it claims
// queued work immediately; lowering it never preempts running transfers, the
// pool shrinks as workers finish. Returns the clamped effective value.
func (e *Engine) SetConcurrency(n int) int {
	if n < 1 {
		n = 1
	}
	if n > e.cfg.MaxWorkers {
		n = e.cfg.MaxWorkers
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.concurrency
	e.concurrency = n
	if n != prev {
		e.logs.Add("Concurrency changed %d -> %d", prev, n)
		e.tryScheduleLocked()
	}
	return n
}

// Concurrency returns the current worker ceiling and the busy worker count.
func (e *Engine) Concurrency() (limit, active int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.concurrency, e.activeWorkers
}

// Task returns a snapshot of one task.
func (e *Engine) Task(id string) (View, error) {
	e.mu.Lock()
	t, ok := e.tasks[id]
	e.mu.Unlock()
	if !ok {
		return View{}, ErrTaskNotFound
	}
	return t.Snapshot(), nil
}

// Tasks snapshots every tracked task in submission order.
func (e *Engine) Tasks() []View {
	e.mu.Lock()
	ordered := append([]*Task(nil), e.order...)
	e.mu.Unlock()

	views := make([]View, 0, len(ordered))
	for _, t := range ordered {
		views = append(views, t.Snapshot())
	}
	return views
}

// ClearCompleted drops terminal tasks from the live set and reports how many
// were removed. History entries are unaffected.
func (e *Engine) ClearCompleted() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.order[:0]
	removed := 0
	for _, t := range e.order {
		if t.Status().IsTerminal() {
			delete(e.tasks, t.id)
			removed++
			continue
		}
		kept = append(kept, t)
	}
	e.order = kept
	if removed > 0 {
		e.logs.Add("Cleared %d finished task(s)", removed)
	}
	return removed
}

// Telemetry aggregates live counts with history counts over the configured
// window.
func (e *Engine) Telemetry() Telemetry {
	limit, active := e.Concurrency()
	queued, running, avg := aggregateLive(e.Tasks())

	t := Telemetry{
		Queued:        queued,
		Running:       running,
		ActiveWorkers: active,
		Concurrency:   limit,
		AvgProgress:   avg,
		WindowHours:   e.cfg.TelemetryWindow.Hours(),
		GeneratedAt:   e.now(),
	}
	if e.store != nil {
		since := e.now().Add(-e.cfg.TelemetryWindow)
		if counts, err := e.store.CountByStatusSince(since); err == nil {
			t.CompletedWindow = counts[string(StatusCompleted)]
			t.FailedWindow = counts[string(StatusFailed)]
			t.CancelledWindow = counts[string(StatusCancelled)]
		} else {
			utils.Debug("engine: history window count failed: %v", err)
		}
		if n, err := e.store.Len(); err == nil {
			t.HistoryTotal = n
		} else {
			utils.Debug("engine: history size read failed: %v", err)
		}
	}
	return t
}

// Shutdown stops admission and waits for running workers to drain. If the
// context expires first, running transfers are aborted and their workers
// finalize as cancelled.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		e.baseCancel()
		<-done
		err = ctx.Err()
	}
	e.baseCancel()
	utils.Debug("engine: shutdown complete")
	return err
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) liveCountLocked() int {
	live := 0
	for _, t := range e.order {
		if !t.Status().IsTerminal() {
			live++
		}
	}
	return live
}

// tryScheduleLocked claims queued tasks while worker slots are free. Claim
// order is highest priority first, submission order within a priority. Caller
// must hold e.mu.
func (e *Engine) tryScheduleLocked() {
	if e.closed {
		return
	}
	for e.activeWorkers < e.concurrency {
		next := e.nextQueuedLocked()
		if next == nil {
			return
		}

		ctx, cancel := context.WithCancel(e.baseCtx)
		if err := next.markRunning(cancel); err != nil {
			cancel()
			continue
		}
		e.activeWorkers++
		e.wg.Add(1)
		utils.Debug("engine: claimed task %s (workers %d/%d)", next.id, e.activeWorkers, e.concurrency)
		go e.run(ctx, cancel, next)
	}
}

func (e *Engine) nextQueuedLocked() *Task {
	var best *Task
	var bestPriority int
	for _, t := range e.order {
		t.mu.Lock()
		queued := t.status == StatusQueued
		priority := t.opts.Priority
		t.mu.Unlock()
		if !queued {
			continue
		}
		if best == nil || priority > bestPriority {
			best = t
			bestPriority = priority
		}
	}
	return best
}

// run drives one claimed task to a terminal state, records history, and frees
// the worker slot.
func (e *Engine) run(ctx context.Context, cancel context.CancelFunc, t *Task) {
	defer e.wg.Done()
	defer cancel()

	runCtx := ctx
	var cancelTimeout context.CancelFunc
	if e.cfg.TaskTimeout > 0 {
		runCtx, cancelTimeout = context.WithTimeout(ctx, e.cfg.TaskTimeout)
		defer cancelTimeout()
	}

	req := fetch.Request{
		URL:              t.url,
		OutputDir:        t.opts.OutputDir,
		FilenameTemplate: t.opts.FilenameTemplate,
		FormatMode:       t.opts.FormatMode,
		QualityFilter:    t.opts.QualityFilter,
		SubtitleLangs:    t.opts.SubtitleLangs,
		PlaylistLimit:    t.opts.PlaylistLimit,
		Proxy:            t.opts.Proxy,
		RateKiB:          t.opts.RateLimitKiB,
		MaxBytes:         e.cfg.MaxFileSize,
		Simulate:         t.opts.Simulate,
	}

	res, fetchErr := e.fetcher.Fetch(runCtx, req, func(p fetch.Progress) {
		t.applyProgress(p.Percent, p.ETASeconds, p.Message)
	})

	now := e.now()
	switch {
	case t.cancelWasRequested():
		if err := t.markCancelled(now); err == nil {
			e.logs.Add("Task %s cancelled", t.id)
		}
	case fetchErr != nil && errors.Is(fetchErr, context.Canceled) && e.isClosed():
		// The shutdown grace expired and baseCancel aborted the transfer
		if err := t.markCancelled(now); err == nil {
			e.logs.Add("Task %s cancelled by shutdown", t.id)
		}
		utils.Debug("engine: task %s aborted by shutdown", t.id)
	case fetchErr != nil:
		kind := FailEngine
		if errors.Is(fetchErr, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			kind = FailTimeout
		} else if errors.Is(fetchErr, fetch.ErrSizeExceeded) {
			kind = FailSizeExceeded
		}
		if err := t.fail(kind, fetchErr.Error(), now); err == nil {
			e.logs.Add("Task %s failed (%s): %v", t.id, kind, fetchErr)
		}
		utils.Debug("engine: task %s failed kind=%s err=%v", t.id, kind, fetchErr)
	default:
		ready := false
		if res.Path != "" {
			if _, statErr := os.Stat(res.Path); statErr == nil {
				ready = true
			}
		}
		if err := t.complete(res.Path, res.Size, res.MediaType, ready, now); err == nil {
			e.logs.Add("Task %s completed (%s)", t.id, res.MediaType)
		}
	}

	e.mu.Lock()
	e.recordTerminal(t)
	e.activeWorkers--
	e.tryScheduleLocked()
	e.mu.Unlock()
}

// recordTerminal appends the task's terminal snapshot to history. Caller must
// hold e.mu. A store failure is logged, never surfaced to the task.
func (e *Engine) recordTerminal(t *Task) {
	if e.store == nil {
		return
	}
	v := t.Snapshot()
	if !v.Status.IsTerminal() {
		return
	}
	entry := history.Entry{
		TaskID:      v.ID,
		URL:         v.URL,
		Status:      string(v.Status),
		FailureKind: string(v.FailureKind),
		Message:     v.Message,
		FormatMode:  v.FormatMode,
		Quality:     v.QualityLabel,
		Progress:    v.Progress,
		FilePath:    v.FilePath,
		FileSize:    v.FileSize,
		MediaType:   v.MediaType,
		Tags:        v.Tags,
		Priority:    v.Priority,
		CreatedAt:   v.CreatedAt,
		FinishedAt:  e.now(),
	}
	if v.CompletedAt != nil {
		entry.FinishedAt = *v.CompletedAt
	}
	if err := e.store.Append(entry); err != nil {
		utils.Debug("engine: history append failed for %s: %v", v.ID, err)
	}
}
