package engine

import (
	"context"
	"sync"
	"time"
)

// Status is the lifecycle state of a task. Completed, Failed and Cancelled
// are terminal.
type Status string

const (
	StatusQueued    Status = "Queued"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusCancelled Status = "Cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is one requested download and its mutable state. All mutable fields
// are guarded by mu so readers never observe a torn update.
type Task struct {
	mu sync.Mutex

	id        string
	url       string
	opts      SubmitOptions
	seq       uint64
	createdAt time.Time

	status        Status
	progress      float64
	eta           int64 // seconds remaining, -1 unknown
	message       string
	failureKind   FailureKind
	filePath      string
	fileSize      int64
	mediaType     string
	downloadReady bool
	completedAt   time.Time

	cancelRequested bool
	cancel          context.CancelFunc // set while Running
}

func newTask(id, url string, opts SubmitOptions, seq uint64, now time.Time) *Task {
	return &Task{
		id:        id,
		url:       url,
		opts:      opts,
		seq:       seq,
		createdAt: now,
		status:    StatusQueued,
		progress:  0,
		eta:       -1,
		message:   "Queued",
	}
}

// ID returns the immutable task identifier.
func (t *Task) ID() string { return t.id }

// URL returns the immutable source locator.
func (t *Task) URL() string { return t.url }

// Status returns the current lifecycle state.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// applyProgress records a progress update. Percent is clamped into [0,100]
// and never decreases while the task is Running. Updates after a terminal
// transition are dropped.
func (t *Task) applyProgress(percent float64, etaSeconds int64, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != StatusRunning {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if percent > t.progress {
		t.progress = percent
	}
	if etaSeconds >= 0 {
		t.eta = etaSeconds
	} else {
		t.eta = -1
	}
	if message != "" {
		t.message = message
	}
}

// markRunning claims the task for a worker. Only valid from Queued.
func (t *Task) markRunning(cancel context.CancelFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != StatusQueued {
		return &InvalidTransitionError{ID: t.id, From: t.status, To: StatusRunning}
	}
	t.status = StatusRunning
	t.message = "Preparing download"
	t.progress = 0
	t.cancel = cancel
	return nil
}

// complete transitions Running -> Completed with the resolved artifact.
func (t *Task) complete(path string, size int64, mediaType string, ready bool, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != StatusRunning {
		return &InvalidTransitionError{ID: t.id, From: t.status, To: StatusCompleted}
	}
	t.status = StatusCompleted
	t.progress = 100
	t.eta = 0
	t.message = "Download finished"
	t.filePath = path
	t.fileSize = size
	t.mediaType = mediaType
	t.downloadReady = ready
	t.completedAt = now
	t.cancel = nil
	return nil
}

// fail transitions Running -> Failed with a failure kind and detail line.
func (t *Task) fail(kind FailureKind, detail string, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != StatusRunning {
		return &InvalidTransitionError{ID: t.id, From: t.status, To: StatusFailed}
	}
	t.status = StatusFailed
	t.failureKind = kind
	t.eta = -1
	t.message = detail
	t.downloadReady = false
	t.completedAt = now
	t.cancel = nil
	return nil
}

// markCancelled finalizes a cancellation from either Queued or Running.
func (t *Task) markCancelled(now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.IsTerminal() {
		return &InvalidTransitionError{ID: t.id, From: t.status, To: StatusCancelled}
	}
	t.status = StatusCancelled
	t.eta = -1
	t.message = "Cancelled"
	t.downloadReady = false
	t.completedAt = now
	t.cancel = nil
	return nil
}

// requestCancel flags a Running task for cancellation and fires its context
// cancel. The driver observes the flag at its next check point. Returns the
// status the caller should report.
func (t *Task) requestCancel() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.IsTerminal() {
		return t.status
	}
	t.cancelRequested = true
	if t.cancel != nil {
		t.cancel()
	}
	return StatusCancelled
}

func (t *Task) cancelWasRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelRequested
}

// View is an immutable snapshot of a task for the read model.
type View struct {
	ID            string      `json:"id"`
	URL           string      `json:"url"`
	Status        Status      `json:"status"`
	Progress      float64     `json:"progress"`
	ETA           int64       `json:"eta"` // seconds remaining, -1 unknown
	Message       string      `json:"message"`
	FailureKind   FailureKind `json:"failure_kind,omitempty"`
	FormatMode    string      `json:"format_mode"`
	QualityFilter string      `json:"quality_filter"`
	QualityLabel  string      `json:"quality_label"`
	Tags          []string    `json:"tags"`
	Notes         string      `json:"notes"`
	Priority      int         `json:"priority"`
	DownloadReady bool        `json:"download_ready"`
	FilePath      string      `json:"file_path,omitempty"`
	FileSize      int64       `json:"file_size,omitempty"`
	MediaType     string      `json:"media_type,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
}

// Snapshot copies the task state under its lock.
func (t *Task) Snapshot() View {
	t.mu.Lock()
	defer t.mu.Unlock()

	v := View{
		ID:            t.id,
		URL:           t.url,
		Status:        t.status,
		Progress:      t.progress,
		ETA:           t.eta,
		Message:       t.message,
		FailureKind:   t.failureKind,
		FormatMode:    t.opts.FormatMode,
		QualityFilter: t.opts.QualityFilter,
		QualityLabel:  t.opts.QualityLabel,
		Tags:          append([]string(nil), t.opts.Tags...),
		Notes:         t.opts.Notes,
		Priority:      t.opts.Priority,
		DownloadReady: t.downloadReady,
		FilePath:      t.filePath,
		FileSize:      t.fileSize,
		MediaType:     t.mediaType,
		CreatedAt:     t.createdAt,
	}
	if !t.completedAt.IsZero() {
		completed := t.completedAt
		v.CompletedAt = &completed
	}
	return v
}
