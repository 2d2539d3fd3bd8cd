package fetch

import (
	"context"
	"errors"
)

// Progress is one update emitted by a fetcher while a transfer is in flight.
// ETASeconds is advisory; a negative value means unknown.
type Progress struct {
	Percent    float64
	ETASeconds int64
	Downloaded int64
	TotalBytes int64
	Message    string
}

// Result describes a finished transfer.
type Result struct {
	Path      string
	Size      int64
	MediaType string
	Metadata  map[string]string
}

// Request carries everything a fetcher needs to run one task.
type Request struct {
	URL              string
	OutputDir        string
	FilenameTemplate string
	FormatMode       string
	QualityFilter    string
	SubtitleLangs    []string
	PlaylistLimit    int
	Proxy            string
	RateKiB          float64 // transfer throttle in KiB/s, 0 means unthrottled
	MaxBytes         int64   // 0 means no cap
	Simulate         bool
}

// ProgressFunc receives progress updates. Implementations must not retain
// the Progress value past the call.
type ProgressFunc func(Progress)

// Fetcher is the external download engine contract. Fetch blocks until the
// transfer reaches a terminal outcome or ctx is cancelled. Progress callbacks
// are emitted from the calling goroutine's transfer loop, in order.
type Fetcher interface {
	Fetch(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error)
}

// ErrSizeExceeded is returned when a transfer would exceed Request.MaxBytes.
var ErrSizeExceeded = errors.New("transfer exceeds configured size cap")
