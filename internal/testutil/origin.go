package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

// Origin is a configurable media origin for fetcher tests. It answers the
// Range probe the fetcher sends, then streams a payload of zeros.
type Origin struct {
	Server *httptest.Server

	FileSize       int64
	SupportsRanges bool
	ContentType    string
	Filename       string
	ByteLatency    time.Duration
	Body           []byte // overrides the zero payload when set

	RequestCount atomic.Int64
}

// OriginOption configures an Origin.
type OriginOption func(*Origin)

// WithFileSize sets the payload size.
func WithFileSize(size int64) OriginOption {
	return func(o *Origin) { o.FileSize = size }
}

// WithRangeSupport toggles Range request handling.
func WithRangeSupport(enabled bool) OriginOption {
	return func(o *Origin) { o.SupportsRanges = enabled }
}

// WithContentType sets the Content-Type header.
func WithContentType(ct string) OriginOption {
	return func(o *Origin) { o.ContentType = ct }
}

// WithFilename sets the Content-Disposition filename.
func WithFilename(name string) OriginOption {
	return func(o *Origin) { o.Filename = name }
}

// WithByteLatency slows the payload stream, one pause per KiB.
func WithByteLatency(d time.Duration) OriginOption {
	return func(o *Origin) { o.ByteLatency = d }
}

// WithBody serves the given bytes verbatim instead of zeros.
func WithBody(body []byte) OriginOption {
	return func(o *Origin) {
		o.Body = body
		o.FileSize = int64(len(body))
	}
}

// NewOrigin starts the origin server and registers cleanup with t.
func NewOrigin(t *testing.T, opts ...OriginOption) *Origin {
	t.Helper()

	o := &Origin{
		FileSize:       1 << 20,
		SupportsRanges: true,
		ContentType:    "application/octet-stream",
	}
	for _, opt := range opts {
		opt(o)
	}

	o.Server = NewHTTPServerT(t, http.HandlerFunc(o.handle))
	t.Cleanup(o.Server.Close)
	return o
}

// URL returns the origin's base URL.
func (o *Origin) URL() string { return o.Server.URL }

func (o *Origin) handle(w http.ResponseWriter, r *http.Request) {
	o.RequestCount.Add(1)

	if o.ContentType != "" {
		w.Header().Set("Content-Type", o.ContentType)
	}
	if o.Filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", o.Filename))
	}

	// Probe path: Range: bytes=0-0
	if rng := r.Header.Get("Range"); rng == "bytes=0-0" && o.SupportsRanges {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-0/%d", o.FileSize))
		w.Header().Set("Content-Length", "1")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte{0})
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(o.FileSize, 10))
	w.WriteHeader(http.StatusOK)

	if o.Body != nil {
		w.Write(o.Body)
		return
	}

	chunk := make([]byte, 1024)
	remaining := o.FileSize
	for remaining > 0 {
		n := int64(len(chunk))
		if remaining < n {
			n = remaining
		}
		if _, err := w.Write(chunk[:n]); err != nil {
			return
		}
		remaining -= n
		if o.ByteLatency > 0 {
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			time.Sleep(o.ByteLatency)
		}
	}
}
