package fetch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/artemis-suite/artemis/internal/utils"
	"github.com/dustin/go-humanize"
	"github.com/grafov/m3u8"
	"github.com/h2non/filetype"
	"github.com/vfaronov/httpheader"
)

// HTTP client tuning
const (
	dialTimeout                  = 10 * time.Second
	keepAliveDuration            = 30 * time.Second
	defaultTLSHandshakeTimeout   = 10 * time.Second
	defaultResponseHeaderTimeout = 15 * time.Second
	probeTimeout                 = 30 * time.Second

	transferBuffer   = 512 * 1024
	progressInterval = 200 * time.Millisecond

	// Playlists are text; anything bigger than this is not one.
	maxPlaylistBytes = 8 * 1024 * 1024
)

var ua = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) " +
	"Chrome/120.0.0.0 Safari/537.36"

// FormatPlaylistFlat requests a flat listing of playlist entries without
// downloading payloads.
const FormatPlaylistFlat = "Playlist (flat)"

// HTTPFetcher is the built-in download engine: it probes the server for
// metadata, then streams the payload to disk while emitting progress.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher returns a fetcher with a tuned transport.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{client: newClient(nil)}
}

func newClient(proxy *url.URL) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: keepAliveDuration,
		}).DialContext,
		TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: defaultResponseHeaderTimeout,
	}
	if proxy != nil {
		transport.Proxy = http.ProxyURL(proxy)
	}
	return &http.Client{Transport: transport}
}

// probeResult contains all metadata from the server probe
type probeResult struct {
	FileSize      int64
	SupportsRange bool
	Filename      string
	ContentType   string
}

// clientFor returns the shared client, or a per-request one when the task
// carries its own proxy.
func (f *HTTPFetcher) clientFor(req Request) *http.Client {
	if req.Proxy == "" {
		return f.client
	}
	proxyURL, err := url.Parse(req.Proxy)
	if err != nil {
		utils.Debug("Invalid proxy %q, using direct connection: %v", req.Proxy, err)
		return f.client
	}
	return newClient(proxyURL)
}

// probe sends GET with Range: bytes=0-0 to determine server capabilities
func (f *HTTPFetcher) probe(ctx context.Context, client *http.Client, rawurl string) (*probeResult, error) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, rawurl, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create probe request: %w", err)
	}
	req.Header.Set("Range", "bytes=0-0")
	req.Header.Set("User-Agent", ua)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe request failed: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body) // Drain any remaining data
		resp.Body.Close()
	}()

	result := &probeResult{}

	switch resp.StatusCode {
	case http.StatusPartialContent: // 206
		result.SupportsRange = true
		// Content-Range: "bytes 0-0/12345" or "bytes 0-0/*"
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if idx := strings.LastIndex(cr, "/"); idx != -1 {
				sizeStr := cr[idx+1:]
				if sizeStr != "*" {
					result.FileSize, _ = strconv.ParseInt(sizeStr, 10, 64)
				}
			}
		}

	case http.StatusOK: // 200 - server ignores Range header
		result.SupportsRange = false
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			result.FileSize, _ = strconv.ParseInt(cl, 10, 64)
		}

	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	result.Filename = extractFilename(rawurl, resp)
	result.ContentType = resp.Header.Get("Content-Type")

	utils.Debug("Probe complete - filename: %s, size: %d, range: %v",
		result.Filename, result.FileSize, result.SupportsRange)

	return result, nil
}

// extractFilename gets the filename from Content-Disposition or the URL path.
func extractFilename(rawurl string, resp *http.Response) string {
	if _, filename, _ := httpheader.ContentDisposition(resp.Header); filename != "" {
		return filepath.Base(filename)
	}

	if parsed, err := url.Parse(rawurl); err == nil {
		name := filepath.Base(parsed.Path)
		if name != "" && name != "." && name != "/" {
			return name
		}
	}

	return "download.bin"
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
	client := f.clientFor(req)

	probe, err := f.probe(ctx, client, req.URL)
	if err != nil {
		return nil, err
	}

	if req.MaxBytes > 0 && probe.FileSize > req.MaxBytes {
		return nil, fmt.Errorf("%w: server reports %s", ErrSizeExceeded,
			humanize.Bytes(uint64(probe.FileSize)))
	}

	if req.Simulate {
		onProgress(Progress{
			Percent:    100,
			ETASeconds: 0,
			TotalBytes: probe.FileSize,
			Message:    fmt.Sprintf("Dry run: %s (%s)", probe.Filename, humanize.Bytes(uint64(probe.FileSize))),
		})
		return &Result{
			MediaType: probe.ContentType,
			Metadata:  map[string]string{"simulated": "true", "filename": probe.Filename},
		}, nil
	}

	if req.FormatMode == FormatPlaylistFlat || isHLSPlaylist(probe) {
		return f.flatListPlaylist(ctx, client, req, probe, onProgress)
	}

	return f.stream(ctx, client, req, probe, onProgress)
}

func isHLSPlaylist(probe *probeResult) bool {
	if strings.Contains(probe.ContentType, "mpegurl") {
		return true
	}
	return strings.HasSuffix(strings.ToLower(probe.Filename), ".m3u8")
}

// stream downloads the payload to disk, emitting progress as it goes.
func (f *HTTPFetcher) stream(ctx context.Context, client *http.Client, req Request, probe *probeResult, onProgress ProgressFunc) (*Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("User-Agent", ua)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	destPath, err := f.destPath(req, probe.Filename)
	if err != nil {
		return nil, err
	}

	out, err := os.Create(destPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}

	total := probe.FileSize
	var downloaded int64
	start := time.Now()
	lastEmit := time.Time{}
	buf := make([]byte, transferBuffer)

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				os.Remove(destPath)
				return nil, fmt.Errorf("failed to write output: %w", werr)
			}
			downloaded += int64(n)

			if req.MaxBytes > 0 && downloaded > req.MaxBytes {
				out.Close()
				os.Remove(destPath)
				return nil, fmt.Errorf("%w: received %s", ErrSizeExceeded,
					humanize.Bytes(uint64(downloaded)))
			}

			if time.Since(lastEmit) >= progressInterval {
				lastEmit = time.Now()
				onProgress(transferProgress(downloaded, total, start))
			}

			if req.RateKiB > 0 {
				if err := throttle(ctx, downloaded, req.RateKiB, start); err != nil {
					out.Close()
					os.Remove(destPath)
					return nil, err
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			os.Remove(destPath)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("transfer failed: %w", readErr)
		}
	}

	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize output: %w", err)
	}

	onProgress(Progress{
		Percent:    100,
		ETASeconds: 0,
		Downloaded: downloaded,
		TotalBytes: downloaded,
		Message:    fmt.Sprintf("Downloaded %s", humanize.Bytes(uint64(downloaded))),
	})

	return &Result{
		Path:      destPath,
		Size:      downloaded,
		MediaType: sniffMediaType(destPath, probe.ContentType),
		Metadata:  map[string]string{"filename": filepath.Base(destPath)},
	}, nil
}

// throttle sleeps until the average transfer rate drops back under the
// caller's limit.
func throttle(ctx context.Context, downloaded int64, rateKiB float64, start time.Time) error {
	expected := time.Duration(float64(downloaded) / (rateKiB * 1024) * float64(time.Second))
	ahead := expected - time.Since(start)
	if ahead <= 0 {
		return nil
	}

	timer := time.NewTimer(ahead)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func transferProgress(downloaded, total int64, start time.Time) Progress {
	p := Progress{
		Percent:    0,
		ETASeconds: -1,
		Downloaded: downloaded,
		TotalBytes: total,
	}
	if total > 0 {
		p.Percent = float64(downloaded) * 100 / float64(total)
		elapsed := time.Since(start).Seconds()
		if elapsed > 0 && downloaded > 0 {
			speed := float64(downloaded) / elapsed
			p.ETASeconds = int64(float64(total-downloaded) / speed)
		}
		p.Message = fmt.Sprintf("Downloaded %s of %s",
			humanize.Bytes(uint64(downloaded)), humanize.Bytes(uint64(total)))
	} else {
		p.Message = fmt.Sprintf("Downloaded %s", humanize.Bytes(uint64(downloaded)))
	}
	return p
}

// flatListPlaylist decodes an HLS playlist and writes its entries to a text
// artifact without downloading payloads.
func (f *HTTPFetcher) flatListPlaylist(ctx context.Context, client *http.Client, req Request, probe *probeResult, onProgress ProgressFunc) (*Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("User-Agent", ua)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	playlist, listType, err := m3u8.DecodeFrom(bufio.NewReader(io.LimitReader(resp.Body, maxPlaylistBytes)), true)
	if err != nil {
		return nil, fmt.Errorf("failed to decode playlist: %w", err)
	}

	var entries []string
	switch listType {
	case m3u8.MEDIA:
		media := playlist.(*m3u8.MediaPlaylist)
		for _, seg := range media.Segments {
			if seg == nil {
				continue
			}
			entries = append(entries, seg.URI)
		}
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		for _, v := range master.Variants {
			if v == nil {
				continue
			}
			entries = append(entries, v.URI)
		}
	default:
		return nil, fmt.Errorf("unrecognized playlist type")
	}

	if req.PlaylistLimit > 0 && len(entries) > req.PlaylistLimit {
		entries = entries[:req.PlaylistLimit]
	}

	name := strings.TrimSuffix(probe.Filename, filepath.Ext(probe.Filename)) + "-entries.txt"
	destPath, err := f.destPath(req, name)
	if err != nil {
		return nil, err
	}

	content := strings.Join(entries, "\n") + "\n"
	if err := os.WriteFile(destPath, []byte(content), 0644); err != nil {
		return nil, fmt.Errorf("failed to write playlist listing: %w", err)
	}

	onProgress(Progress{
		Percent:    100,
		ETASeconds: 0,
		Downloaded: int64(len(content)),
		TotalBytes: int64(len(content)),
		Message:    fmt.Sprintf("Listed %d playlist entries", len(entries)),
	})

	return &Result{
		Path:      destPath,
		Size:      int64(len(content)),
		MediaType: "text/plain",
		Metadata: map[string]string{
			"filename": filepath.Base(destPath),
			"segments": strconv.Itoa(len(entries)),
		},
	}, nil
}

// destPath resolves the output file path, creating the output directory and
// avoiding collisions with existing files.
func (f *HTTPFetcher) destPath(req Request, probeName string) (string, error) {
	dir := req.OutputDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	name := req.FilenameTemplate
	if name == "" {
		name = probeName
	}
	if name == "" {
		name = "download.bin"
	}
	return uniqueFilePath(filepath.Join(dir, name)), nil
}

// uniqueFilePath appends (1), (2), ... before the extension until the path
// does not collide with an existing file.
func uniqueFilePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}

	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)

	// Continue an existing (N) suffix instead of stacking a second one
	if idx := strings.LastIndex(base, "("); idx != -1 && strings.HasSuffix(base, ")") {
		if n, err := strconv.Atoi(base[idx+1 : len(base)-1]); err == nil {
			base = base[:idx]
			for i := n + 1; ; i++ {
				candidate := fmt.Sprintf("%s(%d)%s", base, i, ext)
				if _, err := os.Stat(candidate); os.IsNotExist(err) {
					return candidate
				}
			}
		}
	}

	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s(%d)%s", base, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// sniffMediaType detects the media type from file content, falling back to
// the Content-Type the server reported.
func sniffMediaType(path string, fallback string) string {
	f, err := os.Open(path)
	if err != nil {
		return fallback
	}
	defer f.Close()

	head := make([]byte, 261)
	n, _ := io.ReadFull(f, head)
	kind, err := filetype.Match(head[:n])
	if err != nil || kind == filetype.Unknown {
		return fallback
	}
	return kind.MIME.Value
}
