package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/artemis-suite/artemis/internal/engine"
	"github.com/artemis-suite/artemis/internal/fetch"
	"github.com/artemis-suite/artemis/internal/testutil"
)

func testEngineConfig() engine.Config {
	return engine.Config{
		Concurrency:     2,
		MaxWorkers:      12,
		QueueDepthCap:   64,
		DownloadDir:     os.TempDir(),
		TaskTimeout:     time.Minute,
		RateLimitWindow: time.Minute,
		RateLimitBurst:  1000,
		TelemetryWindow: 24 * time.Hour,
	}
}

func newTestServer(t *testing.T, cfg engine.Config, fetcher fetch.Fetcher) (*Server, http.Handler) {
	t.Helper()
	eng := engine.New(cfg, fetcher, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Shutdown(ctx)
	})
	srv := New(eng, nil)
	return srv, srv.Handler()
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func TestQueueEndpoint(t *testing.T) {
	_, handler := newTestServer(t, testEngineConfig(), testutil.NewFakeFetcher(4))

	rec := doJSON(t, handler, http.MethodPost, "/api/queue", map[string]interface{}{
		"urls":     []string{"https://example.com/a.bin", "https://example.com/b.bin"},
		"tags":     []string{"night"},
		"priority": 5,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Queued int           `json:"queued"`
		Tasks  []engine.View `json:"tasks"`
	}
	decode(t, rec, &resp)
	if resp.Queued != 2 || len(resp.Tasks) != 2 {
		t.Errorf("queued = %d tasks = %d, want 2/2", resp.Queued, len(resp.Tasks))
	}
	if resp.Tasks[0].Priority != 5 {
		t.Errorf("priority = %d, want 5", resp.Tasks[0].Priority)
	}
}

func TestQueueEndpointRejections(t *testing.T) {
	_, handler := newTestServer(t, testEngineConfig(), testutil.NewFakeFetcher(4))

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/queue", strings.NewReader("{broken"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("validation error", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/api/queue", map[string]interface{}{
			"urls": []string{"not-a-url"},
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("method not allowed", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/api/queue", nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", rec.Code)
		}
	})
}

func TestQueueDepthCapReturns429(t *testing.T) {
	cfg := testEngineConfig()
	cfg.QueueDepthCap = 1
	_, handler := newTestServer(t, cfg, testutil.NewFakeFetcher(4))

	rec := doJSON(t, handler, http.MethodPost, "/api/queue", map[string]interface{}{
		"urls": []string{"https://example.com/a.bin"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first submit status = %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/queue", map[string]interface{}{
		"urls": []string{"https://example.com/b.bin"},
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
}

func TestRateLimitSetsRetryAfter(t *testing.T) {
	cfg := testEngineConfig()
	cfg.RateLimitBurst = 1
	_, handler := newTestServer(t, cfg, testutil.NewFakeFetcher(4))

	rec := doJSON(t, handler, http.MethodPost, "/api/queue", map[string]interface{}{
		"urls": []string{"https://example.com/a.bin"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first submit status = %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/queue", map[string]interface{}{
		"urls": []string{"https://example.com/b.bin"},
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}

func TestStatusEndpoint(t *testing.T) {
	_, handler := newTestServer(t, testEngineConfig(), testutil.NewFakeFetcher(4))

	doJSON(t, handler, http.MethodPost, "/api/queue", map[string]interface{}{
		"urls": []string{"https://example.com/a.bin"},
	})

	rec := doJSON(t, handler, http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Tasks       []engine.View    `json:"tasks"`
		Telemetry   engine.Telemetry `json:"telemetry"`
		Logs        []string         `json:"logs"`
		Concurrency int              `json:"concurrency"`
	}
	decode(t, rec, &resp)
	if len(resp.Tasks) != 1 {
		t.Errorf("tasks = %d, want 1", len(resp.Tasks))
	}
	if resp.Concurrency != 2 {
		t.Errorf("concurrency = %d, want 2", resp.Concurrency)
	}
	if len(resp.Logs) == 0 {
		t.Error("activity log should not be empty after a submission")
	}
}

func TestStartEndpointAdjustsConcurrency(t *testing.T) {
	_, handler := newTestServer(t, testEngineConfig(), testutil.NewFakeFetcher(4))

	rec := doJSON(t, handler, http.MethodPost, "/api/start", map[string]int{"concurrency": 5})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Concurrency int `json:"concurrency"`
	}
	decode(t, rec, &resp)
	if resp.Concurrency != 5 {
		t.Errorf("concurrency = %d, want 5", resp.Concurrency)
	}

	// Clamped at the worker ceiling
	rec = doJSON(t, handler, http.MethodPost, "/api/start", map[string]int{"concurrency": 99})
	decode(t, rec, &resp)
	if resp.Concurrency != 12 {
		t.Errorf("concurrency = %d, want 12", resp.Concurrency)
	}
}

func TestCancelEndpoint(t *testing.T) {
	_, handler := newTestServer(t, testEngineConfig(), testutil.NewFakeFetcher(4))

	t.Run("missing id", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/api/cancel", nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/api/cancel?id=ghost", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("live task", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/api/queue", map[string]interface{}{
			"urls": []string{"https://example.com/c.bin"},
		})
		var submitted struct {
			Tasks []engine.View `json:"tasks"`
		}
		decode(t, rec, &submitted)

		rec = doJSON(t, handler, http.MethodPost, "/api/cancel?id="+submitted.Tasks[0].ID, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var resp struct {
			Status engine.Status `json:"status"`
		}
		decode(t, rec, &resp)
		if resp.Status != engine.StatusCancelled {
			t.Errorf("status = %s, want Cancelled", resp.Status)
		}
	})
}

func TestDownloadEndpoint(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "ready.bin")
	if err := os.WriteFile(artifact, []byte("artifact-bytes"), 0644); err != nil {
		t.Fatal(err)
	}

	fake := testutil.NewFakeFetcher(4)
	fake.Auto = &testutil.FetchOutcome{
		Result: &fetch.Result{Path: artifact, Size: 14, MediaType: "application/octet-stream"},
	}
	_, handler := newTestServer(t, testEngineConfig(), fake)

	rec := doJSON(t, handler, http.MethodPost, "/api/queue", map[string]interface{}{
		"urls": []string{"https://example.com/ready.bin"},
	})
	var submitted struct {
		Tasks []engine.View `json:"tasks"`
	}
	decode(t, rec, &submitted)
	id := submitted.Tasks[0].ID

	// Wait for the transfer to finish
	deadline := time.Now().Add(2 * time.Second)
	ready := false
	for time.Now().Before(deadline) {
		rec = doJSON(t, handler, http.MethodGet, "/api/status", nil)
		var status struct {
			Tasks []engine.View `json:"tasks"`
		}
		decode(t, rec, &status)
		if len(status.Tasks) == 1 && status.Tasks[0].DownloadReady {
			ready = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !ready {
		t.Fatal("task never became download-ready")
	}

	rec = doJSON(t, handler, http.MethodGet, "/download/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "artifact-bytes" {
		t.Errorf("body = %q", rec.Body.String())
	}

	t.Run("unknown task", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/download/ghost", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func TestDownloadNotReady(t *testing.T) {
	_, handler := newTestServer(t, testEngineConfig(), testutil.NewFakeFetcher(4))

	rec := doJSON(t, handler, http.MethodPost, "/api/queue", map[string]interface{}{
		"urls": []string{"https://example.com/pending.bin"},
	})
	var submitted struct {
		Tasks []engine.View `json:"tasks"`
	}
	decode(t, rec, &submitted)

	rec = doJSON(t, handler, http.MethodGet, "/download/"+submitted.Tasks[0].ID, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestPlaylistExpansionBeforeSubmit(t *testing.T) {
	srv, _ := newTestServer(t, testEngineConfig(), testutil.NewFakeFetcher(8))
	srv.expand = func(ctx context.Context, rawurl string, limit int) ([]string, error) {
		return []string{
			"https://www.youtube.com/watch?v=aaa",
			"https://www.youtube.com/watch?v=bbb",
		}, nil
	}
	handler := srv.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/queue", map[string]interface{}{
		"urls": []string{"https://www.youtube.com/playlist?list=PL123"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Queued int `json:"queued"`
	}
	decode(t, rec, &resp)
	if resp.Queued != 2 {
		t.Errorf("queued = %d, want 2 expanded entries", resp.Queued)
	}
}

func TestPlaylistExpansionFailure(t *testing.T) {
	srv, _ := newTestServer(t, testEngineConfig(), testutil.NewFakeFetcher(4))
	srv.expand = func(ctx context.Context, rawurl string, limit int) ([]string, error) {
		return nil, fmt.Errorf("upstream unavailable")
	}
	handler := srv.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/queue", map[string]interface{}{
		"urls": []string{"https://www.youtube.com/playlist?list=PL123"},
	})
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	_, handler := newTestServer(t, testEngineConfig(), testutil.NewFakeFetcher(4))

	req := httptest.NewRequest(http.MethodOptions, "/api/queue", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS origin header missing")
	}
}

func TestClientIdentity(t *testing.T) {
	cases := []struct {
		name      string
		remote    string
		forwarded string
		want      string
	}{
		{"plain remote", "10.0.0.9:4312", "", "10.0.0.9"},
		{"forwarded single", "127.0.0.1:80", "203.0.113.7", "203.0.113.7"},
		{"forwarded chain", "127.0.0.1:80", "203.0.113.7, 10.0.0.1", "203.0.113.7"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
			req.RemoteAddr = tc.remote
			if tc.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			if got := clientIdentity(req); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}
