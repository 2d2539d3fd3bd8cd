// Package server exposes the engine over a local HTTP control surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/artemis-suite/artemis/internal/engine"
	"github.com/artemis-suite/artemis/internal/history"
	"github.com/artemis-suite/artemis/internal/platform"
	"github.com/artemis-suite/artemis/internal/utils"
)

// HistoryReader is the read side of the history log used by the API.
type HistoryReader interface {
	List(limit int) ([]history.Entry, error)
}

// PlaylistExpander resolves one URL into the submission URLs it stands for.
type PlaylistExpander func(ctx context.Context, rawurl string, limit int) ([]string, error)

// Server wires the engine to HTTP handlers.
type Server struct {
	engine  *engine.Engine
	history HistoryReader
	expand  PlaylistExpander
	http    *http.Server
}

// New builds a server around the engine. history may be nil; expand defaults
// to the platform resolver.
func New(eng *engine.Engine, hist HistoryReader) *Server {
	return &Server{
		engine:  eng,
		history: hist,
		expand:  platform.ExpandPlaylist,
	}
}

// queueRequest is the POST /api/queue body. Options apply to every URL.
type queueRequest struct {
	URLs []string `json:"urls"`
	engine.SubmitOptions
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
	})

	mux.HandleFunc("/api/options", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"format_presets":  engine.FormatPresets,
			"audio_codecs":    engine.AudioCodecs,
			"quality_options": engine.QualityOptions,
		})
	})

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		limit, active := s.engine.Concurrency()
		entries := []history.Entry{}
		if s.history != nil {
			if list, err := s.history.List(0); err == nil && list != nil {
				entries = list
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"tasks":          s.engine.Tasks(),
			"history":        entries,
			"telemetry":      s.engine.Telemetry(),
			"logs":           s.engine.Logs().Lines(),
			"concurrency":    limit,
			"active_workers": active,
		})
	})

	mux.HandleFunc("/api/queue", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req queueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}

		urls, err := s.resolveURLs(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		views, err := s.engine.Submit(clientIdentity(r), urls, req.SubmitOptions)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"queued": len(views),
			"tasks":  views,
		})
	})

	mux.HandleFunc("/api/start", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			Concurrency int `json:"concurrency"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}
		effective := s.engine.SetConcurrency(body.Concurrency)
		writeJSON(w, http.StatusOK, map[string]interface{}{"concurrency": effective})
	})

	mux.HandleFunc("/api/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "Missing id parameter", http.StatusBadRequest)
			return
		}
		status, err := s.engine.Cancel(id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": status})
	})

	mux.HandleFunc("/api/clear", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		removed := s.engine.ClearCompleted()
		writeJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
	})

	mux.HandleFunc("/api/history", func(w http.ResponseWriter, r *http.Request) {
		if s.history == nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{"entries": []history.Entry{}})
			return
		}
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, _ = strconv.Atoi(raw)
		}
		entries, err := s.history.List(limit)
		if err != nil {
			http.Error(w, "Failed to read history", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
	})

	mux.HandleFunc("/download/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/download/")
		if id == "" {
			http.Error(w, "Missing task id", http.StatusBadRequest)
			return
		}
		view, err := s.engine.Task(id)
		if err != nil {
			http.Error(w, "Task not found", http.StatusNotFound)
			return
		}
		if !view.DownloadReady || view.FilePath == "" {
			http.Error(w, "Artifact not ready", http.StatusConflict)
			return
		}
		if view.MediaType != "" {
			w.Header().Set("Content-Type", view.MediaType)
		}
		http.ServeFile(w, r, view.FilePath)
	})

	return withCORS(mux)
}

// resolveURLs expands playlist URLs into their entries unless the caller asked
// for a flat listing artifact.
func (s *Server) resolveURLs(ctx context.Context, req queueRequest) ([]string, error) {
	out := make([]string, 0, len(req.URLs))
	for _, raw := range req.URLs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if req.FormatMode != "Playlist (flat)" && platform.PlaylistID(raw) != "" {
			expanded, err := s.expand(ctx, raw, req.PlaylistLimit)
			if err != nil {
				return nil, fmt.Errorf("playlist expansion failed: %w", err)
			}
			out = append(out, expanded...)
			continue
		}
		out = append(out, raw)
	}
	return out, nil
}

// Serve runs the HTTP server on the listener until Close.
func (s *Server) Serve(ln net.Listener) error {
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	utils.Debug("server: listening on %s", ln.Addr())
	err := s.http.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close shuts the HTTP server down, waiting for in-flight requests.
func (s *Server) Close(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// clientIdentity names the caller for rate accounting. Proxied requests use
// the first forwarded hop.
func clientIdentity(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx != -1 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeEngineError maps engine rejections onto HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	var (
		validation *engine.ValidationError
		quota      *engine.QuotaExceededError
		limited    *engine.RateLimitedError
	)
	switch {
	case errors.As(err, &validation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &quota):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(int(limited.RetryAfter.Seconds()+0.5)))
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, engine.ErrTaskNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, engine.ErrEngineClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// withCORS allows browser clients on other origins to reach the local API.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
