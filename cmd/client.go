package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/artemis-suite/artemis/internal/engine"
	"github.com/artemis-suite/artemis/internal/history"
)

var queueCmd = &cobra.Command{
	Use:   "queue [url]...",
	Short: "Submit URLs to the running Artemis instance",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		urls := append([]string{}, args...)

		batchFile, _ := cmd.Flags().GetString("batch")
		if batchFile != "" {
			fileURLs, err := readURLsFromFile(batchFile)
			if err != nil {
				return fmt.Errorf("failed to read batch file: %w", err)
			}
			urls = append(urls, fileURLs...)
		}
		if len(urls) == 0 {
			return errors.New("no URLs supplied")
		}

		opts := engine.SubmitOptions{}
		opts.OutputDir, _ = cmd.Flags().GetString("output")
		opts.FormatMode, _ = cmd.Flags().GetString("format")
		opts.AudioCodec, _ = cmd.Flags().GetString("audio-codec")
		opts.QualityFilter, _ = cmd.Flags().GetString("quality")
		opts.SubtitleLangs, _ = cmd.Flags().GetStringSlice("subs")
		opts.Proxy, _ = cmd.Flags().GetString("proxy")
		opts.PlaylistLimit, _ = cmd.Flags().GetInt("playlist-limit")
		opts.FilenameTemplate, _ = cmd.Flags().GetString("filename")
		opts.RateLimitKiB, _ = cmd.Flags().GetFloat64("rate-limit")
		opts.Simulate, _ = cmd.Flags().GetBool("simulate")
		opts.Tags, _ = cmd.Flags().GetStringSlice("tag")
		opts.Notes, _ = cmd.Flags().GetString("notes")
		opts.Priority, _ = cmd.Flags().GetInt("priority")

		body := struct {
			URLs []string `json:"urls"`
			engine.SubmitOptions
		}{URLs: urls, SubmitOptions: opts}

		var resp struct {
			Queued int           `json:"queued"`
			Tasks  []engine.View `json:"tasks"`
		}
		if err := callAPI(http.MethodPost, "/api/queue", body, &resp); err != nil {
			return err
		}

		fmt.Printf("Queued %d task(s):\n", resp.Queued)
		for _, t := range resp.Tasks {
			fmt.Printf("  %s  %s\n", shortID(t.ID), t.URL)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tasks and telemetry of the running instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Tasks     []engine.View    `json:"tasks"`
			Telemetry engine.Telemetry `json:"telemetry"`
			Logs      []string         `json:"logs"`
		}
		if err := callAPI(http.MethodGet, "/api/status", nil, &resp); err != nil {
			return err
		}

		t := resp.Telemetry
		fmt.Printf("Workers %d/%d  queued %d  running %d  avg %.1f%%\n",
			t.ActiveWorkers, t.Concurrency, t.Queued, t.Running, t.AvgProgress)
		fmt.Printf("Last %.0fh: %d completed, %d failed, %d cancelled (%d in history)\n",
			t.WindowHours, t.CompletedWindow, t.FailedWindow, t.CancelledWindow, t.HistoryTotal)

		for _, task := range resp.Tasks {
			line := fmt.Sprintf("%s  %-9s %5.1f%%  %s", shortID(task.ID), task.Status, task.Progress, task.URL)
			if task.Status == engine.StatusRunning && task.ETA >= 0 {
				line += fmt.Sprintf("  (ETA %s)", (time.Duration(task.ETA) * time.Second).String())
			}
			fmt.Println(line)
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a queued or running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			ID     string        `json:"id"`
			Status engine.Status `json:"status"`
		}
		if err := callAPI(http.MethodPost, "/api/cancel?id="+args[0], nil, &resp); err != nil {
			return err
		}
		fmt.Printf("Task %s: %s\n", shortID(resp.ID), resp.Status)
		return nil
	},
}

var workersCmd = &cobra.Command{
	Use:   "workers <count>",
	Short: "Adjust the worker pool size at runtime",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var n int
		if _, err := fmt.Sscanf(args[0], "%d", &n); err != nil {
			return fmt.Errorf("invalid worker count %q", args[0])
		}
		body := map[string]int{"concurrency": n}
		var resp struct {
			Concurrency int `json:"concurrency"`
		}
		if err := callAPI(http.MethodPost, "/api/start", body, &resp); err != nil {
			return err
		}
		fmt.Printf("Concurrency set to %d\n", resp.Concurrency)
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove finished tasks from the live list",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Removed int `json:"removed"`
		}
		if err := callAPI(http.MethodPost, "/api/clear", nil, &resp); err != nil {
			return err
		}
		fmt.Printf("Cleared %d finished task(s)\n", resp.Removed)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the record of finished tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		path := "/api/history"
		if limit > 0 {
			path = fmt.Sprintf("%s?limit=%d", path, limit)
		}
		var resp struct {
			Entries []history.Entry `json:"entries"`
		}
		if err := callAPI(http.MethodGet, path, nil, &resp); err != nil {
			return err
		}
		for _, e := range resp.Entries {
			fmt.Printf("%s  %-9s  %s  %s\n",
				e.FinishedAt.Format("2006-01-02 15:04"), e.Status, shortID(e.TaskID), e.URL)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(historyCmd)

	queueCmd.Flags().StringP("batch", "b", "", "File containing URLs, one per line")
	queueCmd.Flags().StringP("output", "o", "", "Output directory")
	queueCmd.Flags().StringP("format", "f", "", "Format preset")
	queueCmd.Flags().String("audio-codec", "", "Audio codec for the audio-only preset")
	queueCmd.Flags().StringP("quality", "q", "", "Quality filter")
	queueCmd.Flags().StringSlice("subs", nil, "Subtitle languages")
	queueCmd.Flags().String("proxy", "", "Proxy URL for this submission")
	queueCmd.Flags().Int("playlist-limit", 0, "Max playlist entries (0 = all)")
	queueCmd.Flags().String("filename", "", "Output filename template")
	queueCmd.Flags().Float64("rate-limit", 0, "Transfer throttle in KiB/s")
	queueCmd.Flags().Bool("simulate", false, "Dry run without writing payloads")
	queueCmd.Flags().StringSliceP("tag", "t", nil, "Tags to attach")
	queueCmd.Flags().String("notes", "", "Free-form note")
	queueCmd.Flags().Int("priority", 0, "Priority 1-10 (higher first)")

	historyCmd.Flags().IntP("limit", "n", 0, "Max entries to show")
}

// callAPI sends a request to the running instance and decodes the JSON reply
// into out (when non-nil).
func callAPI(method, path string, body interface{}, out interface{}) error {
	port := readActivePort()
	if port == 0 {
		return errors.New("artemis is not running locally; start it first")
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, fmt.Sprintf("http://127.0.0.1:%d%s", port, path), reader)
	if err != nil {
		return err
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach the running instance: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s - %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// readURLsFromFile reads URLs from a file, one per line. Blank lines and
// #-comments are skipped.
func readURLsFromFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var urls []string
	scanner := bufio.NewScanner(file)

	// Long URLs can exceed the default 64KB line buffer
	const maxCapacity = 1024 * 1024
	buf := make([]byte, maxCapacity)
	scanner.Buffer(buf, maxCapacity)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			urls = append(urls, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return urls, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
