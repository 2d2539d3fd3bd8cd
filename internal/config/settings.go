package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Settings holds all user-configurable application settings organized by category.
type Settings struct {
	General GeneralSettings `json:"general"`
	Queue   QueueSettings   `json:"queue"`
	Limits  LimitSettings   `json:"limits"`
	History HistorySettings `json:"history"`
}

// GeneralSettings contains application behavior settings.
type GeneralSettings struct {
	DefaultDownloadDir string `json:"default_download_dir"`
	FilenameTemplate   string `json:"filename_template"`
	LogRetentionCount  int    `json:"log_retention_count"`
	LogRingSize        int    `json:"log_ring_size"`
}

// QueueSettings contains worker pool and admission parameters.
type QueueSettings struct {
	DefaultConcurrency int `json:"default_concurrency"`
	MaxWorkers         int `json:"max_workers"`
	QueueDepthCap      int `json:"queue_depth_cap"`
}

// LimitSettings contains per-task and per-caller enforcement limits.
type LimitSettings struct {
	TaskTimeout     time.Duration `json:"task_timeout"`
	MaxFileSize     int64         `json:"max_file_size"`
	RateLimitWindow time.Duration `json:"rate_limit_window"`
	RateLimitBurst  int           `json:"rate_limit_burst"`
}

// HistorySettings controls the durable record of finished tasks.
type HistorySettings struct {
	RetentionCount  int           `json:"retention_count"`
	PruneAge        time.Duration `json:"prune_age"`
	JanitorSchedule string        `json:"janitor_schedule"`
	TelemetryWindow time.Duration `json:"telemetry_window"`
}

const (
	KB = 1024
	MB = 1024 * KB
	GB = 1024 * MB
)

// DefaultSettings returns a new Settings instance with sensible defaults.
func DefaultSettings() *Settings {
	homeDir, _ := os.UserHomeDir()
	defaultDir := filepath.Join(homeDir, "Downloads")

	return &Settings{
		General: GeneralSettings{
			DefaultDownloadDir: defaultDir,
			FilenameTemplate:   "",
			LogRetentionCount:  5,
			LogRingSize:        300,
		},
		Queue: QueueSettings{
			DefaultConcurrency: 2,
			MaxWorkers:         12,
			QueueDepthCap:      64,
		},
		Limits: LimitSettings{
			TaskTimeout:     time.Hour,
			MaxFileSize:     10 * GB,
			RateLimitWindow: time.Minute,
			RateLimitBurst:  30,
		},
		History: HistorySettings{
			RetentionCount:  200,
			PruneAge:        30 * 24 * time.Hour,
			JanitorSchedule: "0 */10 * * * *",
			TelemetryWindow: 24 * time.Hour,
		},
	}
}

// GetArtemisDir returns the per-user application directory (~/.artemis).
// Honors ARTEMIS_HOME for tests and portable installs.
func GetArtemisDir() string {
	if dir := os.Getenv("ARTEMIS_HOME"); dir != "" {
		return dir
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".artemis"
	}
	return filepath.Join(homeDir, ".artemis")
}

// GetStateDir returns the directory holding the history database and lock file.
func GetStateDir() string {
	return filepath.Join(GetArtemisDir(), "state")
}

// GetLogsDir returns the directory holding debug logs.
func GetLogsDir() string {
	return filepath.Join(GetArtemisDir(), "logs")
}

// GetSettingsPath returns the path to the settings JSON file.
func GetSettingsPath() string {
	return filepath.Join(GetArtemisDir(), "settings.json")
}

// LoadSettings loads settings from disk. Returns defaults if file doesn't exist.
func LoadSettings() (*Settings, error) {
	path := GetSettingsPath()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSettings(), nil
		}
		return nil, err
	}

	settings := DefaultSettings() // Start with defaults to fill any missing fields
	if err := json.Unmarshal(data, settings); err != nil {
		return nil, err
	}

	return settings, nil
}

// SaveSettings saves settings to disk atomically.
func SaveSettings(s *Settings) error {
	path := GetSettingsPath()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	// Atomic write: write to temp file, then rename
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempPath, path)
}
