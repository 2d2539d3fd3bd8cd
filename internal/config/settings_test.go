package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultSettings(t *testing.T) {
	settings := DefaultSettings()

	if settings == nil {
		t.Fatal("DefaultSettings returned nil")
	}

	t.Run("GeneralSettings", func(t *testing.T) {
		if settings.General.DefaultDownloadDir == "" {
			t.Error("Default download directory should not be empty")
		}
		if !strings.Contains(strings.ToLower(settings.General.DefaultDownloadDir), "downloads") {
			t.Errorf("Default download dir should contain 'Downloads', got: %s", settings.General.DefaultDownloadDir)
		}
		if settings.General.LogRetentionCount <= 0 {
			t.Errorf("LogRetentionCount should be positive, got: %d", settings.General.LogRetentionCount)
		}
		if settings.General.LogRingSize <= 0 {
			t.Errorf("LogRingSize should be positive, got: %d", settings.General.LogRingSize)
		}
	})

	t.Run("QueueSettings", func(t *testing.T) {
		if settings.Queue.DefaultConcurrency <= 0 {
			t.Errorf("DefaultConcurrency should be positive, got: %d", settings.Queue.DefaultConcurrency)
		}
		if settings.Queue.MaxWorkers < settings.Queue.DefaultConcurrency {
			t.Errorf("MaxWorkers (%d) should be at least DefaultConcurrency (%d)",
				settings.Queue.MaxWorkers, settings.Queue.DefaultConcurrency)
		}
		if settings.Queue.QueueDepthCap <= 0 {
			t.Errorf("QueueDepthCap should be positive, got: %d", settings.Queue.QueueDepthCap)
		}
	})

	t.Run("LimitSettings", func(t *testing.T) {
		if settings.Limits.TaskTimeout <= 0 {
			t.Errorf("TaskTimeout should be positive, got: %v", settings.Limits.TaskTimeout)
		}
		if settings.Limits.MaxFileSize <= 0 {
			t.Errorf("MaxFileSize should be positive, got: %d", settings.Limits.MaxFileSize)
		}
		if settings.Limits.RateLimitWindow <= 0 {
			t.Errorf("RateLimitWindow should be positive, got: %v", settings.Limits.RateLimitWindow)
		}
		if settings.Limits.RateLimitBurst <= 0 {
			t.Errorf("RateLimitBurst should be positive, got: %d", settings.Limits.RateLimitBurst)
		}
	})

	t.Run("HistorySettings", func(t *testing.T) {
		if settings.History.RetentionCount != 200 {
			t.Errorf("RetentionCount should be 200, got: %d", settings.History.RetentionCount)
		}
		if settings.History.PruneAge < 24*time.Hour {
			t.Errorf("PruneAge should be at least a day, got: %v", settings.History.PruneAge)
		}
		if settings.History.JanitorSchedule == "" {
			t.Error("JanitorSchedule should not be empty")
		}
		if settings.History.TelemetryWindow <= 0 {
			t.Errorf("TelemetryWindow should be positive, got: %v", settings.History.TelemetryWindow)
		}
	})
}

func TestArtemisDirHonorsEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ARTEMIS_HOME", dir)

	if got := GetArtemisDir(); got != dir {
		t.Errorf("GetArtemisDir() = %q, want %q", got, dir)
	}
	if got := GetStateDir(); got != filepath.Join(dir, "state") {
		t.Errorf("GetStateDir() = %q", got)
	}
	if got := GetLogsDir(); got != filepath.Join(dir, "logs") {
		t.Errorf("GetLogsDir() = %q", got)
	}
	if got := GetSettingsPath(); got != filepath.Join(dir, "settings.json") {
		t.Errorf("GetSettingsPath() = %q", got)
	}
}

func TestLoadSettingsMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("ARTEMIS_HOME", t.TempDir())

	settings, err := LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if settings.Queue.DefaultConcurrency != DefaultSettings().Queue.DefaultConcurrency {
		t.Error("missing file should yield defaults")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	t.Setenv("ARTEMIS_HOME", t.TempDir())

	settings := DefaultSettings()
	settings.Queue.DefaultConcurrency = 7
	settings.General.FilenameTemplate = "media.bin"
	settings.Limits.TaskTimeout = 15 * time.Minute

	if err := SaveSettings(settings); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}

	loaded, err := LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if loaded.Queue.DefaultConcurrency != 7 {
		t.Errorf("DefaultConcurrency = %d, want 7", loaded.Queue.DefaultConcurrency)
	}
	if loaded.General.FilenameTemplate != "media.bin" {
		t.Errorf("FilenameTemplate = %q", loaded.General.FilenameTemplate)
	}
	if loaded.Limits.TaskTimeout != 15*time.Minute {
		t.Errorf("TaskTimeout = %v", loaded.Limits.TaskTimeout)
	}

	// No stray temp file left behind
	if _, err := os.Stat(GetSettingsPath() + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind by atomic save")
	}
}

func TestLoadSettingsMergesPartialFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ARTEMIS_HOME", dir)

	partial := map[string]interface{}{
		"queue": map[string]interface{}{"max_workers": 4},
	}
	data, err := json.Marshal(partial)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "settings.json"), data, 0644); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if loaded.Queue.MaxWorkers != 4 {
		t.Errorf("MaxWorkers = %d, want 4", loaded.Queue.MaxWorkers)
	}
	// Untouched fields keep their defaults
	if loaded.History.RetentionCount != 200 {
		t.Errorf("RetentionCount = %d, want default 200", loaded.History.RetentionCount)
	}
}

func TestLoadSettingsRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ARTEMIS_HOME", dir)

	if err := os.WriteFile(filepath.Join(dir, "settings.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSettings(); err == nil {
		t.Error("corrupt settings file should return an error")
	}
}
