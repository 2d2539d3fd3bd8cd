package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

var (
	debugMu   sync.Mutex
	debugFile *os.File
)

// ConfigureDebug opens a timestamped debug log file in logsDir.
// Before it is called, Debug messages are dropped.
func ConfigureDebug(logsDir string) {
	debugMu.Lock()
	defer debugMu.Unlock()

	if debugFile != nil {
		return
	}
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return
	}
	name := fmt.Sprintf("artemis-%s.log", time.Now().Format("20060102-150405"))
	f, err := os.Create(filepath.Join(logsDir, name))
	if err != nil {
		return
	}
	debugFile = f
}

// Debug writes a timestamped message to the debug log file.
func Debug(format string, args ...any) {
	debugMu.Lock()
	defer debugMu.Unlock()

	if debugFile == nil {
		return
	}
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	fmt.Fprintf(debugFile, "[%s] %s\n", timestamp, fmt.Sprintf(format, args...))
	debugFile.Sync() // Flush immediately
}

// CloseDebug closes the debug log file, if open.
func CloseDebug() {
	debugMu.Lock()
	defer debugMu.Unlock()

	if debugFile != nil {
		debugFile.Close()
		debugFile = nil
	}
}

// CleanupLogs removes old log files from logsDir, keeping the most recent `keep`.
func CleanupLogs(logsDir string, keep int) {
	if keep <= 0 {
		keep = 5
	}
	entries, err := os.ReadDir(logsDir)
	if err != nil {
		return
	}

	var logs []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".log" {
			logs = append(logs, e.Name())
		}
	}
	if len(logs) <= keep {
		return
	}

	// Names embed the creation timestamp, so lexical order is chronological
	sort.Strings(logs)
	for _, name := range logs[:len(logs)-keep] {
		os.Remove(filepath.Join(logsDir, name))
	}
}
