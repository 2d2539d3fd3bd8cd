package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/artemis-suite/artemis/internal/config"
	"github.com/artemis-suite/artemis/internal/engine"
	"github.com/artemis-suite/artemis/internal/fetch"
	"github.com/artemis-suite/artemis/internal/history"
	"github.com/artemis-suite/artemis/internal/scheduler"
	"github.com/artemis-suite/artemis/internal/server"
	"github.com/artemis-suite/artemis/internal/utils"
)

// Version information - set via ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const shutdownGrace = 30 * time.Second

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "artemis",
	Short:   "A media download task orchestrator",
	Long:    `Artemis is a headless download orchestrator: it queues media URLs, drives them through a bounded worker pool, and exposes progress, history and telemetry over a local HTTP API.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServe(cmd)
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().IntP("port", "p", 0, "Port to listen on (0 = auto-discover)")
	rootCmd.Flags().StringP("output", "o", "", "Default output directory")
	rootCmd.Flags().IntP("concurrency", "c", 0, "Initial worker count (default from settings)")
}

func runServe(cmd *cobra.Command) {
	settings, err := config.LoadSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading settings: %v\n", err)
		settings = config.DefaultSettings()
	}

	if err := os.MkdirAll(config.GetStateDir(), 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating state directory: %v\n", err)
		os.Exit(1)
	}

	utils.ConfigureDebug(config.GetLogsDir())
	defer utils.CloseDebug()
	utils.CleanupLogs(config.GetLogsDir(), settings.General.LogRetentionCount)

	isMaster, err := AcquireLock()
	if err != nil {
		fmt.Printf("Error acquiring lock: %v\n", err)
		os.Exit(1)
	}
	if !isMaster {
		fmt.Fprintln(os.Stderr, "Error: Artemis is already running.")
		fmt.Fprintln(os.Stderr, "Use 'artemis queue <url>' to submit to the active instance.")
		os.Exit(1)
	}
	defer func() {
		if err := ReleaseLock(); err != nil {
			utils.Debug("Error releasing lock: %v", err)
		}
	}()

	portFlag, _ := cmd.Flags().GetInt("port")
	outputDir, _ := cmd.Flags().GetString("output")
	concurrencyFlag, _ := cmd.Flags().GetInt("concurrency")

	if outputDir == "" {
		outputDir = settings.General.DefaultDownloadDir
	}
	concurrency := settings.Queue.DefaultConcurrency
	if concurrencyFlag > 0 {
		concurrency = concurrencyFlag
	}

	store, err := history.Open(filepath.Join(config.GetStateDir(), "history.db"), settings.History.RetentionCount)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening history store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	eng := engine.New(engine.Config{
		Concurrency:      concurrency,
		MaxWorkers:       settings.Queue.MaxWorkers,
		QueueDepthCap:    settings.Queue.QueueDepthCap,
		DownloadDir:      outputDir,
		FilenameTemplate: settings.General.FilenameTemplate,
		TaskTimeout:      settings.Limits.TaskTimeout,
		MaxFileSize:      settings.Limits.MaxFileSize,
		RateLimitWindow:  settings.Limits.RateLimitWindow,
		RateLimitBurst:   settings.Limits.RateLimitBurst,
		TelemetryWindow:  settings.History.TelemetryWindow,
		LogRingSize:      settings.General.LogRingSize,
	}, fetch.NewHTTPFetcher(), store)

	janitor, err := scheduler.NewJanitor(settings.History.JanitorSchedule, store,
		settings.History.PruneAge, config.GetLogsDir(), settings.General.LogRetentionCount)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting janitor: %v\n", err)
		os.Exit(1)
	}
	janitor.Start()
	defer janitor.Stop()

	var port int
	var listener net.Listener
	if portFlag > 0 {
		port = portFlag
		listener, err = net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: could not bind to port %d: %v\n", port, err)
			os.Exit(1)
		}
	} else {
		port, listener = findAvailablePort(1710)
		if listener == nil {
			fmt.Fprintf(os.Stderr, "Error: could not find available port\n")
			os.Exit(1)
		}
	}

	saveActivePort(port)
	defer removeActivePort()
	savePID()
	defer removePID()

	srv := server.New(eng, store)
	go func() {
		if err := srv.Serve(listener); err != nil {
			fmt.Fprintf(os.Stderr, "HTTP server error: %v\n", err)
		}
	}()

	fmt.Printf("Artemis %s running.\n", Version)
	fmt.Printf("HTTP API listening on port %d\n", port)
	fmt.Println("Press Ctrl+C to exit.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Close(ctx); err != nil {
		utils.Debug("HTTP shutdown error: %v", err)
	}
	if err := eng.Shutdown(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Shutdown grace expired; aborted running transfers.")
	}
}

// findAvailablePort tries ports starting from 'start' until one is available
func findAvailablePort(start int) (int, net.Listener) {
	for port := start; port < start+100; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return port, ln
		}
	}
	return 0, nil
}

// saveActivePort writes the active port to the state dir for CLI discovery
func saveActivePort(port int) {
	portFile := filepath.Join(config.GetArtemisDir(), "port")
	os.WriteFile(portFile, []byte(fmt.Sprintf("%d", port)), 0644)
	utils.Debug("HTTP server listening on port %d", port)
}

func removeActivePort() {
	portFile := filepath.Join(config.GetArtemisDir(), "port")
	os.Remove(portFile)
}

func readActivePort() int {
	portFile := filepath.Join(config.GetArtemisDir(), "port")
	data, err := os.ReadFile(portFile)
	if err != nil {
		return 0
	}
	var port int
	_, _ = fmt.Sscanf(string(data), "%d", &port)
	return port
}

func savePID() {
	pidFile := filepath.Join(config.GetArtemisDir(), "pid")
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		utils.Debug("Error writing PID file: %v", err)
	}
}

func removePID() {
	pidFile := filepath.Join(config.GetArtemisDir(), "pid")
	if err := os.Remove(pidFile); err != nil && !os.IsNotExist(err) {
		utils.Debug("Error removing PID file: %v", err)
	}
}
