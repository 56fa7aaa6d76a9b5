package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/rstudio/shinycannon/internal/config"
	"github.com/rstudio/shinycannon/internal/endurance"
	"github.com/rstudio/shinycannon/internal/player"
	"github.com/rstudio/shinycannon/internal/recording"
	"github.com/rstudio/shinycannon/internal/version"
)

func main() {
	cfg, showVersion, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		printUsage()
		os.Exit(1)
	}
	if showVersion {
		fmt.Printf("shinycannon v%s\n", version.Version)
		return
	}

	cfg.User, cfg.Pass = config.CredentialsFromEnv()
	if cfg.User != "" && cfg.Pass == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		pass, err := promptPassword()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		cfg.Pass = pass
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	entries, err := recording.Load(cfg.RecordingPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	events, err := player.FromEntries(entries)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := setupOutputDir(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	runID := uuid.New().String()
	snapshot, err := cfg.SnapshotJSON()
	if err != nil {
		logger.Fatal("failed to snapshot config", "error", err)
	}
	if err := writeRunMetadata(cfg, runID, snapshot); err != nil {
		logger.Fatal("failed to write run metadata", "error", err)
	}

	warmupInterval := time.Duration(cfg.StartIntervalMs) * time.Millisecond
	if warmupInterval == 0 && cfg.Workers > 0 {
		warmupInterval = recording.Duration(entries) / time.Duration(cfg.Workers)
	}
	logger.Info("starting run",
		"run", runID,
		"workers", cfg.Workers,
		"warmup_interval", warmupInterval,
		"loaded_duration_minutes", cfg.LoadedDurationMinutes)

	headerComments := []string{
		strings.Join(os.Args, " "),
		snapshot,
		"run " + runID,
	}
	orch := endurance.New(cfg, events, warmupInterval, headerComments, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn("interrupt received, draining workers")
		orch.Stop()
		<-sigCh
		logger.Error("second interrupt, exiting immediately")
		os.Exit(130)
	}()

	orch.Run()

	fmt.Println(orch.Stats().String())
	// A wedged WebSocket read must never hold the process open after the
	// workers have drained.
	os.Exit(0)
}

// parseArgs builds the run configuration from the command line. An optional
// --config YAML file supplies defaults; explicit flags win.
func parseArgs(args []string) (*config.Config, bool, error) {
	cfg := config.Default()

	var (
		configPath  string
		showVersion bool
	)

	fs := flag.NewFlagSet("shinycannon", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}
	fs.IntVar(&cfg.Workers, "w", cfg.Workers, "Number of concurrent workers")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Number of concurrent workers")
	fs.Float64Var(&cfg.LoadedDurationMinutes, "d", cfg.LoadedDurationMinutes, "Minutes to sustain the load after ramp-up")
	fs.Float64Var(&cfg.LoadedDurationMinutes, "loaded-duration-minutes", cfg.LoadedDurationMinutes, "Minutes to sustain the load after ramp-up")
	fs.StringVar(&cfg.OutputDir, "o", cfg.OutputDir, "Output directory")
	fs.StringVar(&cfg.OutputDir, "output-dir", cfg.OutputDir, "Output directory")
	fs.BoolVar(&cfg.OverwriteOutput, "overwrite-output", cfg.OverwriteOutput, "Delete and recreate the output directory if it exists")
	fs.IntVar(&cfg.StartIntervalMs, "start-interval", cfg.StartIntervalMs, "Milliseconds between worker starts (0 = recording duration / workers)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")
	fs.BoolVar(&cfg.DebugLog, "debug-log", cfg.DebugLog, "Also write a debug-level log to <output-dir>/debug.log")
	fs.StringVar(&configPath, "config", "", "YAML config file with the same settings")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVar(&showVersion, "v", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	if configPath != "" {
		fileCfg := config.Default()
		if err := config.LoadFile(configPath, fileCfg); err != nil {
			return nil, false, err
		}
		// Reapply explicit flags on top of the file values.
		*cfg = *fileCfg
		if err := fs.Parse(args); err != nil {
			return nil, false, err
		}
	}

	if showVersion {
		return cfg, true, nil
	}

	positional := fs.Args()
	if len(positional) != 2 {
		return nil, false, fmt.Errorf("expected 2 arguments (recording path and app URL), got %d", len(positional))
	}
	cfg.RecordingPath = positional[0]
	cfg.AppURL = positional[1]

	if cfg.OutputDir == "" {
		cfg.OutputDir = "test-logs-" + time.Now().Format("2006-01-02T15-04-05")
	}

	return cfg, false, nil
}

// setupOutputDir creates the output directory, negotiating with the user
// when a previous run's output is in the way.
func setupOutputDir(cfg *config.Config) error {
	entries, err := os.ReadDir(cfg.OutputDir)
	if err == nil && len(entries) > 0 {
		overwrite := cfg.OverwriteOutput
		if !overwrite && term.IsTerminal(int(os.Stdin.Fd())) {
			overwrite, err = confirmOverwrite(cfg.OutputDir)
			if err != nil {
				return err
			}
		}
		if !overwrite {
			return fmt.Errorf("output directory %s already exists (use --overwrite-output)", cfg.OutputDir)
		}
		if err := os.RemoveAll(cfg.OutputDir); err != nil {
			return fmt.Errorf("failed to remove output directory: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Join(cfg.OutputDir, "sessions"), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return nil
}

// writeRunMetadata copies the recording and records the version, run ID,
// schema and effective configuration next to the session logs.
func writeRunMetadata(cfg *config.Config, runID, snapshot string) error {
	rec, err := os.ReadFile(cfg.RecordingPath)
	if err != nil {
		return fmt.Errorf("failed to read recording: %w", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.OutputDir, "recording.log"), rec, 0644); err != nil {
		return fmt.Errorf("failed to copy recording: %w", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.OutputDir, "shinycannon-version.txt"), []byte(version.Version+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write version file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.OutputDir, "run-id.txt"), []byte(runID+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write run ID: %w", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.OutputDir, "args.json"), []byte(snapshot+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write args snapshot: %w", err)
	}
	return recording.WriteSchema(filepath.Join(cfg.OutputDir, "recording-schema.json"))
}

func buildLogger(cfg *config.Config) (*log.Logger, error) {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	var w io.Writer = os.Stderr
	if cfg.DebugLog {
		f, err := os.Create(filepath.Join(cfg.OutputDir, "debug.log"))
		if err != nil {
			return nil, fmt.Errorf("failed to create debug log: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		level = log.DebugLevel
	}

	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Level:           level,
	}), nil
}

func confirmOverwrite(dir string) (bool, error) {
	var yes bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(fmt.Sprintf("Output directory %s is not empty. Delete and recreate it?", dir)).
			Value(&yes),
	))
	if err := form.Run(); err != nil {
		return false, err
	}
	return yes, nil
}

func promptPassword() (string, error) {
	var pass string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title(config.EnvPass + " is not set. Password:").
			EchoMode(huh.EchoModePassword).
			Value(&pass),
	))
	if err := form.Run(); err != nil {
		return "", err
	}
	return pass, nil
}

func printUsage() {
	fmt.Println("shinycannon - load generator for Shiny applications")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  shinycannon [flags] <recording-path> <app-url>")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -w, --workers N                  Number of concurrent workers (default 1)")
	fmt.Println("  -d, --loaded-duration-minutes M  Minutes to sustain the load after ramp-up (default 0:")
	fmt.Println("                                   every worker plays the recording exactly once)")
	fmt.Println("  -o, --output-dir PATH            Output directory (default test-logs-<timestamp>)")
	fmt.Println("      --overwrite-output           Delete and recreate the output directory if it exists")
	fmt.Println("      --start-interval MS          Milliseconds between worker starts")
	fmt.Println("                                   (default: recording duration / workers)")
	fmt.Println("      --log-level LEVEL            debug, info, warn or error (default warn)")
	fmt.Println("      --debug-log                  Also write a debug-level log to <output-dir>/debug.log")
	fmt.Println("      --config PATH                YAML config file with the same settings")
	fmt.Println("  -v, --version                    Print version and exit")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Printf("  %s, %s  Credentials for protected applications\n", config.EnvUser, config.EnvPass)
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  shinycannon recording.log http://localhost:3838/app")
	fmt.Println("  shinycannon -w 10 -d 5 recording.log https://rsc.example.com/content/42")
}
