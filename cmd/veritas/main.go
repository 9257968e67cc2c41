// Command veritas runs unified scenario files against a MongoDB deployment
// and reports a verdict per test case.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/arloliu/veritas"
	"github.com/arloliu/veritas/cmd/veritas/config"
	vmmetrics "github.com/arloliu/veritas/contrib/metrics/vm"
	"github.com/arloliu/veritas/internal/logging"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to configuration file (optional)")
	uri := flag.String("uri", "", "MongoDB connection string (overrides config)")
	dir := flag.String("dir", "", "Directory scanned for scenario files (overrides config)")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	flag.Parse()

	// Load configuration if provided
	settings := config.Default()
	if *configPath != "" {
		var err error
		settings, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			return err
		}
	}
	if *uri != "" {
		settings.Runner.URI = *uri
	}
	if *dir != "" {
		settings.Scenarios.Dirs = []string{*dir}
	}
	if *metricsAddr != "" {
		settings.Metrics.ListenAddr = *metricsAddr
	}
	if *logLevel != "" {
		settings.Logging.Level = *logLevel
	}

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(settings.Logging.Level),
	}))

	// Handle signals for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Remaining arguments are individual scenario files
	files, err := collectScenarioFiles(settings.Scenarios, flag.Args())
	if err != nil {
		logger.Error("Failed to collect scenario files", "error", err)
		return err
	}
	if len(files) == 0 {
		logger.Error("No scenario files found; pass files as arguments or set scenarios.dirs")
		return fmt.Errorf("no scenario files")
	}

	opts := []veritas.Option{
		veritas.WithURI(settings.Runner.URI),
		veritas.WithLogger(logging.NewSlogLogger(logger)),
		veritas.WithEventWaitTimeout(settings.Runner.EventWaitTimeout),
		veritas.WithThreadJoinTimeout(settings.Runner.ThreadJoinTimeout),
		veritas.WithPrimaryChangeTimeout(settings.Runner.PrimaryChangeTimeout),
	}

	if settings.Metrics.ListenAddr != "" {
		collector := vmmetrics.New()
		opts = append(opts, veritas.WithMetrics(collector))
		go serveMetrics(logger, settings.Metrics.ListenAddr, collector)
	}

	runner := veritas.NewRunner(opts...)

	logger.Info("Starting scenario run",
		"uri", settings.Runner.URI,
		"files", len(files),
	)

	summary, err := runFiles(ctx, logger, runner, files)
	if err != nil {
		return err
	}

	logger.Info("Scenario run complete",
		"passed", summary.passed,
		"failed", summary.failed,
		"skipped", summary.skipped,
	)

	if summary.failed > 0 {
		return fmt.Errorf("%d test(s) failed", summary.failed)
	}

	return nil
}

type runSummary struct {
	passed  int
	failed  int
	skipped int
}

func runFiles(ctx context.Context, logger *slog.Logger, runner *veritas.Runner, files []string) (runSummary, error) {
	var summary runSummary

	for _, path := range files {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}

		file, err := veritas.LoadScenario(path)
		if err != nil {
			logger.Error("Failed to load scenario", "file", path, "error", err)
			summary.failed++

			continue
		}

		logger.Info("Running scenario", "file", path, "description", file.Description)

		results, err := runner.RunFile(ctx, file)
		if err != nil {
			logger.Error("Scenario run failed", "file", path, "error", err)
			summary.failed++

			continue
		}

		for _, res := range results {
			switch {
			case res.Skipped:
				summary.skipped++
				logger.Info("SKIP", "test", res.Description, "reason", res.SkipReason)
			case res.Err != nil:
				summary.failed++
				logger.Error("FAIL", "test", res.Description, "error", res.Err)
			default:
				summary.passed++
				logger.Info("PASS", "test", res.Description)
			}
		}
	}

	return summary, nil
}

// collectScenarioFiles merges configured directories, configured files and
// command-line arguments into a sorted, de-duplicated file list.
func collectScenarioFiles(cfg config.ScenariosConfig, args []string) ([]string, error) {
	seen := make(map[string]struct{})
	var files []string

	add := func(path string) {
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		files = append(files, path)
	}

	for _, dir := range cfg.Dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if isScenarioFile(path) {
				add(path)
			}

			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", dir, err)
		}
	}

	for _, path := range cfg.Files {
		add(path)
	}
	for _, path := range args {
		add(path)
	}

	sort.Strings(files)

	return files, nil
}

func isScenarioFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func serveMetrics(logger *slog.Logger, addr string, collector *vmmetrics.Collector) {
	logger.Info("Serving metrics", "addr", addr)

	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil {
		logger.Error("Metrics server failed", "error", err)
	}
}
