// DataTalk is a conversational data-analysis agent.
//
// It answers natural-language questions about an attached SQLite
// dataset through an Anthropic-backed reasoning loop, exposing an HTTP
// API for multi-turn conversations and a CLI for one-shot questions.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	datatalk serve           Start the API server
//	datatalk ask <question>  Ask a single question (for testing)
//	datatalk version         Print version and build information
//	datatalk -o json version Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/datatalk-ai/datatalk/internal/agent"
	"github.com/datatalk-ai/datatalk/internal/api"
	"github.com/datatalk-ai/datatalk/internal/archive"
	"github.com/datatalk-ai/datatalk/internal/buildinfo"
	"github.com/datatalk-ai/datatalk/internal/config"
	"github.com/datatalk-ai/datatalk/internal/events"
	"github.com/datatalk-ai/datatalk/internal/llm"
	"github.com/datatalk-ai/datatalk/internal/memory"
	"github.com/datatalk-ai/datatalk/internal/tools"
	"github.com/datatalk-ai/datatalk/internal/usage"

	_ "modernc.org/sqlite" // SQLite driver for the read-only dataset
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the datatalk command. All OS-level
// dependencies are injected as parameters so the lifecycle is testable.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call
	// run() concurrently from tests. Our argument surface is small
	// enough that manual parsing is clearer than a CLI framework.
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: datatalk ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "DataTalk - Conversational Data Analysis Agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: datatalk [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

// runAsk handles the "datatalk ask <question>" subcommand. It boots a
// minimal pipeline (in-memory conversation store, no archive, no usage
// tracking) and processes a single question, printing the answer to
// stdout. Useful for quick smoke tests without starting the server.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Keep one-shot output quiet unless the config asks for more.
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	if cfg.LogLevel == "" {
		level = slog.LevelWarn
	}
	logger := newLogger(stdout, level, "text")
	logger.Debug("config loaded", "path", cfgPath)

	question := strings.Join(args, " ")

	dataset, err := openDataset(cfg.Dataset.Path)
	if err != nil {
		return err
	}
	if dataset != nil {
		defer dataset.Close()
	}

	client := llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Anthropic.MaxTokens, logger)
	registry := tools.NewRegistry(dataset, logger)
	backend := agent.NewBackend(client, cfg.Anthropic.Model, registry, logger, nil)
	invoker := agent.NewInvoker(agent.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay(),
	}, logger, nil)
	orch := agent.NewOrchestrator(memory.NewStore(), backend, invoker,
		cfg.Memory.EvictionThresholdBytes, nil, logger, nil)

	res, err := orch.ProcessTurn(ctx, "cli", question, func(delta string) {
		fmt.Fprint(stdout, delta)
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	fmt.Fprintln(stdout)

	switch res.Kind {
	case agent.ResultRetryRequested:
		fmt.Fprintln(stdout, res.Message)
	case agent.ResultTable:
		fmt.Fprintf(stdout, "(table: %d rows x %d columns)\n", res.Table.RowCount(), len(res.Table.Columns))
	case agent.ResultChart:
		fmt.Fprintf(stdout, "(chart: %s, %d series)\n", res.Chart.Type, len(res.Chart.Series))
	}
	return nil
}

// runServe handles the "datatalk serve" subcommand: the full pipeline
// with durable archive, usage accounting, and the event stream.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, level, "text")
	logger.Info("starting", "version", buildinfo.Version, "config", cfgPath)

	if cfg.Anthropic.APIKey == "" {
		return errors.New("anthropic.api_key is not configured")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	dataset, err := openDataset(cfg.Dataset.Path)
	if err != nil {
		return err
	}
	if dataset != nil {
		defer dataset.Close()
		logger.Info("dataset attached", "path", cfg.Dataset.Path)
	} else {
		logger.Warn("no dataset configured, run_query is disabled")
	}

	archiveStore, err := archive.NewStore(filepath.Join(cfg.DataDir, "archive.db"))
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer archiveStore.Close()

	usageStore, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}
	defer usageStore.Close()

	bus := events.New()
	client := llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Anthropic.MaxTokens, logger)
	registry := tools.NewRegistry(dataset, logger)
	backend := agent.NewBackend(client, cfg.Anthropic.Model, registry, logger, bus)
	invoker := agent.NewInvoker(agent.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay(),
	}, logger, bus)
	recorder := usage.NewTurnRecorder(usageStore, cfg.Pricing)
	orch := agent.NewOrchestrator(memory.NewStore(), backend, invoker,
		cfg.Memory.EvictionThresholdBytes, recorder, logger, bus)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, orch, archiveStore, usageStore, bus, logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// openDataset opens the analysis dataset read-only. An empty path
// returns a nil handle, which disables the query tool.
func openDataset(path string) (*sql.DB, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	return db, nil
}

func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
