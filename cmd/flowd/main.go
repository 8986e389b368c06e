package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/deepnoodle-ai/stateflow"
	"github.com/deepnoodle-ai/stateflow/postgres"
	"github.com/deepnoodle-ai/stateflow/redis"
	"github.com/deepnoodle-ai/stateflow/service"
	sqlitestore "github.com/deepnoodle-ai/stateflow/sqlite"
	"github.com/fatih/color"
	goredis "github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"
)

// CLI configuration
type Config struct {
	DefinitionsDir  string
	Addr            string
	StoreKind       string
	DSN             string
	DataDir         string
	RunWorkflow     string
	ResumeThread    string
	Decision        string
	Comment         string
	ListThreads     bool
	Inputs          map[string]interface{}
	Timeout         time.Duration
	ApprovalTimeout time.Duration
	EscalateTo      string
	Verbose         bool
	JSON            bool
}

func main() {
	config := parseFlags()
	logger := setupLogger(config)

	store, cleanup, err := openStore(config)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	defer cleanup()

	registry := stateflow.NewRegistry()
	if config.DefinitionsDir != "" {
		if err := loadDefinitions(registry, config.DefinitionsDir, logger); err != nil {
			log.Fatalf("Failed to load definitions: %v", err)
		}
	}

	streams := stateflow.NewStreams(stateflow.StreamOptions{})
	notifier := stateflow.NewSlogNotifier(logger)
	engine, err := stateflow.NewEngine(stateflow.EngineOptions{
		Store:     store,
		Registry:  registry,
		Events:    streams,
		Logger:    logger,
		Documents: stateflow.NewMemoryDocumentClient(),
		Notifier:  notifier,
	})
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if config.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	switch {
	case config.ListThreads:
		listThreads(ctx, store)
	case config.ResumeThread != "":
		resumeThread(ctx, engine, streams, config, logger)
	case config.RunWorkflow != "":
		runWorkflow(ctx, engine, registry, streams, config, logger)
	default:
		serve(ctx, engine, registry, streams, store, notifier, config, logger)
	}
}

func serve(ctx context.Context, engine *stateflow.Engine, registry *stateflow.Registry, streams *stateflow.Streams, store stateflow.CheckpointStore, notifier stateflow.Notifier, config *Config, logger *slog.Logger) {
	svc, err := service.New(service.Options{
		Registry: registry,
		Engine:   engine,
		Streams:  streams,
		Store:    store,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("Failed to create service: %v", err)
	}

	if config.ApprovalTimeout > 0 {
		supervisor, err := stateflow.NewSupervisor(stateflow.SupervisorOptions{
			Store:          store,
			Notifier:       notifier,
			Recipient:      config.EscalateTo,
			DefaultTimeout: config.ApprovalTimeout,
			Logger:         logger,
		})
		if err != nil {
			log.Fatalf("Failed to create supervisor: %v", err)
		}
		go supervisor.Run(ctx)
	}

	server := &http.Server{Addr: config.Addr, Handler: svc.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	color.Green("Listening on %s", config.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}

func runWorkflow(ctx context.Context, engine *stateflow.Engine, registry *stateflow.Registry, streams *stateflow.Streams, config *Config, logger *slog.Logger) {
	def, err := registry.Load(config.RunWorkflow)
	if err != nil {
		log.Fatalf("Failed to load workflow: %v", err)
	}
	state, err := def.ValidateState(config.Inputs)
	if err != nil {
		log.Fatalf("Input validation failed: %v", err)
	}

	threadID := stateflow.NewThreadID()
	if config.Verbose {
		sub := streams.Attach(threadID, stateflow.NewLoggingSink(logger))
		defer sub.Close()
	}
	color.Green("Starting execution (thread: %s)...", threadID)

	startTime := time.Now()
	result, err := engine.Execute(ctx, def, state, stateflow.ExecuteConfig{ThreadID: threadID})
	if err != nil {
		log.Fatalf("Execution failed: %v", err)
	}
	showResult(result, time.Since(startTime), config)
}

func resumeThread(ctx context.Context, engine *stateflow.Engine, streams *stateflow.Streams, config *Config, logger *slog.Logger) {
	if config.Verbose {
		sub := streams.Attach(config.ResumeThread, stateflow.NewLoggingSink(logger))
		defer sub.Close()
	}
	decision := stateflow.ApprovalDecision{
		ThreadID: config.ResumeThread,
		Decision: stateflow.Decision(config.Decision),
		Comment:  config.Comment,
	}
	startTime := time.Now()
	result, err := engine.Resume(ctx, config.ResumeThread, decision)
	if err != nil {
		log.Fatalf("Resume failed: %v", err)
	}
	showResult(result, time.Since(startTime), config)
}

func listThreads(ctx context.Context, store stateflow.CheckpointStore) {
	lister, ok := store.(stateflow.ThreadLister)
	if !ok {
		color.Red("Error: store %T does not support listing threads", store)
		os.Exit(1)
	}
	threads, err := lister.ListThreads(ctx)
	if err != nil {
		log.Fatalf("Failed to list threads: %v", err)
	}
	if len(threads) == 0 {
		color.Yellow("No threads found")
		return
	}
	for _, t := range threads {
		line := fmt.Sprintf("%-32s %-24s %-10s node=%s updated=%s", t.ThreadID, t.WorkflowName, t.Status, t.NodeName, t.UpdatedAt.Format(time.RFC3339))
		switch t.Status {
		case stateflow.StatusCompleted:
			color.Green("%s", line)
		case stateflow.StatusPaused:
			color.Yellow("%s", line)
		case stateflow.StatusError, stateflow.StatusRejected:
			color.Red("%s", line)
		default:
			color.White("%s", line)
		}
	}
}

func showResult(result *stateflow.ExecutionResult, duration time.Duration, config *Config) {
	if config.JSON {
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
		return
	}
	switch result.Status {
	case stateflow.StatusCompleted:
		color.Green("Completed in %v", duration)
	case stateflow.StatusPaused:
		color.Yellow("Paused awaiting approval (thread: %s)", result.ThreadID)
		if result.InterruptData != nil {
			color.White("  Operation: %s", result.InterruptData.Operation)
			color.White("  Preview:   %s", result.InterruptData.Preview)
			color.White("  Risk:      %s", result.InterruptData.RiskLevel)
		}
	case stateflow.StatusRejected:
		color.Red("Rejected after %v", duration)
	default:
		color.Red("Finished with status %s after %v", result.Status, duration)
	}
	if result.FinalState != nil {
		out, _ := json.MarshalIndent(result.FinalState.Fields, "", "  ")
		fmt.Println(string(out))
	}
}

func loadDefinitions(registry *stateflow.Registry, dir string, logger *slog.Logger) error {
	handlers := builtinHandlers(logger)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	loaded := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		def, err := stateflow.LoadDefinitionFile(filepath.Join(dir, name), handlers)
		if err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
		if err := registry.Register(def); err != nil {
			return err
		}
		loaded++
	}
	color.Blue("Loaded %d workflow definitions from %s", loaded, dir)
	return nil
}

// builtinHandlers are the handlers available to YAML-defined workflows.
func builtinHandlers(logger *slog.Logger) stateflow.HandlerRegistry {
	return stateflow.HandlerRegistry{
		// set merges its params into the thread state.
		"set": func(ctx context.Context, nc *stateflow.NodeContext, params map[string]any) (map[string]any, error) {
			return params, nil
		},
		// log writes its message to the process log.
		"log": func(ctx context.Context, nc *stateflow.NodeContext, params map[string]any) (map[string]any, error) {
			message, _ := params["message"].(string)
			logger.Info(message, "thread_id", nc.ThreadID(), "node", nc.NodeName())
			return nil, nil
		},
		// wait sleeps for the configured duration.
		"wait": func(ctx context.Context, nc *stateflow.NodeContext, params map[string]any) (map[string]any, error) {
			raw, _ := params["duration"].(string)
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid duration %q: %w", raw, err)
			}
			select {
			case <-time.After(d):
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
		// fail returns an error, for exercising retry and escalation paths.
		"fail": func(ctx context.Context, nc *stateflow.NodeContext, params map[string]any) (map[string]any, error) {
			message, _ := params["message"].(string)
			if message == "" {
				message = "intentional failure"
			}
			return nil, fmt.Errorf("%s", message)
		},
	}
}

func openStore(config *Config) (stateflow.CheckpointStore, func(), error) {
	noop := func() {}
	switch config.StoreKind {
	case "memory":
		return stateflow.NewMemoryCheckpointStore(), noop, nil
	case "file":
		store, err := stateflow.NewFileCheckpointStore(config.DataDir)
		return store, noop, err
	case "sqlite":
		if config.DSN == "" {
			return nil, noop, fmt.Errorf("sqlite store requires -dsn")
		}
		db, err := sql.Open("sqlite", config.DSN)
		if err != nil {
			return nil, noop, err
		}
		store, err := sqlitestore.New(db)
		if err != nil {
			db.Close()
			return nil, noop, err
		}
		return store, func() { db.Close() }, nil
	case "postgres":
		if config.DSN == "" {
			return nil, noop, fmt.Errorf("postgres store requires -dsn")
		}
		store, err := postgres.Connect(context.Background(), config.DSN)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil
	case "redis":
		if config.DSN == "" {
			return nil, noop, fmt.Errorf("redis store requires -dsn")
		}
		opts, err := goredis.ParseURL(config.DSN)
		if err != nil {
			return nil, noop, err
		}
		client := goredis.NewClient(opts)
		return redis.New(client), func() { client.Close() }, nil
	}
	return nil, noop, fmt.Errorf("unknown store kind %q", config.StoreKind)
}

func parseFlags() *Config {
	config := &Config{
		Inputs: make(map[string]interface{}),
	}

	flag.StringVar(&config.DefinitionsDir, "definitions", "", "Directory of YAML workflow definitions")
	flag.StringVar(&config.DefinitionsDir, "d", "", "Directory of YAML workflow definitions (shorthand)")

	flag.StringVar(&config.Addr, "addr", ":8080", "HTTP listen address")
	flag.StringVar(&config.StoreKind, "store", "memory", "Checkpoint store: memory, file, sqlite, postgres, redis")
	flag.StringVar(&config.DSN, "dsn", "", "Store connection string (sqlite path, postgres or redis URL)")
	flag.StringVar(&config.DataDir, "data", "", "Data directory for the file store (default ~/.stateflow/threads)")

	flag.StringVar(&config.RunWorkflow, "run", "", "Run the named workflow once and exit")
	flag.StringVar(&config.ResumeThread, "resume", "", "Resume the given thread and exit")
	flag.StringVar(&config.Decision, "decision", "", "Decision for -resume: approve or reject")
	flag.StringVar(&config.Comment, "comment", "", "Reviewer comment for -resume")
	flag.BoolVar(&config.ListThreads, "list", false, "List known threads and exit")

	var inputFlags stringSlice
	flag.Var(&inputFlags, "input", "Initial state field in key=value form (repeatable)")
	flag.Var(&inputFlags, "i", "Initial state field in key=value form (shorthand)")

	flag.DurationVar(&config.Timeout, "timeout", 0, "Execution timeout (e.g. 30s, 5m)")
	flag.DurationVar(&config.ApprovalTimeout, "approval-timeout", 0, "Escalate approvals pending longer than this (serve mode)")
	flag.StringVar(&config.EscalateTo, "escalate-to", "approvals-oncall", "Recipient for overdue approval escalations")
	flag.BoolVar(&config.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&config.Verbose, "v", false, "Enable verbose logging (shorthand)")
	flag.BoolVar(&config.JSON, "json", false, "Output results in JSON format")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `flowd - approval-gated workflow engine

Usage: %s [options]

Examples:
  # Serve the HTTP API with in-memory checkpoints
  %s -definitions ./workflows

  # Serve with durable sqlite checkpoints
  %s -definitions ./workflows -store sqlite -dsn flowd.db

  # Run a workflow once from the command line
  %s -definitions ./workflows -run expense_approval -input amount=1200

  # Approve a paused thread
  %s -store sqlite -dsn flowd.db -resume thread_01h2x -decision approve

Options:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()

	for _, input := range inputFlags {
		parts := strings.SplitN(input, "=", 2)
		if len(parts) != 2 {
			fmt.Fprintf(os.Stderr, "Error: invalid input format '%s'. Use key=value\n", input)
			os.Exit(1)
		}
		key, value := parts[0], parts[1]

		// Parse as JSON when possible, fall back to string.
		var parsedValue interface{}
		if err := json.Unmarshal([]byte(value), &parsedValue); err != nil {
			parsedValue = value
		}
		config.Inputs[key] = parsedValue
	}

	if config.ResumeThread != "" && config.Decision == "" {
		fmt.Fprintln(os.Stderr, "Error: -resume requires -decision")
		os.Exit(1)
	}

	return config
}

type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func setupLogger(config *Config) *slog.Logger {
	if config.JSON {
		return stateflow.NewJSONLogger()
	}
	if config.Verbose {
		return stateflow.NewLogger()
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}
