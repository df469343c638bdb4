// Statebridge connects a CopilotKit-style front-end to a tool-calling
// language model.
//
// Each request runs one turn over a persisted conversation thread: the
// front-end's live state is merged into the prompt, at most one tool runs,
// and the answer comes back as a single JSON object, a server-sent event
// stream, or WebSocket frames. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	statebridge serve              Start the API server
//	statebridge init [dir]         Write an example config.yaml
//	statebridge ask <question>     Run one turn from the command line
//	statebridge tools              List the backend tools
//	statebridge version            Print version and build information
//	statebridge -o json version    Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/statebridge/internal/agent"
	"github.com/nugget/statebridge/internal/api"
	"github.com/nugget/statebridge/internal/buildinfo"
	"github.com/nugget/statebridge/internal/checkpoint"
	"github.com/nugget/statebridge/internal/config"
	"github.com/nugget/statebridge/internal/connwatch"
	"github.com/nugget/statebridge/internal/conversation"
	"github.com/nugget/statebridge/internal/events"
	"github.com/nugget/statebridge/internal/llm"
	"github.com/nugget/statebridge/internal/mcp"
	"github.com/nugget/statebridge/internal/mqtt"
	"github.com/nugget/statebridge/internal/threadlock"
	"github.com/nugget/statebridge/internal/tools"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main only builds the OS-level environment and hands off to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand rather than
// with the flag package so that run carries no global state and can be
// called concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
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
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: statebridge ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "tools":
		return runTools(ctx, stdout, stderr, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

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

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "statebridge - front-end state aware agent bridge")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: statebridge [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask          Run one turn from the command line")
	fmt.Fprintln(w, "  tools        List backend tools, including MCP tools")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/statebridge/config.yaml, /etc/statebridge/config.yaml")
	return nil
}

// runAsk runs a single turn against an in-memory store and streams the
// answer to stdout. Logs go to stderr so the answer stays clean.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger(stderr)
	if err != nil {
		return err
	}

	registry, servers, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeServers(servers, logger)

	exec := agent.NewExecutor(createLLMClient(cfg, logger), registry, executorConfig(cfg), nil, logger)
	runner := agent.NewRunner(exec, checkpoint.NewMemoryStore(), threadlock.New(), nil, logger)

	res, err := runner.Run(ctx, &agent.TurnRequest{
		Messages: []conversation.Message{{
			Role:    conversation.RoleUser,
			Content: strings.Join(args, " "),
		}},
	}, func(fragment string) {
		fmt.Fprint(stdout, fragment)
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	// A turn that ended on a tool never streamed its outcome.
	for _, m := range res.Messages {
		if m.Role == conversation.RoleTool {
			fmt.Fprintf(stdout, "[tool] %s", m.Content)
		}
	}
	if res.PendingToolCall != nil {
		fmt.Fprintf(stdout, "[front-end tool requested] %s", res.PendingToolCall.Name)
	}
	fmt.Fprintln(stdout)
	return nil
}

// runTools prints the backend tool catalog the server would expose.
func runTools(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger(stderr)
	if err != nil {
		return err
	}

	registry, servers, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeServers(servers, logger)

	specs := registry.Specs()
	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(specs)
	}
	for _, t := range registry.Tools() {
		fmt.Fprintf(stdout, "%-32s %-16s %s\n", t.Name, t.Origin, t.Description)
	}
	return nil
}

// runServe is the primary operating mode. It blocks until SIGINT or
// SIGTERM (or ctx cancellation), then drains the HTTP server, says
// goodbye on MQTT, and closes the checkpoint database.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	logger, err := cfg.NewLogger(stdout)
	if err != nil {
		return err
	}
	logger.Info("starting statebridge", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"checkpoint_store", cfg.Checkpoint.Store,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, db, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer func() {
			if err := db.Close(); err != nil {
				logger.Error("checkpoint database close failed", "error", err)
			}
		}()
	}

	registry, servers, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeServers(servers, logger)

	bus := events.New()
	llmClient := createLLMClient(cfg, logger)
	exec := agent.NewExecutor(llmClient, registry, executorConfig(cfg), bus, logger)
	runner := agent.NewRunner(exec, store, threadlock.New(), bus, logger)
	logger.Info("tools registered", "count", len(registry.Tools()))

	health := connwatch.NewManager(connwatch.Options{}, bus, logger)
	health.Watch(ctx, "model", llmClient.Ping)
	for _, s := range servers {
		health.Watch(ctx, "mcp:"+s.Name, s.Ping)
	}

	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Enabled {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, bus, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publisher enabled", "broker", cfg.MQTT.Broker, "base_topic", cfg.MQTT.BaseTopic)
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, runner, bus, logger)
	server.SetHealth(health)

	// The usage ledger lives beside the checkpoints, so in-memory mode
	// has none.
	if db != nil {
		ledger, err := usage.NewStore(db)
		if err != nil {
			return fmt.Errorf("init usage ledger: %w", err)
		}
		go usage.RecordEvents(ctx, bus, ledger, logger)
		server.SetUsage(ledger)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if mqttPub != nil {
			if err := mqttPub.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	health.Wait()
	logger.Info("statebridge stopped")
	return nil
}

// loadConfig locates and parses the YAML configuration file. Without an
// explicit path and with nothing found in the default locations, the
// built-in defaults are used.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "(defaults)", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

func executorConfig(cfg *config.Config) agent.Config {
	return agent.Config{
		Model:              cfg.Models.Default,
		Task:               cfg.Agent.Task,
		ToolTimeout:        cfg.Agent.ToolTimeout,
		ConfirmToolResults: cfg.Agent.ConfirmToolResults,
	}
}

// createLLMClient builds a multi-provider client. Models not mapped to a
// provider fall through to Ollama.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	ollamaClient := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)

	if cfg.Anthropic.APIKey != "" {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey:    cfg.Anthropic.APIKey,
			BaseURL:   cfg.Anthropic.BaseURL,
			PingModel: firstModelFor(cfg, "anthropic"),
		}, logger))
		logger.Info("anthropic provider configured")
	}

	if cfg.OpenAI.APIKey != "" || cfg.OpenAI.BaseURL != "" {
		oc := llm.OpenAIConfig{APIKey: cfg.OpenAI.APIKey, BaseURL: cfg.OpenAI.BaseURL}
		if cfg.OpenAI.Temperature != nil {
			oc.Temperature = *cfg.OpenAI.Temperature
		}
		multi.AddProvider("openai", llm.NewOpenAIClient(oc, logger))
		logger.Info("openai provider configured", "base_url", cfg.OpenAI.BaseURL)
	}

	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}
	logger.Info("llm client initialized",
		"default_model", cfg.Models.Default,
		"default_provider", cfg.ProviderFor(cfg.Models.Default),
	)
	return multi
}

func firstModelFor(cfg *config.Config, provider string) string {
	for _, m := range cfg.Models.Available {
		if m.Provider == provider {
			return m.Name
		}
	}
	return ""
}

// buildRegistry registers the bundled tools and bridges every configured
// MCP server. The returned servers must be closed by the caller.
func buildRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*tools.Registry, []*mcp.Server, error) {
	registry := tools.NewRegistry()
	if cfg.Agent.BuiltinsEnabled() {
		if err := tools.RegisterBuiltins(registry); err != nil {
			return nil, nil, fmt.Errorf("register builtin tools: %w", err)
		}
	}
	if len(cfg.MCP.Servers) == 0 {
		return registry, nil, nil
	}

	servers, err := mcp.ConnectAll(ctx, cfg.MCP.Servers, registry, logger)
	if err != nil {
		closeServers(servers, logger)
		return nil, nil, err
	}
	return registry, servers, nil
}

func closeServers(servers []*mcp.Server, logger *slog.Logger) {
	for _, s := range servers {
		if err := s.Close(); err != nil {
			logger.Debug("mcp server close failed", "mcp_server", s.Name, "error", err)
		}
	}
}

// openStore opens the configured checkpoint store. The database is nil
// for the in-memory store; otherwise the caller closes it.
func openStore(cfg *config.Config, logger *slog.Logger) (checkpoint.Store, *sql.DB, error) {
	if cfg.Checkpoint.Store == "memory" {
		logger.Warn("using in-memory checkpoints; threads are lost on restart")
		return checkpoint.NewMemoryStore(), nil, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Checkpoint.Path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	db, err := sql.Open("sqlite3", cfg.Checkpoint.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, nil, fmt.Errorf("open checkpoint database: %w", err)
	}
	store, err := checkpoint.NewSQLiteStore(db, logger)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init checkpoint store: %w", err)
	}
	logger.Info("checkpoint store opened", "path", cfg.Checkpoint.Path)
	return store, db, nil
}
