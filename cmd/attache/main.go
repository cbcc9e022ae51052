// Attache is an agent orchestration service: it turns one incoming
// conversational turn into model calls and tool invocations across
// independently deployed tool providers and multiple LLM vendors.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	attache serve            Start the API server
//	attache version          Print version and build information
//	attache -o json version  Output version information as JSON
package main

import (
	"context"
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

	"github.com/danvaneijck/attache/internal/agent"
	"github.com/danvaneijck/attache/internal/api"
	"github.com/danvaneijck/attache/internal/assembler"
	"github.com/danvaneijck/attache/internal/budget"
	"github.com/danvaneijck/attache/internal/buildinfo"
	"github.com/danvaneijck/attache/internal/config"
	"github.com/danvaneijck/attache/internal/embeddings"
	"github.com/danvaneijck/attache/internal/events"
	"github.com/danvaneijck/attache/internal/llm"
	"github.com/danvaneijck/attache/internal/memory"
	"github.com/danvaneijck/attache/internal/persona"
	"github.com/danvaneijck/attache/internal/registry"
)

// main constructs the OS-level environment and delegates to run, which
// keeps os.Exit and os.Args out of the application logic so the full
// lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments by hand. The flag package relies on package
// globals, which makes run impossible to call concurrently from tests,
// and the argument surface here is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string

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
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
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
	fmt.Fprintln(w, "Attache - LLM agent orchestration service")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: attache [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

// runServe is the primary operating mode: load config, open the stores,
// build the fallback chain from whichever vendors have credentials,
// start the registry and compactor workers, and serve the API until a
// shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting attache",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}
	logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Stores ---
	store, err := memory.NewStore(filepath.Join(cfg.DataDir, "conversations.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	budgetStore, err := budget.NewStore(filepath.Join(cfg.DataDir, "budget.db"))
	if err != nil {
		return err
	}
	defer budgetStore.Close()

	// --- Model clients and fallback chain ---
	chain, err := buildChain(cfg, logger)
	if err != nil {
		return err
	}
	pingVendors(ctx, chain, logger)

	// --- Embeddings (optional) ---
	var embedder embeddings.Generator
	if cfg.Embeddings.Enabled {
		client, err := embeddings.New(embeddings.Config{
			BaseURL: cfg.Embeddings.URL,
			Model:   cfg.Embeddings.Model,
		})
		if err != nil {
			return fmt.Errorf("embeddings client: %w", err)
		}
		embedder = client
		logger.Info("embeddings enabled", "model", cfg.Embeddings.Model)
	} else {
		logger.Info("embeddings disabled, memory retrieval is off")
	}

	// --- Personas ---
	personas, err := persona.Load(cfg.PersonaDir)
	if err != nil {
		return err
	}
	logger.Info("personas loaded", "names", personas.Names())

	// --- Tool registry ---
	reg, err := registry.New(cfg.Registry, logger)
	if err != nil {
		return err
	}
	reg.Start(ctx)
	defer reg.Stop()

	// --- Context assembly and compaction ---
	asm := assembler.New(store, embedder, cfg.Assembler, logger)
	compactor := assembler.NewCompactor(store, chain, embedder, cfg.Assembler, logger)
	compactor.Start(ctx)
	defer compactor.Stop()

	// --- Event sinks ---
	hub := api.NewHub()
	sinks := agent.EventSinks{hub}
	var publisher *events.Publisher
	if cfg.MQTT.Broker != "" {
		publisher = events.New(cfg.MQTT, logger)
		if err := publisher.Start(ctx); err != nil {
			return fmt.Errorf("mqtt publisher: %w", err)
		}
		sinks = append(sinks, publisher)
	}

	// --- Agent loop and API ---
	loop := agent.New(store, budgetStore, asm, reg, chain, personas, compactor, sinks, cfg.Agent, logger)
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, loop, reg, budgetStore, personas, hub, logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if publisher != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := publisher.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		_ = server.Shutdown(context.Background())
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("attache stopped")
	return nil
}

// buildChain constructs vendor clients for every credentialed vendor
// and assembles the fallback chain from the configured order, skipping
// entries whose vendor has no credentials.
func buildChain(cfg *config.Config, logger *slog.Logger) (*llm.Chain, error) {
	clients := make(map[string]llm.Client)

	if cfg.Vendors.Anthropic.APIKey != "" {
		clients["anthropic"] = llm.NewAnthropicClient(cfg.Vendors.Anthropic.APIKey, logger)
		logger.Info("anthropic vendor configured")
	}
	if cfg.Vendors.OpenAI.APIKey != "" {
		clients["openai"] = llm.NewOpenAIClient(cfg.Vendors.OpenAI.APIKey, cfg.Vendors.OpenAI.BaseURL, logger)
		logger.Info("openai vendor configured")
	}
	if cfg.Vendors.Ollama.URL != "" {
		client, err := llm.NewOllamaClient(cfg.Vendors.Ollama.URL, logger)
		if err != nil {
			return nil, fmt.Errorf("ollama client: %w", err)
		}
		clients["ollama"] = client
		logger.Info("ollama vendor configured", "url", cfg.Vendors.Ollama.URL)
	}

	var entries []llm.ChainEntry
	for _, fb := range cfg.Fallback {
		client, ok := clients[fb.Vendor]
		if !ok {
			logger.Warn("fallback entry skipped, vendor has no credentials",
				"vendor", fb.Vendor, "model", fb.Model)
			continue
		}
		entries = append(entries, llm.ChainEntry{Client: client, Model: fb.Model})
	}
	return llm.NewChain(entries, logger)
}

// pingVendors probes each distinct vendor in the chain once at startup.
// Failures are logged, not fatal: the chain handles unavailable vendors
// per call.
func pingVendors(ctx context.Context, chain *llm.Chain, logger *slog.Logger) {
	seen := make(map[string]bool)
	for _, entry := range chain.Entries() {
		vendor := entry.Client.Vendor()
		if seen[vendor] {
			continue
		}
		seen[vendor] = true

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := entry.Client.Ping(pingCtx); err != nil {
			logger.Warn("vendor unreachable at startup", "vendor", vendor, "error", err)
		} else {
			logger.Debug("vendor reachable", "vendor", vendor)
		}
		cancel()
	}
}

// newLogger standardizes the slog handler across subcommands, mapping
// the custom trace level to a readable name.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration. An explicit
// path must exist; otherwise the default locations are searched.
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
