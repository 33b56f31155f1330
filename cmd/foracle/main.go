// Foracle is the conversational assistant of a personal-finance app.
//
// It answers questions about a household's own financial records by
// calling deterministic tools, gated by per-user quotas and grounded
// with retrieved knowledge-base passages. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	foracle serve                       Start the API server
//	foracle ask -user <id> <question>   Ask a single question
//	foracle ingest [-user <id>] <file>  Index a document for retrieval
//	foracle version                     Print version and build information
//	foracle -o json version             Output version information as JSON
package main

import (
	"context"
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

	"github.com/fernfax/foracle-v2-self-sub004/internal/api"
	"github.com/fernfax/foracle-v2-self-sub004/internal/auth"
	"github.com/fernfax/foracle-v2-self-sub004/internal/buildinfo"
	"github.com/fernfax/foracle-v2-self-sub004/internal/chat"
	"github.com/fernfax/foracle-v2-self-sub004/internal/config"
	"github.com/fernfax/foracle-v2-self-sub004/internal/retrieval"
	"github.com/fernfax/foracle-v2-self-sub004/internal/vectorstore"
)

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every command.
type options struct {
	configPath string
	outputFmt  string
	command    string
	args       []string
}

// parseArgs parses flags by hand. The flag package relies on
// package-level globals, which makes run unsafe to call concurrently
// from tests.
func parseArgs(args []string) (options, error) {
	var o options
	for i := 0; i < len(args); i++ {
		switch {
		case o.command != "":
			o.args = append(o.args, args[i])
		case args[i] == "-config" && i+1 < len(args):
			o.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			o.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			o.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			o.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			o.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			o.command = "help"
		case !strings.HasPrefix(args[i], "-"):
			o.command = args[i]
		default:
			return o, fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if o.outputFmt == "" {
		o.outputFmt = "text"
	}
	if o.outputFmt != "text" && o.outputFmt != "json" {
		return o, fmt.Errorf("unknown output format: %q (expected text or json)", o.outputFmt)
	}
	return o, nil
}

// run is the real entry point. It returns nil on clean shutdown.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	o, err := parseArgs(args)
	if err != nil {
		return err
	}

	switch o.command {
	case "serve":
		return runServe(ctx, stdout, o)
	case "ask":
		return runAsk(ctx, stdout, stderr, o)
	case "ingest":
		return runIngest(ctx, stdout, stderr, o)
	case "version":
		return runVersion(stdout, o.outputFmt)
	case "", "help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", o.command)
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
	fmt.Fprintln(w, "Foracle - personal finance assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: foracle [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                       Start the API server")
	fmt.Fprintln(w, "  ask -user <id> <question>   Ask a single question as a user")
	fmt.Fprintln(w, "  ingest [-user <id>] <file>  Index a document (knowledge base unless -user)")
	fmt.Fprintln(w, "  version                     Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/foracle/config.yaml, /etc/foracle/config.yaml")
	return nil
}

// userFlag extracts "-user <id>" or "-user=<id>" from args and returns
// the id with the remaining arguments.
func userFlag(args []string) (string, []string) {
	var user string
	var rest []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-user" && i+1 < len(args):
			user = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-user="):
			user = strings.TrimPrefix(args[i], "-user=")
		default:
			rest = append(rest, args[i])
		}
	}
	return user, rest
}

// runAsk sends one message through the full chat flow, including rate
// limits and thread persistence, and prints the answer.
func runAsk(ctx context.Context, stdout, stderr io.Writer, o options) error {
	user, rest := userFlag(o.args)
	if user == "" || len(rest) == 0 {
		return errors.New("usage: foracle ask -user <id> <question>")
	}

	cfg, _, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	resp, err := a.chat.Send(ctx, user, chat.SendRequest{Message: strings.Join(rest, " ")})
	if err != nil {
		if o.outputFmt == "json" {
			return writeJSON(stdout, api.ChatResponse{Error: chat.UserMessage(err), ErrorCode: errorCode(err)})
		}
		return fmt.Errorf("ask: %s", chat.UserMessage(err))
	}

	if o.outputFmt == "json" {
		return writeJSON(stdout, api.ChatResponse{
			Success:   true,
			Response:  resp.Response,
			ThreadID:  resp.ThreadID,
			ToolsUsed: resp.ToolsUsed,
			Quota:     &resp.Quota,
			Degraded:  resp.Degraded,
		})
	}
	fmt.Fprintln(stdout, resp.Response)
	if len(resp.ToolsUsed) > 0 {
		fmt.Fprintf(stdout, "\n(tools: %s; %d of %d messages used today)\n", strings.Join(resp.ToolsUsed, ", "), resp.Quota.Used, resp.Quota.Limit)
	}
	return nil
}

func errorCode(err error) chat.Code {
	if ce, ok := chat.AsError(err); ok {
		return ce.Code
	}
	return chat.CodeProcessingError
}

// runIngest indexes one file. The doc id is the file's base name, so
// re-ingesting a file replaces its previous chunks.
func runIngest(ctx context.Context, stdout, stderr io.Writer, o options) error {
	user, rest := userFlag(o.args)
	if len(rest) != 1 {
		return errors.New("usage: foracle ingest [-user <id>] <file>")
	}
	path := rest[0]

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	cfg, _, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	corpus := vectorstore.KnowledgeBase
	if user != "" {
		corpus = vectorstore.UserStore
	}
	docID := filepath.Base(path)
	logger.Info("ingesting document", "file", path, "doc_id", docID, "corpus", corpus)

	res, err := a.retrieval.Ingest(ctx, corpus, user, retrieval.Document{
		DocID:    docID,
		Content:  string(content),
		Metadata: map[string]string{"source": "file:" + path},
	})
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	if o.outputFmt == "json" {
		return writeJSON(stdout, map[string]any{"docId": docID, "corpus": corpus, "result": res})
	}
	fmt.Fprintf(stdout, "Indexed %s into %s: %d chunks\n", docID, corpus, res.ChunksCreated)
	return nil
}

// runServe is the primary operating mode. It blocks until SIGINT or
// SIGTERM, then drains in-flight requests and stops the janitor.
func runServe(ctx context.Context, stdout io.Writer, o options) error {
	cfg, cfgPath, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, cfg)
	logger.Info("starting Foracle", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.LLM.Model,
		"vector_store", cfg.VectorStore.Driver,
		"auth", cfg.Auth.Mode,
		"timezone", cfg.RateLimit.Timezone,
	)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	resolver, err := auth.NewResolver(cfg.Auth.Mode, cfg.Auth.Header, cfg.Auth.JWTSecret)
	if err != nil {
		return err
	}

	janitor, err := a.newJanitor(cfg, logger)
	if err != nil {
		return err
	}
	janitor.Start()
	logger.Info("quota janitor started", "schedule", cfg.RateLimit.JanitorSchedule, "next", janitor.NextPrune(time.Now()))

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.chat, resolver, logger,
		api.WithDocuments(a.retrieval),
		api.WithAuditLog(a.audit),
		api.WithHealth(a.health),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.health.Start(ctx)
	defer a.health.Stop()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
		janitor.Stop(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Foracle stopped")
	return nil
}

// newLogger creates the structured logger for cfg's level and format.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		// Validate has already rejected unknown levels.
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	logger := slog.New(config.NewHandler(w, level, cfg.LogFormat))
	slog.SetDefault(logger)
	return logger
}

// loadConfig locates and parses the YAML configuration file.
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

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
