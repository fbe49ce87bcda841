// Package main is the shirabe CLI entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/hyperjump/shirabe/internal/app"
	"github.com/hyperjump/shirabe/internal/cli"
	"github.com/hyperjump/shirabe/internal/config"
	"github.com/hyperjump/shirabe/internal/indexer"
	"github.com/hyperjump/shirabe/internal/mcp"
	"github.com/hyperjump/shirabe/internal/models"
	"github.com/hyperjump/shirabe/internal/server"
	"github.com/hyperjump/shirabe/internal/watcher"
	"github.com/hyperjump/shirabe/pkg/utils"
)

var version = "dev"

const (
	defaultServerURL = "http://localhost:8080"
	maxPrintedErrors = 10
)

// defaultConfigPath is ~/.shirabe/config.yaml, or config.yaml when the home
// directory cannot be resolved.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".shirabe", "config.yaml")
}

// loadConfig loads config from path. With an empty path it tries config.yaml in
// the working directory, then the default path, and falls back to built-in
// defaults when neither exists. The returned path is where watch changes are saved.
func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		loadEnv(path)
		cfg, err := config.Load(path)
		if err != nil {
			return nil, "", err
		}
		return cfg, path, nil
	}
	candidates := []string{defaultConfigPath()}
	if cwd, err := os.Getwd(); err == nil {
		candidates = append([]string{filepath.Join(cwd, "config.yaml")}, candidates...)
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return loadConfig(c)
		}
	}
	fallback := defaultConfigPath()
	loadEnv(fallback)
	return config.Default(filepath.Dir(fallback)), fallback, nil
}

// loadEnv reads a .env file next to the config. Variables already set win.
func loadEnv(configPath string) {
	_ = godotenv.Load(filepath.Join(filepath.Dir(configPath), ".env"))
}

func main() {
	_ = godotenv.Load()
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "search":
		runSearch()
	case "index":
		runIndex()
	case "delete":
		runDelete()
	case "optimize":
		runOptimize()
	case "status":
		runStatus()
	case "watch":
		runWatch()
	case "mcp":
		runMCP()
	case "version", "--version", "-v":
		fmt.Printf("shirabe version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// setup loads config and builds a logger. Fatal errors exit the process.
func setup(configPath string, debug bool) (*config.Config, string, *zap.Logger) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := utils.NewLogger(cfg.Debug || debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	return cfg, resolved, logger
}

func openApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...indexer.Option) *app.App {
	a, err := app.Open(ctx, cfg, logger, opts...)
	if err != nil {
		logger.Fatal("failed to open index", zap.Error(err))
	}
	return a
}

func closeApp(a *app.App, logger *zap.Logger) {
	if err := a.Close(); err != nil {
		logger.Warn("close failed", zap.Error(err))
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (watch events, batches, optimizer)")
	_ = fs.Parse(os.Args[2:])

	cfg, resolved, logger := setup(*configPath, *debug)
	defer logger.Sync()
	logger.Info("config loaded", zap.String("config_path", resolved), zap.Bool("debug", cfg.Debug || *debug))

	ctx, stop := signalContext()
	defer stop()

	a := openApp(ctx, cfg, logger)
	defer closeApp(a, logger)

	w := watcher.New(cfg.Watch.Directories, cfg.Watch.RecursiveOrDefault(),
		func(ctx context.Context, paths []string) {
			rep, err := a.IndexPaths(ctx, paths)
			if err != nil {
				logger.Warn("watch batch failed", zap.Int("paths", len(paths)), zap.Error(err))
				return
			}
			logger.Debug("watch batch indexed",
				zap.Int("indexed", rep.Indexed),
				zap.Int("deleted", rep.Deleted),
				zap.Int("failed", rep.Failed),
			)
		},
		watcher.WithLogger(logger),
		watcher.WithFilter(indexer.NewFilter(cfg.Indexing)),
		watcher.WithDebounce(cfg.Watch.Debounce),
	)
	if err := w.Start(ctx); err != nil {
		logger.Fatal("failed to start watcher", zap.Error(err))
	}
	defer w.Stop()
	w.SyncExistingFiles()

	go a.Run(ctx)

	srv := server.NewServer(a, cfg, resolved, w, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", zap.Error(err))
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(shutdownCtx)
}

// printSearchUsage prints search subcommand usage.
func printSearchUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: shirabe search [flags] <query>\n\n")
	fmt.Fprintf(fs.Output(), "Query is all remaining arguments joined by spaces. Multi-word queries work with or without quotes.\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Results merge semantic and keyword matches with reciprocal rank fusion.
Each result shows its rank in both lists; "-" means it was missing from one.

Examples:
  shirabe search machine learning
  shirabe search "machine learning" --limit 20
  shirabe search --format json invoice total
`)
}

// buildSearchQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// searchArgsReorder moves any flags (and their values) that appear after the query
// to the front of the slice so that flag.Parse() sees them. Go's flag package
// stops at the first non-flag argument.
func searchArgsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

func runSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL; falls back to direct access when unreachable (empty = always direct)")
	limit := fs.Int("limit", 0, "number of results (default from config)")
	model := fs.String("model", "", "embedding model to query (must match the index)")
	format := fs.String("format", "text", "output format: text, compact, or json")
	fs.Usage = func() { printSearchUsage(fs) }
	_ = fs.Parse(searchArgsReorder(os.Args[2:]))

	queryStr := buildSearchQuery(fs.Args())
	if queryStr == "" {
		printSearchUsage(fs)
		os.Exit(1)
	}
	outFormat, err := cli.ParseFormat(*format)
	if err != nil {
		fail("%v", err)
	}
	limitSet := false
	fs.Visit(func(f *flag.Flag) { limitSet = limitSet || f.Name == "limit" })

	req := searchRequest{Query: queryStr, Model: *model}
	if limitSet {
		req.Limit = limit
	}
	response, err := searchViaHTTP(*serverURL, req)
	if errors.Is(err, errServerUnavailable) {
		response, err = searchDirect(*configPath, req)
	}
	if err != nil {
		fail("Search failed: %v", err)
	}
	if err := cli.WriteSearchResults(os.Stdout, response, outFormat); err != nil {
		fail("Output failed: %v", err)
	}
}

func searchDirect(configPath string, req searchRequest) (*models.SearchResponse, error) {
	cfg, _, logger := setup(configPath, false)
	defer logger.Sync()
	ctx, stop := signalContext()
	defer stop()
	a := openApp(ctx, cfg, logger)
	defer closeApp(a, logger)

	q := &models.SearchQuery{Query: req.Query, Limit: cfg.Search.DefaultLimit, Model: req.Model}
	if req.Limit != nil {
		q.Limit = *req.Limit
	}
	return a.Search(ctx, q)
}

func runIndex() {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL; falls back to direct access when unreachable (empty = always direct)")
	force := fs.Bool("force", false, "re-index files even when their content hash is unchanged")
	_ = fs.Parse(searchArgsReorder(os.Args[2:]))

	if fs.NArg() < 1 {
		fail("Usage: shirabe index [--force] <file-or-directory>")
	}
	path, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		fail("Invalid path: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		fail("Failed to stat path: %v", err)
	}

	rep, err := indexViaHTTP(*serverURL, path, *force)
	if errors.Is(err, errServerUnavailable) {
		rep, err = indexDirect(*configPath, path, info.IsDir(), *force)
	}
	if err != nil {
		fail("Indexing failed: %v", err)
	}
	cli.WriteIndexReport(os.Stdout, rep, maxPrintedErrors)
}

func indexDirect(configPath, path string, dir, force bool) (*models.IndexReport, error) {
	cfg, _, logger := setup(configPath, false)
	defer logger.Sync()
	ctx, stop := signalContext()
	defer stop()

	progress := cli.NewProgress(os.Stderr)
	a := openApp(ctx, cfg, logger, indexer.WithProgress(progress.Update))
	defer closeApp(a, logger)
	defer progress.Finish()

	if dir {
		return a.Index(ctx, path, force)
	}
	return a.IndexPaths(ctx, []string{path})
}

func runDelete() {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL; falls back to direct access when unreachable (empty = always direct)")
	_ = fs.Parse(searchArgsReorder(os.Args[2:]))

	if fs.NArg() < 1 {
		fail("Usage: shirabe delete [flags] <path>")
	}
	path, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		fail("Invalid path: %v", err)
	}
	err = deleteViaHTTP(*serverURL, path)
	if errors.Is(err, errServerUnavailable) {
		cfg, _, logger := setup(*configPath, false)
		defer logger.Sync()
		a := openApp(context.Background(), cfg, logger)
		err = a.DeleteDocument(context.Background(), path)
		closeApp(a, logger)
	}
	if err != nil {
		fail("Deletion failed: %v", err)
	}
	fmt.Printf("Document deleted: %s\n", path)
}

func runOptimize() {
	fs := flag.NewFlagSet("optimize", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL; falls back to direct access when unreachable (empty = always direct)")
	_ = fs.Parse(os.Args[2:])

	rep, err := optimizeViaHTTP(*serverURL)
	if errors.Is(err, errServerUnavailable) {
		cfg, _, logger := setup(*configPath, false)
		defer logger.Sync()
		ctx, stop := signalContext()
		defer stop()
		a := openApp(ctx, cfg, logger)
		rep, err = a.Optimize(ctx)
		closeApp(a, logger)
	}
	if err != nil {
		fail("Optimize failed: %v", err)
	}
	fmt.Printf("Optimized: %d iterations, %d moved, %d splits, %d merges, %d compacted\n",
		rep.Iterations, rep.Moved, rep.Splits, rep.Merges, rep.Compacted)
	if rep.TrainedPQ {
		fmt.Println("Product quantizer trained")
	}
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL; falls back to direct access when unreachable (empty = always direct)")
	format := fs.String("format", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	st, err := statusViaHTTP(*serverURL)
	if errors.Is(err, errServerUnavailable) {
		cfg, _, logger := setup(*configPath, false)
		defer logger.Sync()
		a := openApp(context.Background(), cfg, logger)
		st, err = a.Status(context.Background())
		closeApp(a, logger)
	}
	if err != nil {
		fail("Status failed: %v", err)
	}
	if *format == "json" {
		if err := cli.WriteJSON(os.Stdout, st); err != nil {
			fail("Output failed: %v", err)
		}
		return
	}
	writeStatus(st)
}

func writeStatus(st *app.Status) {
	fmt.Printf("Documents:   %d\n", st.Documents)
	fmt.Printf("Chunks:      %d\n", st.Chunks)
	fmt.Printf("Embeddings:  %d (%s on %s)\n", st.Embeddings, st.Model, st.Backend)
	fmt.Printf("Keyword:     %d docs (%s)\n", st.KeywordDocs, st.KeywordBackend)
	v := st.Vectors
	fmt.Printf("Vectors:     %d live, %d dead, %d dims (%s", v.Live, v.Dead, v.Dimensions, v.Type)
	if v.Clusters > 0 {
		fmt.Printf(", %d clusters", v.Clusters)
	}
	if v.Quantized > 0 {
		fmt.Print(", pq")
	}
	fmt.Println(")")
	fmt.Printf("Disk usage:  %s\n", cli.FormatBytes(st.DiskUsageBytes))
	fmt.Printf("Database:    %s\n", st.Paths.Database)
	fmt.Printf("Keyword idx: %s\n", st.Paths.Keyword)
	fmt.Printf("Vector idx:  %s\n", st.Paths.Vector)
}

func runWatch() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: shirabe watch <add|remove|list> [path]")
		fmt.Println("  shirabe watch add <path>     Add directory to watch")
		fmt.Println("  shirabe watch remove <path>  Remove directory from watch")
		fmt.Println("  shirabe watch list           List watched directories")
		os.Exit(1)
	}
	sub := os.Args[2]
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	serverURL := fs.String("server", defaultServerURL, "server URL")
	_ = fs.Parse(os.Args[3:])

	switch sub {
	case "add", "remove":
		if fs.NArg() < 1 {
			fail("Usage: shirabe watch %s <path>", sub)
		}
		path, err := filepath.Abs(fs.Arg(0))
		if err != nil {
			fail("Invalid path: %v", err)
		}
		if sub == "add" {
			err = watchAddViaHTTP(*serverURL, path)
		} else {
			err = watchRemoveViaHTTP(*serverURL, path)
		}
		if err != nil {
			fail("Watch %s failed: %v", sub, err)
		}
		fmt.Printf("%s: %s\n", map[string]string{"add": "Added", "remove": "Removed"}[sub], path)
	case "list":
		dirs, err := watchListViaHTTP(*serverURL)
		if err != nil {
			fail("Watch list failed: %v", err)
		}
		for _, d := range dirs {
			fmt.Println(d)
		}
	default:
		fail("Unknown watch subcommand: %s", sub)
	}
}

func runMCP() {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (stderr)")
	_ = fs.Parse(os.Args[2:])

	cfg, _, logger := setup(*configPath, *debug)
	defer logger.Sync()
	ctx, stop := signalContext()
	defer stop()

	a := openApp(ctx, cfg, logger)
	defer closeApp(a, logger)
	go a.Run(ctx)

	if err := mcp.NewServer(a, cfg.Search, version, logger).Serve(); err != nil {
		logger.Error("mcp server stopped", zap.Error(err))
	}
}

func printUsage() {
	fmt.Println(`shirabe - local incremental hybrid search

Usage:
  shirabe server [flags]             Start the HTTP server, watcher and optimizer
  shirabe search [flags] <query>     Search indexed documents
  shirabe index [flags] <path>       Index a file or directory
  shirabe delete [flags] <path>      Remove a document from the index
  shirabe optimize [flags]           Run one vector index maintenance pass
  shirabe status [flags]             Show counts, index stats and disk usage
  shirabe watch <add|remove|list>    Manage watched directories (server must be running)
  shirabe mcp [flags]                Serve search tools over MCP stdio
  shirabe version                    Show version
  shirabe help                       Show this help

Common Flags:
  --config string    Config file path (default: ./config.yaml, then ~/.shirabe/config.yaml)
  --server string    Server URL (default: http://localhost:8080). Commands use the
                     running server when reachable and open the index directly otherwise.
                     Pass --server "" to always open the index directly.

Server/MCP Flags:
  --debug            Enable debug logging

Search Flags:
  --limit int        Number of results (default from config, 10)
  --model string     Embedding model to query; must match the indexed model
  --format string    Output format: text, compact, or json (default: text)

Index Flags:
  --force            Re-index unchanged files

Status Flags:
  --format string    Output format: text or json (default: text)

Environment:
  A .env file in the working directory or next to the config is loaded at startup
  (for example OPENAI_API_KEY for the openai embedding backend).

Examples:
  shirabe server
  shirabe index ~/notes
  shirabe search "reciprocal rank fusion" --limit 5
  shirabe search --format json invoice total
  shirabe delete ~/notes/old.md
  shirabe status --format json
  shirabe watch add ~/docs`)
}
