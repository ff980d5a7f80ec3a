package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/peterbourgon/ff/v4/fftoml"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/receipt-manager/internal/receipt"
	"github.com/zombor/receipt-manager/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

// errIssuesFound makes `check` exit non-zero without logging an error
var errIssuesFound = errors.New("integrity issues found")

type config struct {
	port              int
	bind              string
	dataDir           string
	scanner           string
	geminiKey         string
	geminiModel       string
	ollamaURL         string
	ollamaModel       string
	scanCache         bool
	integrityInterval time.Duration
	maxBackups        int
	authUser          string
	authPass          string
	logLevel          string
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	defaultDataDir := os.Getenv("DATA_DIR")
	if defaultDataDir == "" {
		defaultDataDir = "./data"
	}

	var cfg config
	fs := ff.NewFlagSet("receipt-manager")
	fs.IntVar(&cfg.port, 0, "port", 5000, "HTTP server port")
	fs.StringVar(&cfg.bind, 0, "bind", "127.0.0.1", "Address to listen on")
	fs.StringVar(&cfg.dataDir, 0, "data-dir", defaultDataDir, "Data directory (or set DATA_DIR env var)")
	fs.StringVar(&cfg.scanner, 0, "scanner", "none", "Scanner type: 'none', 'gemini' or 'ollama'")
	fs.StringVar(&cfg.geminiKey, 0, "gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
	fs.StringVar(&cfg.geminiModel, 0, "gemini-model", "gemini-2.5-flash", "Google Gemini model name")
	fs.StringVar(&cfg.ollamaURL, 0, "ollama-url", "http://localhost:11434", "Ollama API base URL")
	fs.StringVar(&cfg.ollamaModel, 0, "ollama-model", "llava", "Ollama model name (e.g., llava, llava-phi3, qwen2-vl)")
	fs.BoolVar(&cfg.scanCache, 0, "scan-cache", "Cache scan results by file content")
	fs.DurationVar(&cfg.integrityInterval, 0, "integrity-interval", receipt.DefaultIntegrityInterval, "How often to check that stored files exist")
	fs.IntVar(&cfg.maxBackups, 0, "max-backups", receipt.DefaultMaxBackups, "Document backups to keep (at least 20)")
	fs.StringVar(&cfg.authUser, 0, "auth-user", "", "Basic auth username (optional)")
	fs.StringVar(&cfg.authPass, 0, "auth-pass", "", "Basic auth password (optional)")
	fs.StringVar(&cfg.logLevel, 0, "log-level", "info", "Log level: debug, info, warn or error")
	_ = fs.StringLong("config", "", "TOML config file (optional)")
	showVersion := fs.BoolLong("version", "Show version information")

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_MANAGER"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(fftoml.Parse),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := setupLogger(os.Stderr, cfg.logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch args := fs.GetArgs(); {
	case len(args) == 0:
		err = serve(ctx, cfg)
	case args[0] == "check":
		err = check(cfg)
	default:
		err = fmt.Errorf("unknown command %q", args[0])
	}

	if errors.Is(err, errIssuesFound) {
		os.Exit(2)
	}
	if err != nil {
		slog.Error("Exiting", "error", err)
		os.Exit(1)
	}
}

// setupLogger installs a text handler for terminals and JSON otherwise
func setupLogger(w *os.File, level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if isatty.IsTerminal(w.Fd()) || isatty.IsCygwinTerminal(w.Fd()) {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

// paths under the data directory
type layout struct {
	dataFile  string
	backupDir string
	scanCache string
	storage   string
	lock      string
}

func dataLayout(dataDir string) layout {
	return layout{
		dataFile:  filepath.Join(dataDir, "database", "data.json"),
		backupDir: filepath.Join(dataDir, "database", "backups"),
		scanCache: filepath.Join(dataDir, "database", "scan-cache.db"),
		storage:   filepath.Join(dataDir, "storage"),
		lock:      filepath.Join(dataDir, ".lock"),
	}
}

// lockDataDir keeps a second process from writing the same document
func lockDataDir(l layout) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(l.lock), 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	fileLock := flock.New(l.lock)
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking data directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("data directory %s is in use by another process", filepath.Dir(l.lock))
	}
	return fileLock, nil
}

func openRecords(cfg config, l layout) (*receipt.Store, *receipt.LocalStorage, error) {
	store, err := receipt.NewStoreWithDeps(l.dataFile, l.backupDir, cfg.maxBackups, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing store: %w", err)
	}
	storage, err := receipt.NewLocalStorage(l.storage)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing storage: %w", err)
	}
	return store, storage, nil
}

func newScanner(cfg config, l layout) (scanning.Scanner, error) {
	var (
		scanner scanning.Scanner
		err     error
	)
	switch cfg.scanner {
	case "none":
		return scanning.Disabled{}, nil
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := cfg.geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("gemini API key is required, set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini scanner...", "model", cfg.geminiModel)
		scanner, err = scanning.NewGemini(apiKey, cfg.geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", cfg.ollamaURL, "model", cfg.ollamaModel)
		scanner, err = scanning.NewOllama(cfg.ollamaURL, cfg.ollamaModel)
	default:
		return nil, fmt.Errorf("invalid scanner type %q, want none, gemini or ollama", cfg.scanner)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing %s scanner: %w", cfg.scanner, err)
	}

	if !cfg.scanCache {
		return scanner, nil
	}
	cache, err := scanning.NewBoltCache(l.scanCache)
	if err != nil {
		scanner.Close()
		return nil, fmt.Errorf("opening scan cache: %w", err)
	}
	slog.Info("Scan cache enabled", "path", l.scanCache)
	return scanning.NewCachedScanner(scanner, cache), nil
}

func serve(ctx context.Context, cfg config) error {
	l := dataLayout(cfg.dataDir)
	fileLock, err := lockDataDir(l)
	if err != nil {
		return err
	}
	defer fileLock.Unlock()

	store, storage, err := openRecords(cfg, l)
	if err != nil {
		return err
	}

	scanner, err := newScanner(cfg, l)
	if err != nil {
		return err
	}
	defer scanner.Close()

	service := receipt.NewService(store, scanner, storage)
	server := receipt.NewServer(service, receipt.BasicAuth{
		Username: cfg.authUser,
		Password: cfg.authPass,
	})
	if cfg.authUser != "" || cfg.authPass != "" {
		slog.Info("Basic auth enabled", "user", cfg.authUser)
	}

	addr := fmt.Sprintf("%s:%d", cfg.bind, cfg.port)
	slog.Info("Receipt manager ready",
		"version", version,
		"url", "http://"+addr,
		"data_dir", cfg.dataDir,
		"scanner", scanner.Name(),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(ctx, addr)
	})
	g.Go(func() error {
		return service.RunIntegrityWorker(ctx, cfg.integrityInterval)
	})
	return g.Wait()
}

// check runs one integrity scan and prints the result
func check(cfg config) error {
	l := dataLayout(cfg.dataDir)
	fileLock, err := lockDataDir(l)
	if err != nil {
		return err
	}
	defer fileLock.Unlock()

	store, storage, err := openRecords(cfg, l)
	if err != nil {
		return err
	}

	issues, err := receipt.NewService(store, nil, storage).CheckIntegrity()
	if err != nil {
		return err
	}
	renderIssues(os.Stdout, issues)
	if len(issues) > 0 {
		return errIssuesFound
	}
	return nil
}

func renderIssues(w io.Writer, issues []receipt.Issue) {
	if len(issues) == 0 {
		fmt.Fprintln(w, "All stored files are present.")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Item", "Receipt", "Missing file"})
	for _, issue := range issues {
		t.AppendRow(table.Row{issue.ItemID, issue.GroupID, issue.Path})
	}
	t.AppendFooter(table.Row{"", "Total", len(issues)})
	t.Render()
}
