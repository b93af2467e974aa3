// Package main is the entry point for the congsync server.
//
// congsync is a sync backend for offline-first congregation-management
// clients: partial updates are merged into per-entity documents with
// timestamp-based conflict resolution, and every applied batch bumps the
// entity's ETag and lands in its mutation history. Configuration is read from
// CLI flags and server_config.json (for the JWT secret).
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/congsync/congsync/internal/blob"
	"github.com/congsync/congsync/internal/registry"
	"github.com/congsync/congsync/internal/server"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "congsync: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	version := flag.Bool("version", false, "Print version and exit")
	httpAddr := flag.String("http", "localhost:8080", "Address to listen on (e.g., localhost:8080, :8080, 0.0.0.0:8080)")
	dataDir := flag.String("data-dir", "./data", "Data directory for entity documents")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	rateLimit := flag.Int("rate-limit", 600, "Per-client requests per minute (0 disables)")
	noAuth := flag.Bool("no-auth", false, "Disable JWT authentication (local development only)")
	flag.Parse()
	if len(flag.Args()) > 0 {
		return fmt.Errorf("unknown arguments: %v", flag.Args())
	}

	if *version {
		printVersion()
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	ll.Set(slog.LevelInfo)
	// Skip timestamps when running under systemd (it adds its own).
	underSystemd := os.Getenv("JOURNAL_STREAM") != ""
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if underSystemd && a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	}))
	slog.SetDefault(logger)

	switch *logLevel {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "info":
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level: %q", *logLevel)
	}

	// Normalize addr: ":8080" becomes "localhost:8080".
	addr := *httpAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}

	var jwtSecret []byte
	if !*noAuth {
		sc, err := loadServerConfig(filepath.Join(*dataDir, "server_config.json"))
		if err != nil {
			return fmt.Errorf("failed to load server_config.json: %w", err)
		}
		jwtSecret = []byte(sc.JWTSecret)
	}

	store, err := blob.NewFileStore(filepath.Join(*dataDir, "entities"))
	if err != nil {
		return err
	}
	reg := registry.New(store)
	if err := reg.LoadAll(ctx); err != nil {
		return err
	}

	if err := watchExecutable(ctx, stop); err != nil {
		slog.WarnContext(ctx, "Failed to watch executable", "err", err)
	}

	httpServer := &http.Server{
		Addr: addr,
		Handler: server.New(reg, server.Config{
			JWTSecret: jwtSecret,
			RateLimit: *rateLimit,
		}),
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "Starting server", "addr", addr, "dataDir", *dataDir)
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		slog.InfoContext(ctx, "Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		slog.InfoContext(ctx, "Server stopped")
	}
	return nil
}

// serverConfig is the persisted server configuration.
type serverConfig struct {
	JWTSecret string `json:"jwt_secret"`
}

// loadServerConfig reads the config file, generating it with a random JWT
// secret on first run.
func loadServerConfig(path string) (*serverConfig, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		sc := &serverConfig{}
		if err := json.Unmarshal(data, sc); err != nil {
			return nil, err
		}
		if sc.JWTSecret == "" {
			return nil, errors.New("jwt_secret is empty; delete the file to regenerate")
		}
		return sc, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	sc := &serverConfig{JWTSecret: hex.EncodeToString(raw)}
	data, err = json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, err
	}
	slog.Info("Generated server configuration", "path", path)
	return sc, nil
}

// watchExecutable watches the current executable for modifications and calls
// stop to trigger graceful shutdown when detected. This enables seamless
// restarts during development.
func watchExecutable(ctx context.Context, stop context.CancelFunc) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(exe); err != nil {
		_ = w.Close()
		return err
	}
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Chmod) {
					slog.InfoContext(ctx, "Executable modified, initiating shutdown")
					stop()
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.WarnContext(ctx, "Error watching executable", "err", err)
			}
		}
	}()
	return nil
}

func printVersion() {
	version := "dev"
	revision := ""
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			version = info.Main.Version
		}
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				revision = s.Value
			}
		}
	}
	fmt.Printf("congsync %s\n", version)
	if revision != "" {
		fmt.Printf("  Revision: %s\n", revision)
	}
}
