package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/friday/internal/api"
	"github.com/kalambet/friday/internal/auth"
	"github.com/kalambet/friday/internal/catalog"
	"github.com/kalambet/friday/internal/composer"
	"github.com/kalambet/friday/internal/config"
	"github.com/kalambet/friday/internal/generation"
	"github.com/kalambet/friday/internal/generation/gemini"
	"github.com/kalambet/friday/internal/history"
	"github.com/kalambet/friday/internal/janitor"
	"github.com/kalambet/friday/internal/logging"
	"github.com/kalambet/friday/internal/media"
	"github.com/kalambet/friday/internal/orchestrator"
	"github.com/kalambet/friday/internal/proxy"
	"github.com/kalambet/friday/internal/speech"
	"github.com/kalambet/friday/internal/storage"
	"github.com/kalambet/friday/internal/storage/firestore"
	"github.com/kalambet/friday/internal/storage/postgres"
)

// ownerPrincipal is the identity behind the local API token and the MCP
// transport, so both see the same sessions.
const ownerPrincipal = "owner"

const shutdownTimeout = 10 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the friday server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running friday server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show friday server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "friday.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// app is the wired service with everything that needs closing on exit.
type app struct {
	svc     *orchestrator.Service
	janitor *janitor.Janitor
	closers []io.Closer
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			slog.Warn("closing resource", "error", err)
		}
	}
}

// startJanitor works the deletion queue in the background. The returned
// function stops it and waits, so it must run before the store is closed.
func (a *app) startJanitor(ctx context.Context, schedule string, logger *slog.Logger) func() error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		err := a.janitor.Run(ctx, schedule)
		if err != nil {
			logger.Error("janitor stopped", "error", err)
		}
		done <- err
	}()
	return func() error {
		cancel()
		return <-done
	}
}

func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{}

	docs, closer, err := openDocuments(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closer)

	backend, err := openBackend(ctx, cfg.Generation)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.janitor = janitor.New(docs, backend, cfg.Janitor.MaxAttempts)
	a.svc, err = orchestrator.New(orchestrator.Deps{
		Backend: backend,
		Catalog: catalog.NewDefault(),
		Composer: composer.New(composer.Defaults{
			Temperature:      float32(cfg.Generation.Temperature),
			TopP:             float32(cfg.Generation.TopP),
			TopK:             float32(cfg.Generation.TopK),
			MaxOutputTokens:  int32(cfg.Generation.MaxOutputTokens),
			ImageTemperature: float32(cfg.Generation.ImageTemperature),
			MaxContextTokens: cfg.Generation.MaxContextTokens,
		}),
		Media: media.NewStore(docs, media.Options{
			MaxDimension: cfg.Media.MaxDimension,
			JPEGQuality:  cfg.Media.JPEGQuality,
		}),
		History: history.NewManager(docs),
		Fetcher: orchestrator.NewHTTPFetcher(nil, cfg.Media.MaxUploadBytes),
		Cleanup: a.janitor,
	}, orchestrator.Config{GenerationTimeout: cfg.Generation.Timeout})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func openDocuments(ctx context.Context, cfg config.StorageConfig) (storage.DocumentStore, io.Closer, error) {
	switch cfg.Backend {
	case config.StoreFirestore:
		s, err := firestore.NewStore(ctx, cfg.FirestoreProject, cfg.FirestoreCredentials)
		if err != nil {
			return nil, nil, fmt.Errorf("opening firestore: %w", err)
		}
		return s, s, nil
	case config.StorePostgres:
		s, err := postgres.Open(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres: %w", err)
		}
		return s, s, nil
	default:
		s, err := storage.Open(cfg.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("opening storage: %w", err)
		}
		return s, s, nil
	}
}

func openBackend(ctx context.Context, cfg config.GenerationConfig) (generation.Backend, error) {
	switch cfg.Backend {
	case config.BackendOpenRouter:
		return proxy.NewWithBaseURL(cfg.OpenRouterAPIKey, cfg.OpenRouterBaseURL), nil
	case config.BackendVertex:
		return gemini.New(ctx, gemini.Config{Project: cfg.Project, Location: cfg.Location, Vertex: true})
	default:
		return gemini.New(ctx, gemini.Config{APIKey: cfg.APIKey})
	}
}

func setupLogging(cfg config.Config) *slog.Logger {
	logger := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	return logger
}

func runServer() error {
	fmt.Fprintln(os.Stderr, versionString())

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := setupLogging(cfg)

	token, err := config.APIToken(cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	logger.Info("API bearer token available")

	// Refuse to start twice. The health endpoint is the source of truth, the
	// PID file only names the process.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(serverURL(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("friday is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("friday is already running on %s", cfg.Server.Addr())
		return fmt.Errorf("server already running on %s", cfg.Server.Addr())
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	stopJanitor := a.startJanitor(ctx, cfg.Janitor.Schedule, logger)
	defer stopJanitor()

	handler := api.NewHandler(api.Deps{
		Service:        a.svc,
		Speech:         speech.NewClientWithBaseURL(cfg.TTS.BaseURL),
		Verifier:       auth.NewSingle(token, ownerPrincipal),
		MaxUploadBytes: cfg.Media.MaxUploadBytes,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("friday listening", "addr", srv.Addr, "generation_backend", cfg.Generation.Backend, "storage_backend", cfg.Storage.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	// Analysis from MCP enqueues failed deletions like the HTTP server does.
	stopJanitor := a.startJanitor(ctx, cfg.Janitor.Schedule, logger)
	defer stopJanitor()

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Service:   a.svc,
		Principal: ownerPrincipal,
		Version:   version,
	})
	logger.Info("MCP server started (stdio transport)")
	if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("friday is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop friday (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to friday (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &apiClient{
		baseURL:    serverURL(cfg),
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}
	ctx := context.Background()

	resp, err := client.get(ctx, "/health")
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		printStatus("Server", "running on %s", cfg.Server.Addr())
		var index struct {
			AvailableModels map[string]string `json:"available_models"`
		}
		if idx, err := client.get(ctx, "/"); err == nil && decodeJSON(idx, &index) == nil {
			printStatus("Models", "%d available", len(index.AvailableModels))
		}
	default:
		resp.Body.Close()
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
	}

	printStatus("Generation", "%s", cfg.Generation.Backend)
	printStatus("Storage", "%s", cfg.Storage.Backend)
	if cfg.Storage.Backend == config.StoreSQLite {
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
	}
	return nil
}

func serverURL(cfg config.Config) string {
	return "http://" + cfg.Server.Addr()
}
