package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"applabd/internal/catalog"
	"applabd/internal/common/fsutil"
	"applabd/internal/config"
	"applabd/internal/daemon"
	"applabd/internal/engine"
	"applabd/internal/httpapi"
)

type options struct {
	configPath          string
	addr                string
	modelsDir           string
	recipesDir          string
	engineSockets       []string
	reconcileSeconds    int
	readyTimeoutSeconds int
	gpu                 bool
	corsOrigins         []string
	logLevel            string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "applabd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "applabd",
		Short:         "Lifecycle daemon for containerized AI applications and inference playgrounds",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	f := cmd.Flags()
	// Flags with environment variable defaults
	f.StringVar(&opts.configPath, "config", envStr("APPLABD_CONFIG", ""), "Optional config file (.yaml/.json/.toml)")
	f.StringVar(&opts.addr, "addr", envStr("APPLABD_ADDR", ":8080"), "HTTP listen address, e.g. :8080")
	f.StringVar(&opts.modelsDir, "models-dir", envStr("APPLABD_MODELS_DIR", "~/.local/share/applabd/models"), "Directory to scan for *.gguf model files")
	f.StringVar(&opts.recipesDir, "recipes-dir", envStr("APPLABD_RECIPES_DIR", "~/.local/share/applabd/recipes"), "Directory for recipe repository checkouts")
	f.StringSliceVar(&opts.engineSockets, "engine-socket", splitCSV(os.Getenv("APPLABD_ENGINE_SOCKETS")), "libpod socket path (repeatable); defaults to the user or system podman socket")
	f.IntVar(&opts.reconcileSeconds, "reconcile-seconds", envInt("APPLABD_RECONCILE_SECONDS", 0), "Reconciliation interval in seconds (0=default)")
	f.IntVar(&opts.readyTimeoutSeconds, "ready-timeout-seconds", envInt("APPLABD_READY_TIMEOUT_SECONDS", 0), "Startup readiness ceiling in seconds (0=default)")
	f.BoolVar(&opts.gpu, "gpu", os.Getenv("APPLABD_GPU") == "1", "Enable the CUDA playground provider")
	f.StringSliceVar(&opts.corsOrigins, "cors-origins", splitCSV(os.Getenv("APPLABD_CORS_ORIGINS")), "Allowed CORS origins (empty disables CORS)")
	f.StringVar(&opts.logLevel, "log-level", envStr("APPLABD_LOG_LEVEL", "info"), "Log level: debug|info|warn|error")
	return cmd
}

func run(opts *options) error {
	level, err := zerolog.ParseLevel(opts.logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	if opts.configPath != "" {
		cfg, err := config.Load(opts.configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		applyConfig(opts, cfg)
	}

	modelsDir, err := ensureDir(opts.modelsDir)
	if err != nil {
		return fmt.Errorf("models dir: %w", err)
	}
	recipesDir, err := ensureDir(opts.recipesDir)
	if err != nil {
		return fmt.Errorf("recipes dir: %w", err)
	}
	cat, err := catalog.LoadDir(modelsDir)
	if err != nil {
		return fmt.Errorf("load model catalog: %w", err)
	}

	sockets := opts.engineSockets
	if len(sockets) == 0 {
		sockets = []string{defaultPodmanSocket()}
	}
	engines := make([]engine.Client, 0, len(sockets))
	for i, sock := range sockets {
		engines = append(engines, engine.NewPodman(fmt.Sprintf("podman-%d", i), sock, logger))
	}

	// Base context cancelled on SIGINT/SIGTERM; everything long-lived hangs
	// off it.
	baseCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(baseCtx, daemon.Options{
		Engines:           engines,
		Catalog:           cat,
		RecipesDir:        recipesDir,
		Log:               logger,
		GPU:               opts.gpu,
		ReconcileInterval: time.Duration(opts.reconcileSeconds) * time.Second,
		ReadyTimeout:      time.Duration(opts.readyTimeoutSeconds) * time.Second,
		OnChange:          httpapi.IncrementStateChange,
		OnReconcile:       httpapi.IncrementReconcilePass,
		OnTaskUpdate:      httpapi.IncrementTaskUpdate,
	})
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Start(baseCtx); err != nil {
		return fmt.Errorf("startup adoption: %w", err)
	}

	httpapi.SetLogger(logger)
	httpapi.SetBaseContext(baseCtx)
	if len(opts.corsOrigins) > 0 {
		httpapi.SetCORSOptions(true, opts.corsOrigins,
			[]string{"GET", "POST", "OPTIONS"},
			[]string{"Accept", "Content-Type"})
	}

	srv := &http.Server{Addr: opts.addr, Handler: httpapi.NewMux(d)}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", opts.addr).Str("models_dir", modelsDir).Msg("applabd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-baseCtx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown error")
	}
	return nil
}

// applyConfig fills options the file specifies; flags keep precedence only
// for values the file leaves unset.
func applyConfig(opts *options, cfg config.Config) {
	if cfg.Addr != "" {
		opts.addr = cfg.Addr
	}
	if cfg.ModelsDir != "" {
		opts.modelsDir = cfg.ModelsDir
	}
	if cfg.RecipesDir != "" {
		opts.recipesDir = cfg.RecipesDir
	}
	if len(cfg.EngineSockets) > 0 {
		opts.engineSockets = cfg.EngineSockets
	}
	if cfg.ReconcileSeconds > 0 {
		opts.reconcileSeconds = cfg.ReconcileSeconds
	}
	if cfg.ReadyTimeoutSeconds > 0 {
		opts.readyTimeoutSeconds = cfg.ReadyTimeoutSeconds
	}
	if cfg.GPU {
		opts.gpu = true
	}
}

func ensureDir(dir string) (string, error) {
	expanded, err := fsutil.ExpandHome(dir)
	if err != nil {
		return "", err
	}
	if err := fsutil.EnsureDir(expanded); err != nil {
		return "", err
	}
	return expanded, nil
}

func defaultPodmanSocket() string {
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return filepath.Join(xdg, "podman", "podman.sock")
	}
	return "/run/podman/podman.sock"
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
