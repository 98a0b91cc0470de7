package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/androfit/coach/internal/app"
	"github.com/androfit/coach/internal/config"
	"github.com/androfit/coach/internal/observability"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

const janitorInterval = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "androfit",
		Short:        "Androfit voice fitness coach",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newHealthzCmd(), newProbeCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coach HTTP and websocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), envFile)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "optional dotenv file; process environment takes precedence")
	return cmd
}

func newHealthzCmd() *cobra.Command {
	var (
		baseURL string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "healthz",
		Short: "Probe a running server's /healthz endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return checkHealth(cmd.Context(), cmd.OutOrStdout(), baseURL, timeout)
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "http://127.0.0.1:8081", "coach server base URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "androfit %s (%s)\n", version, commit)
		},
	}
}

func runServe(parent context.Context, envFile string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			logger.Warn("cleanup failed", zap.Error(err))
		}
	}()
	logger.Info("providers ready",
		zap.String("voice", built.Voice.Detail),
		zap.String("brain", built.BrainName),
		zap.Duration("idle_timeout", cfg.IdleTimeout),
		zap.Duration("warning_delay", cfg.WarningDelay),
		zap.Duration("max_session_duration", cfg.MaxSessionDuration),
	)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	built.Sessions.StartJanitor(ctx, janitorInterval)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("listen error: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	logger.Info("shutdown complete")
	return nil
}

func checkHealth(ctx context.Context, out io.Writer, baseURL string, timeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/healthz", nil)
	if err != nil {
		return err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	fmt.Fprintln(out, strings.TrimSpace(string(body)))
	return nil
}
