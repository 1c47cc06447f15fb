package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Brownie44l1/fer-ig/internal/app"
	"github.com/Brownie44l1/fer-ig/internal/config"
	"github.com/Brownie44l1/fer-ig/internal/handlers"
	"github.com/Brownie44l1/fer-ig/internal/logging"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "HTTP API for classification and integrated-gradients attribution",
	Long: `Serves the configured ONNX classifier over HTTP:

  GET  /health          health check
  POST /predict         classify a preprocessed HWC float array
  POST /predict/image   classify an uploaded JPEG/PNG
  POST /explain/image   integrated gradients for an uploaded image
  GET  /runs            past attribution runs

Example:
  curl -X POST -F "image=@face.jpg" -F steps=50 http://localhost:8080/explain/image`,
	SilenceUsage: true,
	RunE:         serve,
}

func main() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "igexplain.yaml", "path to the YAML config file")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Level, verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	handler := handlers.NewHandler(a.Pipeline, cfg.Server.MaxUploadMB, logger)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Routes(),
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("server starting", zap.Int("port", cfg.Server.Port))
	return runServer(ctx, srv, ln, 10*time.Second, logger)
}

// runServer serves on ln until ctx is done, then drains in-flight requests.
// It returns only after Shutdown has finished, so the caller may release
// what the handlers use.
func runServer(ctx context.Context, srv *http.Server, ln net.Listener, timeout time.Duration, logger *zap.Logger) error {
	done := make(chan error, 1)
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		done <- srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	if err := <-done; err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
