package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/sale-transition/api"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), rootOpts, port)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "HTTP server port (overrides config)")

	return cmd
}

func runServe(ctx context.Context, opts *RootOptions, port int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, opts, os.Stdout)
	if err != nil {
		return err
	}
	defer a.Close()

	if port != 0 {
		a.cfg.Server.Port = port
	}
	log := a.logger

	sweeper := api.NewExpirySweeper(a.service, log)
	sweeper.Enabled = a.cfg.Sweeper.Enabled
	sweeper.CheckInterval = a.cfg.Sweeper.Interval
	sweeper.Start()
	defer sweeper.Stop()

	router := api.NewRouter(api.NewHandler(a.service, log.WithField("component", "api")), a.cfg.Server.AllowedOrigins)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", server.Addr).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-quit:
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
