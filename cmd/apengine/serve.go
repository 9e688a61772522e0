/*
serve.go - HTTP server command

STARTUP SEQUENCE:
  1. Wire store, services and driver (app.go)
  2. Configure HTTP router
  3. Start the materialization driver
  4. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the driver after its in-flight pass
  4. Close database and redis connections

EXAMPLES:
  # Run with file database
  apengine serve --db=./data/payables.db

  # Run with in-memory database
  apengine serve --db=":memory:"

  # Run on different port
  apengine serve --port=3000
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/payables-engine/api"
	"github.com/warp/payables-engine/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the materialization driver",
	Example: `  apengine serve
  apengine serve --port 3000 --db ./data/payables.db`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("port", "", "HTTP server port (overrides APENGINE_PORT)")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("server")

	port, _ := cmd.Flags().GetString("port")
	if port == "" {
		port = cfg.Port
	}

	a, err := newApp(cmd.Context(), dbPath(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	router := api.NewRouter(a.handler, cfg.CORSOrigins)

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	a.driver.Start()

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", port).Msgf("API available at http://localhost:%s/api", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-serverErr:
		a.driver.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		a.driver.Stop()
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.driver.Stop()

	log.Info().Msg("Server stopped")
	return nil
}
