package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/timekeeperhq/trackstore/internal/app"
	"github.com/timekeeperhq/trackstore/internal/config"
	"github.com/timekeeperhq/trackstore/internal/logger"
	"github.com/timekeeperhq/trackstore/internal/ops"
)

var rootCmd = &cobra.Command{
	Use:   "trackstore",
	Short: "Tracking store service: durable time tracking over a key-value backend",
}

func main() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tracking store with its ops HTTP listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	rootCmd.AddCommand(serveCmd)

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Query a running instance's health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			return runHealth(addr, os.Stdout)
		},
	}
	healthCmd.Flags().String("addr", "http://localhost:8080", "Ops listener base URL")
	rootCmd.AddCommand(healthCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe() error {
	log := logger.New("trackstore")

	cfg, err := config.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.SetLevel(cfg.LogLevel)

	log.Info().
		Int("http_port", cfg.HTTPPort).
		Int("pool_size", cfg.PoolSize).
		Msg("Tracking store starting…")

	a, err := app.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to assemble application")
	}

	server := &http.Server{
		Addr:         cfg.GetHTTPAddr(),
		Handler:      ops.NewRouter(a),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.HTTPPort).Msg("Ops HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down…")
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := a.Close(ctxShutdown); err != nil {
		log.Error().Err(err).Msg("App teardown reported an error")
	}
	log.Info().Msg("Exited")
	return nil
}

func runHealth(addr string, out *os.File) error {
	resp, err := http.Get(addr + "/v0/health")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(body)
}
