package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"tails/internal/tails"
	"time"

	"golang.org/x/sync/errgroup"
)

func Run(ctx context.Context) error {

	host := flag.String("host", "0.0.0.0", "host on which to accept connections")
	port := flag.String("port", "6543", "port on which to accept connections")
	dataDir := flag.String("storage-path", "./data", "directory in which to store tails files")
	ledgerType := flag.String("ledger-type", "indy", "default ledger backend: indy, centralized, or proxy")
	centralizedURL := flag.String("centralized-url", "", "base URL of the centralized registry service")
	proxyURL := flag.String("proxy-url", "", "base URL of an upstream VDR proxy")
	logConfig := flag.String("log-config", "", "path to a YAML logging config")
	logLevel := flag.String("log-level", "", "log level override (debug, info, warn, error)")

	flag.Parse()

	logCloser, err := tails.ConfigureLogging(*logConfig, *logLevel)
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	// Ensure data directory is absolute for easier debugging.
	absDataDir, err := filepath.Abs(*dataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := tails.Config{
		DataDir:        absDataDir,
		LedgerType:     *ledgerType,
		CentralizedURL: *centralizedURL,
		ProxyURL:       *proxyURL,
	}

	server, err := tails.NewServer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create tails server: %w", err)
	}

	defer server.Close()

	httpServer := &http.Server{
		Addr:              net.JoinHostPort(*host, *port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		slog.Info("Starting tails server", "addr", httpServer.Addr, "storage_path", absDataDir, "ledger_type", *ledgerType)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("Tails server exited with error", "error", err)
		os.Exit(1)
	}
}
