// Package cmd implements the CLI commands.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ironledger/updateverify/adapters"
	"github.com/ironledger/updateverify/config"
	"github.com/ironledger/updateverify/driver"
	"github.com/ironledger/updateverify/events"
	"github.com/ironledger/updateverify/status"
	"github.com/ironledger/updateverify/statusapi"
	"github.com/ironledger/updateverify/trust"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "updateverify",
		Short: "Update verifier",
		Long:  "Verifies software update announcements against a DNSSEC-backed quorum and Gitian-style maintainer signatures before trusting a download.",
		RunE:  run,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "config file path")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger.Info("loaded configuration", "software", cfg.Software, "buildtag", cfg.Buildtag, "listen_addr", cfg.Server.ListenAddr)

	manifest, err := trust.LoadManifest(cfg.Trust.ManifestPath)
	if err != nil {
		return fmt.Errorf("failed to load trust manifest: %w", err)
	}
	if cfg.Trust.MinValidSigs > 0 {
		manifest.MinValidSigs = cfg.Trust.MinValidSigs
	}
	logger.Info("loaded trust manifest", "keys", len(manifest.Keys), "min_valid_sigs", manifest.MinValidSigs)

	bus := events.New()
	st := status.New(bus, cfg.Software, cfg.Buildtag, cfg.CurrentVersion)
	logEventsToSlog(bus, logger)

	httpFetcher := adapters.NewHTTPFetcher(cfg.Download.HTTPTimeoutDuration())
	deps := driver.Deps{
		Resolver:            adapters.NewResolver(cfg.DNS.Resolver),
		Fetcher:             httpFetcher,
		Downloader:          httpFetcher,
		Hasher:              adapters.Hasher{},
		Engine:              adapters.NewPGPEngine(),
		URLBuilder:          adapters.NewURLBuilder(cfg.Download.BaseURL),
		Domains:             cfg.DNS.Domains,
		Manifest:            manifest,
		GPGHomeDir:          cfg.Trust.GPGHomeDir,
		DownloadDir:         cfg.Download.Directory,
		AttestationIndexURL: cfg.Trust.AttestationBase,
		AttestationRawURL:   cfg.Trust.RawBase,
	}
	if err := os.MkdirAll(cfg.Download.Directory, 0o755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}

	d := driver.New(st, deps)
	d.Select(cfg.Software, cfg.Buildtag, cfg.CurrentVersion)

	srv := statusapi.New(st, d, logger)
	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(sigCtx)

	g.Go(func() error {
		logger.Info("starting driver")
		if err := d.Run(gCtx); err != nil && err != context.Canceled {
			return fmt.Errorf("driver error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("starting status server", "addr", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("status server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("status server shutdown error: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("service error", "error", err)
		return err
	}

	logger.Info("stopped gracefully")
	return nil
}

// logEventsToSlog subscribes a background logger to the event bus for the
// lifetime of the process; its queue is drained on a best-effort basis
// and dropped events are only ever a logging nicety, never a correctness
// issue, since status.Status itself remains authoritative.
func logEventsToSlog(bus *events.Bus, logger *slog.Logger) {
	sub, _ := bus.Subscribe()
	go func() {
		for ev := range sub {
			logger.Info("event", "name", string(ev.Name), "payload", ev.Payload)
		}
	}()
}
