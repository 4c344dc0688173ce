package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reflib/refharvest/internal/assets"
	"github.com/reflib/refharvest/internal/bib"
	"github.com/reflib/refharvest/internal/clock/system"
	"github.com/reflib/refharvest/internal/collect"
	"github.com/reflib/refharvest/internal/config"
	"github.com/reflib/refharvest/internal/enrich"
	iduuid "github.com/reflib/refharvest/internal/id/uuid"
	"github.com/reflib/refharvest/internal/pipeline"
	"github.com/reflib/refharvest/internal/progress"
	"github.com/reflib/refharvest/internal/progress/sinks"
	"github.com/reflib/refharvest/internal/render"
	"github.com/reflib/refharvest/internal/resolve"
	"github.com/reflib/refharvest/internal/storage"
	"github.com/reflib/refharvest/internal/storage/gcs"
	"github.com/reflib/refharvest/internal/storage/local"
	"github.com/reflib/refharvest/internal/store"
	"github.com/reflib/refharvest/internal/webfetch"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <document-url>",
		Short: "Processes one document's reference list end to end",
		Long: `Renders the document, extracts the reference skeletons, resolves each to a
DOI, enriches the resolved identifiers via the metadata API and downloads the
open-access assets. The finished run is persisted as a JSON document.`,
		Args: cobra.ExactArgs(1),
		RunE: runRunCommand,
	}
}

func runRunCommand(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadEnvironment()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()

	renderer, err := render.NewChromedpRenderer(cfg.Render.ToRender(), logger)
	if err != nil {
		return fmt.Errorf("init renderer: %w", err)
	}
	defer func() {
		if cerr := renderer.Close(); cerr != nil {
			logger.Warn("close renderer", zap.Error(cerr))
		}
	}()

	blobs, cleanup, err := buildBlobStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	collector := collect.New(renderer, blobs, clock, collect.Config{
		ContainerSelectors: cfg.Collector.ContainerSelectors,
		SnapshotEnabled:    cfg.Collector.SnapshotEnabled,
	}, logger)

	fetcher, err := webfetch.NewCollyFetcher(cfg.Fetch, logger)
	if err != nil {
		return fmt.Errorf("init fetcher: %w", err)
	}
	resolver := resolve.New(fetcher, logger)

	enricher := enrich.New(
		enrich.NewCrossrefClient(cfg.Enrich.Crossref, logger),
		buildUnpaywall(cfg.Enrich.Unpaywall, logger),
		cfg.Enrich.Concurrency,
		logger,
	)

	downloader := assets.New(cfg.Assets, nil, logger)

	hub, err := buildHub(logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cerr := hub.Close(closeCtx); cerr != nil {
			logger.Warn("close progress hub", zap.Error(cerr))
		}
	}()

	orchestrator := pipeline.New(
		collector,
		resolver,
		enricher,
		downloader,
		hub,
		clock,
		iduuid.NewGenerator(),
		cfg.Pipeline,
		logger,
	)

	run, runErr := orchestrator.Run(ctx, args[0])
	if run != nil {
		runs := store.New(cfg.Store)
		if err := runs.Save(store.FromRun(run)); err != nil {
			logger.Error("persist run", zap.String("run_id", run.ID), zap.Error(err))
		}
		printSummary(cmd, run)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("run pipeline: %w", runErr)
	}
	return nil
}

func buildBlobStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (storage.Provider, func(), error) {
	noop := func() {}
	switch cfg.Provider {
	case config.ProviderLocal:
		blobs, err := local.New(cfg.Local)
		if err != nil {
			return nil, noop, fmt.Errorf("init local storage: %w", err)
		}
		return blobs, noop, nil
	case config.ProviderGCS:
		blobs, err := gcs.New(ctx, cfg.GCS)
		if err != nil {
			return nil, noop, fmt.Errorf("init gcs storage: %w", err)
		}
		return blobs, func() {
			if cerr := blobs.Close(); cerr != nil {
				logger.Warn("close gcs storage", zap.Error(cerr))
			}
		}, nil
	default:
		return storage.NoOpProvider{}, noop, nil
	}
}

func buildUnpaywall(cfg enrich.UnpaywallConfig, logger *zap.Logger) *enrich.UnpaywallClient {
	if cfg.Email == "" {
		logger.Info("open-access fallback disabled; set enrich.unpaywall.email to enable")
		return nil
	}
	return enrich.NewUnpaywallClient(cfg, logger)
}

func buildHub(logger *zap.Logger) (*progress.Hub, error) {
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	return progress.NewHub(progress.Config{Logger: logger}, sinks.NewLogSink(logger), promSink), nil
}

func printSummary(cmd *cobra.Command, run *bib.PipelineRun) {
	c := run.Counters
	cmd.Printf("run %s %s\n", run.ID, run.State)
	cmd.Printf("  references found:   %d\n", c.Found)
	cmd.Printf("  resolved:           %d (failed %d)\n", c.Resolved(), c.ResolutionFailed)
	for _, strategy := range bib.Strategies() {
		if n := c.ResolvedByStrategy[strategy]; n > 0 {
			cmd.Printf("    %-18s %d\n", string(strategy)+":", n)
		}
	}
	cmd.Printf("  enriched:           %d (failed %d)\n", c.Enriched, c.EnrichmentFailed)
	cmd.Printf("  assets downloaded:  %d (skipped %d, failed %d)\n", c.Downloaded, c.DownloadSkipped, c.DownloadFailed)
}
