// Package pipeline sequences extraction, resolution, enrichment and asset
// download for one document and owns the run's aggregate state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reflib/refharvest/internal/bib"
	"github.com/reflib/refharvest/internal/collect"
	"github.com/reflib/refharvest/internal/progress"
)

// Collector extracts the ordered skeleton list from a rendered document.
type Collector interface {
	Collect(ctx context.Context, documentURL string) ([]bib.ReferenceSkeleton, error)
}

// Resolver resolves one skeleton to a canonical DOI.
type Resolver interface {
	Resolve(ctx context.Context, sk bib.ReferenceSkeleton) (bib.ResolvedIdentifier, error)
}

// Enricher fetches metadata for resolved identifiers in input order and
// reports how many were enriched.
type Enricher interface {
	EnrichAll(ctx context.Context, ids []bib.ResolvedIdentifier) ([]bib.EnrichedRecord, int, error)
}

// AssetFetcher downloads assets for enriched records in input order.
type AssetFetcher interface {
	FetchAll(ctx context.Context, records []bib.EnrichedRecord) []bib.AssetOutcome
}

// Config tunes the orchestrator's own fan-out.
type Config struct {
	ResolveConcurrency int `mapstructure:"resolve_concurrency"`
}

// Orchestrator runs the phases in order. All counter and run-state mutation
// happens on the orchestrator goroutine; workers only return values.
type Orchestrator struct {
	collector Collector
	resolver  Resolver
	enricher  Enricher
	assets    AssetFetcher
	emitter   progress.Emitter
	clock     bib.Clock
	ids       bib.IDGenerator
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Orchestrator. emitter may be nil.
func New(
	collector Collector,
	resolver Resolver,
	enricher Enricher,
	assets AssetFetcher,
	emitter progress.Emitter,
	clock bib.Clock,
	ids bib.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if cfg.ResolveConcurrency <= 0 {
		cfg.ResolveConcurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		collector: collector,
		resolver:  resolver,
		enricher:  enricher,
		assets:    assets,
		emitter:   emitter,
		clock:     clock,
		ids:       ids,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run processes one document end to end. Item failures are contained in the
// run's counters; the only fatal inputs are an empty document URL and run-ID
// generation failure. On cancellation the accumulated run is returned with
// state RunCancelled alongside the context error.
func (o *Orchestrator) Run(ctx context.Context, documentURL string) (*bib.PipelineRun, error) {
	if documentURL == "" {
		return nil, errors.New("document url is required")
	}
	id, err := o.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}

	run := &bib.PipelineRun{
		ID:          id,
		DocumentURL: documentURL,
		State:       bib.RunNotStarted,
		StartedAt:   o.clock.Now(),
		Counters: bib.Counters{
			ResolvedByStrategy: make(map[bib.Strategy]int),
		},
	}
	rid := binaryRunID(id)
	o.emit(rid, progress.PhaseRun, -1, progress.OutcomeStarted, documentURL)

	o.extract(ctx, run, rid)
	o.resolveAll(ctx, run, rid)
	o.enrichAll(ctx, run, rid)
	o.fetchAll(ctx, run, rid)

	run.FinishedAt = o.clock.Now()
	elapsed := run.FinishedAt.Sub(run.StartedAt)
	if err := ctx.Err(); err != nil {
		run.State = bib.RunCancelled
		o.emitTimed(rid, progress.PhaseRun, -1, progress.OutcomeCancelled, err.Error(), elapsed)
		return run, err
	}
	run.State = bib.RunCompleted
	o.emitTimed(rid, progress.PhaseRun, -1, progress.OutcomeCompleted, "", elapsed)
	o.logger.Info("run completed",
		zap.String("run_id", run.ID),
		zap.Int("found", run.Counters.Found),
		zap.Int("resolved", run.Counters.Resolved()),
		zap.Int("enriched", run.Counters.Enriched),
		zap.Int("downloaded", run.Counters.Downloaded),
	)
	return run, nil
}

func (o *Orchestrator) extract(ctx context.Context, run *bib.PipelineRun, rid [16]byte) {
	if ctx.Err() != nil {
		return
	}
	run.State = bib.RunExtracting
	skeletons, err := o.collector.Collect(ctx, run.DocumentURL)
	if err != nil {
		run.Counters.ExtractionFailed++
		outcome := progress.OutcomeFailed
		if errors.Is(err, collect.ErrNoReferences) {
			outcome = progress.OutcomeSkipped
		}
		o.emit(rid, progress.PhaseExtract, -1, outcome, err.Error())
		o.logger.Warn("extraction failed", zap.String("run_id", run.ID), zap.Error(err))
	}
	run.References = make([]bib.Reference, len(skeletons))
	for i, sk := range skeletons {
		run.References[i] = bib.Reference{Skeleton: sk}
	}
	run.Counters.Found = len(skeletons)
	if err == nil {
		o.emit(rid, progress.PhaseExtract, -1, progress.OutcomeCompleted, "")
	}
}

// resolveAll fans skeletons out to the resolver under a bounded semaphore.
// Workers write only their own result slot; the orchestrator folds results
// into the run afterwards.
func (o *Orchestrator) resolveAll(ctx context.Context, run *bib.PipelineRun, rid [16]byte) {
	if ctx.Err() != nil || len(run.References) == 0 {
		return
	}
	run.State = bib.RunResolving

	type result struct {
		resolved bib.ResolvedIdentifier
		err      error
	}
	results := make([]result, len(run.References))
	sem := make(chan struct{}, o.cfg.ResolveConcurrency)
	var wg sync.WaitGroup

	for i := range run.References {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i] = result{err: ctx.Err()}
				return
			}
			start := o.clock.Now()
			resolved, err := o.resolver.Resolve(ctx, run.References[i].Skeleton)
			dur := o.clock.Now().Sub(start)
			results[i] = result{resolved: resolved, err: err}
			if err != nil {
				o.emitTimed(rid, progress.PhaseResolve, run.References[i].Skeleton.Index, progress.OutcomeFailed, err.Error(), dur)
				return
			}
			o.emitTimed(rid, progress.PhaseResolve, resolved.SkeletonIndex, progress.OutcomeOK, string(resolved.Strategy), dur)
		}()
	}
	wg.Wait()

	for i, res := range results {
		if res.err != nil {
			if !errors.Is(res.err, context.Canceled) && !errors.Is(res.err, context.DeadlineExceeded) {
				run.Counters.ResolutionFailed++
			}
			continue
		}
		resolved := res.resolved
		run.References[i].Resolved = &resolved
		run.Counters.ResolvedByStrategy[resolved.Strategy]++
	}
}

func (o *Orchestrator) enrichAll(ctx context.Context, run *bib.PipelineRun, rid [16]byte) {
	if ctx.Err() != nil {
		return
	}
	ids := make([]bib.ResolvedIdentifier, 0, len(run.References))
	for i := range run.References {
		if run.References[i].Resolved != nil {
			ids = append(ids, *run.References[i].Resolved)
		}
	}
	if len(ids) == 0 {
		return
	}
	run.State = bib.RunEnriching

	records, enriched, err := o.enricher.EnrichAll(ctx, ids)
	for _, record := range records {
		if record.DOI == "" {
			continue
		}
		rec := record
		if ref := run.Reference(rec.SkeletonIndex); ref != nil {
			ref.Record = &rec
		}
		switch rec.Status {
		case bib.RecordEnriched:
			o.emit(rid, progress.PhaseEnrich, rec.SkeletonIndex, progress.OutcomeOK, "")
		case bib.RecordEnrichmentFailed:
			run.Counters.EnrichmentFailed++
			o.emit(rid, progress.PhaseEnrich, rec.SkeletonIndex, progress.OutcomeFailed, "")
		}
	}
	run.Counters.Enriched += enriched
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		o.logger.Warn("enrichment batch error", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func (o *Orchestrator) fetchAll(ctx context.Context, run *bib.PipelineRun, rid [16]byte) {
	if ctx.Err() != nil {
		return
	}
	records := make([]bib.EnrichedRecord, 0, len(run.References))
	for i := range run.References {
		if run.References[i].Record != nil {
			records = append(records, *run.References[i].Record)
		}
	}
	if len(records) == 0 {
		return
	}
	run.State = bib.RunFetching

	outcomes := o.assets.FetchAll(ctx, records)
	for _, outcome := range outcomes {
		oc := outcome
		if ref := run.Reference(oc.SkeletonIndex); ref != nil {
			ref.Asset = &oc
		}
		switch oc.Status {
		case bib.AssetDownloaded:
			run.Counters.Downloaded++
			o.emit(rid, progress.PhaseFetch, oc.SkeletonIndex, progress.OutcomeOK, "")
		case bib.AssetSkipped:
			run.Counters.DownloadSkipped++
			o.emit(rid, progress.PhaseFetch, oc.SkeletonIndex, progress.OutcomeSkipped, oc.Reason)
		case bib.AssetFailed:
			run.Counters.DownloadFailed++
			o.emit(rid, progress.PhaseFetch, oc.SkeletonIndex, progress.OutcomeFailed, oc.Reason)
		}
	}
}

func (o *Orchestrator) emit(rid [16]byte, phase progress.Phase, index int, outcome progress.Outcome, message string) {
	o.emitTimed(rid, phase, index, outcome, message, 0)
}

func (o *Orchestrator) emitTimed(rid [16]byte, phase progress.Phase, index int, outcome progress.Outcome, message string, dur time.Duration) {
	o.emitter.Emit(progress.Event{
		RunID:   rid,
		TS:      o.clock.Now(),
		Phase:   phase,
		Index:   index,
		Outcome: outcome,
		Message: message,
		Dur:     dur,
	})
}

func binaryRunID(id string) [16]byte {
	parsed, err := uuid.Parse(id)
	if err != nil {
		// Opaque IDs still need a non-zero event key.
		parsed = uuid.NewSHA1(uuid.NameSpaceOID, []byte(id))
	}
	return progress.UUIDToBytes(parsed)
}
