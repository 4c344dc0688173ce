// Package enrich fills resolved identifiers with authoritative metadata and
// open-access asset locations.
package enrich

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/reflib/refharvest/internal/bib"
)

// Config tunes enrichment fan-out.
type Config struct {
	Concurrency int             `mapstructure:"concurrency"`
	Crossref    CrossrefConfig  `mapstructure:"crossref"`
	Unpaywall   UnpaywallConfig `mapstructure:"unpaywall"`
}

// DefaultConfig returns enrichment settings within polite API limits.
func DefaultConfig() Config {
	return Config{
		Concurrency: 4,
		Crossref:    DefaultCrossrefConfig(),
		Unpaywall:   DefaultUnpaywallConfig(),
	}
}

// Enricher enriches records in bounded parallel batches. unpaywall may be
// nil, in which case fallback asset lookup is skipped.
type Enricher struct {
	crossref    *CrossrefClient
	unpaywall   *UnpaywallClient
	concurrency int
	logger      *zap.Logger
}

// New constructs an Enricher.
func New(crossref *CrossrefClient, unpaywall *UnpaywallClient, concurrency int, logger *zap.Logger) *Enricher {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{
		crossref:    crossref,
		unpaywall:   unpaywall,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Enrich fetches metadata for one resolved identifier. The returned record
// always carries the identifier's index and DOI; on metadata failure its
// status is RecordEnrichmentFailed and the error describes the cause.
func (e *Enricher) Enrich(ctx context.Context, ri bib.ResolvedIdentifier) (bib.EnrichedRecord, error) {
	record := bib.EnrichedRecord{
		SkeletonIndex: ri.SkeletonIndex,
		DOI:           ri.DOI,
		Status:        bib.RecordPending,
	}

	work, err := e.crossref.GetWork(ctx, ri.DOI)
	if err != nil {
		record.Status = bib.RecordEnrichmentFailed
		return record, err
	}

	record.Title = string(work.Title)
	record.Authors = work.authorNames()
	record.Year = work.year()
	record.Venue = string(work.ContainerTitle)
	record.Abstract = cleanAbstract(work.Abstract)
	record.LicenseOpen = work.openLicense()
	record.AssetURL = work.pdfLink()
	record.Status = bib.RecordEnriched

	if e.unpaywall != nil {
		fallback, err := e.unpaywall.BestPDF(ctx, ri.DOI)
		if err != nil {
			// The fallback location is best-effort; the record stays
			// enriched without it.
			e.logger.Debug("open-access lookup failed",
				zap.String("doi", ri.DOI),
				zap.Error(err),
			)
		} else {
			record.FallbackAssetURL = fallback
		}
	}
	return record, nil
}

// EnrichAll enriches every identifier with bounded parallelism. Results keep
// the input order. It returns the records together with the count of
// successfully enriched records; only context cancellation yields an error.
func (e *Enricher) EnrichAll(ctx context.Context, ids []bib.ResolvedIdentifier) ([]bib.EnrichedRecord, int, error) {
	records := make([]bib.EnrichedRecord, len(ids))
	enriched := make([]bool, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, ri := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			record, err := e.Enrich(gctx, ri)
			if err != nil && gctx.Err() == nil {
				e.logger.Warn("enrichment failed",
					zap.Int("index", ri.SkeletonIndex),
					zap.String("doi", ri.DOI),
					zap.Error(err),
				)
			}
			enriched[i] = err == nil
			records[i] = record
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return records, countTrue(enriched), err
	}
	return records, countTrue(enriched), nil
}

func countTrue(flags []bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}
