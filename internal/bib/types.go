// Package bib defines the core types shared across the reference pipeline.
package bib

import "time"

// LinkCategory classifies an outbound link found inside a reference entry.
type LinkCategory string

// Link categories recognized by the collector. Links that match none of the
// known labels are categorized Other and ignored by resolution.
const (
	LinkCrossrefLanding LinkCategory = "crossref_landing"
	LinkViewArticle     LinkCategory = "view_article"
	LinkScholarProfile  LinkCategory = "scholar_profile"
	LinkOther           LinkCategory = "other"
)

// ReferenceSkeleton is a raw reference entry extracted from the rendered
// document before identifier resolution. It is created once by the collector
// and immutable thereafter.
type ReferenceSkeleton struct {
	// Index is stable, sequential, and unique within a run. It is the join
	// key across all pipeline phases.
	Index int `json:"index"`
	// RawTitle is the best-effort title text, never empty (the collector
	// assigns an "Untitled #<n>" placeholder when nothing usable is found).
	RawTitle string `json:"raw_title"`
	// RawAuthorsText is the entry text with the title substring removed.
	RawAuthorsText string `json:"raw_authors_text"`
	// RawText is the full visible text of the entry, scanned by the
	// raw-text resolution fallback.
	RawText string `json:"raw_text"`
	// CandidateLinks maps a link category to the first URL whose label
	// matched that category.
	CandidateLinks map[LinkCategory]string `json:"candidate_links,omitempty"`
}

// Strategy identifies one of the fixed identifier resolution strategies.
type Strategy string

// Resolution strategies in priority order.
const (
	StrategyCrossrefLanding Strategy = "crossref_landing"
	StrategyViewArticle     Strategy = "view_article"
	StrategyScholar         Strategy = "scholar"
	StrategyRawText         Strategy = "raw_text"
)

// Strategies returns the fixed priority order used by the resolver.
func Strategies() []Strategy {
	return []Strategy{
		StrategyCrossrefLanding,
		StrategyViewArticle,
		StrategyScholar,
		StrategyRawText,
	}
}

// ResolvedIdentifier binds a skeleton index to its canonical DOI. A DOI is
// never overwritten once assigned to an index.
type ResolvedIdentifier struct {
	SkeletonIndex int      `json:"skeleton_index"`
	DOI           string   `json:"doi"`
	Strategy      Strategy `json:"strategy"`
}

// RecordStatus tracks the enrichment lifecycle of a record.
type RecordStatus string

// Record statuses.
const (
	RecordPending          RecordStatus = "pending"
	RecordEnriched         RecordStatus = "enriched"
	RecordEnrichmentFailed RecordStatus = "enrichment_failed"
)

// EnrichedRecord holds the authoritative metadata for a resolved identifier.
// Only the enricher mutates it; the asset fetcher treats it as read-only.
type EnrichedRecord struct {
	SkeletonIndex    int          `json:"skeleton_index"`
	DOI              string       `json:"doi"`
	Title            string       `json:"title"`
	Authors          []string     `json:"authors"`
	Year             int          `json:"year,omitempty"`
	Venue            string       `json:"venue"`
	Abstract         string       `json:"abstract"`
	AssetURL         string       `json:"asset_url,omitempty"`
	FallbackAssetURL string       `json:"fallback_asset_url,omitempty"`
	LicenseOpen      bool         `json:"license_open"`
	Status           RecordStatus `json:"status"`
}

// AssetStatus is the terminal state of one asset download attempt.
type AssetStatus string

// Asset outcomes.
const (
	AssetDownloaded AssetStatus = "downloaded"
	AssetSkipped    AssetStatus = "skipped"
	AssetFailed     AssetStatus = "failed"
)

// AssetOutcome records what happened to one record's asset.
type AssetOutcome struct {
	SkeletonIndex   int         `json:"skeleton_index"`
	DOI             string      `json:"doi"`
	DestinationPath string      `json:"destination_path,omitempty"`
	BytesWritten    int64       `json:"bytes_written"`
	Status          AssetStatus `json:"status"`
	Reason          string      `json:"reason,omitempty"`
}

// RunState is the orchestrator's phase machine state.
type RunState string

// Run states in transition order. Cancelled replaces Completed when the run
// context is cancelled mid-flight.
const (
	RunNotStarted RunState = "not_started"
	RunExtracting RunState = "extracting"
	RunResolving  RunState = "resolving"
	RunEnriching  RunState = "enriching"
	RunFetching   RunState = "fetching"
	RunCompleted  RunState = "completed"
	RunCancelled  RunState = "cancelled"
)

// Counters aggregates per-phase statistics for a run.
type Counters struct {
	Found              int              `json:"found"`
	ExtractionFailed   int              `json:"extraction_failed"`
	ResolvedByStrategy map[Strategy]int `json:"resolved_by_strategy"`
	ResolutionFailed   int              `json:"resolution_failed"`
	Enriched           int              `json:"enriched"`
	EnrichmentFailed   int              `json:"enrichment_failed"`
	Downloaded         int              `json:"downloaded"`
	DownloadSkipped    int              `json:"download_skipped"`
	DownloadFailed     int              `json:"download_failed"`
}

// Resolved returns the total references resolved across all strategies.
func (c Counters) Resolved() int {
	total := 0
	for _, n := range c.ResolvedByStrategy {
		total += n
	}
	return total
}

// Reference is the per-index view of one entry as it moves through the
// phases. A failed phase never removes an index from the run; downstream
// phases skip indices lacking the prerequisite state.
type Reference struct {
	Skeleton ReferenceSkeleton   `json:"skeleton"`
	Resolved *ResolvedIdentifier `json:"resolved,omitempty"`
	Record   *EnrichedRecord     `json:"record,omitempty"`
	Asset    *AssetOutcome       `json:"asset,omitempty"`
}

// PipelineRun is the aggregate result of one document's resolution run. It is
// owned exclusively by the orchestrator while in flight.
type PipelineRun struct {
	ID          string      `json:"id"`
	DocumentURL string      `json:"document_url"`
	State       RunState    `json:"state"`
	StartedAt   time.Time   `json:"started_at"`
	FinishedAt  time.Time   `json:"finished_at,omitempty"`
	References  []Reference `json:"references"`
	Counters    Counters    `json:"counters"`
}

// Reference returns the entry for the given skeleton index, or nil.
func (r *PipelineRun) Reference(index int) *Reference {
	for i := range r.References {
		if r.References[i].Skeleton.Index == index {
			return &r.References[i]
		}
	}
	return nil
}
