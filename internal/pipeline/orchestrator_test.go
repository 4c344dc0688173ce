package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reflib/refharvest/internal/bib"
	"github.com/reflib/refharvest/internal/collect"
	"github.com/reflib/refharvest/internal/progress"
	"github.com/reflib/refharvest/internal/resolve"
)

type fakeCollector struct {
	skeletons []bib.ReferenceSkeleton
	err       error
}

func (f *fakeCollector) Collect(context.Context, string) ([]bib.ReferenceSkeleton, error) {
	return f.skeletons, f.err
}

type fakeResolver struct {
	mu          sync.Mutex
	unresolved  map[int]bool
	seenIndices []int
}

func (f *fakeResolver) Resolve(_ context.Context, sk bib.ReferenceSkeleton) (bib.ResolvedIdentifier, error) {
	f.mu.Lock()
	f.seenIndices = append(f.seenIndices, sk.Index)
	f.mu.Unlock()
	if f.unresolved[sk.Index] {
		return bib.ResolvedIdentifier{}, resolve.ErrUnresolved
	}
	return bib.ResolvedIdentifier{
		SkeletonIndex: sk.Index,
		DOI:           fmt.Sprintf("10.1000/ref%d", sk.Index),
		Strategy:      bib.StrategyCrossrefLanding,
	}, nil
}

type fakeEnricher struct {
	mu          sync.Mutex
	seenIndices []int
	failIndices map[int]bool
}

func (f *fakeEnricher) EnrichAll(_ context.Context, ids []bib.ResolvedIdentifier) ([]bib.EnrichedRecord, int, error) {
	records := make([]bib.EnrichedRecord, len(ids))
	enriched := 0
	for i, ri := range ids {
		f.mu.Lock()
		f.seenIndices = append(f.seenIndices, ri.SkeletonIndex)
		f.mu.Unlock()
		records[i] = bib.EnrichedRecord{
			SkeletonIndex: ri.SkeletonIndex,
			DOI:           ri.DOI,
			Title:         fmt.Sprintf("Title %d", ri.SkeletonIndex),
			Status:        bib.RecordEnriched,
			LicenseOpen:   true,
			AssetURL:      fmt.Sprintf("https://cdn.example.org/%d.pdf", ri.SkeletonIndex),
		}
		if f.failIndices[ri.SkeletonIndex] {
			records[i].Status = bib.RecordEnrichmentFailed
		} else {
			enriched++
		}
	}
	return records, enriched, nil
}

type fakeAssets struct {
	mu          sync.Mutex
	seenIndices []int
}

func (f *fakeAssets) FetchAll(_ context.Context, records []bib.EnrichedRecord) []bib.AssetOutcome {
	outcomes := make([]bib.AssetOutcome, len(records))
	for i, record := range records {
		f.mu.Lock()
		f.seenIndices = append(f.seenIndices, record.SkeletonIndex)
		f.mu.Unlock()
		status := bib.AssetDownloaded
		if record.Status != bib.RecordEnriched {
			status = bib.AssetSkipped
		}
		outcomes[i] = bib.AssetOutcome{
			SkeletonIndex: record.SkeletonIndex,
			DOI:           record.DOI,
			Status:        status,
		}
	}
	return outcomes
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type staticIDs struct{ id string }

func (g staticIDs) NewID() (string, error) { return g.id, nil }

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) byPhase(phase progress.Phase) []progress.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []progress.Event
	for _, evt := range e.events {
		if evt.Phase == phase {
			out = append(out, evt)
		}
	}
	return out
}

func skeletons(n int) []bib.ReferenceSkeleton {
	out := make([]bib.ReferenceSkeleton, n)
	for i := range out {
		out[i] = bib.ReferenceSkeleton{Index: i, RawText: fmt.Sprintf("ref %d", i)}
	}
	return out
}

func newOrchestrator(c Collector, r Resolver, e Enricher, a AssetFetcher, emitter progress.Emitter) *Orchestrator {
	return New(c, r, e, a, emitter,
		fixedClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		staticIDs{id: "b0c5fcb2-54a1-4e3c-9138-7f2f2e9f0a11"},
		Config{ResolveConcurrency: 2},
		nil,
	)
}

func TestRunContainsPartialFailures(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{unresolved: map[int]bool{1: true}}
	enricher := &fakeEnricher{}
	downloads := &fakeAssets{}
	emitter := &recordingEmitter{}
	orch := newOrchestrator(&fakeCollector{skeletons: skeletons(3)}, resolver, enricher, downloads, emitter)

	run, err := orch.Run(context.Background(), "https://journal.example.org/a")
	require.NoError(t, err)
	require.Equal(t, bib.RunCompleted, run.State)

	require.Equal(t, 3, run.Counters.Found)
	require.Equal(t, 1, run.Counters.ResolutionFailed)
	require.Equal(t, 2, run.Counters.ResolvedByStrategy[bib.StrategyCrossrefLanding])
	require.Equal(t, 2, run.Counters.Enriched)
	require.Equal(t, 2, run.Counters.Downloaded)

	// Every index was attempted during resolution.
	require.ElementsMatch(t, []int{0, 1, 2}, resolver.seenIndices)
	// Downstream phases only see the resolved indices.
	require.ElementsMatch(t, []int{0, 2}, enricher.seenIndices)
	require.ElementsMatch(t, []int{0, 2}, downloads.seenIndices)

	// The unresolved index keeps its skeleton but gains no downstream state.
	ref := run.Reference(1)
	require.NotNil(t, ref)
	require.Nil(t, ref.Resolved)
	require.Nil(t, ref.Record)
	require.Nil(t, ref.Asset)

	resolveEvents := emitter.byPhase(progress.PhaseResolve)
	require.Len(t, resolveEvents, 3)
	runEvents := emitter.byPhase(progress.PhaseRun)
	require.Len(t, runEvents, 2)
	require.Equal(t, progress.OutcomeStarted, runEvents[0].Outcome)
	require.Equal(t, progress.OutcomeCompleted, runEvents[1].Outcome)
}

func TestRunRequiresDocumentURL(t *testing.T) {
	t.Parallel()

	orch := newOrchestrator(&fakeCollector{}, &fakeResolver{}, &fakeEnricher{}, &fakeAssets{}, nil)
	_, err := orch.Run(context.Background(), "")
	require.Error(t, err)
}

func TestRunEmptyReferenceList(t *testing.T) {
	t.Parallel()

	collector := &fakeCollector{skeletons: []bib.ReferenceSkeleton{}, err: collect.ErrNoReferences}
	resolver := &fakeResolver{}
	orch := newOrchestrator(collector, resolver, &fakeEnricher{}, &fakeAssets{}, nil)

	run, err := orch.Run(context.Background(), "https://journal.example.org/empty")
	require.NoError(t, err)
	require.Equal(t, bib.RunCompleted, run.State)
	require.Equal(t, 0, run.Counters.Found)
	require.Equal(t, 1, run.Counters.ExtractionFailed)
	require.Empty(t, resolver.seenIndices)
}

func TestRunEnrichmentFailureSkipsDownloadGracefully(t *testing.T) {
	t.Parallel()

	enricher := &fakeEnricher{failIndices: map[int]bool{0: true}}
	downloads := &fakeAssets{}
	orch := newOrchestrator(&fakeCollector{skeletons: skeletons(2)}, &fakeResolver{}, enricher, downloads, nil)

	run, err := orch.Run(context.Background(), "https://journal.example.org/b")
	require.NoError(t, err)

	require.Equal(t, 1, run.Counters.Enriched)
	require.Equal(t, 1, run.Counters.EnrichmentFailed)
	require.Equal(t, 1, run.Counters.Downloaded)
	require.Equal(t, 1, run.Counters.DownloadSkipped)

	failedRef := run.Reference(0)
	require.NotNil(t, failedRef.Record)
	require.Equal(t, bib.RecordEnrichmentFailed, failedRef.Record.Status)
}

func TestRunCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	orch := newOrchestrator(&fakeCollector{skeletons: skeletons(2)}, &fakeResolver{}, &fakeEnricher{}, &fakeAssets{}, nil)
	run, err := orch.Run(ctx, "https://journal.example.org/c")

	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, run)
	require.Equal(t, bib.RunCancelled, run.State)
	// A cancelled run never reports item failures it did not observe.
	require.Equal(t, 0, run.Counters.ResolutionFailed)
}
