package collect

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reflib/refharvest/internal/bib"
	"github.com/reflib/refharvest/internal/render"
)

const referencePage = `<!DOCTYPE html>
<html><head><title>Example Article</title></head>
<body>
<div class="reference-container">
  Smith, J. and Jones, A. "A Quoted Study of Things." Journal of Examples 12 (2020).
  <a href="https://doi.example.org/lookup?id=1">CrossRef</a>
  <a href="/articles/1/fulltext">View Article</a>
  <a href="https://scholar.example.org/profile/1">Google Scholar</a>
</div>
<div class="reference-container">
  <span class="ref-title">Styled Title Without Quotes</span> Brown, B. (2019).
  <a href="https://scholar.example.org/profile/2">Scholar</a>
</div>
<div class="reference-container">
  Lee, C. (2018).
  <a href="https://publisher.example.org/3">Archived version</a>
</div>
</body></html>`

type fakeRenderer struct {
	html    string
	final   string
	err     error
	gotWait string
}

func (f *fakeRenderer) Render(_ context.Context, rawURL, waitSelector string) (render.Snapshot, error) {
	f.gotWait = waitSelector
	if f.err != nil {
		return render.Snapshot{}, f.err
	}
	final := f.final
	if final == "" {
		final = rawURL
	}
	return render.Snapshot{URL: rawURL, FinalURL: final, StatusCode: 200, HTML: f.html}, nil
}

type captureProvider struct {
	mu   sync.Mutex
	keys []string
}

func (p *captureProvider) Save(_ context.Context, objectName string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, objectName)
	return nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newTestCollector(r render.Renderer, blobs *captureProvider, snapshot bool) *Collector {
	var provider *captureProvider
	if blobs != nil {
		provider = blobs
	}
	cfg := Config{SnapshotEnabled: snapshot}
	clock := fixedClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	if provider == nil {
		return New(r, nil, clock, cfg, nil)
	}
	return New(r, provider, clock, cfg, nil)
}

func TestCollectBuildsSkeletons(t *testing.T) {
	t.Parallel()

	renderer := &fakeRenderer{html: referencePage, final: "https://journal.example.org/article/9"}
	collector := newTestCollector(renderer, nil, false)

	skeletons, err := collector.Collect(context.Background(), "https://journal.example.org/article/9")
	require.NoError(t, err)
	require.Len(t, skeletons, 3)

	// Quoted substring wins the title priority.
	first := skeletons[0]
	require.Equal(t, 0, first.Index)
	require.Equal(t, "A Quoted Study of Things.", first.RawTitle)
	require.NotContains(t, first.RawAuthorsText, "Quoted Study")
	require.Contains(t, first.RawAuthorsText, "Smith, J.")
	require.Equal(t, map[bib.LinkCategory]string{
		bib.LinkCrossrefLanding: "https://doi.example.org/lookup?id=1",
		bib.LinkViewArticle:     "https://journal.example.org/articles/1/fulltext",
		bib.LinkScholarProfile:  "https://scholar.example.org/profile/1",
	}, first.CandidateLinks)

	// No quotes: the title-styled child wins.
	second := skeletons[1]
	require.Equal(t, "Styled Title Without Quotes", second.RawTitle)
	require.Equal(t, map[bib.LinkCategory]string{
		bib.LinkScholarProfile: "https://scholar.example.org/profile/2",
	}, second.CandidateLinks)

	// No quotes, no styled child: the first anchor text wins; the anchor
	// label matches no known category so no candidate links survive.
	third := skeletons[2]
	require.Equal(t, "Archived version", third.RawTitle)
	require.Nil(t, third.CandidateLinks)
}

func TestCollectWaitsForContainerSelectors(t *testing.T) {
	t.Parallel()

	renderer := &fakeRenderer{html: referencePage}
	collector := newTestCollector(renderer, nil, false)

	_, err := collector.Collect(context.Background(), "https://journal.example.org/a")
	require.NoError(t, err)
	for _, selector := range DefaultContainerSelectors() {
		require.Contains(t, renderer.gotWait, selector)
	}
}

func TestCollectMissingContainer(t *testing.T) {
	t.Parallel()

	renderer := &fakeRenderer{html: "<html><body><p>No references here.</p></body></html>"}
	collector := newTestCollector(renderer, nil, false)

	skeletons, err := collector.Collect(context.Background(), "https://journal.example.org/b")
	require.ErrorIs(t, err, ErrNoReferences)
	require.NotNil(t, skeletons)
	require.Empty(t, skeletons)
}

func TestCollectRenderFailure(t *testing.T) {
	t.Parallel()

	renderer := &fakeRenderer{err: errors.New("tab crashed")}
	collector := newTestCollector(renderer, nil, false)

	_, err := collector.Collect(context.Background(), "https://journal.example.org/c")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNoReferences)
}

func TestCollectPersistsSnapshot(t *testing.T) {
	t.Parallel()

	renderer := &fakeRenderer{html: referencePage}
	blobs := &captureProvider{}
	collector := newTestCollector(renderer, blobs, true)

	_, err := collector.Collect(context.Background(), "https://journal.example.org/article/9?tab=refs")
	require.NoError(t, err)
	require.Len(t, blobs.keys, 1)

	key := blobs.keys[0]
	require.True(t, strings.HasPrefix(key, "snapshots/"), key)
	require.True(t, strings.HasSuffix(key, ".html"), key)
	require.NotContains(t, strings.TrimPrefix(key, "snapshots/"), "/")
	require.Contains(t, key, "20240301T120000Z")
}
