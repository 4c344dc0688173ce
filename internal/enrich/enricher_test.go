package enrich

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reflib/refharvest/internal/bib"
)

func crossrefServer(t *testing.T, works map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doi := strings.TrimPrefix(r.URL.Path, "/works/")
		body, ok := works[doi]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"message": %s}`, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newCrossref(t *testing.T, works map[string]string) *CrossrefClient {
	t.Helper()
	srv := crossrefServer(t, works)
	cfg := DefaultCrossrefConfig()
	cfg.BaseURL = srv.URL
	cfg.Timeout = 5 * time.Second
	return NewCrossrefClient(cfg, nil)
}

const openWork = `{
	"DOI": "10.1000/open",
	"title": ["A Study of Things", "Alternate"],
	"container-title": ["Journal of Examples"],
	"abstract": "<jats:p>Plain abstract text.</jats:p>",
	"author": [
		{"given": "Jane", "family": "Smith"},
		{"name": "The Example Consortium"}
	],
	"issued": {"date-parts": [[2020, 4, 1]]},
	"created": {"date-parts": [[2019, 12, 1]]},
	"link": [
		{"URL": "https://publisher.example.org/open.xml", "content-type": "text/xml"},
		{"URL": "https://publisher.example.org/open.pdf", "content-type": "application/pdf"}
	],
	"license": [{"URL": "http://creativecommons.org/licenses/by/4.0/"}]
}`

func TestEnrichPopulatesRecord(t *testing.T) {
	t.Parallel()

	client := newCrossref(t, map[string]string{"10.1000/open": openWork})
	enricher := New(client, nil, 1, nil)

	record, err := enricher.Enrich(context.Background(), bib.ResolvedIdentifier{
		SkeletonIndex: 7,
		DOI:           "10.1000/open",
		Strategy:      bib.StrategyCrossrefLanding,
	})
	require.NoError(t, err)

	require.Equal(t, 7, record.SkeletonIndex)
	require.Equal(t, "10.1000/open", record.DOI)
	require.Equal(t, bib.RecordEnriched, record.Status)
	require.Equal(t, "A Study of Things", record.Title)
	require.Equal(t, []string{"Jane Smith", "The Example Consortium"}, record.Authors)
	require.Equal(t, 2020, record.Year)
	require.Equal(t, "Journal of Examples", record.Venue)
	require.Equal(t, "Plain abstract text.", record.Abstract)
	require.True(t, record.LicenseOpen)
	require.Equal(t, "https://publisher.example.org/open.pdf", record.AssetURL)
	require.Empty(t, record.FallbackAssetURL)
}

// Scalar and array title forms must yield the same record.
func TestEnrichAcceptsScalarTitle(t *testing.T) {
	t.Parallel()

	scalar := `{"DOI": "10.1000/s", "title": "Solo Title", "container-title": "Venue"}`
	array := `{"DOI": "10.1000/a", "title": ["Solo Title"], "container-title": ["Venue"]}`
	client := newCrossref(t, map[string]string{"10.1000/s": scalar, "10.1000/a": array})
	enricher := New(client, nil, 1, nil)

	fromScalar, err := enricher.Enrich(context.Background(), bib.ResolvedIdentifier{DOI: "10.1000/s"})
	require.NoError(t, err)
	fromArray, err := enricher.Enrich(context.Background(), bib.ResolvedIdentifier{DOI: "10.1000/a"})
	require.NoError(t, err)

	require.Equal(t, "Solo Title", fromScalar.Title)
	require.Equal(t, fromScalar.Title, fromArray.Title)
	require.Equal(t, fromScalar.Venue, fromArray.Venue)
}

func TestEnrichClosedLicense(t *testing.T) {
	t.Parallel()

	closed := `{
		"DOI": "10.1000/closed",
		"title": ["Closed Work"],
		"license": [{"URL": "https://publisher.example.org/tdm-license"}]
	}`
	client := newCrossref(t, map[string]string{"10.1000/closed": closed})
	enricher := New(client, nil, 1, nil)

	record, err := enricher.Enrich(context.Background(), bib.ResolvedIdentifier{DOI: "10.1000/closed"})
	require.NoError(t, err)
	require.False(t, record.LicenseOpen)
	require.Equal(t, bib.RecordEnriched, record.Status)
}

func TestEnrichMetadataFailure(t *testing.T) {
	t.Parallel()

	client := newCrossref(t, map[string]string{})
	enricher := New(client, nil, 1, nil)

	record, err := enricher.Enrich(context.Background(), bib.ResolvedIdentifier{
		SkeletonIndex: 2,
		DOI:           "10.1000/missing",
	})
	require.Error(t, err)
	require.Equal(t, bib.RecordEnrichmentFailed, record.Status)
	require.Equal(t, 2, record.SkeletonIndex)
	require.Equal(t, "10.1000/missing", record.DOI)
}

func TestEnrichUsesUnpaywallFallback(t *testing.T) {
	t.Parallel()

	oa := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "reader@example.org", r.URL.Query().Get("email"))
		require.Equal(t, "/v2/10.1000/open", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"best_oa_location": {"url_for_pdf": "https://repo.example.org/oa.pdf"}}`)
	}))
	t.Cleanup(oa.Close)

	oaCfg := DefaultUnpaywallConfig()
	oaCfg.BaseURL = oa.URL
	oaCfg.Email = "reader@example.org"

	client := newCrossref(t, map[string]string{"10.1000/open": openWork})
	enricher := New(client, NewUnpaywallClient(oaCfg, nil), 1, nil)

	record, err := enricher.Enrich(context.Background(), bib.ResolvedIdentifier{DOI: "10.1000/open"})
	require.NoError(t, err)
	require.Equal(t, "https://repo.example.org/oa.pdf", record.FallbackAssetURL)
}

// A failing open-access lookup must not fail the record.
func TestEnrichToleratesUnpaywallFailure(t *testing.T) {
	t.Parallel()

	oa := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(oa.Close)

	oaCfg := DefaultUnpaywallConfig()
	oaCfg.BaseURL = oa.URL
	oaCfg.Email = "reader@example.org"

	client := newCrossref(t, map[string]string{"10.1000/open": openWork})
	enricher := New(client, NewUnpaywallClient(oaCfg, nil), 1, nil)

	record, err := enricher.Enrich(context.Background(), bib.ResolvedIdentifier{DOI: "10.1000/open"})
	require.NoError(t, err)
	require.Equal(t, bib.RecordEnriched, record.Status)
	require.Empty(t, record.FallbackAssetURL)
}

func TestEnrichAllKeepsOrderAndIsolatesFailures(t *testing.T) {
	t.Parallel()

	works := map[string]string{
		"10.1000/a": `{"DOI": "10.1000/a", "title": ["A"]}`,
		"10.1000/c": `{"DOI": "10.1000/c", "title": ["C"]}`,
	}
	client := newCrossref(t, works)
	enricher := New(client, nil, 2, nil)

	ids := []bib.ResolvedIdentifier{
		{SkeletonIndex: 0, DOI: "10.1000/a"},
		{SkeletonIndex: 1, DOI: "10.1000/missing"},
		{SkeletonIndex: 2, DOI: "10.1000/c"},
	}
	records, enriched, err := enricher.EnrichAll(context.Background(), ids)
	require.NoError(t, err)
	require.Equal(t, 2, enriched)
	require.Len(t, records, 3)

	require.Equal(t, bib.RecordEnriched, records[0].Status)
	require.Equal(t, "A", records[0].Title)
	require.Equal(t, bib.RecordEnrichmentFailed, records[1].Status)
	require.Equal(t, 1, records[1].SkeletonIndex)
	require.Equal(t, bib.RecordEnriched, records[2].Status)
	require.Equal(t, "C", records[2].Title)
}
