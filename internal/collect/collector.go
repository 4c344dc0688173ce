// Package collect extracts raw reference skeletons from a rendered document.
package collect

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/reflib/refharvest/internal/bib"
	"github.com/reflib/refharvest/internal/render"
	"github.com/reflib/refharvest/internal/storage"
)

// ErrNoReferences indicates the references container never appeared within
// the render wait budget. Callers fold it into run statistics; it must not
// abort a run.
var ErrNoReferences = errors.New("references container not found")

// Config controls container discovery and the optional snapshot artifact.
type Config struct {
	// ContainerSelectors are tried in order; the first selector with at
	// least one match supplies the reference entries.
	ContainerSelectors []string
	// SnapshotEnabled persists the raw rendered HTML through the blob store
	// for later diagnosis.
	SnapshotEnabled bool
}

// DefaultContainerSelectors cover the reference list markup of the publisher
// pages this pipeline targets.
func DefaultContainerSelectors() []string {
	return []string{
		".reference-container",
		"[class*='reference'] li",
		".refs-container .reference",
		"#ref-list li",
	}
}

// Collector drives the rendering capability to produce the ordered skeleton
// list for one document.
type Collector struct {
	renderer render.Renderer
	blobs    storage.Provider
	clock    bib.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Collector. blobs may be nil when snapshots are disabled.
func New(renderer render.Renderer, blobs storage.Provider, clock bib.Clock, cfg Config, logger *zap.Logger) *Collector {
	if len(cfg.ContainerSelectors) == 0 {
		cfg.ContainerSelectors = DefaultContainerSelectors()
	}
	if blobs == nil {
		blobs = storage.NoOpProvider{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		renderer: renderer,
		blobs:    blobs,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Collect renders the document and returns the ordered skeleton list. When
// the references container never appears it returns an empty list together
// with ErrNoReferences.
func (c *Collector) Collect(ctx context.Context, documentURL string) ([]bib.ReferenceSkeleton, error) {
	snapshot, err := c.renderer.Render(ctx, documentURL, strings.Join(c.cfg.ContainerSelectors, ", "))
	if err != nil {
		return nil, fmt.Errorf("render document: %w", err)
	}

	if c.cfg.SnapshotEnabled {
		c.persistSnapshot(ctx, documentURL, snapshot.HTML)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(snapshot.HTML))
	if err != nil {
		return nil, fmt.Errorf("parse rendered document: %w", err)
	}

	entries := c.findEntries(doc)
	if entries == nil {
		return []bib.ReferenceSkeleton{}, ErrNoReferences
	}

	base, _ := url.Parse(snapshot.FinalURL)
	skeletons := make([]bib.ReferenceSkeleton, 0, entries.Length())
	entries.Each(func(i int, entry *goquery.Selection) {
		skeletons = append(skeletons, buildSkeleton(i, entry, base))
	})

	c.logger.Info("references collected",
		zap.String("document", documentURL),
		zap.Int("count", len(skeletons)),
	)
	return skeletons, nil
}

func (c *Collector) findEntries(doc *goquery.Document) *goquery.Selection {
	for _, selector := range c.cfg.ContainerSelectors {
		if sel := doc.Find(selector); sel.Length() > 0 {
			return sel
		}
	}
	return nil
}

func (c *Collector) persistSnapshot(ctx context.Context, documentURL, html string) {
	key := snapshotKey(documentURL, c.clock)
	if err := c.blobs.Save(ctx, key, []byte(html)); err != nil {
		// Snapshot persistence is diagnostic only; a failure never affects
		// the run.
		c.logger.Warn("persist snapshot failed", zap.String("key", key), zap.Error(err))
	}
}

var (
	invalidKeyChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)
	// quotedTitle matches a quoted span of at least a few characters;
	// publisher reference lists quote the cited title.
	quotedTitle = regexp.MustCompile(`["\x{201C}]([^"\x{201C}\x{201D}]{4,})["\x{201D}]`)
	spaceRuns   = regexp.MustCompile(`\s+`)
)

func snapshotKey(documentURL string, clock bib.Clock) string {
	stem := invalidKeyChars.ReplaceAllString(documentURL, "_")
	if len(stem) > 120 {
		stem = stem[:120]
	}
	return fmt.Sprintf("snapshots/%s_%s.html", stem, clock.Now().Format("20060102T150405Z"))
}

func buildSkeleton(index int, entry *goquery.Selection, base *url.URL) bib.ReferenceSkeleton {
	text := collapseSpace(entry.Text())
	title := extractTitle(index, entry, text)
	authors := collapseSpace(strings.Replace(text, title, "", 1))

	return bib.ReferenceSkeleton{
		Index:          index,
		RawTitle:       title,
		RawAuthorsText: authors,
		RawText:        text,
		CandidateLinks: classifyLinks(entry, base),
	}
}

// extractTitle applies the title priority order: quoted substring, then a
// heading or title-styled child, then the first anchor text, and finally an
// "Untitled" placeholder so downstream filtering never sees an empty title.
func extractTitle(index int, entry *goquery.Selection, text string) string {
	if m := quotedTitle.FindStringSubmatch(text); m != nil {
		return collapseSpace(m[1])
	}
	if heading := entry.Find("h1, h2, h3, h4, b, strong, .title, [class*='title']").First(); heading.Length() > 0 {
		if t := collapseSpace(heading.Text()); t != "" {
			return t
		}
	}
	if anchor := entry.Find("a").First(); anchor.Length() > 0 {
		if t := collapseSpace(anchor.Text()); t != "" {
			return t
		}
	}
	return fmt.Sprintf("Untitled #%d", index)
}

// categoryLabels is the fixed case-insensitive label table used to classify
// outbound links. The first category whose label matches wins.
var categoryLabels = []struct {
	category bib.LinkCategory
	labels   []string
}{
	{bib.LinkCrossrefLanding, []string{"crossref", "cross ref"}},
	{bib.LinkViewArticle, []string{"view article", "view at publisher", "full text"}},
	{bib.LinkScholarProfile, []string{"google scholar", "scholar"}},
}

func classifyLinks(entry *goquery.Selection, base *url.URL) map[bib.LinkCategory]string {
	links := make(map[bib.LinkCategory]string)
	entry.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok || href == "" {
			return
		}
		category := classifyLabel(a.Text())
		if category == bib.LinkOther {
			return
		}
		if _, seen := links[category]; seen {
			return
		}
		links[category] = absoluteURL(base, href)
	})
	if len(links) == 0 {
		return nil
	}
	return links
}

func classifyLabel(label string) bib.LinkCategory {
	needle := strings.ToLower(collapseSpace(label))
	for _, entry := range categoryLabels {
		for _, known := range entry.labels {
			if strings.Contains(needle, known) {
				return entry.category
			}
		}
	}
	return bib.LinkOther
}

func absoluteURL(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

func collapseSpace(s string) string {
	return strings.TrimSpace(spaceRuns.ReplaceAllString(s, " "))
}
