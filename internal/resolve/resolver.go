// Package resolve turns reference skeletons into canonical DOIs by trying a
// fixed priority order of strategies.
package resolve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/reflib/refharvest/internal/bib"
	"github.com/reflib/refharvest/internal/doi"
	"github.com/reflib/refharvest/internal/webfetch"
)

// ErrUnresolved indicates every strategy was attempted and none produced a
// DOI. Callers fold it into run statistics.
var ErrUnresolved = errors.New("no strategy resolved a DOI")

// Resolver resolves one skeleton at a time. It is safe for concurrent use.
type Resolver struct {
	fetcher    webfetch.Fetcher
	strategies []strategy
	logger     *zap.Logger
}

type strategy struct {
	name bib.Strategy
	run  func(ctx context.Context, sk bib.ReferenceSkeleton) (string, error)
}

// New constructs a Resolver with the default strategy order.
func New(fetcher webfetch.Fetcher, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{fetcher: fetcher, logger: logger}
	r.strategies = []strategy{
		{bib.StrategyCrossrefLanding, r.fromLink(bib.LinkCrossrefLanding)},
		{bib.StrategyViewArticle, r.fromLink(bib.LinkViewArticle)},
		{bib.StrategyScholar, r.fromLink(bib.LinkScholarProfile)},
		{bib.StrategyRawText, r.fromRawText},
	}
	return r
}

// Resolve tries each strategy in priority order and returns the first DOI
// found. A strategy failure is logged and never blocks the next strategy.
func (r *Resolver) Resolve(ctx context.Context, sk bib.ReferenceSkeleton) (bib.ResolvedIdentifier, error) {
	for _, s := range r.strategies {
		if err := ctx.Err(); err != nil {
			return bib.ResolvedIdentifier{}, err
		}
		found, err := s.run(ctx, sk)
		if err != nil {
			r.logger.Debug("strategy failed",
				zap.Int("index", sk.Index),
				zap.String("strategy", string(s.name)),
				zap.Error(err),
			)
			continue
		}
		if found == "" {
			continue
		}
		return bib.ResolvedIdentifier{
			SkeletonIndex: sk.Index,
			DOI:           found,
			Strategy:      s.name,
		}, nil
	}
	return bib.ResolvedIdentifier{}, ErrUnresolved
}

// fromLink builds a strategy that fetches the skeleton's candidate link for
// the given category and scans the landing page for a DOI.
func (r *Resolver) fromLink(category bib.LinkCategory) func(ctx context.Context, sk bib.ReferenceSkeleton) (string, error) {
	return func(ctx context.Context, sk bib.ReferenceSkeleton) (string, error) {
		target, ok := sk.CandidateLinks[category]
		if !ok || target == "" {
			return "", nil
		}
		page, err := r.fetcher.Fetch(ctx, target)
		if err != nil {
			return "", fmt.Errorf("fetch %s: %w", target, err)
		}
		if page.StatusCode >= 400 {
			return "", fmt.Errorf("fetch %s: status %d", target, page.StatusCode)
		}
		return extractFromPage(page.Body), nil
	}
}

func (r *Resolver) fromRawText(_ context.Context, sk bib.ReferenceSkeleton) (string, error) {
	if found, ok := doi.Find(sk.RawText); ok {
		return found, nil
	}
	return "", nil
}

// metaNames are the document meta tags, in priority order, that publishers
// use to carry the DOI.
var metaNames = []string{"citation_doi", "dc.identifier", "doi"}

// extractFromPage scans a landing page for a DOI: meta tags first, then
// doi.org hrefs, then a text scan of the whole document.
func extractFromPage(body []byte) string {
	page, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		// Fall back to a plain text scan when the markup is unparseable.
		if found, ok := doi.Find(string(body)); ok {
			return found
		}
		return ""
	}

	for _, name := range metaNames {
		selector := fmt.Sprintf("meta[name='%s' i]", name)
		if content, ok := page.Find(selector).Attr("content"); ok {
			if normalized, valid := doi.Normalize(content); valid {
				return normalized
			}
		}
	}

	var fromHref string
	page.Find("a[href*='doi.org']").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		if normalized, valid := doi.Normalize(href); valid {
			fromHref = normalized
			return false
		}
		return true
	})
	if fromHref != "" {
		return fromHref
	}

	text := strings.TrimSpace(page.Text())
	if found, ok := doi.Find(text); ok {
		return found
	}
	if found, ok := doi.Find(string(body)); ok {
		return found
	}
	return ""
}
