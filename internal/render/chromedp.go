// Package render provides the headless page-rendering capability consumed by
// the skeleton collector. One session is acquired per document.
package render

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrRendererDisabled indicates rendering has been disabled via configuration.
var ErrRendererDisabled = errors.New("renderer disabled")

// Snapshot is the rendered DOM state of a navigated page.
type Snapshot struct {
	URL        string
	FinalURL   string
	StatusCode int
	HTML       string
}

// Renderer navigates to a URL, optionally waits for a selector to become
// visible, and returns the rendered DOM snapshot.
type Renderer interface {
	Render(ctx context.Context, rawURL, waitSelector string) (Snapshot, error)
}

// Config controls the chromedp renderer.
type Config struct {
	UserAgent      string
	NavTimeout     time.Duration
	WaitTimeout    time.Duration
	MaxConcurrency int
	DomainQPS      float64
}

// ChromedpRenderer renders pages using headless Chrome via chromedp.
type ChromedpRenderer struct {
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	logger          *zap.Logger
	sem             chan struct{}
	navTimeout      time.Duration
	waitTimeout     time.Duration
	domainQPS       float64
	domainLimiters  sync.Map
	userAgent       string
}

// NewChromedpRenderer creates a renderer using the provided configuration.
func NewChromedpRenderer(cfg Config, logger *zap.Logger) (*ChromedpRenderer, error) {
	if cfg.MaxConcurrency <= 0 {
		return nil, ErrRendererDisabled
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 10 * time.Second
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.UserAgent(cfg.UserAgent),
	)
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		allocatorCancel()
		browserCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	return &ChromedpRenderer{
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		logger:          logger,
		sem:             make(chan struct{}, cfg.MaxConcurrency),
		navTimeout:      cfg.NavTimeout,
		waitTimeout:     cfg.WaitTimeout,
		domainQPS:       cfg.DomainQPS,
		userAgent:       cfg.UserAgent,
	}, nil
}

// Close tears down the chromedp allocator and browser contexts.
func (r *ChromedpRenderer) Close() error {
	if r == nil {
		return nil
	}
	r.browserCancel()
	r.allocatorCancel()
	return nil
}

// Render navigates to rawURL in a fresh tab, waits until the document body is
// ready, then best-effort waits for waitSelector to appear before returning
// the DOM snapshot. The selector wait failing is not an error: the collector
// decides what a missing container means.
func (r *ChromedpRenderer) Render(ctx context.Context, rawURL, waitSelector string) (Snapshot, error) {
	if r == nil {
		return Snapshot{}, ErrRendererDisabled
	}

	release, err := r.acquireSlot(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	defer release()

	if waitErr := r.waitDomainBudget(ctx, rawURL); waitErr != nil {
		return Snapshot{}, fmt.Errorf("render rate limit: %w", waitErr)
	}

	tabCtx, cancelTab := chromedp.NewContext(r.browserCtx)
	defer cancelTab()

	stopForward := forwardCancel(ctx, cancelTab)
	defer stopForward()

	meta := newResponseMeta()
	r.recordResponse(tabCtx, meta)

	navCtx, cancelNav := context.WithTimeout(tabCtx, r.navTimeout)
	defer cancelNav()
	if err := chromedp.Run(navCtx,
		network.Enable(),
		emulation.SetUserAgentOverride(r.userAgent),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return Snapshot{}, fmt.Errorf("navigate: %w", err)
	}

	if waitSelector != "" {
		waitCtx, cancelWait := context.WithTimeout(tabCtx, r.waitTimeout)
		if err := chromedp.Run(waitCtx, chromedp.WaitVisible(waitSelector, chromedp.ByQuery)); err != nil {
			r.logger.Debug("render wait selector timed out",
				zap.String("url", rawURL),
				zap.String("selector", waitSelector),
			)
		}
		cancelWait()
	}

	var html string
	snapCtx, cancelSnap := context.WithTimeout(tabCtx, r.navTimeout)
	defer cancelSnap()
	if err := chromedp.Run(snapCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot dom: %w", err)
	}

	return Snapshot{
		URL:        rawURL,
		FinalURL:   meta.finalURL(rawURL),
		StatusCode: meta.statusCode,
		HTML:       html,
	}, nil
}

func (r *ChromedpRenderer) acquireSlot(ctx context.Context) (func(), error) {
	select {
	case r.sem <- struct{}{}:
		return func() { <-r.sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire render slot: %w", ctx.Err())
	}
}

func (r *ChromedpRenderer) waitDomainBudget(ctx context.Context, rawURL string) error {
	if r.domainQPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse render url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := r.domainLimiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(r.domainQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait limiter: %w", err)
	}
	return nil
}

type responseMeta struct {
	once       sync.Once
	statusCode int
	url        string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) finalURL(raw string) string {
	if m.url == "" {
		return raw
	}
	return m.url
}

func (r *ChromedpRenderer) recordResponse(tabCtx context.Context, meta *responseMeta) {
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok || resp.Type != network.ResourceTypeDocument {
			return
		}
		meta.once.Do(func() {
			meta.statusCode = int(resp.Response.Status)
			meta.url = resp.Response.URL
		})
	})
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
