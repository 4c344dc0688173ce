// Package webfetch retrieves candidate landing pages for DOI resolution.
package webfetch

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// Page is the outcome of one fetch, after redirects.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Fetcher retrieves a single page. Implementations must honor the context.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (Page, error)
}

// Config tunes the shared collector.
type Config struct {
	UserAgent          string        `mapstructure:"user_agent"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	Concurrency        int           `mapstructure:"concurrency"`
	RateLimitPerDomain int           `mapstructure:"rate_limit_per_domain"`
}

// DefaultConfig returns fetcher settings suitable for publisher landing pages.
func DefaultConfig() Config {
	return Config{
		UserAgent:          "refharvest/1.0",
		RequestTimeout:     20 * time.Second,
		Concurrency:        4,
		RateLimitPerDomain: 2,
	}
}

// CollyFetcher implements Fetcher using the Colly collector.
type CollyFetcher struct {
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// NewCollyFetcher constructs a configured Colly-based Fetcher.
func NewCollyFetcher(cfg Config, logger *zap.Logger) (*CollyFetcher, error) {
	opts := []colly.CollectorOption{
		colly.Async(true),
		colly.UserAgent(cfg.UserAgent),
	}
	base := colly.NewCollector(opts...)
	base.AllowURLRevisit = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   32,
		MaxConnsPerHost:       cfg.Concurrency * 2,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(cfg.RequestTimeout)

	delay := time.Second / time.Duration(maxInt(1, cfg.RateLimitPerDomain))
	if err := base.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Concurrency,
		Delay:       delay,
	}); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &CollyFetcher{
		baseCollector: base,
		logger:        logger,
	}, nil
}

// Fetch retrieves a page via a clone of the configured collector.
func (f *CollyFetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	collector := f.baseCollector.Clone()
	resultCh := make(chan fetchResult, 1)
	var once sync.Once
	send := func(res fetchResult) {
		once.Do(func() {
			resultCh <- res
		})
	}

	collector.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			for k, v := range *r.Headers {
				cp := make([]string, len(v))
				copy(cp, v)
				headers[k] = cp
			}
		}
		page := Page{
			URL:        rawURL,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte{}, r.Body...),
		}
		send(fetchResult{page: page})
	})

	collector.OnError(func(_ *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown colly error")
		}
		send(fetchResult{err: err})
	})

	if err := collector.Visit(rawURL); err != nil {
		return Page{}, err
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return Page{}, err
		}
		if res.err != nil {
			f.logger.Debug("fetch failed", zap.String("url", rawURL), zap.Error(res.err))
		}
		return res.page, res.err
	default:
		return Page{}, errors.New("colly fetch produced no result")
	}
}

type fetchResult struct {
	page Page
	err  error
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
