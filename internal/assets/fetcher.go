// Package assets downloads open-access documents for enriched records under
// bounded concurrency, with retry for transient failures and crash-safe
// writes.
package assets

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reflib/refharvest/internal/bib"
)

// Doer abstracts the HTTP client so tests can observe in-flight requests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config tunes asset downloads.
type Config struct {
	DestDir     string        `mapstructure:"dest_dir"`
	Concurrency int           `mapstructure:"concurrency"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Timeout     time.Duration `mapstructure:"timeout"`
	UserAgent   string        `mapstructure:"user_agent"`
}

// DefaultConfig returns download settings matching polite host limits.
func DefaultConfig() Config {
	return Config{
		DestDir:     "assets",
		Concurrency: 5,
		MaxAttempts: 3,
		Timeout:     60 * time.Second,
		UserAgent:   "refharvest/1.0",
	}
}

// Fetcher downloads assets for enriched records.
type Fetcher struct {
	cfg    Config
	client Doer
	policy *ExponentialRetryPolicy
	logger *zap.Logger
}

// New constructs a Fetcher. client may be nil, in which case a default HTTP
// client with cfg.Timeout is used.
func New(cfg Config, client Doer, logger *zap.Logger) *Fetcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:    cfg,
		client: client,
		policy: NewExponentialRetryPolicy(cfg.MaxAttempts),
		logger: logger,
	}
}

// FetchAll downloads every eligible record's asset with at most
// cfg.Concurrency downloads in flight. Outcomes keep the input order and
// every record gets exactly one outcome.
func (f *Fetcher) FetchAll(ctx context.Context, records []bib.EnrichedRecord) []bib.AssetOutcome {
	outcomes := make([]bib.AssetOutcome, len(records))
	sem := make(chan struct{}, f.cfg.Concurrency)
	var wg sync.WaitGroup

	for i, record := range records {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				outcomes[i] = failedOutcome(record, ctx.Err().Error())
				return
			}
			outcomes[i] = f.Fetch(ctx, record)
		}()
	}
	wg.Wait()
	return outcomes
}

// Fetch downloads one record's asset. Ineligible records are skipped, never
// failed.
func (f *Fetcher) Fetch(ctx context.Context, record bib.EnrichedRecord) bib.AssetOutcome {
	target, reason := assetTarget(record)
	if target == "" {
		return bib.AssetOutcome{
			SkeletonIndex: record.SkeletonIndex,
			DOI:           record.DOI,
			Status:        bib.AssetSkipped,
			Reason:        reason,
		}
	}

	dest := filepath.Join(f.cfg.DestDir, SafeFileName(record.DOI)+".pdf")

	var written int64
	var err error
	for attempt := 0; ; attempt++ {
		written, err = f.download(ctx, target, dest)
		if err == nil {
			break
		}
		if !f.policy.ShouldRetry(err, attempt+1) {
			f.logger.Warn("asset download failed",
				zap.Int("index", record.SkeletonIndex),
				zap.String("doi", record.DOI),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return failedOutcome(record, err.Error())
		}
		select {
		case <-time.After(f.policy.Backoff(attempt)):
		case <-ctx.Done():
			return failedOutcome(record, ctx.Err().Error())
		}
	}

	return bib.AssetOutcome{
		SkeletonIndex:   record.SkeletonIndex,
		DOI:             record.DOI,
		DestinationPath: dest,
		BytesWritten:    written,
		Status:          bib.AssetDownloaded,
	}
}

// assetTarget applies the eligibility rule: an enriched record with an open
// license downloads its primary asset URL; otherwise the open-access
// fallback location is used when present.
func assetTarget(record bib.EnrichedRecord) (target, skipReason string) {
	if record.Status != bib.RecordEnriched {
		return "", "record not enriched"
	}
	if record.LicenseOpen && record.AssetURL != "" {
		return record.AssetURL, ""
	}
	if record.FallbackAssetURL != "" {
		return record.FallbackAssetURL, ""
	}
	return "", "not open access"
}

// download writes the asset to a temp file and renames it into place, so a
// partial body never appears under the final name.
func (f *Fetcher) download(ctx context.Context, target, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, &terminalError{reason: fmt.Sprintf("build request for %s: %v", target, err)}
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", target, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return 0, fmt.Errorf("get %s: status %d", target, resp.StatusCode)
	default:
		return 0, &terminalError{reason: fmt.Sprintf("get %s: status %d", target, resp.StatusCode)}
	}
	if ct := resp.Header.Get("Content-Type"); isHTMLContent(ct) {
		return 0, &terminalError{reason: fmt.Sprintf("get %s: unexpected content type %q", target, ct)}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create asset dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".asset-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	written, err := io.Copy(tmp, resp.Body)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("write asset body: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("finalize asset: %w", err)
	}
	return written, nil
}

func isHTMLContent(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), "text/html")
}

func failedOutcome(record bib.EnrichedRecord, reason string) bib.AssetOutcome {
	return bib.AssetOutcome{
		SkeletonIndex: record.SkeletonIndex,
		DOI:           record.DOI,
		Status:        bib.AssetFailed,
		Reason:        reason,
	}
}
