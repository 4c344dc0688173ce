package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// UnpaywallConfig tunes the open-access location lookup. Email is required
// by the service and enables the client when set.
type UnpaywallConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Email   string        `mapstructure:"email"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultUnpaywallConfig returns settings for the public v2 endpoint.
func DefaultUnpaywallConfig() UnpaywallConfig {
	return UnpaywallConfig{
		BaseURL: "https://api.unpaywall.org",
		Timeout: 15 * time.Second,
	}
}

// UnpaywallClient looks up an open-access asset location for a DOI.
type UnpaywallClient struct {
	cfg        UnpaywallConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewUnpaywallClient constructs a client against cfg.BaseURL.
func NewUnpaywallClient(cfg UnpaywallConfig, logger *zap.Logger) *UnpaywallClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UnpaywallClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

type oaLocation struct {
	URLForPDF string `json:"url_for_pdf"`
	URL       string `json:"url"`
}

type unpaywallResponse struct {
	BestOALocation *oaLocation  `json:"best_oa_location"`
	OALocations    []oaLocation `json:"oa_locations"`
}

// BestPDF returns the best open-access PDF URL for the DOI, or "" when the
// work has no open location.
func (c *UnpaywallClient) BestPDF(ctx context.Context, doi string) (string, error) {
	endpoint := fmt.Sprintf("%s/v2/%s?email=%s",
		strings.TrimSuffix(c.cfg.BaseURL, "/"),
		url.PathEscape(doi),
		url.QueryEscape(c.cfg.Email),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build lookup request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", doi, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("lookup %s: status %d", doi, resp.StatusCode)
	}

	var payload unpaywallResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode lookup %s: %w", doi, err)
	}

	if best := payload.BestOALocation; best != nil {
		if best.URLForPDF != "" {
			return best.URLForPDF, nil
		}
		if best.URL != "" {
			return best.URL, nil
		}
	}
	for _, loc := range payload.OALocations {
		if loc.URLForPDF != "" {
			return loc.URLForPDF, nil
		}
	}
	return "", nil
}
