package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CrossrefConfig tunes the metadata API client.
type CrossrefConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	MailTo    string        `mapstructure:"mail_to"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// DefaultCrossrefConfig returns settings for the public works endpoint.
func DefaultCrossrefConfig() CrossrefConfig {
	return CrossrefConfig{
		BaseURL:   "https://api.crossref.org",
		UserAgent: "refharvest/1.0",
		Timeout:   15 * time.Second,
	}
}

// CrossrefClient fetches work metadata for a DOI.
type CrossrefClient struct {
	cfg        CrossrefConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewCrossrefClient constructs a client against cfg.BaseURL.
func NewCrossrefClient(cfg CrossrefConfig, logger *zap.Logger) *CrossrefClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CrossrefClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// flexText accepts either a JSON string or an array of strings and keeps the
// first non-empty value.
type flexText string

func (t *flexText) UnmarshalJSON(data []byte) error {
	var scalar string
	if err := json.Unmarshal(data, &scalar); err == nil {
		*t = flexText(scalar)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	for _, v := range list {
		if v != "" {
			*t = flexText(v)
			return nil
		}
	}
	*t = ""
	return nil
}

type crossrefAuthor struct {
	Given  string `json:"given"`
	Family string `json:"family"`
	Name   string `json:"name"`
}

type crossrefDate struct {
	DateParts [][]int `json:"date-parts"`
}

func (d crossrefDate) year() int {
	if len(d.DateParts) > 0 && len(d.DateParts[0]) > 0 {
		return d.DateParts[0][0]
	}
	return 0
}

type crossrefLink struct {
	URL         string `json:"URL"`
	ContentType string `json:"content-type"`
}

type crossrefLicense struct {
	URL string `json:"URL"`
}

// crossrefWork is the subset of the works message this pipeline consumes.
type crossrefWork struct {
	DOI            string            `json:"DOI"`
	Title          flexText          `json:"title"`
	ContainerTitle flexText          `json:"container-title"`
	Abstract       string            `json:"abstract"`
	Author         []crossrefAuthor  `json:"author"`
	Issued         crossrefDate      `json:"issued"`
	Created        crossrefDate      `json:"created"`
	Link           []crossrefLink    `json:"link"`
	License        []crossrefLicense `json:"license"`
}

func (w crossrefWork) authorNames() []string {
	names := make([]string, 0, len(w.Author))
	for _, a := range w.Author {
		full := strings.TrimSpace(a.Given + " " + a.Family)
		if full == "" {
			full = strings.TrimSpace(a.Name)
		}
		if full != "" {
			names = append(names, full)
		}
	}
	return names
}

func (w crossrefWork) year() int {
	if y := w.Issued.year(); y != 0 {
		return y
	}
	return w.Created.year()
}

// pdfLink prefers an explicit PDF link, then any typed link.
func (w crossrefWork) pdfLink() string {
	for _, l := range w.Link {
		if l.ContentType == "application/pdf" && l.URL != "" {
			return l.URL
		}
	}
	for _, l := range w.Link {
		if l.URL != "" {
			return l.URL
		}
	}
	return ""
}

// openLicensePrefixes classify a work as openly licensed. Matching is by
// URL prefix after scheme normalization.
var openLicensePrefixes = []string{
	"creativecommons.org/licenses/",
	"creativecommons.org/publicdomain/",
}

func (w crossrefWork) openLicense() bool {
	for _, lic := range w.License {
		trimmed := strings.TrimPrefix(strings.TrimPrefix(lic.URL, "https://"), "http://")
		trimmed = strings.TrimPrefix(trimmed, "www.")
		for _, prefix := range openLicensePrefixes {
			if strings.HasPrefix(trimmed, prefix) {
				return true
			}
		}
	}
	return false
}

var jatsTags = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)

func cleanAbstract(raw string) string {
	return strings.TrimSpace(jatsTags.ReplaceAllString(raw, " "))
}

// GetWork fetches the work record for a canonical DOI.
func (c *CrossrefClient) GetWork(ctx context.Context, doi string) (crossrefWork, error) {
	endpoint := fmt.Sprintf("%s/works/%s", strings.TrimSuffix(c.cfg.BaseURL, "/"), url.PathEscape(doi))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return crossrefWork{}, fmt.Errorf("build works request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return crossrefWork{}, fmt.Errorf("fetch work %s: %w", doi, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return crossrefWork{}, fmt.Errorf("fetch work %s: status %d", doi, resp.StatusCode)
	}

	var envelope struct {
		Message crossrefWork `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return crossrefWork{}, fmt.Errorf("decode work %s: %w", doi, err)
	}
	return envelope.Message, nil
}

func (c *CrossrefClient) userAgent() string {
	if c.cfg.MailTo != "" {
		return fmt.Sprintf("%s (mailto:%s)", c.cfg.UserAgent, c.cfg.MailTo)
	}
	return c.cfg.UserAgent
}
