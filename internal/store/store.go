// Package store persists completed pipeline runs as JSON documents.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/reflib/refharvest/internal/assets"
	"github.com/reflib/refharvest/internal/bib"
)

// ErrNotFound indicates no persisted run exists for the requested ID.
var ErrNotFound = errors.New("run not found")

// Config locates the run documents on disk.
type Config struct {
	BaseDir string `mapstructure:"base_dir"`
}

// PersistedRecord is the stable on-disk shape of one enriched reference.
type PersistedRecord struct {
	DOI         string   `json:"doi"`
	Title       string   `json:"title"`
	Authors     []string `json:"authors"`
	Year        int      `json:"year,omitempty"`
	Venue       string   `json:"venue"`
	Abstract    string   `json:"abstract"`
	AssetPath   string   `json:"assetPath,omitempty"`
	LicenseOpen bool     `json:"licenseOpen"`
	Status      string   `json:"status"`
}

// RunDocument is the stable on-disk envelope for one pipeline run.
type RunDocument struct {
	ID          string            `json:"id"`
	DocumentURL string            `json:"documentUrl"`
	State       string            `json:"state"`
	StartedAt   time.Time         `json:"startedAt"`
	FinishedAt  time.Time         `json:"finishedAt"`
	Counters    bib.Counters      `json:"counters"`
	Records     []PersistedRecord `json:"records"`
}

// FromRun converts a finished pipeline run into its on-disk document. Only
// references that produced an enriched record are persisted, and a DOI
// appears at most once (case-insensitive; first occurrence wins).
func FromRun(run *bib.PipelineRun) RunDocument {
	doc := RunDocument{
		ID:          run.ID,
		DocumentURL: run.DocumentURL,
		State:       string(run.State),
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
		Counters:    run.Counters,
	}
	seen := make(map[string]struct{}, len(run.References))
	for _, ref := range run.References {
		if ref.Record == nil {
			continue
		}
		key := strings.ToLower(ref.Record.DOI)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		rec := PersistedRecord{
			DOI:         ref.Record.DOI,
			Title:       ref.Record.Title,
			Authors:     ref.Record.Authors,
			Year:        ref.Record.Year,
			Venue:       ref.Record.Venue,
			Abstract:    ref.Record.Abstract,
			LicenseOpen: ref.Record.LicenseOpen,
			Status:      string(ref.Record.Status),
		}
		if ref.Asset != nil && ref.Asset.Status == bib.AssetDownloaded {
			rec.AssetPath = ref.Asset.DestinationPath
		}
		doc.Records = append(doc.Records, rec)
	}
	return doc
}

// Store saves and loads run documents under a base directory.
type Store struct {
	baseDir string
}

// New constructs a Store rooted at cfg.BaseDir.
func New(cfg Config) *Store {
	return &Store{baseDir: cfg.BaseDir}
}

// Save writes the run document atomically under runs/<id>.json.
func (s *Store) Save(doc RunDocument) error {
	if doc.ID == "" {
		return errors.New("run document has no id")
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run %s: %w", doc.ID, err)
	}

	dir := filepath.Join(s.baseDir, "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create runs dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".run-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write run %s: %w", doc.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(doc.ID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("finalize run %s: %w", doc.ID, err)
	}
	return nil
}

// Get loads one run document by ID.
func (s *Store) Get(id string) (RunDocument, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return RunDocument{}, ErrNotFound
		}
		return RunDocument{}, fmt.Errorf("read run %s: %w", id, err)
	}
	var doc RunDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return RunDocument{}, fmt.Errorf("decode run %s: %w", id, err)
	}
	return doc, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.baseDir, "runs", assets.SafeFileName(id)+".json")
}
