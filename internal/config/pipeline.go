package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

// PipelineConfig describes one pipeline instance: where content comes from and
// which index store it feeds.
type PipelineConfig struct {
	ID                 string       `toml:"id"`
	Name               string       `toml:"name"`
	Source             SourceConfig `toml:"source"`
	AcceptedExtensions []string     `toml:"accepted_extensions"`
	Index              IndexConfig  `toml:"index"`
}

// SourceConfig uses a tagged union pattern - Type decides which fields apply.
type SourceConfig struct {
	Type  string `toml:"type"` // "filesystem" or "http"
	Scope string `toml:"scope,omitempty"`

	// filesystem
	Root string `toml:"root,omitempty"`

	// http
	BaseURL string `toml:"base_url,omitempty"`
	APIKey  string `toml:"api_key,omitempty"`
}

// IndexConfig names the downstream index store. StoreID is filled in when the
// embedding stage creates the store on a pipeline's first run.
type IndexConfig struct {
	StoreID   string `toml:"store_id,omitempty"`
	StoreName string `toml:"store_name,omitempty"`
}

// DefaultAcceptedExtensions is used when a pipeline lists none.
var DefaultAcceptedExtensions = []string{".md", ".markdown", ".txt", ".html", ".csv", ".json", ".pdf", ".docx"}

var pipelineIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// Validate checks the fields every pipeline needs.
func (p *PipelineConfig) Validate() error {
	if !pipelineIDPattern.MatchString(p.ID) {
		return fmt.Errorf("pipeline id %q must be 1-64 letters, digits, '-' or '_'", p.ID)
	}
	switch p.Source.Type {
	case "filesystem":
		if p.Source.Root == "" {
			return fmt.Errorf("filesystem source requires root to be set")
		}
	case "http":
		if p.Source.BaseURL == "" {
			return fmt.Errorf("http source requires base_url to be set")
		}
	default:
		return fmt.Errorf("unknown source type: %q", p.Source.Type)
	}
	return nil
}

// Extensions returns the accepted extensions, lower-cased and dot-prefixed.
func (p *PipelineConfig) Extensions() []string {
	exts := p.AcceptedExtensions
	if len(exts) == 0 {
		exts = DefaultAcceptedExtensions
	}
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}

// Manager handles reading and writing pipeline configuration files.
type Manager struct {
	dir string
}

// NewManager returns a manager for the pipelines directory.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

// Path returns the file holding pipeline id.
func (m *Manager) Path(id string) string {
	return filepath.Join(m.dir, id+".toml")
}

// Read decodes a PipelineConfig from r.
func Read(r io.Reader) (*PipelineConfig, error) {
	var cfg PipelineConfig
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode pipeline config: %w", err)
	}
	return &cfg, nil
}

// Write encodes cfg to w.
func Write(w io.Writer, cfg *PipelineConfig) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode pipeline config: %w", err)
	}
	return nil
}

// Load reads and validates the pipeline config for id.
func (m *Manager) Load(id string) (*PipelineConfig, error) {
	if !pipelineIDPattern.MatchString(id) {
		return nil, fmt.Errorf("%w: invalid pipeline id %q", ErrPipelineNotFound, id)
	}
	f, err := os.Open(m.Path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("pipeline %s: %w", id, ErrPipelineNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open pipeline config: %w", err)
	}
	defer f.Close()

	cfg, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline config %s: %w", id, err)
	}
	if cfg.ID == "" {
		cfg.ID = id
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline config %s: %w", id, err)
	}
	return cfg, nil
}

// Save writes cfg atomically (temp file + rename) so concurrent readers never
// see a half-written file.
func (m *Manager) Save(cfg *PipelineConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("failed to create pipelines directory: %w", err)
	}

	tmp, err := os.CreateTemp(m.dir, "."+cfg.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if err := Write(tmp, cfg); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp config: %w", err)
	}
	if err := os.Rename(tmpPath, m.Path(cfg.ID)); err != nil {
		return fmt.Errorf("failed to save pipeline config: %w", err)
	}
	return nil
}

// SaveStoreID persists a newly created index store id for pipeline id,
// re-reading the file first so unrelated edits are kept.
func (m *Manager) SaveStoreID(id, storeID string) error {
	cfg, err := m.Load(id)
	if err != nil {
		return err
	}
	cfg.Index.StoreID = storeID
	return m.Save(cfg)
}

// ErrPipelineNotFound is returned when no config file exists for a pipeline.
var ErrPipelineNotFound = errors.New("pipeline not found")
