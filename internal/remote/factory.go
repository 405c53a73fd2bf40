package remote

import (
	"fmt"

	"contentsync/internal/config"
)

// NewSourceFromConfig creates a Source implementation based on the source type.
func NewSourceFromConfig(cfg config.SourceConfig) (Source, error) {
	switch cfg.Type {
	case "filesystem":
		if cfg.Root == "" {
			return nil, fmt.Errorf("filesystem source requires root to be set")
		}
		return NewFileSystemSource(cfg.Root)
	case "http":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("http source requires base_url to be set")
		}
		return NewHTTPSource(cfg.BaseURL, cfg.APIKey), nil
	default:
		return nil, fmt.Errorf("unknown source type: %s", cfg.Type)
	}
}
