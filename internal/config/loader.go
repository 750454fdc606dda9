// Package config loads daemon configuration from YAML, JSON or TOML files
// selected by extension. Zero values mean "unspecified" and are replaced by
// defaults in cmd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"runnerd/pkg/types"
)

// Config holds runtime parameters for the daemon.
type Config struct {
	Addr string `json:"addr" yaml:"addr" toml:"addr"`
	// ModelsDir receives downloaded model files.
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	// DataDir holds the download ledger database.
	DataDir string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
	// CatalogBaseURL resolves relative model URLs.
	CatalogBaseURL string `json:"catalog_base_url" yaml:"catalog_base_url" toml:"catalog_base_url"`
	// Catalog lists known models.
	Catalog []types.Model `json:"catalog" yaml:"catalog" toml:"catalog"`
	// Engine tunables.
	EngineCtxSize int `json:"engine_ctx_size" yaml:"engine_ctx_size" toml:"engine_ctx_size"`
	EngineThreads int `json:"engine_threads" yaml:"engine_threads" toml:"engine_threads"`
	// CORS (opt-in).
	CORSEnabled        bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSAllowedOrigins []string `json:"cors_allowed_origins" yaml:"cors_allowed_origins" toml:"cors_allowed_origins"`
	// LogLevel: debug|info|warn|error.
	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
