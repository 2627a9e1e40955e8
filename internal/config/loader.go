// Package config loads the daemon's file configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the daemon.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr string `json:"addr" yaml:"addr" toml:"addr"`
	// EngineSockets lists libpod socket paths, in selection order.
	EngineSockets []string `json:"engine_sockets" yaml:"engine_sockets" toml:"engine_sockets"`
	ModelsDir     string   `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	RecipesDir    string   `json:"recipes_dir" yaml:"recipes_dir" toml:"recipes_dir"`
	// ReconcileSeconds is the reconciliation interval; 0 uses the default.
	ReconcileSeconds int `json:"reconcile_seconds" yaml:"reconcile_seconds" toml:"reconcile_seconds"`
	// ReadyTimeoutSeconds bounds playground readiness and application running
	// polls; 0 uses the default ceiling.
	ReadyTimeoutSeconds int `json:"ready_timeout_seconds" yaml:"ready_timeout_seconds" toml:"ready_timeout_seconds"`
	// GPU enables the CUDA playground provider when a device is discovered.
	GPU bool `json:"gpu" yaml:"gpu" toml:"gpu"`
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
