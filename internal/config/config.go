// Package config loads and validates engine configuration. Defaults are
// overlaid with a workspace-local .folio.kdl file when one exists.
package config

import (
	"os"
	"path/filepath"
)

type Config struct {
	Version   int
	Project   Project
	Scan      Scan
	Watch     Watch
	Transport Transport
	Include   []string
	Exclude   []string
}

type Project struct {
	Root string
	Name string
}

type Scan struct {
	MaxFileSize int64 // Files larger than this yield a diagnostic stub
	Workers     int   // Parallel parse workers for the initial scan (0 = NumCPU)
	RetryDelay  int   // Delay in ms before retrying a failed read once
}

type Watch struct {
	Enabled    bool
	DebounceMs int // Stability window before a burst of writes is processed
}

type Transport struct {
	Listen string // Websocket listen address for the serve command
}

// Default returns the configuration used when no .folio.kdl is present.
func Default(root string) *Config {
	if root == "" {
		root, _ = os.Getwd()
	}
	absRoot, err := filepath.Abs(root)
	if err == nil {
		root = absRoot
	}
	return &Config{
		Version: 1,
		Project: Project{
			Root: root,
			Name: filepath.Base(root),
		},
		Scan: Scan{
			MaxFileSize: 10 * 1024 * 1024,
			Workers:     0,
			RetryDelay:  50,
		},
		Watch: Watch{
			Enabled:    true,
			DebounceMs: 275,
		},
		Transport: Transport{
			Listen: "127.0.0.1:7137",
		},
		Include: []string{"**/*.md", "**/*.mdx", "**/*.markdown", "**/*.csv", "**/*.tsv"},
		Exclude: []string{"**/.git/**", "**/node_modules/**", "**/.folio-tmp*"},
	}
}

// Load builds the effective configuration for a workspace root: defaults
// overlaid with .folio.kdl (if present), then validated.
func Load(root string) (*Config, error) {
	cfg := Default(root)

	kdlCfg, err := LoadKDL(cfg.Project.Root)
	if err != nil {
		return nil, err
	}
	if kdlCfg != nil {
		cfg = kdlCfg
	}

	if err := NewValidator().ValidateAndSetDefaults(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
