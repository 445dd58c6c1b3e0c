package config

import (
	"errors"
	"fmt"
	"runtime"
)

// Validator validates configuration and sets smart defaults.
type Validator struct{}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAndSetDefaults validates configuration and applies smart defaults.
// Returns an error if validation fails.
func (v *Validator) ValidateAndSetDefaults(cfg *Config) error {
	if err := v.validateProject(&cfg.Project); err != nil {
		return fmt.Errorf("config: project: %w", err)
	}
	if err := v.validateScan(&cfg.Scan); err != nil {
		return fmt.Errorf("config: scan: %w", err)
	}
	if err := v.validateWatch(&cfg.Watch); err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}

	v.setSmartDefaults(cfg)
	return nil
}

func (v *Validator) validateProject(project *Project) error {
	if project.Root == "" {
		return errors.New("project root cannot be empty")
	}
	return nil
}

func (v *Validator) validateScan(scan *Scan) error {
	if scan.MaxFileSize <= 0 {
		return fmt.Errorf("MaxFileSize must be positive, got %d", scan.MaxFileSize)
	}
	if scan.MaxFileSize > 100*1024*1024 {
		return fmt.Errorf("MaxFileSize should not exceed 100MB, got %d", scan.MaxFileSize)
	}
	if scan.Workers < 0 {
		return fmt.Errorf("Workers cannot be negative, got %d", scan.Workers)
	}
	return nil
}

func (v *Validator) validateWatch(watch *Watch) error {
	if watch.DebounceMs < 0 {
		return fmt.Errorf("DebounceMs cannot be negative, got %d", watch.DebounceMs)
	}
	if watch.DebounceMs > 10000 {
		return fmt.Errorf("DebounceMs should not exceed 10s, got %d", watch.DebounceMs)
	}
	return nil
}

func (v *Validator) setSmartDefaults(cfg *Config) {
	if cfg.Scan.Workers == 0 {
		cfg.Scan.Workers = runtime.NumCPU()
	}
	if cfg.Scan.RetryDelay == 0 {
		cfg.Scan.RetryDelay = 50
	}
	if cfg.Watch.DebounceMs == 0 {
		cfg.Watch.DebounceMs = 275
	}
	if cfg.Project.Name == "" {
		cfg.Project.Name = "workspace"
	}
}
