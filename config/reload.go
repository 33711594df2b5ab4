package config

import (
	"context"
	"fmt"
	"sync"
)

// Reloader re-reads the config file on demand and hands the validated result
// to an apply callback. A failed load or a refused apply leaves the previous
// configuration in force.
type Reloader struct {
	path  string
	apply func(*Config) error

	mu      sync.RWMutex
	current *Config
}

func NewReloader(path string, current *Config, apply func(*Config) error) *Reloader {
	return &Reloader{path: path, apply: apply, current: current}
}

// Current returns the last successfully applied configuration.
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Reload loads, validates, and applies the file at the original path.
func (r *Reloader) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cfg, err := LoadFromFile(r.path)
	if err != nil {
		return err
	}
	if r.apply != nil {
		if err := r.apply(cfg); err != nil {
			return fmt.Errorf("apply config: %w", err)
		}
	}

	r.mu.Lock()
	r.current = cfg
	r.mu.Unlock()
	return nil
}
