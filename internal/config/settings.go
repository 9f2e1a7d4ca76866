package config

import (
	"fmt"
	"sync"

	"github.com/fluxflowhq/fluxflow/pkg/types"
)

// Settings holds the live configuration of a running process and writes
// probe selection changes back to the config file.
type Settings struct {
	mu   sync.RWMutex
	path string
	cfg  Config
}

func NewSettings(path string, cfg Config) *Settings {
	return &Settings{path: path, cfg: cfg}
}

func (s *Settings) Current() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Settings) Selection() types.ProbeSelection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Probes.Selection()
}

// UpdateSelection persists sel and makes it the default for later runs. The
// in-memory value only changes once the file is written.
func (s *Settings) UpdateSelection(sel types.ProbeSelection) (types.ProbeSelection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg
	next.Probes = ProbesFromSelection(sel.Normalize())
	if s.path != "" {
		if err := Save(s.path, next); err != nil {
			return types.ProbeSelection{}, fmt.Errorf("save settings: %w", err)
		}
	}
	s.cfg = next
	return next.Probes.Selection(), nil
}

// Replace swaps in a configuration reloaded from disk.
func (s *Settings) Replace(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}
