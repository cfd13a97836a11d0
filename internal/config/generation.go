package config

import (
	"sync/atomic"
	"time"

	"github.com/technosupport/guardian/internal/events"
)

// Generation is one immutable snapshot of the loaded configuration. A reload
// produces a new generation; nothing is edited in place, so a reader (or an
// armed timer holding a rule) always sees a consistent set.
type Generation struct {
	Version  int
	LoadedAt time.Time
	Config   *Config
	Rules    map[events.Severity]EscalationRule
}

// Rule returns the escalation rule for a severity, walking down the rank
// order if no exact rule is configured.
func (g *Generation) Rule(sev events.Severity) (EscalationRule, bool) {
	if r, ok := g.Rules[sev]; ok {
		return r, true
	}
	// Fall back to the nearest configured rule at or below this rank.
	for rank := sev.Rank() - 1; rank >= 1; rank-- {
		for s, r := range g.Rules {
			if s.Rank() == rank {
				return r, true
			}
		}
	}
	return EscalationRule{}, false
}

func (g *Generation) Camera(id string) (Camera, bool) {
	for _, c := range g.Config.Cameras {
		if c.ID == id {
			return c, true
		}
	}
	return Camera{}, false
}

// Store holds the current generation behind an atomic pointer.
type Store struct {
	path    string
	version atomic.Int64
	gen     atomic.Pointer[Generation]
}

func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	if _, err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Current() *Generation {
	return s.gen.Load()
}

// Reload parses the file and swaps in a new generation atomically.
func (s *Store) Reload() (*Generation, error) {
	cfg, err := Load(s.path)
	if err != nil {
		return nil, err
	}

	rules := make(map[events.Severity]EscalationRule, len(cfg.Escalation))
	for _, r := range cfg.Escalation {
		rules[events.Severity(r.Severity)] = r
	}

	gen := &Generation{
		Version:  int(s.version.Add(1)),
		LoadedAt: time.Now(),
		Config:   cfg,
		Rules:    rules,
	}
	s.gen.Store(gen)
	return gen, nil
}
