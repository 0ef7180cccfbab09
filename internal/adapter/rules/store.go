// Package rules loads threshold rules from a YAML file and keeps them
// current as the file changes.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/couchcryptid/storm-alert-service/internal/observability"
)

// ErrNotLoaded is reported by readiness checks before the first successful load.
var ErrNotLoaded = errors.New("rules not loaded")

// file is the on-disk layout.
type file struct {
	Rules []domain.Rule `yaml:"rules"`
}

// Store holds the current rule set. It is safe for concurrent use.
type Store struct {
	path    string
	logger  *slog.Logger
	metrics *observability.Metrics

	mu     sync.RWMutex
	rules  []domain.Rule
	loaded bool
}

// NewStore creates a store for the rules file at path. Call Load before use.
func NewStore(path string, logger *slog.Logger, metrics *observability.Metrics) *Store {
	return &Store{path: path, logger: logger, metrics: metrics}
}

// Load reads and validates the rules file. On error the previous rule set
// stays in place.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read rules file: %w", err)
	}
	rules, err := Parse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", s.path, err)
	}

	s.mu.Lock()
	s.rules = rules
	s.loaded = true
	s.mu.Unlock()

	active := 0
	for _, r := range rules {
		if r.Enabled {
			active++
		}
	}
	s.metrics.RulesLoaded.Set(float64(active))
	s.logger.Info("threshold rules loaded", "path", s.path, "total", len(rules), "active", active)
	return nil
}

// Active returns a copy of the enabled rules in file order.
func (s *Store) Active() []domain.Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

// LongestCooldown returns the largest effective cooldown across enabled
// rules, using fallback for rules without their own window.
func (s *Store) LongestCooldown(fallback time.Duration) time.Duration {
	longest := fallback
	for _, r := range s.Active() {
		if r.Cooldown > longest {
			longest = r.Cooldown
		}
	}
	return longest
}

// CheckReadiness implements observability.ReadinessChecker.
func (s *Store) CheckReadiness(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return ErrNotLoaded
	}
	return nil
}

// Watch reloads the rules whenever the file is written or replaced, until
// ctx is cancelled. A failed reload is logged and the previous rules remain
// active. The parent directory is watched so atomic saves are seen.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	target := filepath.Clean(s.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return err
	}
	s.logger.Info("watching threshold rules", "path", target)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.Load(); err != nil {
				s.logger.Error("rules reload failed, keeping previous rules", "path", target, "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("rules watcher error", "error", err)
		}
	}
}

// Parse decodes and validates a rules document.
func Parse(data []byte) ([]domain.Rule, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	seen := make(map[string]struct{}, len(f.Rules))
	for i, r := range f.Rules {
		if err := validate(r); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("rule %d: %w", i, &domain.ValidationError{Field: "id", Message: fmt.Sprintf("duplicate id %q", r.ID)})
		}
		seen[r.ID] = struct{}{}
	}
	return f.Rules, nil
}

func validate(r domain.Rule) error {
	switch {
	case r.ID == "":
		return &domain.ValidationError{Field: "id", Message: "must not be empty"}
	case !r.AlertType.Valid():
		return &domain.ValidationError{Field: "alert_type", Message: fmt.Sprintf("unknown alert type %q", r.AlertType)}
	case !r.Metric.Valid():
		return &domain.ValidationError{Field: "metric", Message: fmt.Sprintf("unknown metric %q", r.Metric)}
	case !r.Comparator.Valid():
		return &domain.ValidationError{Field: "comparator", Message: fmt.Sprintf("unknown comparator %q", r.Comparator)}
	case !r.Severity.Valid():
		return &domain.ValidationError{Field: "severity", Message: fmt.Sprintf("unknown severity %q", r.Severity)}
	case r.Value < 0:
		return &domain.ValidationError{Field: "value", Message: "must not be negative"}
	case r.Advice == "":
		return &domain.ValidationError{Field: "advice", Message: "must not be empty"}
	case r.Cooldown < 0:
		return &domain.ValidationError{Field: "cooldown", Message: "must not be negative"}
	}
	return nil
}
