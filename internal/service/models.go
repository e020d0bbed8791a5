package service

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/convoke-ai/convoke/internal/domain"
	"github.com/convoke-ai/convoke/internal/domain/mode"
	"github.com/convoke-ai/convoke/internal/domain/model"
)

// ModelRegistry tracks configured models and their tool-call capability
// flags with thread-safe access. Entries can be loaded from YAML files or
// registered programmatically.
type ModelRegistry struct {
	mu     sync.RWMutex
	models map[string]model.Model
}

// NewModelRegistry creates an empty registry.
func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{models: make(map[string]model.Model)}
}

// Register validates and stores a model entry, replacing any existing entry
// with the same ID.
func (r *ModelRegistry) Register(m model.Model) error {
	if err := m.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[m.ID] = m
	return nil
}

// Get returns a model entry by ID.
func (r *ModelRegistry) Get(id string) (*model.Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.models[id]
	if !ok {
		return nil, fmt.Errorf("model %q: %w", id, domain.ErrNotFound)
	}
	return &m, nil
}

// List returns all registered models sorted by ID.
func (r *ModelRegistry) List() []model.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllowsToolCalls reports whether the model supports native tool calls in
// the given mode. Unknown models are treated as not supporting them.
func (r *ModelRegistry) AllowsToolCalls(id string, md mode.Mode) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.models[id]
	if !ok {
		return false
	}
	return m.AllowsToolCalls(md)
}

// LoadFromDirectory registers every model defined in *.yaml/*.yml files in
// dir. Each file holds a list of model entries.
func (r *ModelRegistry) LoadFromDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read models dir %s: %w", dir, err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, e.Name())) //nolint:gosec // G304: admin-provided directory
		if err != nil {
			return fmt.Errorf("read %s: %w", e.Name(), err)
		}

		var models []model.Model
		if err := yaml.Unmarshal(data, &models); err != nil {
			return fmt.Errorf("parse %s: %w", e.Name(), err)
		}

		for i := range models {
			if err := r.Register(models[i]); err != nil {
				return fmt.Errorf("register model from %s: %w", e.Name(), err)
			}
		}
	}
	return nil
}
