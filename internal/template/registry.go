package template

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Logger defines the logging interface used by the template package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry holds the templates loaded from a directory tree, keyed by
// template id. It is populated once at boot and read-only afterwards.
type Registry struct {
	dir    string
	logger Logger
	byID   map[string]*Template
}

// NewRegistry builds an empty registry rooted at dir.
func NewRegistry(dir string, logger Logger) *Registry {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Registry{dir: dir, logger: logger, byID: make(map[string]*Template)}
}

// Load walks <dir>/<platform>/<model>.toml and parses every template. A
// file that fails to parse or validate is logged and skipped; a missing
// root directory yields an empty registry.
func (r *Registry) Load() error {
	platforms, err := os.ReadDir(r.dir)
	if os.IsNotExist(err) {
		r.logger.Info("template directory missing, none loaded", "dir", r.dir)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading template directory: %w", err)
	}

	for _, p := range platforms {
		if !p.IsDir() {
			continue
		}
		platform := p.Name()
		files, err := os.ReadDir(filepath.Join(r.dir, platform))
		if err != nil {
			return fmt.Errorf("reading platform %s: %w", platform, err)
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".toml") {
				continue
			}
			path := filepath.Join(r.dir, platform, f.Name())
			t, err := loadFile(path, platform)
			if err != nil {
				r.logger.Warn("template skipped", "file", path, "error", err)
				continue
			}
			if _, dup := r.byID[t.ID]; dup {
				r.logger.Warn("duplicate template id, keeping first", "id", t.ID, "file", path)
				continue
			}
			r.byID[t.ID] = t
			r.logger.Debug("template loaded", "id", t.ID, "platform", platform, "version", t.Version)
		}
	}
	r.logger.Info("templates loaded", "count", len(r.byID), "dir", r.dir)
	return nil
}

func loadFile(path, platform string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t Template
	if err := toml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	t.Platform = platform
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Get resolves a template by id.
func (r *Registry) Get(id string) (*Template, error) {
	t, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("template %s: %w", id, ErrTemplateNotFound)
	}
	return t, nil
}

// ForModel resolves a template by source platform and model string.
func (r *Registry) ForModel(platform, model string) (*Template, error) {
	for _, t := range r.byID {
		if t.Platform == platform && t.Model == model {
			return t, nil
		}
	}
	return nil, fmt.Errorf("model %s/%s: %w", platform, model, ErrTemplateNotFound)
}

// List returns every loaded template ordered by id.
func (r *Registry) List() []*Template {
	out := make([]*Template, 0, len(r.byID))
	for _, t := range r.byID {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
