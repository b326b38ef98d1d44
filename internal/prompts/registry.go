package prompts

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
)

//go:embed defaults/*.yaml
var defaultFS embed.FS

// Registry holds prompts in memory, indexed by name.
type Registry struct {
	mu      sync.RWMutex
	prompts map[string]*Prompt
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{prompts: make(map[string]*Prompt)}
}

// Register adds a prompt. A second prompt with the same name is an error.
func (r *Registry) Register(p *Prompt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.prompts[p.Name]; exists {
		return fmt.Errorf("prompt already registered: %s", p.Name)
	}
	r.prompts[p.Name] = p
	return nil
}

// Replace adds or overwrites a prompt.
func (r *Registry) Replace(p *Prompt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts[p.Name] = p
}

// Get looks a prompt up by name.
func (r *Registry) Get(name string) (*Prompt, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prompts[name]
	return p, ok
}

// MustGet is Get for prompts that are known to be registered.
func (r *Registry) MustGet(name string) (*Prompt, error) {
	p, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("prompt not registered: %s", name)
	}
	return p, nil
}

// List returns all prompts sorted by name.
func (r *Registry) List() []*Prompt {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Prompt, 0, len(r.prompts))
	for _, p := range r.prompts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of registered prompts.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.prompts)
}

// Discover parses every *.yaml manifest at the root of fsys. Invalid manifests
// are logged and skipped so one typo does not take the others down.
func Discover(fsys fs.FS, logger *slog.Logger) ([]*Prompt, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}

	var out []*Prompt
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		data, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			logger.Warn("Failed to read prompt", "file", entry.Name(), "error", err)
			continue
		}
		p, err := Parse(data, entry.Name())
		if err != nil {
			logger.Warn("Skipping invalid prompt", "file", entry.Name(), "error", err)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Defaults returns a registry with the built-in prompts.
func Defaults() (*Registry, error) {
	sub, err := fs.Sub(defaultFS, "defaults")
	if err != nil {
		return nil, err
	}
	found, err := Discover(sub, slog.Default())
	if err != nil {
		return nil, err
	}
	r := NewRegistry()
	for _, p := range found {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	for _, name := range []string{NormalizeTranscript, GenerateTitle, ExtractInsights, DraftPosts} {
		if _, ok := r.Get(name); !ok {
			return nil, fmt.Errorf("built-in prompt missing: %s", path.Join("defaults", name+".yaml"))
		}
	}
	return r, nil
}

// Load returns the built-in prompts overridden by any manifests found in dir.
// An empty dir means built-ins only.
func Load(dir string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r, err := Defaults()
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return r, nil
	}

	overrides, err := Discover(os.DirFS(dir), logger)
	if err != nil {
		return nil, fmt.Errorf("discover prompts in %s: %w", dir, err)
	}
	for _, p := range overrides {
		r.Replace(p)
		logger.Info("Loaded prompt override", "name", p.Name, "version", p.Version)
	}
	logger.Info("Prompts loaded", "count", r.Count(), "dir", dir)
	return r, nil
}
