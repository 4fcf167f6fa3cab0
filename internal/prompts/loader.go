package prompts

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Loader manages prompt templates with override support.
type Loader struct {
	overrideDirs []string // Directories to check for overrides (in priority order)
	cache        map[string]*template.Template
	metaCache    map[string]*TemplateMeta
	mu           sync.RWMutex
}

// TemplateMeta holds frontmatter metadata for stage templates.
type TemplateMeta struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Stage       string `yaml:"stage"`
}

// NewLoader creates a loader with the given override directories.
// Directories are checked in order; first match wins.
func NewLoader(overrideDirs ...string) *Loader {
	return &Loader{
		overrideDirs: overrideDirs,
		cache:        make(map[string]*template.Template),
		metaCache:    make(map[string]*TemplateMeta),
	}
}

// DefaultLoader creates a loader with standard override paths:
// 1. Project-local: .solo-unicorn/prompts/
// 2. User config: ~/.config/solo-unicorn/prompts/
func DefaultLoader(projectRoot string) *Loader {
	home, _ := os.UserHomeDir()
	dirs := []string{}

	if projectRoot != "" {
		dirs = append(dirs, filepath.Join(projectRoot, ".solo-unicorn", "prompts"))
	}
	dirs = append(dirs, filepath.Join(home, ".config", "solo-unicorn", "prompts"))

	return NewLoader(dirs...)
}

// OverrideDirs returns the override directories in priority order
func (l *Loader) OverrideDirs() []string {
	return l.overrideDirs
}

// loadContent loads raw content from override dirs or embedded FS.
func (l *Loader) loadContent(path string) ([]byte, error) {
	// Check override directories first
	for _, dir := range l.overrideDirs {
		fullPath := filepath.Join(dir, path)
		if data, err := os.ReadFile(fullPath); err == nil {
			return data, nil
		}
	}

	// Fall back to embedded
	return fs.ReadFile(embeddedFS, path)
}

// parseFrontmatter splits content into frontmatter and body.
func parseFrontmatter(content []byte) (*TemplateMeta, string, error) {
	str := string(content)

	if !strings.HasPrefix(str, "---\n") {
		return nil, str, nil // No frontmatter
	}

	rest := str[4:]
	end := strings.Index(rest, "\n---\n")
	if end == -1 {
		return nil, str, nil
	}

	var meta TemplateMeta
	if err := yaml.Unmarshal([]byte(rest[:end]), &meta); err != nil {
		return nil, "", fmt.Errorf("parsing frontmatter: %w", err)
	}

	body := strings.TrimPrefix(rest[end+5:], "\n")
	return &meta, body, nil
}

// Get returns the parsed template for a stage name (e.g. "refine").
func (l *Loader) Get(name string) (*template.Template, error) {
	path := filepath.Join("stage", name+".md")

	l.mu.RLock()
	if tmpl, ok := l.cache[path]; ok {
		l.mu.RUnlock()
		return tmpl, nil
	}
	l.mu.RUnlock()

	content, err := l.loadContent(path)
	if err != nil {
		return nil, fmt.Errorf("loading template %s: %w", name, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, err
	}

	tmpl, err := template.New(name).Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parsing template %s: %w", name, err)
	}

	l.mu.Lock()
	l.cache[path] = tmpl
	if meta != nil {
		l.metaCache[path] = meta
	}
	l.mu.Unlock()

	return tmpl, nil
}

// Meta returns the frontmatter metadata for a stage template, if any
func (l *Loader) Meta(name string) *TemplateMeta {
	path := filepath.Join("stage", name+".md")
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.metaCache[path]
}

// Invalidate clears the template cache. Called when override files change.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]*template.Template)
	l.metaCache = make(map[string]*TemplateMeta)
}
