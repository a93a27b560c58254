// Package prompts renders the task prompts handed to worker and audit
// agents. Templates are layered: embedded defaults, then a global overrides
// directory, then per-worktree overrides. The merged set is cached per
// worktree so repeated dispatches do not re-read files.
package prompts

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"clawd/internal/logging"
)

//go:embed templates/*.md
var defaultFS embed.FS

// overrideSubdir is where a worktree keeps its prompt overrides.
var overrideSubdir = filepath.Join(".claw", "prompts")

// Cache merges and caches prompt templates per worktree.
type Cache struct {
	globalDir string
	maxChars  int
	logger    logging.Logger

	mu     sync.Mutex
	merged map[string]map[string]string // worktree -> template name -> content
}

// NewCache builds a prompt cache. globalDir may be empty; maxChars bounds
// every interpolated variable (0 uses the 4000-char default).
func NewCache(globalDir string, maxChars int, logger logging.Logger) *Cache {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Cache{
		globalDir: globalDir,
		maxChars:  maxChars,
		logger:    logging.OrNop(logger),
		merged:    make(map[string]map[string]string),
	}
}

// Reset drops all cached merges. Tests use this between cases.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.merged = make(map[string]map[string]string)
}

// Render merges the template layers for the worktree and substitutes the
// given variables. Every value passes the sanitizer before interpolation.
// worktree may be empty for prompts with no per-worktree context.
func (c *Cache) Render(worktree, name string, vars map[string]string) (string, error) {
	templates, err := c.templatesFor(worktree)
	if err != nil {
		return "", err
	}
	content, ok := templates[name]
	if !ok {
		return "", fmt.Errorf("prompt template %q not found", name)
	}
	for key, value := range vars {
		placeholder := fmt.Sprintf("{{%s}}", key)
		content = strings.ReplaceAll(content, placeholder, Sanitize(value, c.maxChars))
	}
	return content, nil
}

// List returns the template names visible for a worktree.
func (c *Cache) List(worktree string) ([]string, error) {
	templates, err := c.templatesFor(worktree)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	return names, nil
}

func (c *Cache) templatesFor(worktree string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.merged[worktree]; ok {
		return cached, nil
	}

	templates, err := loadEmbedded()
	if err != nil {
		return nil, err
	}
	if c.globalDir != "" {
		c.overlayDir(templates, c.globalDir)
	}
	if worktree != "" {
		c.overlayDir(templates, filepath.Join(worktree, overrideSubdir))
	}
	c.merged[worktree] = templates
	return templates, nil
}

func loadEmbedded() (map[string]string, error) {
	entries, err := defaultFS.ReadDir("templates")
	if err != nil {
		return nil, fmt.Errorf("read embedded templates: %w", err)
	}
	templates := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		content, err := defaultFS.ReadFile("templates/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read embedded template %s: %w", entry.Name(), err)
		}
		templates[strings.TrimSuffix(entry.Name(), ".md")] = string(content)
	}
	return templates, nil
}

// overlayDir replaces templates with same-named .md files from dir.
// A missing directory is fine; unreadable files are logged and skipped.
func (c *Cache) overlayDir(templates map[string]string, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			c.logger.Warn("Skipping prompt override %s: %v", entry.Name(), err)
			continue
		}
		templates[strings.TrimSuffix(entry.Name(), ".md")] = string(content)
	}
}
