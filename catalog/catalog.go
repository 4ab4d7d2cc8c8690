// Package catalog maps the client's numeric model selector to the upstream
// model name.
//
// Without a file every selector resolves to the fallback model. With a file,
// the YAML document
//
//	default: qwen3:0.6b
//	models:
//	  1: qwen3:0.6b
//	  2: llama3.2:1b
//
// is loaded and, when Watch runs, reloaded whenever it changes on disk. A
// reload that fails to parse keeps the previous mapping.
package catalog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// DefaultModel is used when neither the file nor the caller names one.
const DefaultModel = "qwen3:0.6b"

type document struct {
	Default string         `yaml:"default"`
	Models  map[int]string `yaml:"models"`
}

// Catalog resolves model selectors. It is safe for concurrent use.
type Catalog struct {
	mu       sync.RWMutex
	fallback string
	models   map[int]string

	path string
	log  *slog.Logger
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) {
		if l != nil {
			c.log = l
		}
	}
}

// WithFile backs the catalog with a YAML file.
func WithFile(path string) Option {
	return func(c *Catalog) { c.path = path }
}

// New creates a catalog resolving everything to fallback and, if WithFile was
// given, loads the file once.
func New(fallback string, opts ...Option) (*Catalog, error) {
	if fallback == "" {
		fallback = DefaultModel
	}
	c := &Catalog{
		fallback: fallback,
		models:   map[int]string{},
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.path != "" {
		if err := c.Reload(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Resolve returns the upstream model name for modelID.
func (c *Catalog) Resolve(modelID int) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if name, ok := c.models[modelID]; ok && name != "" {
		return name
	}
	return c.fallback
}

// Reload re-reads the backing file. On error the current mapping is kept.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return nil
	}
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("catalog: read %s: %w", c.path, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		// Editors truncate before writing; an empty read is not a new catalog.
		return fmt.Errorf("catalog: %s is empty", c.path)
	}
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("catalog: parse %s: %w", c.path, err)
	}
	models := make(map[int]string, len(doc.Models))
	for id, name := range doc.Models {
		models[id] = name
	}

	c.mu.Lock()
	c.models = models
	if doc.Default != "" {
		c.fallback = doc.Default
	}
	c.mu.Unlock()
	c.log.Info("catalog.load", slog.String("path", c.path), slog.Int("models", len(models)))
	return nil
}

// Watch reloads the file on every change until ctx is cancelled. The parent
// directory is watched so that editors replacing the file are observed.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.path == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("catalog: watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	target := filepath.Clean(c.path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("catalog: watch %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := c.Reload(); err != nil {
				c.log.Warn("catalog.reload.fail", slog.String("err", err.Error()))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.log.Warn("catalog.watch.error", slog.String("err", err.Error()))
		}
	}
}
