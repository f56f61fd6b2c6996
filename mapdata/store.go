package mapdata

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Store serves named graphs from a data directory. Source data lives in
// <dir>/<name>.geojson, compiled graphs in <dir>/<name>.pgph. Loaded graphs
// are cached until Invalidate or the watcher sees the file change.
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*Graph

	watcher *fsnotify.Watcher
}

// NewStore returns a store rooted at dir, creating it if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:    dir,
		logger: logger.With("component", "mapdata"),
		cache:  make(map[string]*Graph),
	}, nil
}

// GeoJSONPath returns the source file path for a named graph.
func (s *Store) GeoJSONPath(name string) string {
	return filepath.Join(s.dir, name+".geojson")
}

// GraphPath returns the compiled container path for a named graph.
func (s *Store) GraphPath(name string) string {
	return filepath.Join(s.dir, name+".pgph")
}

// LoadGeoJSON reads the raw source text for a named graph.
func (s *Store) LoadGeoJSON(name string) (string, error) {
	data, err := os.ReadFile(s.GeoJSONPath(name))
	if err != nil {
		return "", fmt.Errorf("load geojson %s: %w", name, err)
	}
	return string(data), nil
}

// Compile builds the graph from its GeoJSON source and writes the compiled
// container next to it.
func (s *Store) Compile(name string) (*Graph, error) {
	text, err := s.LoadGeoJSON(name)
	if err != nil {
		return nil, err
	}
	g, err := BuildGraph(text)
	if err != nil {
		return nil, fmt.Errorf("build graph %s: %w", name, err)
	}
	if err := SaveGraph(s.GraphPath(name), g); err != nil {
		return nil, fmt.Errorf("save graph %s: %w", name, err)
	}
	s.mu.Lock()
	s.cache[name] = g
	s.mu.Unlock()
	return g, nil
}

// Graph returns the named graph, from cache, the compiled container, or by
// compiling the GeoJSON source, in that order.
func (s *Store) Graph(name string) (*Graph, error) {
	s.mu.RLock()
	g, ok := s.cache[name]
	s.mu.RUnlock()
	if ok {
		return g, nil
	}

	if g, err := LoadGraph(s.GraphPath(name)); err == nil {
		s.mu.Lock()
		s.cache[name] = g
		s.mu.Unlock()
		return g, nil
	} else if !os.IsNotExist(err) {
		s.logger.Warn("compiled graph unreadable, recompiling", "name", name, "error", err)
	}
	return s.Compile(name)
}

// Invalidate drops a cached graph so the next Graph call reloads it.
func (s *Store) Invalidate(name string) {
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
}

// Watch invalidates cached graphs whenever their backing files change, until
// ctx is done. It may be called at most once per store.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}
	s.watcher = w

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) &&
					!ev.Op.Has(fsnotify.Rename) && !ev.Op.Has(fsnotify.Remove) {
					continue
				}
				name := graphNameOf(ev.Name)
				if name == "" {
					continue
				}
				s.Invalidate(name)
				s.logger.Info("graph invalidated after file change", "name", name, "op", ev.Op.String())
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("graph watcher error", "error", err)
			}
		}
	}()

	s.logger.Info("graph watcher started", "dir", s.dir)
	return nil
}

// graphNameOf maps a changed file back to its graph name, or "" for files
// the store does not serve.
func graphNameOf(path string) string {
	base := filepath.Base(path)
	switch {
	case strings.HasSuffix(base, ".geojson"):
		return strings.TrimSuffix(base, ".geojson")
	case strings.HasSuffix(base, ".pgph"):
		return strings.TrimSuffix(base, ".pgph")
	default:
		return ""
	}
}
