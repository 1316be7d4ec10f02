package flow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/cascadeflow/cascade/telemetry"
)

// ErrNotFound is returned when no flow with the requested ID is known.
var ErrNotFound = errors.New("flow not found")

type (
	// Store serves flow definitions to the orchestrator. Load returns a
	// private clone the caller may mutate.
	Store interface {
		Load(ctx context.Context, flowID string) (*Flow, error)
	}

	// StaticStore is a map-backed Store for tests and embedded use.
	StaticStore struct {
		mu    sync.RWMutex
		flows map[string]*Flow
	}

	// FileStore loads flow definitions from *.json files in a directory and
	// optionally hot-reloads them when files change. A failed reload keeps
	// the previous valid definition.
	FileStore struct {
		dir     string
		reg     *Registry
		log     telemetry.Logger
		watcher *fsnotify.Watcher

		mu    sync.RWMutex
		flows map[string]*Flow
		done  chan struct{}
	}
)

// NewStaticStore returns a StaticStore holding the given flows.
func NewStaticStore(flows ...*Flow) *StaticStore {
	s := &StaticStore{flows: make(map[string]*Flow, len(flows))}
	for _, f := range flows {
		s.flows[f.ID] = f
	}
	return s
}

// Add registers or replaces a flow.
func (s *StaticStore) Add(f *Flow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[f.ID] = f
}

// Load returns a clone of the flow with the given ID.
func (s *StaticStore) Load(_ context.Context, flowID string) (*Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[flowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, flowID)
	}
	return f.Clone(), nil
}

// NewFileStore scans dir for flow definitions, validates them against reg,
// and when watch is true keeps them fresh via fsnotify until Close.
func NewFileStore(ctx context.Context, dir string, reg *Registry, logger telemetry.Logger, watch bool) (*FileStore, error) {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	s := &FileStore{
		dir:   dir,
		reg:   reg,
		log:   logger,
		flows: make(map[string]*Flow),
		done:  make(chan struct{}),
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read flow dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if err := s.loadFile(ctx, filepath.Join(dir, e.Name())); err != nil {
			return nil, err
		}
	}
	if watch {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("flow watcher: %w", err)
		}
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, fmt.Errorf("watch flow dir %s: %w", dir, err)
		}
		s.watcher = w
		go s.watch(ctx)
	}
	return s, nil
}

// Load returns a clone of the flow with the given ID.
func (s *FileStore) Load(_ context.Context, flowID string) (*Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[flowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, flowID)
	}
	return f.Clone(), nil
}

// Close stops the watcher. Loaded flows remain readable.
func (s *FileStore) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *FileStore) loadFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read flow file %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return fmt.Errorf("flow file %s: %w", path, err)
	}
	if s.reg != nil {
		if err := s.reg.ValidateFlow(f); err != nil {
			return fmt.Errorf("flow file %s: %w", path, err)
		}
	}
	s.mu.Lock()
	s.flows[f.ID] = f
	s.mu.Unlock()
	s.log.Debug(ctx, "loaded flow", "flowId", f.ID, "file", filepath.Base(path))
	return nil
}

func (s *FileStore) watch(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 || !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			if err := s.loadFile(ctx, ev.Name); err != nil {
				// Keep serving the previous valid definition.
				s.log.Warn(ctx, "flow reload failed", "file", ev.Name, "error", err.Error())
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn(ctx, "flow watcher error", "error", err.Error())
		}
	}
}
