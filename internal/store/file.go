package store

import (
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

// endpointsFile is the on-disk shape of the endpoint registry.
type endpointsFile struct {
	Endpoints []Endpoint `yaml:"endpoints"`
}

// FileEndpointStore serves endpoint configuration from a YAML file and
// optionally hot-reloads it when the file changes.
//
// A reload that fails to parse or validate keeps the last good snapshot; the
// store never serves a partially applied file.
type FileEndpointStore struct {
	path string
	log  *slog.Logger

	mu        sync.RWMutex
	endpoints map[string]Endpoint

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewFileEndpointStore loads path and returns the store. The initial load
// must succeed.
func NewFileEndpointStore(path string, logger *slog.Logger) (*FileEndpointStore, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &FileEndpointStore{
		path: path,
		log:  logger,
		done: make(chan struct{}),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileEndpointStore) Get(_ context.Context, id string) (*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ep, ok := s.endpoints[id]
	if !ok {
		return nil, ErrEndpointNotFound
	}
	// Copy so callers cannot mutate the shared snapshot.
	out := ep
	return &out, nil
}

// Len returns the number of configured endpoints.
func (s *FileEndpointStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.endpoints)
}

func (s *FileEndpointStore) reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read endpoints file: %w", err)
	}

	var file endpointsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse endpoints file %s: %w", s.path, err)
	}

	next := make(map[string]Endpoint, len(file.Endpoints))
	for _, ep := range file.Endpoints {
		if err := ep.Validate(); err != nil {
			return fmt.Errorf("endpoints file %s: %w", s.path, err)
		}
		if _, dup := next[ep.ID]; dup {
			return fmt.Errorf("endpoints file %s: duplicate endpoint id %q", s.path, ep.ID)
		}
		next[ep.ID] = ep
	}

	s.mu.Lock()
	s.endpoints = next
	s.mu.Unlock()
	return nil
}

// Watch starts hot-reloading the endpoints file. It watches the containing
// directory because editors and config management tools typically replace the
// file rather than write it in place.
func (s *FileEndpointStore) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create endpoints watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}
	s.watcher = watcher

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		base := filepath.Base(s.path)
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if err := s.reload(); err != nil {
					s.log.Error("endpoints reload failed; keeping previous config", "path", s.path, "err", err)
					continue
				}
				s.log.Info("endpoints reloaded", "path", s.path, "endpoints", s.Len())
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Error("endpoints watcher error", "err", err)
			case <-s.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher, if running.
func (s *FileEndpointStore) Close() error {
	close(s.done)
	var err error
	if s.watcher != nil {
		err = s.watcher.Close()
	}
	s.wg.Wait()
	return err
}
