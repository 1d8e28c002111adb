package service

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/explainlab/relprop/pkg/domain"
	"github.com/explainlab/relprop/pkg/lrp"
	"github.com/explainlab/relprop/pkg/model"
	"github.com/explainlab/relprop/pkg/nn"
)

// ModelStore owns the engine built from a manifest file and swaps it
// atomically on reload. A failed reload keeps the previous engine serving.
type ModelStore struct {
	path    string
	opts    []lrp.Option
	logger  *slog.Logger
	metrics *Metrics

	mu     sync.RWMutex
	engine *lrp.Engine
	name   string
	layers int

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// NewModelStore builds a store for the manifest at path. opts configure
// every engine the store builds. metrics may be nil.
func NewModelStore(path string, logger *slog.Logger, metrics *Metrics, opts ...lrp.Option) (*ModelStore, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve model path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ModelStore{
		path:    abs,
		opts:    opts,
		logger:  logger,
		metrics: metrics,
		done:    make(chan struct{}),
	}, nil
}

// Load reads the manifest and swaps in a fresh engine. On error the store
// keeps whatever it served before.
func (s *ModelStore) Load() error {
	m, err := model.Load(s.path)
	if err != nil {
		s.recordReload("error")
		return err
	}
	net, err := m.Build()
	if err != nil {
		s.recordReload("error")
		return err
	}

	name := m.Name
	if name == "" {
		name = filepath.Base(s.path)
	}
	layers := len(nn.Leaves(net))

	s.mu.Lock()
	s.engine = lrp.New(net, s.opts...)
	s.name = name
	s.layers = layers
	s.mu.Unlock()

	s.recordReload("success")
	if s.metrics != nil {
		s.metrics.SetModelInfo(name, layers)
	}
	s.logger.Info("model loaded", "model", name, "layers", layers, "path", s.path)
	return nil
}

// Engine returns the currently served engine, or an error when no load has
// succeeded yet.
func (s *ModelStore) Engine() (*lrp.Engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.engine == nil {
		return nil, domain.ErrModelNotLoaded
	}
	return s.engine, nil
}

// ModelName returns the name of the currently served model.
func (s *ModelStore) ModelName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// LayerCount returns the leaf layer count of the currently served model.
func (s *ModelStore) LayerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.layers
}

// Watch reloads the manifest whenever the file changes. The parent
// directory is watched because editors and deploy tools replace files
// atomically via rename.
func (s *ModelStore) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch model directory: %w", err)
	}
	s.watcher = watcher

	go s.watchLoop()
	return nil
}

func (s *ModelStore) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Load(); err != nil {
				s.logger.Error("model reload failed, keeping previous model",
					"path", s.path,
					"error", err)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("model watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (s *ModelStore) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.watcher != nil {
			err = s.watcher.Close()
		}
	})
	return err
}

func (s *ModelStore) recordReload(status string) {
	if s.metrics != nil {
		s.metrics.RecordModelReload(status)
	}
}
