// Package watch notices writes made to the local store by other processes,
// such as CLI commands run while the sync daemon is up.
package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

var errAlreadyRunning = errors.New("watch: already running")

// SequenceSource exposes the persisted local change counter.
type SequenceSource interface {
	ChangeSeq(ctx context.Context) (int64, error)
}

// DirtyMarker is told when another process changed the store.
type DirtyMarker interface {
	MarkDirty()
}

// Config wires a StoreWatcher. Path is the SQLite file of the local store.
type Config struct {
	Path    string
	Store   SequenceSource
	Changes DirtyMarker
	Logger  *zap.Logger
}

// StoreWatcher marks the tracker dirty when the store's change counter moves
// without this process noticing.
type StoreWatcher struct {
	path    string
	store   SequenceSource
	changes DirtyMarker
	logger  *zap.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	lastSeq int64
	running bool
	wg      sync.WaitGroup
}

func New(cfg Config) (*StoreWatcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("watch: store path is required")
	}
	if cfg.Store == nil || cfg.Changes == nil {
		return nil, fmt.Errorf("watch: store and change tracker are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	absolute, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("watch: resolve %s: %w", cfg.Path, err)
	}
	return &StoreWatcher{path: absolute, store: cfg.Store, changes: cfg.Changes, logger: logger}, nil
}

// Start watches the store's directory until ctx ends or Stop is called.
func (w *StoreWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errAlreadyRunning
	}

	seq, err := w.store.ChangeSeq(ctx)
	if err != nil {
		return err
	}
	w.lastSeq = seq

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}
	w.watcher = watcher
	w.running = true

	w.wg.Add(1)
	go w.processEvents(ctx, watcher)
	return nil
}

func (w *StoreWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	watcher := w.watcher
	w.mu.Unlock()

	_ = watcher.Close()
	w.wg.Wait()
}

// Check compares the change counter with the last value seen and marks the
// tracker dirty when it moved. It reports whether it did.
func (w *StoreWatcher) Check(ctx context.Context) (bool, error) {
	seq, err := w.store.ChangeSeq(ctx)
	if err != nil {
		return false, err
	}
	w.mu.Lock()
	moved := seq != w.lastSeq
	w.lastSeq = seq
	w.mu.Unlock()

	if moved {
		w.logger.Debug("local store changed outside this process", zap.Int64("seq", seq))
		w.changes.MarkDirty()
	}
	return moved, nil
}

func (w *StoreWatcher) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if _, err := w.Check(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("failed to read local change counter", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("store watcher error", zap.Error(err))
		}
	}
}

// relevant keeps writes to the database file and its SQLite side files.
func (w *StoreWatcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return false
	}
	switch filepath.Clean(event.Name) {
	case w.path, w.path + "-wal", w.path + "-journal":
		return true
	default:
		return false
	}
}
