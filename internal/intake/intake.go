// Package intake watches a spool directory for mission manifests and
// launches a session for each one.
//
// Writers should move manifests into the spool atomically (write to a
// temp file, then rename) so a create event always sees a complete file.
package intake

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/helioslabs/missiond/internal/mission"
	"github.com/helioslabs/missiond/internal/session"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// Launcher starts a session for a mission. *pipeline.Manager satisfies it.
type Launcher interface {
	Launch(ctx context.Context, ms *mission.Mission) (*session.Session, error)
}

// Watcher processes mission manifests dropped into a spool directory.
// Accepted manifests are renamed with an ".accepted" suffix, rejected
// ones with ".rejected", so the spool doubles as a processing record.
type Watcher struct {
	dir      string
	launcher Launcher
	watcher  *fsnotify.Watcher
	logger   *zap.Logger

	mu         sync.Mutex
	processing map[string]struct{}
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewWatcher creates a spool watcher. The directory is created if missing.
func NewWatcher(dir string, launcher Launcher, logger *zap.Logger) (*Watcher, error) {
	if launcher == nil {
		return nil, errors.New("launcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating spool directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}

	return &Watcher{
		dir:        dir,
		launcher:   launcher,
		watcher:    fsw,
		logger:     logger,
		processing: make(map[string]struct{}),
		stop:       make(chan struct{}),
	}, nil
}

// Start processes manifests already in the spool, then watches for new
// ones in a background goroutine until Stop or context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching spool directory: %w", err)
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("reading spool directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.maybeProcess(ctx, filepath.Join(w.dir, entry.Name()))
	}

	go w.loop(ctx)
	return nil
}

// Stop stops the watcher and releases its resources.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		_ = w.watcher.Close()
	})
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
				w.maybeProcess(ctx, event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("spool watcher error", zap.Error(err))
		}
	}
}

// maybeProcess launches a session for a manifest if it looks like one.
func (w *Watcher) maybeProcess(ctx context.Context, path string) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return
	}

	w.mu.Lock()
	if _, busy := w.processing[path]; busy {
		w.mu.Unlock()
		return
	}
	w.processing[path] = struct{}{}
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.processing, path)
		w.mu.Unlock()
	}()

	ms, err := mission.LoadFile(path)
	if err != nil {
		w.logger.Warn("rejected mission manifest",
			zap.String("path", path),
			zap.Error(err))
		w.markFile(path, ".rejected")
		return
	}

	sess, err := w.launcher.Launch(ctx, ms)
	if err != nil {
		w.logger.Error("failed to launch session",
			zap.String("path", path),
			zap.Error(err))
		w.markFile(path, ".rejected")
		return
	}

	w.logger.Info("launched session from spool",
		zap.String("path", path),
		zap.String("session_id", sess.ID()))
	w.markFile(path, ".accepted")
}

func (w *Watcher) markFile(path, suffix string) {
	if err := os.Rename(path, path+suffix); err != nil {
		w.logger.Warn("failed to mark spool file",
			zap.String("path", path),
			zap.Error(err))
	}
}
