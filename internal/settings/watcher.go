package settings

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Provider hands out the current settings snapshot.
type Provider interface {
	Current() Settings
}

// Static is a Provider that never changes.
type Static Settings

func (s Static) Current() Settings { return Settings(s) }

// Watcher keeps the settings of one file current.
type Watcher struct {
	path    string
	current atomic.Pointer[Settings]
	logger  *zap.Logger
}

// NewWatcher loads path once. Call Watch to follow later edits.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: filepath.Clean(path), logger: logger.Named("settings")}
	w.current.Store(&s)
	return w, nil
}

// Current implements Provider.
func (w *Watcher) Current() Settings {
	return *w.current.Load()
}

// Watch reloads the file on change until ctx is done. The parent directory is
// watched so editors that replace the file by rename are picked up too.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("settings watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("keeping previous settings", zap.String("path", w.path), zap.Error(err))
		return
	}
	// Truncation fires its own event before the new content lands.
	if len(bytes.TrimSpace(data)) == 0 {
		return
	}
	s, err := Parse(data)
	if err != nil {
		w.logger.Warn("keeping previous settings", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.current.Store(&s)
	w.logger.Info("settings reloaded", zap.String("path", w.path))
}
