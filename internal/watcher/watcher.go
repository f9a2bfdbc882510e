package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"coachbot/internal/coaching"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const debounceInterval = 500 * time.Millisecond

// ReloadFunc receives every successfully reloaded script.
type ReloadFunc func(*coaching.Script)

// ScriptWatcher reloads a coaching script file whenever it changes on disk.
type ScriptWatcher struct {
	path     string
	onReload ReloadFunc
	debounce time.Duration
	log      *logrus.Entry

	mu sync.Mutex // serialises reloads
}

// Option configures a ScriptWatcher.
type Option func(*ScriptWatcher)

// WithDebounce overrides the quiet period before a reload.
func WithDebounce(d time.Duration) Option {
	return func(w *ScriptWatcher) { w.debounce = d }
}

// New creates a watcher for the script at path.
func New(path string, onReload ReloadFunc, opts ...Option) *ScriptWatcher {
	w := &ScriptWatcher{
		path:     filepath.Clean(path),
		onReload: onReload,
		debounce: debounceInterval,
		log:      logrus.WithFields(logrus.Fields{"component": "script-watcher", "file": path}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Load reads the script once.
func (w *ScriptWatcher) Load() (*coaching.Script, error) {
	return coaching.LoadScript(w.path)
}

// Run watches the script until ctx is cancelled. The parent directory is
// watched so that editors replacing the file by rename are picked up.
func (w *ScriptWatcher) Run(ctx context.Context) error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create fs watcher")
	}
	defer fsW.Close()

	if err := fsW.Add(filepath.Dir(w.path)); err != nil {
		return errors.Wrapf(err, "watch %s", filepath.Dir(w.path))
	}
	w.log.Info("watching coaching script")

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-fsW.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-fsW.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("watcher error")
		}
	}
}

func (w *ScriptWatcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	script, err := coaching.LoadScript(w.path)
	if err != nil {
		w.log.WithError(err).Warn("script reload failed, keeping previous script")
		return
	}
	w.log.WithField("phases", len(script.Phases)).Info("coaching script reloaded")
	if w.onReload != nil {
		w.onReload(script)
	}
}
