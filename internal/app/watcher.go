package app

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/kafkaconf/internal/config"
	"github.com/dokzlo13/kafkaconf/internal/reconcile"
)

const defaultDebounce = 500 * time.Millisecond

// desiredSet is a reconcile.DesiredSource whose contents can be replaced
// while the orchestrator is running.
type desiredSet struct {
	mu      sync.RWMutex
	desired []reconcile.DesiredConfig
	changed chan struct{}
}

func newDesiredSet(desired []reconcile.DesiredConfig) *desiredSet {
	return &desiredSet{
		desired: desired,
		changed: make(chan struct{}, 1),
	}
}

func (s *desiredSet) Desired() []reconcile.DesiredConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.desired
}

func (s *desiredSet) Changed() <-chan struct{} {
	return s.changed
}

// Replace swaps the desired configs and wakes the orchestrator.
// Several replacements before the next run collapse into one wakeup.
func (s *desiredSet) Replace(desired []reconcile.DesiredConfig) {
	s.mu.Lock()
	s.desired = desired
	s.mu.Unlock()

	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// ConfigWatcher reloads the configs section of the config file when it
// changes on disk. Connection settings are not reloaded.
type ConfigWatcher struct {
	path     string
	debounce time.Duration
	set      *desiredSet

	mu    sync.Mutex
	timer *time.Timer
}

// NewConfigWatcher creates a watcher feeding set from the file at path.
func NewConfigWatcher(path string, set *desiredSet, debounce time.Duration) *ConfigWatcher {
	if debounce == 0 {
		debounce = defaultDebounce
	}
	return &ConfigWatcher{path: path, debounce: debounce, set: set}
}

// Start watches the directory holding the config file, so that editors
// replacing the file by rename are still observed. It returns once the
// watch is set up; events are processed until ctx is done.
func (w *ConfigWatcher) Start(ctx context.Context) error {
	abs, err := filepath.Abs(w.path)
	if err != nil {
		return err
	}
	w.path = filepath.Clean(abs)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}

	go w.processEvents(ctx, watcher)

	log.Info().Str("path", w.path).Msg("Watching config file for changes")
	return nil
}

func (w *ConfigWatcher) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	defer w.stopTimer()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.schedule()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")
		}
	}
}

// schedule coalesces a burst of events into one reload.
func (w *ConfigWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *ConfigWatcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// reload keeps the previous desired configs when the file does not parse.
func (w *ConfigWatcher) reload() {
	cfg, err := config.Load(w.path)
	if err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("Failed to reload configuration, keeping previous configs")
		return
	}
	desired, err := cfg.Desired()
	if err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("Invalid configs after reload, keeping previous configs")
		return
	}

	log.Info().Int("resources", len(desired)).Msg("Configuration reloaded")
	w.set.Replace(desired)
}
