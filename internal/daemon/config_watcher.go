package daemon

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/prmonitor/internal/config"
	"git.home.luguber.info/inful/prmonitor/internal/logfields"
)

const watchDebounce = 2 * time.Second

// ConfigWatcher monitors the configuration file and invokes a callback with
// the re-parsed config. Reloads are debounced; an unparseable file is logged
// and the previous config stays in effect.
type ConfigWatcher struct {
	configPath string
	watcher    *fsnotify.Watcher
	onReload   func(*config.Config)
	logger     *slog.Logger
	stop       chan struct{}
}

// NewConfigWatcher resolves the path and prepares the fsnotify watcher.
func NewConfigWatcher(configPath string, onReload func(*config.Config), logger *slog.Logger) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigWatcher{
		configPath: absPath,
		watcher:    watcher,
		onReload:   onReload,
		logger:     logger,
		stop:       make(chan struct{}),
	}, nil
}

// Start watches the config file's directory; watching the directory survives
// the rename-and-replace writes editors and configuration tools produce.
func (w *ConfigWatcher) Start(group *WorkerGroup) error {
	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}
	w.logger.Info("configuration watcher started", logfields.URL(w.configPath))
	group.Go(w.watchLoop)
	return nil
}

// Stop ends the watch loop and closes the watcher.
func (w *ConfigWatcher) Stop() {
	close(w.stop)
	_ = w.watcher.Close()
}

func (w *ConfigWatcher) watchLoop() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.configPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				timer.Reset(watchDebounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", logfields.Error(err))
		case <-timerC:
			w.reload()
		}
	}
}

func (w *ConfigWatcher) reload() {
	cfg, err := config.Load(w.configPath)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous configuration",
			logfields.URL(w.configPath),
			logfields.Error(err))
		return
	}
	w.logger.Info("configuration reloaded", logfields.URL(w.configPath))
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
