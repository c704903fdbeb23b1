package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// ReloadEvent carries the config re-read after config.yaml settled. Err is
// set when the new file does not load or validate; Config is then zero.
type ReloadEvent struct {
	Path   string
	Config Config
	Err    error
}

// Watcher re-reads config.yaml after it changes. The home directory is
// watched rather than the file so editors that replace it are seen.
type Watcher struct {
	homeDir  string
	logger   *slog.Logger
	debounce time.Duration
	events   chan ReloadEvent
}

type WatcherOption func(*Watcher)

// WithDebounce sets how long the file must stay quiet before it is re-read.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

func NewWatcher(homeDir string, logger *slog.Logger, opts ...WatcherOption) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		homeDir:  homeDir,
		logger:   logger,
		debounce: defaultDebounce,
		events:   make(chan ReloadEvent, 4),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Events is closed when the context passed to Start is done.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.events)
	defer fsw.Close()

	target := filepath.Clean(ConfigPath(w.homeDir))
	settle := time.NewTimer(w.debounce)
	settle.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			settle.Stop()
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("config file changed", "path", ev.Name, "op", ev.Op.String())
			pending = true
			settle.Reset(w.debounce)
		case <-settle.C:
			if !pending {
				continue
			}
			pending = false
			cfg, err := LoadFrom(w.homeDir)
			out := ReloadEvent{Path: target, Err: err}
			if err == nil {
				out.Config = cfg
			}
			select {
			case w.events <- out:
			case <-ctx.Done():
				return
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
