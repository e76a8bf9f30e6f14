package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 100 * time.Millisecond

// maxWaitFactor bounds how long continuous writes can postpone a reload,
// as a multiple of the debounce.
const maxWaitFactor = 4

// ReloadEvent reports that config.yaml settled after a change. Op is the
// union of the fsnotify ops seen during the burst.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports changes to <home>/config.yaml. It watches the home
// directory so editors that replace the file on save are still seen.
type Watcher struct {
	homeDir  string
	debounce time.Duration
	maxWait  time.Duration
	logger   *slog.Logger
	events   chan ReloadEvent
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the quiet period before a change is reported. Zero
// reports every event.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d >= 0 {
			w.debounce = d
		}
	}
}

// WithMaxWait caps the time between the first change of a burst and its
// reload, however often the file keeps changing. The default is four times
// the debounce.
func WithMaxWait(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.maxWait = d
		}
	}
}

func NewWatcher(homeDir string, logger *slog.Logger, opts ...WatcherOption) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		homeDir:  homeDir,
		debounce: DefaultDebounce,
		logger:   logger,
		events:   make(chan ReloadEvent, 4),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.maxWait <= 0 {
		w.maxWait = maxWaitFactor * w.debounce
	}
	if w.maxWait < w.debounce {
		w.maxWait = w.debounce
	}
	return w
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches until ctx ends. It fails if the home directory cannot be
// watched.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}
	target := filepath.Clean(ConfigPath(w.homeDir))

	go func() {
		defer fsw.Close()
		defer close(w.events)

		var (
			pending fsnotify.Op
			first   time.Time
			timer   *time.Timer
			fire    <-chan time.Time
		)
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()
		emit := func() {
			ev := ReloadEvent{Path: target, Op: pending}
			pending = 0
			first = time.Time{}
			fire = nil
			if timer != nil {
				timer.Stop()
			}
			select {
			case w.events <- ev:
				w.logger.Info("config file changed", "path", ev.Path, "op", ev.Op.String())
			default:
				w.logger.Debug("config reload already queued", "path", ev.Path)
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				pending |= ev.Op
				if w.debounce == 0 {
					emit()
					continue
				}
				now := time.Now()
				if first.IsZero() {
					first = now
				}
				delay := w.debounce
				if remaining := first.Add(w.maxWait).Sub(now); remaining < delay {
					delay = remaining
				}
				if delay <= 0 {
					emit()
					continue
				}
				if timer == nil {
					timer = time.NewTimer(delay)
				} else {
					timer.Reset(delay)
				}
				fire = timer.C
			case <-fire:
				emit()
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
