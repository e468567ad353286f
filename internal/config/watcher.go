package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultSettle = 250 * time.Millisecond

// ReloadEvent is one settled change to config.yaml. Op is the union of every
// fsnotify op seen in the window and Changes counts them.
type ReloadEvent struct {
	Path    string
	Op      fsnotify.Op
	Changes int
}

// Removed reports whether the file was deleted or renamed away during the
// window. The daemon keeps its current agents in that case.
func (e ReloadEvent) Removed() bool {
	return e.Op.Has(fsnotify.Remove) || (e.Op.Has(fsnotify.Rename) && !e.Op.Has(fsnotify.Create) && !e.Op.Has(fsnotify.Write))
}

// Watcher reports changes to config.yaml. It watches the home directory
// rather than the file so editors that replace the file on save are seen.
// Editors tend to emit several ops per save, so ops arriving within the
// settle window after the first one are folded into a single event.
type Watcher struct {
	homeDir string
	settle  time.Duration
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		settle:  defaultSettle,
		logger:  logger,
		events:  make(chan ReloadEvent, 4),
	}
}

// SetSettle overrides the coalescing window. Call before Start.
func (w *Watcher) SetSettle(d time.Duration) {
	if d > 0 {
		w.settle = d
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching until ctx is done, at which point Events is closed.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.loop(ctx, fsw, filepath.Base(ConfigPath(w.homeDir)))
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, target string) {
	defer fsw.Close()
	defer close(w.events)

	var (
		pending *ReloadEvent
		timer   *time.Timer
		fire    <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	const interesting = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != target || ev.Op&interesting == 0 {
				continue
			}
			if pending == nil {
				pending = &ReloadEvent{Path: ev.Name}
				timer = time.NewTimer(w.settle)
				fire = timer.C
			}
			pending.Op |= ev.Op
			pending.Changes++
		case <-fire:
			w.emit(*pending)
			pending, timer, fire = nil, nil, nil
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) emit(ev ReloadEvent) {
	w.logger.Info("config file changed", "path", ev.Path, "op", ev.Op.String(), "changes", ev.Changes)
	select {
	case w.events <- ev:
	default:
		w.logger.Warn("config reload already queued; dropping change", "path", ev.Path)
	}
}
