package state

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/mxrcochxvez/moltbot-railway/internal/bus"
)

// Watcher publishes a config.changed event whenever the agent config file is
// created, rewritten, or removed, so the setup page can refresh itself while
// onboarding runs. The probe itself stays uncached; the watcher is a
// notification side channel, never a source of truth.
type Watcher struct {
	dir    Dir
	bus    *bus.Bus
	logger *slog.Logger
}

func NewWatcher(dir Dir, b *bus.Bus, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{dir: dir, bus: b, logger: logger}
}

// Start watches the state directory until ctx is cancelled. The directory is
// watched rather than the file so creation of a not-yet-existing config file
// is still observed.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir.Root); err != nil {
		fsw.Close()
		return err
	}

	configName := filepath.Base(w.dir.ConfigFile())

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != configName {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				detail := "changed"
				switch {
				case ev.Op&fsnotify.Remove != 0:
					detail = "removed"
				case ev.Op&fsnotify.Create != 0:
					detail = "created"
				}
				w.bus.Publish(bus.TopicConfigChanged, bus.ConfigEvent{Path: ev.Name, Detail: detail})
				w.logger.Info("agent config file changed", "path", ev.Name, "op", ev.Op.String())
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
