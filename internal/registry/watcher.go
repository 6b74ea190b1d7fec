package registry

import (
	"context"
	"log/slog"
	"time"
)

// pollInterval is the fallback reconciliation period, covering any change
// notification that was missed (e.g. during a brief Redis disconnect).
const pollInterval = 30 * time.Second

// Watcher reconciles the Registry's in-memory Snapshot from Source, reacting
// to pub/sub change notifications and, as a backstop, a periodic poll. It is
// the admin surface's write path complement: writes call Source.SaveX then
// PublishChange; every instance (including the writer) reloads through this
// same loop, so there is exactly one path from "data changed" to "readers
// see it".
type Watcher struct {
	source Source
	reg    *Registry
	log    *slog.Logger
}

// NewWatcher does not start the reconciliation loop; call Run for that.
func NewWatcher(source Source, reg *Registry, log *slog.Logger) *Watcher {
	return &Watcher{source: source, reg: reg, log: log}
}

// Reload performs one immediate load-and-replace. Call it once at startup
// before Run, so the registry is populated before serving traffic.
func (w *Watcher) Reload(ctx context.Context) error {
	snap, err := w.source.LoadAll(ctx)
	if err != nil {
		return err
	}
	w.reg.Replace(snap)
	return nil
}

// Run blocks, reconciling on every pub/sub notification and every
// pollInterval tick, until ctx is cancelled. Errors are logged; the last
// good snapshot remains authoritative.
func (w *Watcher) Run(ctx context.Context) error {
	notifications, cancel := w.source.Subscribe(ctx)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-notifications:
			if !ok {
				return nil
			}
			w.reload(ctx)
		case <-ticker.C:
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	if err := w.Reload(ctx); err != nil {
		w.log.ErrorContext(ctx, "config_reload_failed", slog.String("error", err.Error()))
	}
}
