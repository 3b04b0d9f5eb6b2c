//go:build !linux

package netchange

import (
	"context"
	"log/slog"
)

// noopWatcher never emits; non-Linux hosts rely solely on the
// Discovery component's steady 30s announcement cadence to notice
// reachability changes.
type noopWatcher struct{}

// NewWatcher returns a Watcher that never fires on platforms without a
// netlink-equivalent wired up.
func NewWatcher(log *slog.Logger) Watcher {
	if log == nil {
		log = slog.Default()
	}
	log.Debug("netchange: no platform watcher available, relying on discovery cadence")
	return noopWatcher{}
}

func (noopWatcher) Watch(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}
