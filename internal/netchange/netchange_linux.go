//go:build linux

package netchange

import (
	"context"
	"log/slog"
	"time"

	"github.com/vishvananda/netlink"
)

// coalesceWindow merges a burst of individual route/address events
// (e.g. DHCP renewing several interfaces at once) into one notification.
const coalesceWindow = 500 * time.Millisecond

// LinkWatcher subscribes to netlink route and address updates to
// detect host network changes on Linux.
type LinkWatcher struct {
	log *slog.Logger
}

// NewWatcher returns the platform's netlink-backed Watcher.
func NewWatcher(log *slog.Logger) Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &LinkWatcher{log: log}
}

// Watch subscribes to route and address changes and emits a coalesced
// notification on the returned channel for each burst of activity.
func (w *LinkWatcher) Watch(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)

	routeUpdates := make(chan netlink.RouteUpdate)
	if err := netlink.RouteSubscribe(routeUpdates, ctx.Done()); err != nil {
		w.log.Warn("netchange: route subscribe failed", "err", err)
	}

	addrUpdates := make(chan netlink.AddrUpdate)
	if err := netlink.AddrSubscribe(addrUpdates, ctx.Done()); err != nil {
		w.log.Warn("netchange: addr subscribe failed", "err", err)
	}

	go func() {
		defer close(out)

		var timer *time.Timer
		var fired <-chan time.Time
		notify := func() {
			if timer == nil {
				timer = time.NewTimer(coalesceWindow)
				fired = timer.C
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-routeUpdates:
				notify()
			case <-addrUpdates:
				notify()
			case <-fired:
				select {
				case out <- struct{}{}:
				default:
				}
				timer = nil
				fired = nil
			}
		}
	}()

	return out
}
