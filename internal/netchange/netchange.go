// Package netchange notifies callers when the host's network
// configuration changes (interface up/down, address changes, default
// route changes). The core context hands the watcher to Discovery,
// which sends an immediate identity announcement on each notification;
// existing links are not marked or re-checked and listen sockets are
// not re-bound when the network changes.
package netchange

import "context"

// Watcher emits on its channel whenever the host's network
// configuration changes; the channel is closed when ctx is cancelled.
// Implementations may coalesce bursts of individual events into a
// single notification.
type Watcher interface {
	Watch(ctx context.Context) <-chan struct{}
}
