// Package registry implements Component H: the device-id → Device map
// and observer notifications the host layer subscribes to.
package registry

import "sync"

// Observer mirrors the host-facing callbacks named in §6's "Observer
// callbacks" list.
type Observer interface {
	OnDeviceDiscovered(deviceID string)
	OnDeviceReachabilityChanged(deviceID string, reachable bool)
	OnDevicePairStateChanged(deviceID string, state string)
	OnDevicePluginsChanged(deviceID string)
	// OnDevicePairViolation fires when a handshake presents a
	// certificate that doesn't match the one pinned for an
	// already-trusted peer — a possible MITM, per §7's
	// CertificatePinViolation row. The handshake itself is always
	// rejected regardless of whether an observer is listening.
	OnDevicePairViolation(deviceID string)
}

// Device is the minimal surface the registry needs from a per-peer
// orchestrator; internal/device.Device satisfies it.
type Device interface {
	ID() string
	Reachable() bool
	PairStateName() string
}

// Registry owns the single writer path (the provider's accept/connect
// goroutines); readers may take a point-in-time snapshot.
type Registry struct {
	mu        sync.RWMutex
	devices   map[string]Device
	observers []Observer
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{devices: map[string]Device{}}
}

// AddObserver registers o for future notifications. Not safe to call
// concurrently with notifications in flight from the same Registry in
// a way that would race with the slice read, so it's guarded by mu.
func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
}

// GetOrCreate returns the existing Device for id, or stores and
// returns newDevice() if none exists yet. Returns the created flag so
// callers know whether to fire OnDeviceDiscovered.
func (r *Registry) GetOrCreate(id string, newDevice func() Device) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.devices[id]; ok {
		return d, false
	}
	d := newDevice()
	r.devices[id] = d
	return d, true
}

// Get returns the Device for id, if present.
func (r *Registry) Get(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

// Remove deletes id from the registry (called once an unpaired device
// loses its last link, per §4.G item 7).
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.devices, id)
	r.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the registry contents.
func (r *Registry) Snapshot() map[string]Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Device, len(r.devices))
	for k, v := range r.devices {
		out[k] = v
	}
	return out
}

// OnDeviceReachabilityChanged, OnDevicePairStateChanged, and
// OnDevicePluginsChanged satisfy internal/device.Observer: the
// Registry itself is the Device's observer, and simply forwards each
// event to its own fan-out to host-facing Observers below. This makes
// the Registry both a Device-facing sink and a host-facing source for
// the same events.
func (r *Registry) OnDeviceReachabilityChanged(deviceID string, reachable bool) {
	r.NotifyReachabilityChanged(deviceID, reachable)
}

func (r *Registry) OnDevicePairStateChanged(deviceID, state string) {
	r.NotifyPairStateChanged(deviceID, state)
}

func (r *Registry) OnDevicePluginsChanged(deviceID string) {
	r.NotifyPluginsChanged(deviceID)
}

// NotifyDiscovered fans out OnDeviceDiscovered to every observer.
func (r *Registry) NotifyDiscovered(deviceID string) {
	for _, o := range r.snapshotObservers() {
		o.OnDeviceDiscovered(deviceID)
	}
}

// NotifyReachabilityChanged fans out OnDeviceReachabilityChanged.
func (r *Registry) NotifyReachabilityChanged(deviceID string, reachable bool) {
	for _, o := range r.snapshotObservers() {
		o.OnDeviceReachabilityChanged(deviceID, reachable)
	}
}

// NotifyPairStateChanged fans out OnDevicePairStateChanged.
func (r *Registry) NotifyPairStateChanged(deviceID, state string) {
	for _, o := range r.snapshotObservers() {
		o.OnDevicePairStateChanged(deviceID, state)
	}
}

// NotifyPluginsChanged fans out OnDevicePluginsChanged.
func (r *Registry) NotifyPluginsChanged(deviceID string) {
	for _, o := range r.snapshotObservers() {
		o.OnDevicePluginsChanged(deviceID)
	}
}

// NotifyPairViolation fans out OnDevicePairViolation.
func (r *Registry) NotifyPairViolation(deviceID string) {
	for _, o := range r.snapshotObservers() {
		o.OnDevicePairViolation(deviceID)
	}
}

func (r *Registry) snapshotObservers() []Observer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Observer, len(r.observers))
	copy(out, r.observers)
	return out
}
