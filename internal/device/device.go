// Package device implements Component G: the per-peer orchestrator
// that aggregates links, runs the pairing state machine, and routes
// packets to plugins.
package device

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/cosmicconnect/internal/identity"
	"github.com/malbeclabs/cosmicconnect/internal/metrics"
	"github.com/malbeclabs/cosmicconnect/internal/packetcodec"
	"github.com/malbeclabs/cosmicconnect/internal/plugin"
	"github.com/malbeclabs/cosmicconnect/internal/transport"
)

// PairPacketType is the reserved pairing packet type.
const PairPacketType = "cconnect.pair"

// LinkPriority ranks concurrent links to the same peer; higher wins.
// Pluggable so hosts can prefer, say, a LAN link over a loopback one.
type LinkPriority func(l *transport.Link) int

// DefaultLinkPriority gives every link equal priority; ties are broken
// by first-authenticated order (§9 open-question decision).
func DefaultLinkPriority(l *transport.Link) int { return 0 }

// TrustStore is the subset of *identity.Store the pairing machine
// needs, narrowed to an interface so tests can fake it.
type TrustStore interface {
	Trust(deviceID string, peerCertDER []byte, displayName string, deviceType identity.DeviceType) error
	Untrust(deviceID string) error
	SetPluginEnabled(deviceID, plugin string, enabled bool) error
}

// Observer mirrors registry.Observer; device emits through it rather
// than depending on internal/registry directly.
type Observer interface {
	OnDeviceReachabilityChanged(deviceID string, reachable bool)
	OnDevicePairStateChanged(deviceID string, state string)
	OnDevicePluginsChanged(deviceID string)
}

// linkEntry pairs a Link with the order it was authenticated in, used
// to break LinkPriority ties deterministically.
type linkEntry struct {
	link     *transport.Link
	priority int
	seq      int
}

// Device is the per-peer orchestrator described in §4.G.
type Device struct {
	id    string
	trust TrustStore
	log   *slog.Logger

	router       *plugin.Router
	priorityFunc LinkPriority
	observer     Observer

	clock clockwork.Clock

	mu          sync.Mutex
	info        identity.Info
	links       []*linkEntry
	linkSeq     int
	pairing     *pairingMachine
	pairTimer   clockwork.Timer
	active      map[string]plugin.Instance
	userDisable map[string]bool
	granted     map[string]bool
}

// New constructs a Device for peer id. clock is injectable for
// deterministic pairing-timeout tests.
func New(id string, trust TrustStore, router *plugin.Router, priorityFunc LinkPriority, observer Observer, clock clockwork.Clock, log *slog.Logger) *Device {
	if log == nil {
		log = slog.Default()
	}
	if priorityFunc == nil {
		priorityFunc = DefaultLinkPriority
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Device{
		id:           id,
		trust:        trust,
		log:          log,
		router:       router,
		priorityFunc: priorityFunc,
		observer:     observer,
		clock:        clock,
		pairing:      newPairingMachine(),
		active:       map[string]plugin.Instance{},
		userDisable:  map[string]bool{},
		granted:      map[string]bool{},
	}
}

// ID satisfies registry.Device.
func (d *Device) ID() string { return d.id }

// Reachable reports whether the device has at least one live link.
func (d *Device) Reachable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.links) > 0
}

// PairStateName satisfies registry.Device.
func (d *Device) PairStateName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pairing.State().String()
}

// Info returns the last-known identity of this peer.
func (d *Device) Info() identity.Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

// ActivePluginKeys returns the keys of the currently active plugin
// instances, sorted for stable CLI output.
func (d *Device) ActivePluginKeys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.active))
	for key := range d.active {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// AdoptLink registers a newly authenticated link for this device,
// per §4.G item 1: multiple concurrent links may be aggregated.
func (d *Device) AdoptLink(l *transport.Link) {
	d.mu.Lock()
	wasReachable := len(d.links) > 0
	d.linkSeq++
	d.links = append(d.links, &linkEntry{link: l, priority: d.priorityFunc(l), seq: d.linkSeq})
	d.sortLinksLocked()
	d.mu.Unlock()

	metrics.LinksActive.Inc()
	if !wasReachable && d.observer != nil {
		d.observer.OnDeviceReachabilityChanged(d.id, true)
	}
}

// sortLinksLocked orders links by descending priority, breaking ties
// by earliest-authenticated (lowest seq) first — the open-question
// decision recorded in the design ledger.
func (d *Device) sortLinksLocked() {
	sort.SliceStable(d.links, func(i, j int) bool {
		if d.links[i].priority != d.links[j].priority {
			return d.links[i].priority > d.links[j].priority
		}
		return d.links[i].seq < d.links[j].seq
	})
}

// RemoveLink drops l from this device's aggregate set, e.g. once it
// transitions to Broken or Closed. If it was the last link and the
// device is unpaired, the caller should schedule removal from the
// registry (§4.G item 7) — signaled via the returned shouldRemove.
func (d *Device) RemoveLink(l *transport.Link) (shouldRemove bool) {
	d.mu.Lock()
	for i, e := range d.links {
		if e.link == l {
			d.links = append(d.links[:i], d.links[i+1:]...)
			break
		}
	}
	lastLink := len(d.links) == 0
	unpaired := d.pairing.State() == PairStateUnpaired
	d.mu.Unlock()

	metrics.LinksActive.Dec()
	if lastLink && d.observer != nil {
		d.observer.OnDeviceReachabilityChanged(d.id, false)
	}
	return lastLink && unpaired
}

// bestLink returns the highest-priority live link, if any.
func (d *Device) bestLink() *transport.Link {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.links) == 0 {
		return nil
	}
	return d.links[0].link
}

// ErrLinkBroken is returned by SendPacket when the device has no live
// link to send on.
type ErrLinkBroken struct{ DeviceID string }

func (e *ErrLinkBroken) Error() string { return fmt.Sprintf("device: %s has no live link", e.DeviceID) }

// SendPacket implements §4.G item 5: enqueue p on the highest-priority
// live link. onResult, if non-nil, fires exactly once.
func (d *Device) SendPacket(p packetcodec.Packet, onResult func(error)) {
	link := d.bestLink()
	if link == nil {
		if onResult != nil {
			onResult(&ErrLinkBroken{DeviceID: d.id})
		}
		return
	}
	link.SendAsync(p, onResult)
}

// SendPacketBlocking is the synchronous variant of SendPacket.
func (d *Device) SendPacketBlocking(p packetcodec.Packet) error {
	link := d.bestLink()
	if link == nil {
		return &ErrLinkBroken{DeviceID: d.id}
	}
	return link.Send(p)
}

// UpdateInfo implements §4.G item 2: store a new identity snapshot if
// it differs from the last one, propagating the change to observers
// and recomputing the active plugin set on capability changes.
func (d *Device) UpdateInfo(info identity.Info) {
	d.mu.Lock()
	changed := !infoEqual(d.info, info)
	capsChanged := !stringsEqual(d.info.IncomingCapabilities, info.IncomingCapabilities) ||
		!stringsEqual(d.info.OutgoingCapabilities, info.OutgoingCapabilities)
	d.info = info
	d.mu.Unlock()

	if !changed {
		return
	}
	d.mu.Lock()
	paired := d.pairing.State() == PairStatePaired
	d.mu.Unlock()
	if capsChanged && paired {
		d.ReloadPlugins()
	}
}

func infoEqual(a, b identity.Info) bool {
	return a.ID == b.ID && a.Name == b.Name && a.Type == b.Type &&
		a.ProtocolVersion == b.ProtocolVersion && a.TCPPort == b.TCPPort &&
		stringsEqual(a.IncomingCapabilities, b.IncomingCapabilities) &&
		stringsEqual(a.OutgoingCapabilities, b.OutgoingCapabilities)
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// DispatchPacket implements §4.G item 4: route p to the pairing
// machine if it's the pairing type, otherwise to the plugin declaring
// that incoming type, dropping and logging unrouted types.
//
// peerCertDER is the DER of the certificate presented on the link p
// arrived on; it's needed by the pairing machine to store trust on a
// successful pairing.
func (d *Device) DispatchPacket(p packetcodec.Packet, peerCertDER []byte) {
	if p.Type == PairPacketType {
		d.handlePairPacket(p, peerCertDER)
		return
	}

	d.mu.Lock()
	paired := d.pairing.State() == PairStatePaired
	d.mu.Unlock()
	if !paired {
		metrics.PacketsDropped.WithLabelValues("unpaired").Inc()
		d.log.Warn("device: dropping non-pair packet from unpaired peer", "device", d.id, "type", p.Type)
		return
	}

	reg, found := d.router.LookupByIncomingType(p.Type)
	if !found {
		metrics.PacketsDropped.WithLabelValues("no_plugin").Inc()
		d.log.Debug("device: no plugin declares incoming type, dropping", "device", d.id, "type", p.Type)
		return
	}

	d.mu.Lock()
	inst, active := d.active[reg.Descriptor.Key]
	d.mu.Unlock()
	if !active {
		metrics.PacketsDropped.WithLabelValues("plugin_inactive").Inc()
		d.log.Debug("device: plugin not active for declared type, dropping", "device", d.id, "type", p.Type, "plugin", reg.Descriptor.Key)
		return
	}
	inst.OnPacketReceived(p)
}

func (d *Device) handlePairPacket(p packetcodec.Packet, peerCertDER []byte) {
	wantsPair, _ := p.Body["pair"].(bool)

	d.mu.Lock()
	prev := d.pairing.State()
	var storeCert, forgetCert bool
	if wantsPair {
		storeCert = d.pairing.OnIncomingPairTrue()
	} else {
		forgetCert = d.pairing.OnIncomingPairFalse()
	}
	next := d.pairing.State()
	d.retimePairTimerLocked(prev, next)
	d.mu.Unlock()

	if storeCert {
		if err := d.trust.Trust(d.id, peerCertDER, d.info.Name, d.info.Type); err != nil {
			d.log.Error("device: failed to persist trust after pairing", "device", d.id, "err", err)
		}
	}
	if forgetCert {
		if err := d.trust.Untrust(d.id); err != nil {
			d.log.Error("device: failed to remove trust after unpair", "device", d.id, "err", err)
		}
	}
	d.notifyPairTransition(prev, next)
}

// RequestPair implements the host-facing requestPair() action.
func (d *Device) RequestPair() error {
	d.mu.Lock()
	prev := d.pairing.State()
	send := d.pairing.RequestPair()
	next := d.pairing.State()
	d.retimePairTimerLocked(prev, next)
	d.mu.Unlock()
	if !send {
		return fmt.Errorf("device: %s is not in a state to request pairing", d.id)
	}
	d.notifyPairTransition(prev, next)
	return d.SendPacketBlocking(pairPacket(true))
}

// AcceptPair implements the host-facing acceptPair() action.
func (d *Device) AcceptPair(peerCertDER []byte) error {
	d.mu.Lock()
	prev := d.pairing.State()
	send, storeCert := d.pairing.AcceptPair()
	next := d.pairing.State()
	d.retimePairTimerLocked(prev, next)
	d.mu.Unlock()
	if !send {
		return fmt.Errorf("device: %s has no pending pair request to accept", d.id)
	}
	if storeCert {
		if err := d.trust.Trust(d.id, peerCertDER, d.info.Name, d.info.Type); err != nil {
			return err
		}
	}
	d.notifyPairTransition(prev, next)
	return d.SendPacketBlocking(pairPacket(true))
}

// RejectPair implements the host-facing rejectPair() action.
func (d *Device) RejectPair() error {
	d.mu.Lock()
	prev := d.pairing.State()
	send := d.pairing.RejectPair()
	next := d.pairing.State()
	d.retimePairTimerLocked(prev, next)
	d.mu.Unlock()
	if !send {
		return fmt.Errorf("device: %s has no pending pair request to reject", d.id)
	}
	d.notifyPairTransition(prev, next)
	return d.SendPacketBlocking(pairPacket(false))
}

// Unpair implements the host-facing unpair() action.
func (d *Device) Unpair() error {
	d.mu.Lock()
	prev := d.pairing.State()
	send, forgetCert := d.pairing.Unpair()
	next := d.pairing.State()
	d.retimePairTimerLocked(prev, next)
	d.mu.Unlock()
	if !send {
		return fmt.Errorf("device: %s is not paired", d.id)
	}
	if forgetCert {
		if err := d.trust.Untrust(d.id); err != nil {
			return err
		}
	}
	d.notifyPairTransition(prev, next)
	return d.SendPacketBlocking(pairPacket(false))
}

func pairPacket(wantsPair bool) packetcodec.Packet {
	return packetcodec.NewBuilder(0, PairPacketType).WithBody(map[string]any{"pair": wantsPair}).MustBuild()
}

// retimePairTimerLocked starts or stops the 30s pairing timeout timer
// as prev/next cross the RequestedByUs boundary. Must be called with
// d.mu held; it only arms/disarms the timer, it never does I/O.
func (d *Device) retimePairTimerLocked(prev, next PairState) {
	if next == PairStateRequestedByUs && prev != PairStateRequestedByUs {
		if d.pairTimer != nil {
			d.pairTimer.Stop()
		}
		d.pairTimer = d.clock.AfterFunc(PairTimeout, d.firePairTimeout)
		return
	}
	if prev == PairStateRequestedByUs && next != PairStateRequestedByUs {
		if d.pairTimer != nil {
			d.pairTimer.Stop()
			d.pairTimer = nil
		}
	}
}

// firePairTimeout runs on the clock's own goroutine; it never touches
// Device state without taking d.mu, and it never calls back into the
// clock while holding it.
func (d *Device) firePairTimeout() {
	d.mu.Lock()
	prev := d.pairing.State()
	expired := d.pairing.ExpireIfStillRequested()
	next := d.pairing.State()
	if expired {
		d.pairTimer = nil
	}
	d.mu.Unlock()

	if expired {
		d.notifyPairTransition(prev, next)
	}
}

// notifyPairTransition performs every side effect that follows a
// pairing-state transition. It must be called with d.mu NOT held:
// ReloadPlugins and deactivateAll take the lock themselves.
func (d *Device) notifyPairTransition(prev, next PairState) {
	if prev == next {
		return
	}
	switch {
	case next == PairStatePaired:
		metrics.PairingOutcomes.WithLabelValues("paired").Inc()
	case prev == PairStateRequestedByUs && next == PairStateUnpaired:
		metrics.PairingOutcomes.WithLabelValues("timed_out_or_rejected").Inc()
	case prev == PairStatePaired && next == PairStateUnpaired:
		metrics.PairingOutcomes.WithLabelValues("unpaired").Inc()
	}
	if d.observer != nil {
		d.observer.OnDevicePairStateChanged(d.id, next.String())
	}
	if next == PairStatePaired {
		d.ReloadPlugins()
	}
	if prev == PairStatePaired && next == PairStateUnpaired {
		d.deactivateAll()
	}
}

// SetPluginEnabled persists a host-driven enable/disable toggle and
// recomputes the active set. The in-memory flip happens regardless of
// whether the persisted write succeeds, so a trust-store error doesn't
// leave the running daemon out of sync with what the host just asked
// for; the error is still returned so the caller can report it.
func (d *Device) SetPluginEnabled(key string, enabled bool) error {
	d.mu.Lock()
	d.userDisable[key] = !enabled
	d.mu.Unlock()
	d.ReloadPlugins()
	return d.trust.SetPluginEnabled(d.id, key, enabled)
}

// GrantHostPermission records that the host granted permission, e.g.
// after a UI prompt, and recomputes the active set.
func (d *Device) GrantHostPermission(permission string) {
	d.mu.Lock()
	d.granted[permission] = true
	d.mu.Unlock()
	d.ReloadPlugins()
}

// ReloadPlugins implements §4.G item 6 / §4.I: diff the desired vs
// actual plugin instances for the current capability set and call
// onCreate/onDestroy accordingly.
func (d *Device) ReloadPlugins() {
	d.mu.Lock()
	if d.pairing.State() != PairStatePaired {
		d.mu.Unlock()
		return
	}
	desired := d.router.ComputeActiveSet(plugin.ActivationInput{
		PeerIncomingCapabilities: d.info.IncomingCapabilities,
		PeerOutgoingCapabilities: d.info.OutgoingCapabilities,
		UserDisabled:             d.userDisable,
		GrantedHostPermissions:   d.granted,
	})
	toDestroy := map[string]plugin.Instance{}
	for key, inst := range d.active {
		if _, stillDesired := desired[key]; !stillDesired {
			toDestroy[key] = inst
		}
	}
	toCreate := map[string]plugin.Registration{}
	for key, reg := range desired {
		if _, exists := d.active[key]; !exists {
			toCreate[key] = reg
		}
	}
	d.mu.Unlock()

	// OnDestroy/OnCreate/New may call back into the Device (e.g. to
	// send a packet), so they must run with d.mu released.
	for _, inst := range toDestroy {
		inst.OnDestroy()
	}
	peerAddr := ""
	if link := d.bestLink(); link != nil {
		peerAddr = link.RemoteIP()
	}

	created := map[string]plugin.Instance{}
	for key, reg := range toCreate {
		inst := reg.New(d.id, d, peerAddr)
		if inst.OnCreate() {
			created[key] = inst
		}
	}

	d.mu.Lock()
	for key := range toDestroy {
		delete(d.active, key)
	}
	for key, inst := range created {
		d.active[key] = inst
	}
	d.mu.Unlock()

	if d.observer != nil {
		d.observer.OnDevicePluginsChanged(d.id)
	}
}

func (d *Device) deactivateAll() {
	d.mu.Lock()
	toDestroy := d.active
	d.active = map[string]plugin.Instance{}
	d.mu.Unlock()

	for _, inst := range toDestroy {
		inst.OnDestroy()
	}
}
