// Package plugin implements Component I: the static plugin descriptor
// registry and capability-intersection activation logic. The router
// does not interpret plugin semantics — it only decides which plugins
// are active for a given peer and which plugin declares a given
// incoming type; the Device delivers frames to the plugin instances.
package plugin

import "github.com/malbeclabs/cosmicconnect/internal/packetcodec"

// PacketSender is the capability a Plugin needs from its owning
// Device to emit packets, without the plugin package depending on
// internal/device (which would create an import cycle: Device needs
// to hold Plugin instances).
type PacketSender interface {
	SendPacket(p packetcodec.Packet, onResult func(error))
}

// Descriptor statically describes a plugin, per §4.I: key/display name,
// default-enabled, declared capabilities, required host permissions,
// and whether it exposes a settings UI.
type Descriptor struct {
	Key                     string
	DisplayName             string
	DefaultEnabled          bool
	DeclaredIncomingTypes   []string
	DeclaredOutgoingTypes   []string
	RequiredHostPermissions []string
	HasSettings             bool
}

// Instance is a live, per-device plugin instance.
type Instance interface {
	// OnCreate is called once when the plugin is activated for a
	// device; returning false removes it from the active set.
	OnCreate() bool
	// OnDestroy is called once when the plugin is deactivated.
	OnDestroy()
	// OnPacketReceived handles one packet of a declared incoming type.
	OnPacketReceived(p packetcodec.Packet)
}

// Factory constructs a new Instance bound to a specific peer device,
// given the capability to send packets back on that device's link and
// the remote address of that link (empty if the device has no live
// link at activation time, e.g. immediately after a fresh pairing).
type Factory func(deviceID string, sender PacketSender, peerAddr string) Instance

// Registration pairs a static Descriptor with the Factory that brings
// it to life.
type Registration struct {
	Descriptor Descriptor
	New        Factory
}

// Router holds the static set of known plugins (the descriptor
// registry) and is shared across all devices; per-device activation
// state lives in internal/device, not here.
type Router struct {
	registrations map[string]Registration
}

// NewRouter constructs a Router over the given static registrations,
// keyed by Descriptor.Key.
func NewRouter(regs ...Registration) *Router {
	m := make(map[string]Registration, len(regs))
	for _, r := range regs {
		m[r.Descriptor.Key] = r
	}
	return &Router{registrations: m}
}

// All returns every statically known registration.
func (r *Router) All() []Registration {
	out := make([]Registration, 0, len(r.registrations))
	for _, reg := range r.registrations {
		out = append(out, reg)
	}
	return out
}

// Lookup returns the registration for key, if known.
func (r *Router) Lookup(key string) (Registration, bool) {
	reg, ok := r.registrations[key]
	return reg, ok
}

// LookupByIncomingType returns the registration declaring incomingType
// among its DeclaredIncomingTypes, used by the Device to route a
// received non-pairing packet to its owning plugin.
func (r *Router) LookupByIncomingType(packetType string) (Registration, bool) {
	for _, reg := range r.registrations {
		for _, t := range reg.Descriptor.DeclaredIncomingTypes {
			if t == packetType {
				return reg, true
			}
		}
	}
	return Registration{}, false
}

// ActivationInput captures everything §4.I step 1-3 needs to compute
// the active plugin set for one device.
type ActivationInput struct {
	PeerIncomingCapabilities []string // peer's declared incomingCapabilities (what it can receive)
	PeerOutgoingCapabilities []string // peer's declared outgoingCapabilities (what it can send)
	UserDisabled             map[string]bool
	GrantedHostPermissions   map[string]bool
}

// ComputeActiveSet implements §4.I steps 1-3: intersect declared
// capabilities with the peer's, subtract user-disabled plugins, and
// subtract plugins whose required host permissions aren't granted.
func (r *Router) ComputeActiveSet(in ActivationInput) map[string]Registration {
	peerOut := toSet(in.PeerOutgoingCapabilities)
	peerIn := toSet(in.PeerIncomingCapabilities)

	active := map[string]Registration{}
	for key, reg := range r.registrations {
		if in.UserDisabled[key] {
			continue
		}
		if !hasAllPermissions(reg.Descriptor.RequiredHostPermissions, in.GrantedHostPermissions) {
			continue
		}
		if intersects(reg.Descriptor.DeclaredIncomingTypes, peerOut) || intersects(reg.Descriptor.DeclaredOutgoingTypes, peerIn) {
			active[key] = reg
		}
	}
	return active
}

func toSet(items []string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, i := range items {
		s[i] = struct{}{}
	}
	return s
}

func intersects(declared []string, peerSet map[string]struct{}) bool {
	for _, d := range declared {
		if _, ok := peerSet[d]; ok {
			return true
		}
	}
	return false
}

func hasAllPermissions(required []string, granted map[string]bool) bool {
	for _, perm := range required {
		if !granted[perm] {
			return false
		}
	}
	return true
}
