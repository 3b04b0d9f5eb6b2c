// Package corectx wires Components A, D, F, G, H, and I together into
// one explicit context struct, avoiding package-level singletons: the
// command layer constructs one Core, and every goroutine the core
// starts closes over it rather than reaching for global state.
package corectx

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/cosmicconnect/internal/device"
	"github.com/malbeclabs/cosmicconnect/internal/discovery"
	"github.com/malbeclabs/cosmicconnect/internal/identity"
	"github.com/malbeclabs/cosmicconnect/internal/netchange"
	"github.com/malbeclabs/cosmicconnect/internal/packetcodec"
	"github.com/malbeclabs/cosmicconnect/internal/plugin"
	"github.com/malbeclabs/cosmicconnect/internal/provider"
	"github.com/malbeclabs/cosmicconnect/internal/registry"
	"github.com/malbeclabs/cosmicconnect/internal/transport"
)

// Config gathers everything needed to construct a Core. Router holds
// the statically known plugin registrations (e.g. ping.Registration());
// NetWatcher may be nil, in which case network-change-triggered
// re-announcement is disabled and Discovery falls back to its steady
// interval.
type Config struct {
	IdentityPath string
	DisplayName  string
	DeviceType   identity.DeviceType
	Router       *plugin.Router
	LinkPriority device.LinkPriority
	NetWatcher   netchange.Watcher
	Clock        clockwork.Clock
	Log          *slog.Logger
}

// Core is the explicit dependency bundle the command layer builds
// once and threads through Run: the identity store, the plugin
// registry, the device registry, and the link provider.
type Core struct {
	IdentityStore *identity.Store
	DeviceRegistry *registry.Registry
	PluginRouter  *plugin.Router
	LinkProvider  *provider.Provider

	discovery    *discovery.Discovery
	netWatcher   netchange.Watcher
	linkPriority device.LinkPriority
	clock        clockwork.Clock
	log          *slog.Logger
}

// New constructs a Core: opens the identity store, binds the
// discovery UDP socket and the provider's TCP listener, and wires
// every callback needed to turn a handshake into a routed Device.
func New(cfg Config) (*Core, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	router := cfg.Router
	if router == nil {
		router = plugin.NewRouter()
	}

	store, err := identity.Open(cfg.IdentityPath, cfg.DisplayName, cfg.DeviceType, localInfoFromRouter(router))
	if err != nil {
		return nil, fmt.Errorf("corectx: open identity store: %w", err)
	}

	c := &Core{
		IdentityStore:  store,
		DeviceRegistry: registry.New(),
		PluginRouter:   router,
		netWatcher:     cfg.NetWatcher,
		linkPriority:   cfg.LinkPriority,
		clock:          clock,
		log:            log,
	}

	prov, err := provider.New(log, store, c.onLinkEstablished, c.onPacket, c.onStateChange, c.onPairViolation)
	if err != nil {
		return nil, fmt.Errorf("corectx: start link provider: %w", err)
	}
	c.LinkProvider = prov

	disc, err := discovery.New(log, c.announceInfo, systemInterfaceLister{}, c.onPeerSeen)
	if err != nil {
		prov.Close()
		return nil, fmt.Errorf("corectx: start discovery: %w", err)
	}
	c.discovery = disc

	return c, nil
}

// Run drives the core's background loops until ctx is cancelled:
// discovery announcements/listening and the provider's accept loop.
// Both are independent failure domains; the first one to error
// cancels the other via errCh's caller.
func (c *Core) Run(ctx context.Context) error {
	var netChange <-chan struct{}
	if c.netWatcher != nil {
		netChange = c.netWatcher.Watch(ctx)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- c.discovery.Run(ctx, netChange) }()
	go func() { errCh <- c.LinkProvider.AcceptLoop(ctx) }()

	select {
	case <-ctx.Done():
		c.LinkProvider.Close()
		return nil
	case err := <-errCh:
		c.LinkProvider.Close()
		return err
	}
}

// announceInfo is Discovery's localInfo callback: it's re-read on
// every announcement so in-flight capability or display-name changes
// are reflected without restarting the socket.
func (c *Core) announceInfo() identity.Info {
	info := c.IdentityStore.LocalInfo()
	info.TCPPort = c.LinkProvider.Port()
	return info
}

// onPeerSeen implements the discovery-to-provider half of §4.F: a
// non-rate-limited identity broadcast either triggers an outbound
// connect (if we're the lesser id) or is ignored, trusting the peer
// to dial us instead.
func (c *Core) onPeerSeen(info identity.Info, remoteAddr *net.UDPAddr) {
	localID := c.IdentityStore.LocalID()
	if !provider.ShouldWeConnect(localID, info.ID) {
		return
	}
	c.DeviceRegistry.NotifyDiscovered(info.ID)
	go func() {
		if _, err := c.LinkProvider.Connect(context.Background(), localID, provider.PeerSeen{Info: info, RemoteAddr: remoteAddr}); err != nil {
			c.log.Debug("corectx: outbound connect attempt did not complete", "peer", info.ID, "err", err)
		}
	}()
}

// onPairViolation forwards a certificate-pin mismatch to the host
// observer layer; the handshake that triggered it has already been
// rejected by the TLS layer regardless of whether anyone is listening.
func (c *Core) onPairViolation(deviceID string) {
	c.log.Warn("corectx: certificate pin violation", "peer", deviceID)
	c.DeviceRegistry.NotifyPairViolation(deviceID)
}

// onLinkEstablished adopts a freshly authenticated link into its
// Device, creating the Device on first contact.
func (c *Core) onLinkEstablished(link *transport.Link, peerIdentity packetcodec.Packet) {
	peerInfo := identity.InfoFromBody(peerIdentity.Body)
	dev := c.deviceFor(link.PeerDeviceID)
	dev.AdoptLink(link)
	if peerInfo.ID != "" {
		dev.UpdateInfo(peerInfo)
	}
}

// onPacket returns the per-link dispatch closure the provider installs
// once a Link's peer id is known.
func (c *Core) onPacket(link *transport.Link) transport.PacketHandler {
	return func(p packetcodec.Packet) {
		dev := c.deviceFor(link.PeerDeviceID)
		dev.DispatchPacket(p, link.PeerCertificate())
	}
}

// onStateChange returns the per-link state-change closure that retires
// a Link from its Device once it stops being usable.
func (c *Core) onStateChange(link *transport.Link) transport.StateChangeHandler {
	return func(from, to transport.State) {
		if to != transport.StateBroken && to != transport.StateClosed {
			return
		}
		dev, ok := c.DeviceRegistry.Get(link.PeerDeviceID)
		if !ok {
			return
		}
		if d, ok := dev.(*device.Device); ok && d.RemoveLink(link) {
			c.DeviceRegistry.Remove(link.PeerDeviceID)
		}
	}
}

// deviceFor returns the Device for id, constructing it on first
// contact. The registry only exposes the narrow registry.Device view;
// corectx knows the concrete type because it supplied the
// constructor, so it asserts back down to the richer *device.Device
// the rest of the wiring needs.
func (c *Core) deviceFor(id string) *device.Device {
	d, _ := c.DeviceRegistry.GetOrCreate(id, func() registry.Device {
		return device.New(id, c.IdentityStore, c.PluginRouter, c.linkPriority, c.DeviceRegistry, c.clock, c.log)
	})
	return d.(*device.Device)
}

// localInfoFromRouter builds the identity.Store's localInfoFn: the
// union of every registered plugin's declared capabilities, so the
// identity announcement always reflects what this binary actually
// speaks rather than a hand-maintained list.
func localInfoFromRouter(router *plugin.Router) func(displayName string, deviceType identity.DeviceType, id string) identity.Info {
	return func(displayName string, deviceType identity.DeviceType, id string) identity.Info {
		var in, out []string
		for _, reg := range router.All() {
			in = append(in, reg.Descriptor.DeclaredIncomingTypes...)
			out = append(out, reg.Descriptor.DeclaredOutgoingTypes...)
		}
		return identity.Info{
			ID:                   id,
			Name:                 displayName,
			Type:                 deviceType,
			ProtocolVersion:      identity.ProtocolVersion,
			IncomingCapabilities: in,
			OutgoingCapabilities: out,
		}
	}
}

// systemInterfaceLister is discovery.InterfaceLister backed by the
// host's real network interfaces.
type systemInterfaceLister struct{}

func (systemInterfaceLister) BroadcastAddrs() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("corectx: list interfaces: %w", err)
	}
	var out []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			bcast := make(net.IP, len(ipNet.IP.To4()))
			ip := ipNet.IP.To4()
			mask := ipNet.Mask
			for i := range ip {
				bcast[i] = ip[i] | ^mask[i]
			}
			out = append(out, net.JoinHostPort(bcast.String(), fmt.Sprintf("%d", discovery.Port)))
		}
	}
	return out, nil
}
