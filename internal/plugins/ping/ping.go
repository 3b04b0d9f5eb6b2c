// Package ping is the one bundled demonstration plugin named in
// SPEC_FULL.md's domain stack: it answers the cconnect.ping packet
// type and, alongside that, issues a supplementary ICMP probe
// to the peer's link address so its result surfaces both the
// application-layer round trip and the network-layer one.
package ping

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/malbeclabs/cosmicconnect/internal/packetcodec"
	"github.com/malbeclabs/cosmicconnect/internal/plugin"
)

// PacketType is the ping plugin's declared incoming/outgoing type.
const PacketType = "cconnect.ping"

// icmpTimeout bounds the supplementary ICMP probe; it never blocks the
// application-layer reply.
const icmpTimeout = 3 * time.Second

// Descriptor is this plugin's static registration, suitable for
// passing to plugin.NewRouter.
func Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Key:                   "ping",
		DisplayName:           "Ping",
		DefaultEnabled:        true,
		DeclaredIncomingTypes: []string{PacketType},
		DeclaredOutgoingTypes: []string{PacketType},
	}
}

// Registration bundles Descriptor with a Factory that wires the
// device-supplied peer address into NewWithOptions, so the ICMP leg
// described above is reachable in the shipped binary rather than only
// from tests that call NewWithOptions directly.
func Registration() plugin.Registration {
	return plugin.Registration{
		Descriptor: Descriptor(),
		New: func(deviceID string, sender plugin.PacketSender, peerAddr string) plugin.Instance {
			return NewWithOptions(deviceID, sender, peerAddr, nil, nil)
		},
	}
}

// Result is passed to the ResultFunc given to NewWithOptions on every
// ping round trip the plugin observes (sent or received), surfacing
// both legs described above.
type Result struct {
	DeviceID        string
	Message         string
	ApplicationRTT  time.Duration
	ICMPReachable   bool
	ICMPRTT         time.Duration
	ICMPErr         error
}

// ResultFunc receives completed Result values.
type ResultFunc func(Result)

// Plugin implements plugin.Instance for one peer device.
type Plugin struct {
	deviceID  string
	sender    plugin.PacketSender
	peerAddr  string // link's remote IP, supplied by the Device at construction
	log       *slog.Logger
	onResult  ResultFunc

	sentAt map[int64]time.Time
}

// NewWithOptions constructs a ping Plugin instance for deviceID,
// binding the peer's current link address (used for the supplementary
// ICMP probe) and an optional result sink.
func NewWithOptions(deviceID string, sender plugin.PacketSender, peerAddr string, log *slog.Logger, onResult ResultFunc) *Plugin {
	if log == nil {
		log = slog.Default()
	}
	return &Plugin{
		deviceID: deviceID,
		sender:   sender,
		peerAddr: peerAddr,
		log:      log,
		onResult: onResult,
		sentAt:   map[int64]time.Time{},
	}
}

// OnCreate always activates; the ping plugin has no host permission
// requirements and no per-device state worth validating up front.
func (p *Plugin) OnCreate() bool { return true }

// OnDestroy is a no-op; the plugin holds no resources across its
// lifetime besides the in-flight RTT bookkeeping map.
func (p *Plugin) OnDestroy() {}

// Ping sends a cconnect.ping packet and kicks off the supplementary
// ICMP probe concurrently; the result (both legs) is delivered
// asynchronously to onResult once both complete or the ICMP probe
// times out.
func (p *Plugin) Ping(ctx context.Context, message string) {
	id := time.Now().UnixNano()
	p.sentAt[id] = time.Now()

	pkt := packetcodec.NewBuilder(id, PacketType).WithBody(map[string]any{"message": message}).MustBuild()

	go p.probeICMP(ctx, id, message)

	p.sender.SendPacket(pkt, func(err error) {
		if err != nil {
			p.log.Warn("ping: send failed", "device", p.deviceID, "err", err)
		}
	})
}

func (p *Plugin) probeICMP(ctx context.Context, id int64, message string) {
	if p.peerAddr == "" {
		return
	}
	pinger, err := probing.NewPinger(p.peerAddr)
	if err != nil {
		p.deliver(id, message, false, 0, fmt.Errorf("ping: construct icmp pinger: %w", err))
		return
	}
	pinger.Count = 1
	pinger.Timeout = icmpTimeout
	pinger.SetPrivileged(true)

	if err := pinger.RunWithContext(ctx); err != nil {
		p.deliver(id, message, false, 0, fmt.Errorf("ping: icmp probe: %w", err))
		return
	}
	stats := pinger.Statistics()
	reachable := stats.PacketsRecv > 0
	p.deliver(id, message, reachable, stats.AvgRtt, nil)
}

func (p *Plugin) deliver(id int64, message string, icmpReachable bool, icmpRTT time.Duration, icmpErr error) {
	if p.onResult == nil {
		return
	}
	var appRTT time.Duration
	if sent, ok := p.sentAt[id]; ok {
		appRTT = time.Since(sent)
		delete(p.sentAt, id)
	}
	p.onResult(Result{
		DeviceID:       p.deviceID,
		Message:        message,
		ApplicationRTT: appRTT,
		ICMPReachable:  icmpReachable,
		ICMPRTT:        icmpRTT,
		ICMPErr:        icmpErr,
	})
}

// OnPacketReceived handles an inbound cconnect.ping packet: if it's a
// request (no "isReply" marker) it echoes back a reply; if it's a
// reply, it resolves the application-layer RTT for the outstanding id.
func (p *Plugin) OnPacketReceived(pkt packetcodec.Packet) {
	isReply, _ := pkt.Body["isReply"].(bool)
	message, _ := pkt.Body["message"].(string)

	if !isReply {
		reply := packetcodec.NewBuilder(pkt.ID, PacketType).
			WithBody(map[string]any{"message": message, "isReply": true}).
			MustBuild()
		p.sender.SendPacket(reply, func(err error) {
			if err != nil {
				p.log.Warn("ping: reply failed", "device", p.deviceID, "err", err)
			}
		})
		return
	}

	if sent, ok := p.sentAt[pkt.ID]; ok {
		delete(p.sentAt, pkt.ID)
		if p.onResult != nil {
			p.onResult(Result{DeviceID: p.deviceID, Message: message, ApplicationRTT: time.Since(sent)})
		}
	}
}
