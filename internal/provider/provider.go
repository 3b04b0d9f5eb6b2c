// Package provider implements Component F: the TCP listening socket,
// the two symmetric connection-establishment flows, and the role rule
// that decides which side of a simultaneous discovery initiates TLS.
package provider

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jellydator/ttlcache/v3"
	"github.com/malbeclabs/cosmicconnect/internal/identity"
	"github.com/malbeclabs/cosmicconnect/internal/packetcodec"
	"github.com/malbeclabs/cosmicconnect/internal/transport"
)

// ListenPortRange is the range the provider's TCP listener binds
// into; the first free port wins and is advertised in subsequent
// identity packets.
var ListenPortRange = struct{ Min, Max int }{Min: 1714, Max: 1764}

// ConnectRateLimitWindow is the minimum spacing between outbound
// connect attempts to the same peer id.
const ConnectRateLimitWindow = 5 * time.Second

// LinkEstablishedFunc is called once a Link reaches Authenticated,
// for either flow.
type LinkEstablishedFunc func(link *transport.Link, peerIdentity packetcodec.Packet)

// PeerSeen is the shape Discovery reports; re-declared here (rather
// than importing internal/discovery) to avoid a needless package
// coupling — the provider only needs the fields, not Discovery's
// socket lifecycle.
type PeerSeen struct {
	Info       identity.Info
	RemoteAddr *net.UDPAddr
}

// Provider owns the TCP listen socket and drives both connection
// establishment flows described in §4.F.
type Provider struct {
	log   *slog.Logger
	store *identity.Store

	onLinkEstablished LinkEstablishedFunc
	onPacket          func(link *transport.Link) transport.PacketHandler
	onStateChange     func(link *transport.Link) transport.StateChangeHandler
	onPairViolation   func(deviceID string)

	listener net.Listener
	port     int

	connectLimiter *ttlcache.Cache[string, struct{}]

	mu      sync.Mutex
	closed  bool
}

// New binds a TCP listener in ListenPortRange and constructs a
// Provider. onPacket/onStateChange are factories so each Link gets
// handlers closed over its own identity once known.
func New(log *slog.Logger, store *identity.Store, onLinkEstablished LinkEstablishedFunc, onPacket func(*transport.Link) transport.PacketHandler, onStateChange func(*transport.Link) transport.StateChangeHandler, onPairViolation func(deviceID string)) (*Provider, error) {
	if log == nil {
		log = slog.Default()
	}

	var ln net.Listener
	var port int
	var lastErr error
	for p := ListenPortRange.Min; p <= ListenPortRange.Max; p++ {
		candidate, err := net.Listen("tcp", fmt.Sprintf(":%d", p))
		if err != nil {
			lastErr = err
			continue
		}
		ln, port = candidate, p
		break
	}
	if ln == nil {
		return nil, fmt.Errorf("provider: no free port in %d-%d: %w", ListenPortRange.Min, ListenPortRange.Max, lastErr)
	}

	limiter := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](ConnectRateLimitWindow),
	)
	go limiter.Start()

	return &Provider{
		log:               log,
		store:             store,
		onLinkEstablished: onLinkEstablished,
		onPacket:          onPacket,
		onStateChange:     onStateChange,
		onPairViolation:   onPairViolation,
		listener:          ln,
		port:              port,
		connectLimiter:    limiter,
	}, nil
}

// Port returns the TCP port this provider's listener bound to.
func (p *Provider) Port() int { return p.port }

// ShouldWeConnect implements §4.F's role rule: the lexicographically
// greater id becomes the TCP server, so the lesser id is the one that
// dials out.
func ShouldWeConnect(localID, peerID string) bool {
	return localID < peerID
}

// AcceptLoop runs Flow 1 (peer-initiated) until ctx is cancelled.
func (p *Provider) AcceptLoop(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		p.Close()
	}()

	for {
		raw, err := p.listener.Accept()
		if err != nil {
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("provider: accept: %w", err)
			}
		}
		go p.handleAccepted(ctx, raw)
	}
}

func (p *Provider) handleAccepted(ctx context.Context, raw net.Conn) {
	localCert := p.store.LocalKeyPair().TLSCert

	link, identityPacket, err := transport.AcceptAndHandshake(ctx, raw, localCert, p.verifyHandshake, p.log, nil, nil)
	if err != nil {
		p.log.Warn("provider: inbound handshake failed", "remote", raw.RemoteAddr(), "err", err)
		return
	}

	peerInfo := identity.InfoFromBody(identityPacket.Body)
	link.PeerDeviceID = peerInfo.ID
	if p.onPacket != nil {
		link.SetHandlers(p.onPacket(link), p.conditionalStateChange(link))
	}

	if p.onLinkEstablished != nil {
		p.onLinkEstablished(link, identityPacket)
	}
	link.ReadLoop(ctx)
}

func (p *Provider) conditionalStateChange(link *transport.Link) transport.StateChangeHandler {
	if p.onStateChange == nil {
		return nil
	}
	return p.onStateChange(link)
}

// verifyHandshake is passed as the TLS VerifyPeerCertificate callback
// for both flows; it parses the presented leaf and asks the identity
// store to check CN + pin per §4.A against the device id announced in
// the pre-TLS identity frame.
func (p *Provider) verifyHandshake(rawCerts [][]byte, announcedDeviceID string) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("provider: peer presented no certificate")
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("provider: parse peer certificate: %w", err)
	}
	err = p.store.VerifyPeer(cert, announcedDeviceID)
	var pinErr *identity.ErrCertificatePinViolation
	if errors.As(err, &pinErr) && p.onPairViolation != nil {
		p.onPairViolation(pinErr.DeviceID)
	}
	return err
}

// Connect implements Flow 2: dial out to a peer seen via discovery,
// respecting the rate limiter and the role rule. It retries with
// exponential backoff at most twice after the first attempt, each
// dial bounded by the transport's connect timeout; a single call
// represents one discovery-triggered attempt sequence.
func (p *Provider) Connect(ctx context.Context, localID string, seen PeerSeen) (*transport.Link, error) {
	if !ShouldWeConnect(localID, seen.Info.ID) {
		return nil, fmt.Errorf("provider: not our role to connect to %s", seen.Info.ID)
	}
	if _, found := p.connectLimiter.GetOrSet(seen.Info.ID, struct{}{}); found {
		return nil, fmt.Errorf("provider: connect to %s rate-limited", seen.Info.ID)
	}

	addr := net.JoinHostPort(seen.RemoteAddr.IP.String(), fmt.Sprintf("%d", seen.Info.TCPPort))

	localInfo := p.store.LocalInfo()
	localInfo.TCPPort = p.port
	localIdentity := packetcodec.NewBuilder(time.Now().UnixNano(), packetcodec.TypeIdentity).
		WithBody(localInfo.Body()).
		MustBuild()
	localCert := p.store.LocalKeyPair().TLSCert

	var link *transport.Link
	operation := func() error {
		l, err := transport.DialAndHandshake(ctx, addr, seen.Info.ID, localIdentity, localCert, p.verifyHandshake, p.log, nil, nil)
		if err != nil {
			return err
		}
		link = l
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return nil, fmt.Errorf("provider: connect to %s: %w", addr, err)
	}

	if p.onPacket != nil {
		link.SetHandlers(p.onPacket(link), p.conditionalStateChange(link))
	}
	identityPacket := packetcodec.NewBuilder(0, packetcodec.TypeIdentity).WithBody(seen.Info.Body()).MustBuild()
	if p.onLinkEstablished != nil {
		p.onLinkEstablished(link, identityPacket)
	}
	go link.ReadLoop(ctx)

	return link, nil
}

// Close stops accepting and releases the listener; idempotent.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.connectLimiter.Stop()
	return p.listener.Close()
}
