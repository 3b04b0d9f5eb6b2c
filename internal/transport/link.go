// Package transport implements Component E: a single authenticated
// link to a peer, framing packets over TLS and exposing a read-dispatch
// loop plus a serialized write path.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/malbeclabs/cosmicconnect/internal/metrics"
	"github.com/malbeclabs/cosmicconnect/internal/packetcodec"
)

// State is a Link's position in the §4.E state machine.
type State int

const (
	StateUnauthenticatedTCP State = iota
	StateTLSHandshake
	StateAuthenticated
	StateRejected
	StateBroken
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticatedTCP:
		return "UnauthenticatedTCP"
	case StateTLSHandshake:
		return "TLSHandshake"
	case StateAuthenticated:
		return "Authenticated"
	case StateRejected:
		return "Rejected"
	case StateBroken:
		return "Broken"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Role records which side of the TLS handshake this Link played,
// decided by the Link Provider's id-comparison rule (§4.F).
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// keepAlivePeriod configures SO_KEEPALIVE on the underlying TCP
// socket; the transport itself emits no application-level pings.
const keepAlivePeriod = 60 * time.Second

// connectTimeout bounds an outbound TCP connect attempt.
const connectTimeout = 10 * time.Second

// PacketHandler is called once per fully-parsed inbound packet, from
// the Link's own reader goroutine. It must return before the next
// packet on the same Link is dispatched; long work must be posted
// elsewhere by the caller.
type PacketHandler func(p packetcodec.Packet)

// StateChangeHandler is notified whenever the Link transitions state.
type StateChangeHandler func(from, to State)

// Link owns one authenticated TCP+TLS connection to a peer and frames
// packets over it via internal/packetcodec.
type Link struct {
	PeerDeviceID string
	Role         Role

	log *slog.Logger

	conn   *tls.Conn
	reader *packetcodec.Reader
	writer *packetcodec.Writer

	writeMu sync.Mutex

	stateMu sync.RWMutex
	state   State

	onPacket      PacketHandler
	onStateChange StateChangeHandler

	closeOnce sync.Once
	closed    chan struct{}
}

// newLink wraps an already-upgraded TLS connection. The caller has
// already completed the identity pre-exchange and the TLS handshake;
// newLink starts in Authenticated.
func newLink(conn *tls.Conn, peerDeviceID string, role Role, log *slog.Logger, onPacket PacketHandler, onStateChange StateChangeHandler) *Link {
	if log == nil {
		log = slog.Default()
	}
	l := &Link{
		PeerDeviceID:  peerDeviceID,
		Role:          role,
		log:           log,
		conn:          conn,
		reader:        packetcodec.NewReader(conn),
		writer:        packetcodec.NewWriter(conn),
		state:         StateAuthenticated,
		onPacket:      onPacket,
		onStateChange: onStateChange,
		closed:        make(chan struct{}),
	}
	return l
}

// VerifyFunc checks a presented leaf certificate against
// announcedDeviceID, the device id learned from the pre-TLS identity
// frame (Dial: the id discovery already reported; Accept: the id the
// peer just announced on the raw socket).
type VerifyFunc func(rawCerts [][]byte, announcedDeviceID string) error

// DialAndHandshake performs Flow 2 of §4.F: connect, write our
// identity pre-TLS, upgrade to TLS as the client, and verify the
// peer's certificate with verify.
func DialAndHandshake(ctx context.Context, addr string, peerDeviceID string, localIdentity packetcodec.Packet, localCert tls.Certificate, verify VerifyFunc, log *slog.Logger, onPacket PacketHandler, onStateChange StateChangeHandler) (*Link, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	var d net.Dialer
	raw, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	if tcpConn, ok := raw.(*net.TCPConn); ok {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(keepAlivePeriod)
	}

	if err := packetcodec.NewWriter(raw).WritePacket(localIdentity); err != nil {
		raw.Close()
		return nil, fmt.Errorf("transport: send pre-tls identity: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:          []tls.Certificate{localCert},
		InsecureSkipVerify:    true, // no CA chain; verification is via VerifyPeerCertificate pin check
		VerifyPeerCertificate: bindVerify(verify, peerDeviceID),
		MinVersion:            tls.VersionTLS12,
	}
	tlsConn := tls.Client(raw, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, &HandshakeError{Err: err}
	}

	l := newLink(tlsConn, peerDeviceID, RoleClient, log, onPacket, onStateChange)
	return l, nil
}

// AcceptAndHandshake performs Flow 1 of §4.F: read one pre-TLS
// identity line off an already-accepted TCP socket, then upgrade to
// TLS as the server and verify the peer's certificate.
func AcceptAndHandshake(ctx context.Context, raw net.Conn, localCert tls.Certificate, verify VerifyFunc, log *slog.Logger, onPacket PacketHandler, onStateChange StateChangeHandler) (*Link, packetcodec.Packet, error) {
	if tcpConn, ok := raw.(*net.TCPConn); ok {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(keepAlivePeriod)
	}

	identityPacket, err := packetcodec.NewReader(raw).ReadPacket()
	if err != nil {
		raw.Close()
		return nil, packetcodec.Packet{}, fmt.Errorf("transport: read pre-tls identity: %w", err)
	}
	peerDeviceID := deviceIDFromIdentityBody(identityPacket.Body)

	tlsConfig := &tls.Config{
		Certificates:          []tls.Certificate{localCert},
		ClientAuth:            tls.RequireAnyClientCert,
		VerifyPeerCertificate: bindVerify(verify, peerDeviceID),
		MinVersion:            tls.VersionTLS12,
	}
	tlsConn := tls.Server(raw, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, packetcodec.Packet{}, &HandshakeError{Err: err}
	}

	l := newLink(tlsConn, peerDeviceID, RoleServer, log, onPacket, onStateChange)
	return l, identityPacket, nil
}

// deviceIDFromIdentityBody extracts the deviceId field from a pre-TLS
// identity packet body. Kept local rather than depending on the
// identity package's richer Info parsing, since all this caller needs
// is the one field to label the Link before cert verification runs.
func deviceIDFromIdentityBody(body map[string]any) string {
	if v, ok := body["deviceId"].(string); ok {
		return v
	}
	return ""
}

func bindVerify(verify VerifyFunc, announcedDeviceID string) func([][]byte, [][]byte) error {
	if verify == nil {
		return nil
	}
	return func(rawCerts [][]byte, _ [][]byte) error {
		return verify(rawCerts, announcedDeviceID)
	}
}

// SetHandlers attaches the packet/state-change handlers once the
// caller has enough context to construct them (typically after
// learning the peer's device id). It's separate from construction
// because the provider doesn't know which Device a Link belongs to
// until the handshake completes.
func (l *Link) SetHandlers(onPacket PacketHandler, onStateChange StateChangeHandler) {
	l.stateMu.Lock()
	l.onPacket = onPacket
	l.onStateChange = onStateChange
	l.stateMu.Unlock()
}

// HandshakeError wraps a TLS handshake failure, including a
// certificate pin violation surfaced by the caller's verify callback.
type HandshakeError struct {
	Err error
}

func (e *HandshakeError) Error() string { return fmt.Sprintf("transport: tls handshake: %v", e.Err) }
func (e *HandshakeError) Unwrap() error { return e.Err }

// ErrLinkClosed is returned by Send/ReadLoop once the Link has been
// disconnected.
var ErrLinkClosed = errors.New("transport: link closed")

// State returns the Link's current position in the state machine.
func (l *Link) State() State {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.state
}

func (l *Link) setState(s State) {
	l.stateMu.Lock()
	from := l.state
	l.state = s
	l.stateMu.Unlock()
	if from != s && l.onStateChange != nil {
		l.onStateChange(from, s)
	}
}

// PeerCertificate returns the verified peer certificate presented
// during the handshake.
func (l *Link) PeerCertificate() []byte {
	state := l.conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil
	}
	return state.PeerCertificates[0].Raw
}

// RemoteIP returns the peer's IP address as seen by the underlying
// socket — the authoritative source for payload channel dialing,
// never the packet body (§4.C).
func (l *Link) RemoteIP() string {
	addr, ok := l.conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		host, _, err := net.SplitHostPort(l.conn.RemoteAddr().String())
		if err != nil {
			return ""
		}
		return host
	}
	return addr.IP.String()
}

// ReadLoop reads and dispatches packets until the connection errors
// or ctx is cancelled. It is meant to run on its own goroutine; one
// packet is fully handled (onPacket returns) before the next is read,
// satisfying the per-link ordering guarantee.
func (l *Link) ReadLoop(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			l.Disconnect()
		case <-l.closed:
		}
	}()
	for {
		select {
		case <-l.closed:
			return
		default:
		}

		p, err := l.reader.ReadPacket()
		if err != nil {
			var decErr *packetcodec.DecodeError
			if errors.As(err, &decErr) {
				l.log.Warn("transport: discarding malformed frame", "peer", l.PeerDeviceID, "err", err)
				continue
			}
			l.log.Debug("transport: read loop ending", "peer", l.PeerDeviceID, "err", err)
			l.setState(StateBroken)
			l.Disconnect()
			return
		}

		metrics.PacketsReceived.WithLabelValues(p.Type).Inc()
		if l.onPacket != nil {
			l.onPacket(p)
		}
	}
}

// Send serializes p and writes it, blocking until the write completes
// or the link is closed.
func (l *Link) Send(p packetcodec.Packet) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	select {
	case <-l.closed:
		return ErrLinkClosed
	default:
	}

	if err := l.writer.WritePacket(p); err != nil {
		l.setState(StateBroken)
		l.Disconnect()
		return fmt.Errorf("transport: write: %w", err)
	}
	metrics.PacketsSent.WithLabelValues(p.Type).Inc()
	return nil
}

// SendAsync writes p on its own goroutine, invoking done with the
// result; it never blocks the caller.
func (l *Link) SendAsync(p packetcodec.Packet, done func(error)) {
	go func() {
		err := l.Send(p)
		if done != nil {
			done(err)
		}
	}()
}

// Disconnect closes the link; safe to call more than once.
func (l *Link) Disconnect() {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.conn.Close()
		if l.State() != StateBroken {
			l.setState(StateClosed)
		}
	})
}
