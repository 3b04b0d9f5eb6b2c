package payload

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/malbeclabs/cosmicconnect/internal/metrics"
)

// Sender opens an ephemeral TLS listener for exactly one payload
// transfer, per §4.C sender flow. It picks the first free port in
// Range, advertises it via Reserve, then streams Size bytes from src
// to whichever peer connects first.
type Sender struct {
	Range    PortRange
	TLSConfig *tls.Config // server-side config: local cert + verify client cert against pinned peer
	Log      *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewSender constructs a Sender bound to range r, authenticating
// inbound connections with tlsConfig (expected to require and verify
// the pinned peer client certificate).
func NewSender(r PortRange, tlsConfig *tls.Config, log *slog.Logger) *Sender {
	if log == nil {
		log = slog.Default()
	}
	return &Sender{Range: r, TLSConfig: tlsConfig, Log: log}
}

// Reserve binds a TLS listener on the first free port in s.Range and
// returns it. The caller embeds the returned port into the packet's
// payloadTransferInfo before emitting it on the primary link, then
// calls Serve to block until the transfer completes or fails.
func (s *Sender) Reserve() (port int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for p := s.Range.Min; p <= s.Range.Max; p++ {
		ln, err := listenTCP("tcp", fmt.Sprintf(":%d", p))
		if err != nil {
			continue
		}
		s.listener = tls.NewListener(ln, s.TLSConfig)
		return p, nil
	}
	return 0, ErrNoFreePort
}

// Serve accepts exactly one inbound connection within AcceptTimeout,
// streams size bytes read from src, and reports progress. It always
// closes the listener before returning, whatever the outcome.
func (s *Sender) Serve(ctx context.Context, size int64, src io.Reader, onProgress ProgressFunc) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("payload: Serve called before Reserve")
	}
	defer ln.Close()

	acceptCtx, cancel := context.WithTimeout(ctx, AcceptTimeout)
	defer cancel()

	connCh := make(chan net.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		connCh <- conn
	}()

	var conn net.Conn
	select {
	case conn = <-connCh:
	case err := <-errCh:
		return fmt.Errorf("payload: accept: %w", err)
	case <-acceptCtx.Done():
		return fmt.Errorf("payload: accept timed out: %w", acceptCtx.Err())
	}
	defer conn.Close()

	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.HandshakeContext(acceptCtx); err != nil {
			return fmt.Errorf("payload: tls handshake: %w", err)
		}
	}

	pw := &progressWriter{w: conn, total: size, onProgress: onProgress}
	n, err := io.CopyN(pw, src, size)
	if err != nil {
		return fmt.Errorf("payload: write: %w", err)
	}
	if n != size {
		return ErrShortWrite
	}
	metrics.PayloadBytes.WithLabelValues("sent").Add(float64(n))
	if onProgress != nil {
		onProgress(100)
	}
	return nil
}

// Close aborts an in-progress Reserve/Serve; idempotent.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.listener = nil
	return err
}
