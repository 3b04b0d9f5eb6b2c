package payload

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"

	"github.com/malbeclabs/cosmicconnect/internal/metrics"
)

// DialFunc opens the raw TCP connection a receiver upgrades to TLS.
// Exposed so tests can substitute an in-memory dialer.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

var defaultDialer DialFunc = func(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

// Receive connects to (remoteIP, desc.Port) — remoteIP MUST be derived
// from the owning link's socket, never from the packet body, per
// §4.C's receiver-side requirement — upgrades to TLS with mutual auth
// against tlsConfig, reads exactly desc.Size bytes into dst, and
// reports progress.
//
// A short read is an error for this payload only; callers must not
// treat it as a link failure.
func Receive(ctx context.Context, remoteIP string, desc Descriptor, tlsConfig *tls.Config, dst io.Writer, onProgress ProgressFunc, dial DialFunc) error {
	if err := validateSize(desc.Size); err != nil {
		return err
	}
	if dial == nil {
		dial = defaultDialer
	}

	addr := net.JoinHostPort(remoteIP, fmt.Sprintf("%d", desc.Port))
	raw, err := dial(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("payload: dial %s: %w", addr, err)
	}
	defer raw.Close()

	conn := tls.Client(raw, tlsConfig)
	if err := conn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("payload: tls handshake: %w", err)
	}

	pr := &progressReader{r: conn, total: desc.Size, onProgress: onProgress}
	n, err := io.CopyN(dst, pr, desc.Size)
	if err != nil {
		return fmt.Errorf("payload: read: %w", err)
	}
	if n != desc.Size {
		return ErrShortRead
	}
	metrics.PayloadBytes.WithLabelValues("received").Add(float64(n))
	if onProgress != nil {
		onProgress(100)
	}
	return nil
}
