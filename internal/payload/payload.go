// Package payload implements Component C: the side-channel byte
// stream advertised inside a packet's payloadTransferInfo. Each
// payload gets its own ephemeral mutually-authenticated TLS socket,
// independent of the primary link's packet stream.
package payload

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// PortRange bounds the ephemeral ports a Sender may bind for a single
// payload's TLS listener, per the external-interfaces port range.
type PortRange struct {
	Min int
	Max int
}

// DefaultPortRange matches the spec's ephemeral payload port range.
var DefaultPortRange = PortRange{Min: 1739, Max: 1764}

const (
	// AcceptTimeout bounds how long a sender's listener waits for the
	// peer to connect before the transfer is considered failed.
	AcceptTimeout = 30 * time.Second
)

// ErrNoFreePort is returned when every port in the configured range is
// already bound by another in-flight payload.
var ErrNoFreePort = errors.New("payload: no free port in configured range")

// ErrShortWrite/ErrShortRead mark a payload transfer that did not move
// exactly the declared number of bytes; the owning link is unaffected.
var (
	ErrShortWrite = errors.New("payload: short write")
	ErrShortRead  = errors.New("payload: short read")
)

// ProgressFunc receives monotonic 0..100 progress updates as a
// transfer proceeds.
type ProgressFunc func(percent int)

// progressWriter/-Reader wrap an io.Writer/Reader and report percent
// complete against a known total, at 1% (or coarser) granularity so
// callers aren't flooded with updates on fast local links.
type progressReader struct {
	r          io.Reader
	total      int64
	read       int64
	lastPct    int
	onProgress ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	p.reportProgress()
	return n, err
}

func (p *progressReader) reportProgress() {
	if p.onProgress == nil || p.total <= 0 {
		return
	}
	pct := int(p.read * 100 / p.total)
	if pct > 100 {
		pct = 100
	}
	if pct > p.lastPct {
		p.lastPct = pct
		p.onProgress(pct)
	}
}

type progressWriter struct {
	w          io.Writer
	total      int64
	written    int64
	lastPct    int
	onProgress ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	p.reportProgress()
	return n, err
}

func (p *progressWriter) reportProgress() {
	if p.onProgress == nil || p.total <= 0 {
		return
	}
	pct := int(p.written * 100 / p.total)
	if pct > 100 {
		pct = 100
	}
	if pct > p.lastPct {
		p.lastPct = pct
		p.onProgress(pct)
	}
}

// Descriptor is what the carrying packet declares about a payload: its
// byte count and the port the receiver connects to.
type Descriptor struct {
	// Size is the exact byte count of the payload, as declared by
	// payloadSize on the carrying packet.
	Size int64
	// Port is the ephemeral port advertised in payloadTransferInfo.
	Port int
}

func validateSize(size int64) error {
	if size <= 0 {
		return fmt.Errorf("payload: size must be positive, got %d", size)
	}
	return nil
}

// listenTCP is split out so tests can substitute a fake listener
// without standing up real sockets.
var listenTCP = net.Listen
