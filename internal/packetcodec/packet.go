// Package packetcodec defines the wire packet value type and its
// newline-delimited JSON framing.
package packetcodec

import (
	"errors"
	"fmt"
)

// TypeIdentity and TypePair are the two packet types the core itself
// interprets. Every other type is plugin-owned and opaque to the codec.
const (
	TypeIdentity = "cconnect.identity"
	TypePair     = "cconnect.pair"
)

// compatPrefixes lists packet-type namespaces accepted on receive in
// addition to the canonical one, for interop with peers running an
// older or differently-branded build of the same protocol family.
var compatPrefixes = []string{"cconnect.", "cosmicconnect.", "kdeconnect."}

// CanonicalType rewrites a received type string to its canonical
// cconnect.* form if it matches one of the accepted compatibility
// namespaces, leaving it untouched otherwise.
func CanonicalType(t string) string {
	for _, p := range compatPrefixes {
		if len(t) > len(p) && t[:len(p)] == p {
			return "cconnect." + t[len(p):]
		}
	}
	return t
}

// PayloadTransferInfo carries the ephemeral payload socket's port and
// any transport-specific hints a receiver needs to connect to it.
type PayloadTransferInfo struct {
	Port int `json:"port"`
}

// Packet is the immutable wire envelope. Construct one with Builder;
// there are no setters.
type Packet struct {
	ID                  int64                `json:"id"`
	Type                string               `json:"type"`
	Body                map[string]any        `json:"body"`
	PayloadSize         int64                `json:"payloadSize"`
	PayloadTransferInfo *PayloadTransferInfo `json:"payloadTransferInfo,omitempty"`
}

// HasPayload reports whether the packet declares a side-channel payload.
func (p Packet) HasPayload() bool { return p.PayloadSize > 0 }

var (
	ErrPayloadSizeWithoutPort = errors.New("packetcodec: payloadSize > 0 requires payloadTransferInfo.port")
	ErrPortWithoutPayloadSize = errors.New("packetcodec: payloadTransferInfo set but payloadSize == 0")
	ErrMissingType            = errors.New("packetcodec: missing type")
)

// Builder validates a Packet before it is accepted for sending,
// enforcing the payloadSize/payloadTransferInfo consistency invariant
// from the spec's data model.
type Builder struct {
	id          int64
	typ         string
	body        map[string]any
	payloadSize int64
	transferPort int
	hasTransfer bool
}

// NewBuilder starts a packet of the given type with the given id
// (conventionally a monotonically non-decreasing sender clock, such
// as a millisecond timestamp).
func NewBuilder(id int64, typ string) *Builder {
	return &Builder{id: id, typ: typ, body: map[string]any{}}
}

// WithBody sets the packet body, replacing any previous value.
func (b *Builder) WithBody(body map[string]any) *Builder {
	if body == nil {
		body = map[string]any{}
	}
	b.body = body
	return b
}

// WithPayload declares a side-channel payload of size bytes, to be
// fetched on the given ephemeral port.
func (b *Builder) WithPayload(size int64, port int) *Builder {
	b.payloadSize = size
	b.transferPort = port
	b.hasTransfer = true
	return b
}

// Build validates and returns the finished packet.
func (b *Builder) Build() (Packet, error) {
	if b.typ == "" {
		return Packet{}, ErrMissingType
	}
	p := Packet{
		ID:          b.id,
		Type:        b.typ,
		Body:        b.body,
		PayloadSize: b.payloadSize,
	}
	if b.payloadSize > 0 {
		if !b.hasTransfer {
			return Packet{}, ErrPayloadSizeWithoutPort
		}
		p.PayloadTransferInfo = &PayloadTransferInfo{Port: b.transferPort}
	} else if b.hasTransfer {
		return Packet{}, ErrPortWithoutPayloadSize
	}
	return p, nil
}

// MustBuild is Build but panics on error; only safe for call sites
// that construct their own body/payload (the core's pairing/identity
// packets), never for anything derived from untrusted input.
func (b *Builder) MustBuild() Packet {
	p, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("packetcodec: invalid packet: %v", err))
	}
	return p
}

// Validate re-checks the invariants on a Packet that was decoded from
// the wire rather than built locally.
func Validate(p Packet) error {
	if p.Type == "" {
		return ErrMissingType
	}
	if p.PayloadSize > 0 && (p.PayloadTransferInfo == nil || p.PayloadTransferInfo.Port == 0) {
		return ErrPayloadSizeWithoutPort
	}
	if p.PayloadSize == 0 && p.PayloadTransferInfo != nil {
		return ErrPortWithoutPayloadSize
	}
	return nil
}
