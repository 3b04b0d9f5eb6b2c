// Package identity implements Component A: a stable local device
// identity (id, name, type, protocol version, capabilities), the
// local private key and self-signed certificate, and the persisted
// set of trusted peer certificates.
package identity

// DeviceType enumerates the host form factors a peer may announce.
type DeviceType string

const (
	DeviceTypePhone   DeviceType = "phone"
	DeviceTypeTablet  DeviceType = "tablet"
	DeviceTypeTV      DeviceType = "tv"
	DeviceTypeDesktop DeviceType = "desktop"
	DeviceTypeLaptop  DeviceType = "laptop"
)

// ProtocolVersion is the minimum protocol version this core speaks.
const ProtocolVersion = 7

// Info is the value-type DeviceInfo from the spec's data model: an
// immutable snapshot of a device's identity as announced, either over
// UDP or as the first frame of a TCP session.
type Info struct {
	ID                   string     `json:"deviceId"`
	Name                 string     `json:"deviceName"`
	Type                 DeviceType `json:"deviceType"`
	ProtocolVersion      int        `json:"protocolVersion"`
	IncomingCapabilities []string   `json:"incomingCapabilities"`
	OutgoingCapabilities []string   `json:"outgoingCapabilities"`
	// TCPPort is advisory: meaningful only in announcement context: the
	// port the sender is currently listening on. Peers must still
	// tolerate connections on a different port once a handshake reveals
	// the real peer address.
	TCPPort int `json:"tcpPort"`
}

// Body renders Info as a packet body map, suitable for an identity
// packet.
func (i Info) Body() map[string]any {
	return map[string]any{
		"deviceId":             i.ID,
		"deviceName":           i.Name,
		"deviceType":           string(i.Type),
		"protocolVersion":      i.ProtocolVersion,
		"incomingCapabilities": stringsOrEmpty(i.IncomingCapabilities),
		"outgoingCapabilities": stringsOrEmpty(i.OutgoingCapabilities),
		"tcpPort":              i.TCPPort,
	}
}

func stringsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// InfoFromBody parses an identity packet's body back into an Info.
// Unknown/missing fields are zero-valued rather than erroring, since
// the wire body is schemaless below the top level and peers may omit
// optional fields (e.g. a truncated UDP announcement).
func InfoFromBody(body map[string]any) Info {
	var i Info
	if v, ok := body["deviceId"].(string); ok {
		i.ID = v
	}
	if v, ok := body["deviceName"].(string); ok {
		i.Name = v
	}
	if v, ok := body["deviceType"].(string); ok {
		i.Type = DeviceType(v)
	}
	if v, ok := body["protocolVersion"].(float64); ok {
		i.ProtocolVersion = int(v)
	}
	i.IncomingCapabilities = stringSlice(body["incomingCapabilities"])
	i.OutgoingCapabilities = stringSlice(body["outgoingCapabilities"])
	if v, ok := body["tcpPort"].(float64); ok {
		i.TCPPort = int(v)
	}
	return i
}

func stringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// CertRecord pairs a device id with the DER bytes and SHA-256
// fingerprint of a certificate. The trust store persists pinned
// certificates in PeerRecord; no code in this module stores or
// compares a CertRecord.
type CertRecord struct {
	DeviceID    string `json:"deviceId"`
	DER         []byte `json:"der"`
	FingerprintSHA256 string `json:"fingerprintSha256"`
}
