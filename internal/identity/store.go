package identity

import (
	"bytes"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// InitError wraps a failure to establish the local identity (key store
// unwritable, key generation failure). The process should surface it
// to the host and remain inert until retried.
type InitError struct {
	Err error
}

func (e *InitError) Error() string { return fmt.Sprintf("identity: init failed: %v", e.Err) }
func (e *InitError) Unwrap() error { return e.Err }

// ErrCertificateCollision is returned by Trust when deviceId is
// already trusted to a different certificate than the one supplied;
// the caller must Untrust first.
var ErrCertificateCollision = errors.New("identity: device already trusted to a different certificate")

// PeerRecord is the persisted per-peer trust entry: the pinned
// certificate plus host-settable metadata that travels with it.
type PeerRecord struct {
	DisplayName           string          `json:"displayName"`
	DeviceType            DeviceType      `json:"deviceType"`
	PeerCertDER           []byte          `json:"peerCertDer"`
	PerDevicePluginEnabled map[string]bool `json:"perDevicePluginEnabled"`
}

// persistedState is the on-disk record: §6 "persisted state layout".
type persistedState struct {
	LocalDeviceID    string                `json:"localDeviceId"`
	LocalPrivateKeyPEM []byte              `json:"localPrivateKeyPem"`
	LocalCertPEM     []byte                `json:"localCertPem"`
	LocalDisplayName string                `json:"localDisplayName"`
	Peers            map[string]*PeerRecord `json:"peers"`
}

// Store owns the local identity and the persisted set of trusted
// peers. It is safe for concurrent use: many readers, rare writers,
// with every write atomically replacing the backing file.
type Store struct {
	path string

	mu       sync.RWMutex
	state    persistedState
	keyPair  *KeyPair
	localInfoFn func() Info // supplies name/type/capabilities at read time
}

// Open loads the identity at path, generating one via init() (§4.A)
// if the file doesn't exist yet. localInfoFn is called by LocalInfo to
// fill in the host-supplied name/type and the union of plugin
// capability declarations; it receives the persisted display name.
func Open(path string, displayName string, deviceType DeviceType, localInfoFn func(displayName string, deviceType DeviceType, id string) Info) (*Store, error) {
	s := &Store{path: path}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := s.init(displayName); err != nil {
			return nil, &InitError{Err: err}
		}
	case err != nil:
		return nil, &InitError{Err: err}
	default:
		var st persistedState
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, &InitError{Err: fmt.Errorf("parse identity store: %w", err)}
		}
		kp, err := LoadKeyPair(st.LocalCertPEM, st.LocalPrivateKeyPEM)
		if err != nil {
			return nil, &InitError{Err: err}
		}
		if st.Peers == nil {
			st.Peers = map[string]*PeerRecord{}
		}
		s.state = st
		s.keyPair = kp
	}

	s.localInfoFn = func() Info {
		s.mu.RLock()
		id, name := s.state.LocalDeviceID, s.state.LocalDisplayName
		s.mu.RUnlock()
		return localInfoFn(name, deviceType, id)
	}
	return s, nil
}

func (s *Store) init(displayName string) error {
	id, err := GenerateDeviceID()
	if err != nil {
		return err
	}
	kp, err := GenerateSelfSigned(id)
	if err != nil {
		return err
	}
	s.state = persistedState{
		LocalDeviceID:      id,
		LocalPrivateKeyPEM: kp.PrivateKeyPEM,
		LocalCertPEM:       kp.CertPEM,
		LocalDisplayName:   displayName,
		Peers:              map[string]*PeerRecord{},
	}
	s.keyPair = kp
	return s.persistLocked()
}

// persistLocked writes the current state to disk atomically
// (write-to-temp + rename, per §5's shared-resource policy). Caller
// must hold s.mu for writing.
func (s *Store) persistLocked() error {
	b, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: marshal state: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("identity: create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".identity-*.tmp")
	if err != nil {
		return fmt.Errorf("identity: create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("identity: write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("identity: close temp state file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("identity: chmod temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("identity: rename temp state file: %w", err)
	}
	return nil
}

// LocalID returns the stable local device id.
func (s *Store) LocalID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.LocalDeviceID
}

// LocalKeyPair returns the local identity's key material.
func (s *Store) LocalKeyPair() *KeyPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keyPair
}

// LocalInfo returns the current DeviceInfo computed from the
// persisted id plus host-supplied name/type/capabilities.
func (s *Store) LocalInfo() Info {
	return s.localInfoFn()
}

// IsTrusted reports whether deviceId has a pinned certificate.
func (s *Store) IsTrusted(deviceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.state.Peers[deviceID]
	return ok
}

// PeerRecord returns a copy of the trust entry for deviceId, if any.
func (s *Store) PeerRecord(deviceID string) (PeerRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.state.Peers[deviceID]
	if !ok {
		return PeerRecord{}, false
	}
	return *rec, true
}

// Trust atomically persists the mapping deviceId -> peerCertDER. It
// fails with ErrCertificateCollision if deviceId is already trusted
// to a different certificate.
func (s *Store) Trust(deviceID string, peerCertDER []byte, displayName string, deviceType DeviceType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.state.Peers[deviceID]; ok {
		if !bytes.Equal(existing.PeerCertDER, peerCertDER) {
			return ErrCertificateCollision
		}
		return nil // already trusted to this exact cert: idempotent
	}

	s.state.Peers[deviceID] = &PeerRecord{
		DisplayName:            displayName,
		DeviceType:             deviceType,
		PeerCertDER:            append([]byte(nil), peerCertDER...),
		PerDevicePluginEnabled: map[string]bool{},
	}
	return s.persistLocked()
}

// Untrust removes deviceId's trust mapping and per-device preferences.
func (s *Store) Untrust(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Peers[deviceID]; !ok {
		return nil
	}
	delete(s.state.Peers, deviceID)
	return s.persistLocked()
}

// SetPluginEnabled persists a per-device plugin enable/disable flag.
func (s *Store) SetPluginEnabled(deviceID, plugin string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.state.Peers[deviceID]
	if !ok {
		return fmt.Errorf("identity: device %q is not trusted", deviceID)
	}
	if rec.PerDevicePluginEnabled == nil {
		rec.PerDevicePluginEnabled = map[string]bool{}
	}
	rec.PerDevicePluginEnabled[plugin] = enabled
	return s.persistLocked()
}

// VerifyPeer implements §4.A verifyPeer: success iff the handshake
// cert's CN equals announcedDeviceId, and either the device is not yet
// trusted (accept provisionally, for the unpaired handshake) or the
// cert DER matches the stored trusted cert exactly.
func (s *Store) VerifyPeer(handshakeCert *x509.Certificate, announcedDeviceID string) error {
	if CertCommonName(handshakeCert) != announcedDeviceID {
		return fmt.Errorf("identity: certificate CN %q does not match announced device id %q", CertCommonName(handshakeCert), announcedDeviceID)
	}

	s.mu.RLock()
	rec, trusted := s.state.Peers[announcedDeviceID]
	s.mu.RUnlock()
	if !trusted {
		return nil // provisional accept; pairing is what establishes trust
	}
	if !bytes.Equal(rec.PeerCertDER, handshakeCert.Raw) {
		return &ErrCertificatePinViolation{DeviceID: announcedDeviceID}
	}
	return nil
}

// ErrCertificatePinViolation is returned by VerifyPeer when a
// handshake certificate's DER does not match the pinned one for an
// already-trusted device: a possible MITM, per §7.
type ErrCertificatePinViolation struct {
	DeviceID string
}

func (e *ErrCertificatePinViolation) Error() string {
	return fmt.Sprintf("identity: certificate pin violation for device %q", e.DeviceID)
}
