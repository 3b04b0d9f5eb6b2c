package identity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLocalInfo(name string, dt DeviceType, id string) Info {
	return Info{ID: id, Name: name, Type: dt, ProtocolVersion: ProtocolVersion}
}

func TestOpenGeneratesIdentityOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	s, err := Open(path, "my-laptop", DeviceTypeLaptop, testLocalInfo)
	require.NoError(t, err)
	require.NotEmpty(t, s.LocalID())
	require.Len(t, s.LocalID(), 32)
	require.Equal(t, "my-laptop", s.LocalInfo().Name)
}

func TestOpenReloadsPersistedIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	s1, err := Open(path, "my-laptop", DeviceTypeLaptop, testLocalInfo)
	require.NoError(t, err)
	id1 := s1.LocalID()

	s2, err := Open(path, "my-laptop", DeviceTypeLaptop, testLocalInfo)
	require.NoError(t, err)
	require.Equal(t, id1, s2.LocalID())
	require.Equal(t, s1.LocalKeyPair().CertPEM, s2.LocalKeyPair().CertPEM)
}

func TestTrustAndIsTrusted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	s, err := Open(path, "my-laptop", DeviceTypeLaptop, testLocalInfo)
	require.NoError(t, err)

	peerID, err := GenerateDeviceID()
	require.NoError(t, err)
	peerKP, err := GenerateSelfSigned(peerID)
	require.NoError(t, err)

	require.False(t, s.IsTrusted(peerID))
	require.NoError(t, s.Trust(peerID, peerKP.CertDER, "phone", DeviceTypePhone))
	require.True(t, s.IsTrusted(peerID))

	rec, ok := s.PeerRecord(peerID)
	require.True(t, ok)
	require.Equal(t, peerKP.CertDER, rec.PeerCertDER)
}

func TestTrustIsPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	s1, err := Open(path, "my-laptop", DeviceTypeLaptop, testLocalInfo)
	require.NoError(t, err)

	peerID, err := GenerateDeviceID()
	require.NoError(t, err)
	peerKP, err := GenerateSelfSigned(peerID)
	require.NoError(t, err)
	require.NoError(t, s1.Trust(peerID, peerKP.CertDER, "phone", DeviceTypePhone))

	s2, err := Open(path, "my-laptop", DeviceTypeLaptop, testLocalInfo)
	require.NoError(t, err)
	require.True(t, s2.IsTrusted(peerID))
}

func TestTrustCollisionRequiresUntrustFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	s, err := Open(path, "my-laptop", DeviceTypeLaptop, testLocalInfo)
	require.NoError(t, err)

	peerID, err := GenerateDeviceID()
	require.NoError(t, err)
	kp1, err := GenerateSelfSigned(peerID)
	require.NoError(t, err)
	kp2, err := GenerateSelfSigned(peerID)
	require.NoError(t, err)

	require.NoError(t, s.Trust(peerID, kp1.CertDER, "phone", DeviceTypePhone))
	err = s.Trust(peerID, kp2.CertDER, "phone", DeviceTypePhone)
	require.ErrorIs(t, err, ErrCertificateCollision)

	require.NoError(t, s.Untrust(peerID))
	require.NoError(t, s.Trust(peerID, kp2.CertDER, "phone", DeviceTypePhone))
	rec, _ := s.PeerRecord(peerID)
	require.Equal(t, kp2.CertDER, rec.PeerCertDER)
}

func TestTrustIsIdempotentForSameCert(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	s, err := Open(path, "my-laptop", DeviceTypeLaptop, testLocalInfo)
	require.NoError(t, err)

	peerID, err := GenerateDeviceID()
	require.NoError(t, err)
	kp, err := GenerateSelfSigned(peerID)
	require.NoError(t, err)

	require.NoError(t, s.Trust(peerID, kp.CertDER, "phone", DeviceTypePhone))
	require.NoError(t, s.Trust(peerID, kp.CertDER, "phone", DeviceTypePhone))
}

func TestUntrustRemovesPerDevicePreferences(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	s, err := Open(path, "my-laptop", DeviceTypeLaptop, testLocalInfo)
	require.NoError(t, err)

	peerID, err := GenerateDeviceID()
	require.NoError(t, err)
	kp, err := GenerateSelfSigned(peerID)
	require.NoError(t, err)
	require.NoError(t, s.Trust(peerID, kp.CertDER, "phone", DeviceTypePhone))
	require.NoError(t, s.SetPluginEnabled(peerID, "ping", false))

	require.NoError(t, s.Untrust(peerID))
	require.False(t, s.IsTrusted(peerID))

	err = s.SetPluginEnabled(peerID, "ping", true)
	require.Error(t, err)
}

func TestVerifyPeerAcceptsProvisionallyWhenUntrusted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	s, err := Open(path, "my-laptop", DeviceTypeLaptop, testLocalInfo)
	require.NoError(t, err)

	peerID, err := GenerateDeviceID()
	require.NoError(t, err)
	kp, err := GenerateSelfSigned(peerID)
	require.NoError(t, err)
	cert, err := parseCertDER(kp.CertDER)
	require.NoError(t, err)

	require.NoError(t, s.VerifyPeer(cert, peerID))
}

func TestVerifyPeerRejectsCNMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	s, err := Open(path, "my-laptop", DeviceTypeLaptop, testLocalInfo)
	require.NoError(t, err)

	peerID, err := GenerateDeviceID()
	require.NoError(t, err)
	kp, err := GenerateSelfSigned(peerID)
	require.NoError(t, err)
	cert, err := parseCertDER(kp.CertDER)
	require.NoError(t, err)

	err = s.VerifyPeer(cert, "some-other-claimed-id")
	require.Error(t, err)
}

func TestVerifyPeerRejectsPinViolationAfterTrust(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	s, err := Open(path, "my-laptop", DeviceTypeLaptop, testLocalInfo)
	require.NoError(t, err)

	peerID, err := GenerateDeviceID()
	require.NoError(t, err)
	trustedKP, err := GenerateSelfSigned(peerID)
	require.NoError(t, err)
	require.NoError(t, s.Trust(peerID, trustedKP.CertDER, "phone", DeviceTypePhone))

	// A new certificate happens to carry the same CN (MITM scenario).
	rogueKP, err := GenerateSelfSigned(peerID)
	require.NoError(t, err)
	rogueCert, err := parseCertDER(rogueKP.CertDER)
	require.NoError(t, err)

	err = s.VerifyPeer(rogueCert, peerID)
	var pinErr *ErrCertificatePinViolation
	require.ErrorAs(t, err, &pinErr)
	require.Equal(t, peerID, pinErr.DeviceID)
}

func TestVerifyPeerAcceptsMatchingPinnedCert(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	s, err := Open(path, "my-laptop", DeviceTypeLaptop, testLocalInfo)
	require.NoError(t, err)

	peerID, err := GenerateDeviceID()
	require.NoError(t, err)
	kp, err := GenerateSelfSigned(peerID)
	require.NoError(t, err)
	require.NoError(t, s.Trust(peerID, kp.CertDER, "phone", DeviceTypePhone))

	cert, err := parseCertDER(kp.CertDER)
	require.NoError(t, err)
	require.NoError(t, s.VerifyPeer(cert, peerID))
}
