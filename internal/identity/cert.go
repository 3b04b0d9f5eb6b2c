package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"
)

const (
	rsaKeyBits   = 2048
	certValidity = 10 * 365 * 24 * time.Hour
	deviceIDHexLen = 32
)

// GenerateDeviceID returns a random 32-character lowercase hex string,
// used as both the persisted local id and the certificate CN.
func GenerateDeviceID() (string, error) {
	b := make([]byte, deviceIDHexLen/2)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("identity: generate device id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// KeyPair holds a generated RSA private key and its self-signed
// certificate, both PEM-encoded for persistence and DER-decoded for
// immediate use.
type KeyPair struct {
	PrivateKeyPEM []byte
	CertPEM       []byte
	CertDER       []byte
	TLSCert       tls.Certificate
}

// GenerateSelfSigned creates a 2048-bit RSA key and a self-signed
// certificate with CN=deviceID valid for ~10 years, per §4.A init().
func GenerateSelfSigned(deviceID string) (*KeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("identity: generate serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: deviceID},
		Issuer:       pkix.Name{CommonName: deviceID},
		NotBefore:    now.Add(-time.Hour), // tolerate modest clock skew with peers
		NotAfter:     now.Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("identity: create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER := x509.MarshalPKCS1PrivateKey(key)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: keyDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("identity: load generated keypair: %w", err)
	}

	return &KeyPair{
		PrivateKeyPEM: keyPEM,
		CertPEM:       certPEM,
		CertDER:       der,
		TLSCert:       tlsCert,
	}, nil
}

// LoadKeyPair parses a previously persisted PEM cert+key pair.
func LoadKeyPair(certPEM, keyPEM []byte) (*KeyPair, error) {
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("identity: load keypair: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("identity: no PEM block in certificate")
	}
	return &KeyPair{
		PrivateKeyPEM: keyPEM,
		CertPEM:       certPEM,
		CertDER:       block.Bytes,
		TLSCert:       tlsCert,
	}, nil
}

// Fingerprint returns the hex-encoded SHA-256 digest of DER cert bytes.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// CertCommonName extracts the CN from a parsed certificate.
func CertCommonName(cert *x509.Certificate) string {
	return cert.Subject.CommonName
}

// parseCertDER parses a raw DER certificate, as produced by a TLS
// handshake's PeerCertificates or by GenerateSelfSigned.
func parseCertDER(der []byte) (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("identity: parse certificate: %w", err)
	}
	return cert, nil
}
