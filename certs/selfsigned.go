// Package certs generates the self-signed ECDSA P-256 certificate used by
// the QUIC transport and builds TLS configs that pin it by SHA-256
// fingerprint instead of relying on a CA.
package certs

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

// ALPN is the application protocol negotiated on every stereocast QUIC
// connection.
const ALPN = "stereocast/1"

const defaultValidity = 30 * 24 * time.Hour

// ErrFingerprintMismatch is returned during the handshake when the peer
// certificate does not match the pinned fingerprint.
var ErrFingerprintMismatch = errors.New("certs: peer certificate fingerprint mismatch")

// CertInfo holds a TLS certificate and its SHA-256 fingerprint.
type CertInfo struct {
	TLSCert     tls.Certificate
	Fingerprint [32]byte
	NotAfter    time.Time
}

// FingerprintBase64 returns the SHA-256 fingerprint as base64, the form
// operators paste into the sender config.
func (c *CertInfo) FingerprintBase64() string {
	return base64.StdEncoding.EncodeToString(c.Fingerprint[:])
}

// ServerTLSConfig returns a listener TLS config presenting this certificate.
func (c *CertInfo) ServerTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.TLSCert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}
}

// Generate creates a self-signed certificate for the viewer device valid
// for the given duration. A non-positive validity selects 30 days. Extra
// hosts (IPs or DNS names) are added to the SAN list next to localhost.
func Generate(validity time.Duration, hosts ...string) (*CertInfo, error) {
	if validity <= 0 {
		validity = defaultValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-1 * time.Minute) // clock skew between devices
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "stereocast viewer"},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	return &CertInfo{
		TLSCert: tls.Certificate{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
		},
		Fingerprint: sha256.Sum256(certDER),
		NotAfter:    template.NotAfter,
	}, nil
}

// ParseFingerprint decodes a base64 SHA-256 fingerprint.
func ParseFingerprint(s string) ([32]byte, error) {
	var fp [32]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fp, fmt.Errorf("certs: decode fingerprint: %w", err)
	}
	if len(raw) != len(fp) {
		return fp, fmt.Errorf("certs: fingerprint is %d bytes, want %d", len(raw), len(fp))
	}
	copy(fp[:], raw)
	return fp, nil
}

// ClientTLSConfig returns a dialer TLS config. With a pinned fingerprint the
// leaf certificate must hash to it; CA verification is skipped because the
// viewer certificate is self-signed. Without a pin any certificate is
// accepted, which is only suitable on an isolated peer-to-peer link.
func ClientTLSConfig(pinned *[32]byte) *tls.Config {
	cfg := &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // verified by fingerprint below
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13,
	}
	if pinned != nil {
		want := *pinned
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return ErrFingerprintMismatch
			}
			got := sha256.Sum256(rawCerts[0])
			if !bytes.Equal(got[:], want[:]) {
				return ErrFingerprintMismatch
			}
			return nil
		}
	}
	return cfg
}
