package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"net"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	t.Parallel()
	cert, err := Generate(24*time.Hour, "192.168.49.1", "viewer.local")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if len(cert.TLSCert.Certificate) == 0 {
		t.Fatal("no certificate data")
	}

	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}

	validity := x509Cert.NotAfter.Sub(x509Cert.NotBefore)
	if validity > 24*time.Hour+2*time.Minute {
		t.Errorf("validity too long: %v", validity)
	}

	if cert.Fingerprint != sha256.Sum256(cert.TLSCert.Certificate[0]) {
		t.Error("fingerprint mismatch")
	}

	var hasIP, hasName bool
	for _, ip := range x509Cert.IPAddresses {
		if ip.Equal(net.ParseIP("192.168.49.1")) {
			hasIP = true
		}
	}
	for _, name := range x509Cert.DNSNames {
		if name == "viewer.local" {
			hasName = true
		}
	}
	if !hasIP || !hasName {
		t.Errorf("extra hosts missing from SANs: ip=%v name=%v", hasIP, hasName)
	}
}

func TestGenerateDefaultValidity(t *testing.T) {
	t.Parallel()
	cert, err := Generate(0)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if until := time.Until(cert.NotAfter); until < 29*24*time.Hour {
		t.Errorf("default validity too short: %v", until)
	}
}

func TestParseFingerprintRoundTrip(t *testing.T) {
	t.Parallel()
	cert, err := Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	fp, err := ParseFingerprint(cert.FingerprintBase64())
	if err != nil {
		t.Fatalf("ParseFingerprint: %v", err)
	}
	if fp != cert.Fingerprint {
		t.Error("parsed fingerprint differs from generated one")
	}

	if _, err := ParseFingerprint("not base64!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := ParseFingerprint("AAAA"); err == nil {
		t.Error("expected error for short fingerprint")
	}
}

func TestClientTLSConfigPinning(t *testing.T) {
	t.Parallel()
	cert, err := Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	other, err := Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	cfg := ClientTLSConfig(&cert.Fingerprint)
	if err := cfg.VerifyPeerCertificate(cert.TLSCert.Certificate, nil); err != nil {
		t.Errorf("matching cert rejected: %v", err)
	}
	err = cfg.VerifyPeerCertificate(other.TLSCert.Certificate, nil)
	if !errors.Is(err, ErrFingerprintMismatch) {
		t.Errorf("foreign cert err = %v, want ErrFingerprintMismatch", err)
	}

	if ClientTLSConfig(nil).VerifyPeerCertificate != nil {
		t.Error("unpinned config should not install a verifier")
	}
}
