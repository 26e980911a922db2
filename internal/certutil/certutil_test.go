package certutil

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestGenerateCert(t *testing.T) {
	opts := DefaultServerOptions("relay.example.com")
	gc, err := GenerateCert(opts)
	if err != nil {
		t.Fatalf("GenerateCert() error = %v", err)
	}

	if gc.Certificate.Subject.CommonName != "relay.example.com" {
		t.Errorf("CommonName = %s", gc.Certificate.Subject.CommonName)
	}
	if gc.Certificate.PublicKeyAlgorithm != x509.ECDSA {
		t.Errorf("PublicKeyAlgorithm = %v, want ECDSA", gc.Certificate.PublicKeyAlgorithm)
	}

	// SANs include the common name and localhost loopback.
	foundDNS := false
	for _, name := range gc.Certificate.DNSNames {
		if name == "relay.example.com" {
			foundDNS = true
		}
	}
	if !foundDNS {
		t.Error("common name missing from DNS SANs")
	}
	if len(gc.Certificate.IPAddresses) == 0 {
		t.Error("no IP SANs")
	}

	// Validity window
	if gc.Certificate.NotAfter.Before(time.Now().Add(300 * 24 * time.Hour)) {
		t.Error("certificate expires too soon")
	}
}

func TestGeneratedCert_TLSCertificate(t *testing.T) {
	gc, err := GenerateCert(DefaultServerOptions("relay.example.com"))
	if err != nil {
		t.Fatal(err)
	}

	tlsCert, err := gc.TLSCertificate()
	if err != nil {
		t.Fatalf("TLSCertificate() error = %v", err)
	}
	if len(tlsCert.Certificate) == 0 {
		t.Error("TLS certificate has no DER blocks")
	}
}

func TestSaveAndLoadCert(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "certs", "server.crt")
	keyPath := filepath.Join(dir, "certs", "server.key")

	gc, err := GenerateCert(DefaultServerOptions("relay.example.com"))
	if err != nil {
		t.Fatal(err)
	}

	if err := gc.SaveToFiles(certPath, keyPath); err != nil {
		t.Fatalf("SaveToFiles() error = %v", err)
	}

	// Key file must not be world readable.
	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("key file mode = %o, want 0600", info.Mode().Perm())
	}

	loaded, err := LoadCert(certPath, keyPath)
	if err != nil {
		t.Fatalf("LoadCert() error = %v", err)
	}
	if loaded.Certificate.Subject.CommonName != "relay.example.com" {
		t.Errorf("loaded CommonName = %s", loaded.Certificate.Subject.CommonName)
	}
	if loaded.Fingerprint() != gc.Fingerprint() {
		t.Error("fingerprint changed across save/load")
	}
}

func TestLoadCert_MissingFiles(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadCert(filepath.Join(dir, "a.crt"), filepath.Join(dir, "a.key")); err == nil {
		t.Error("LoadCert() accepted missing files")
	}
}

func TestParseCert_Garbage(t *testing.T) {
	if _, err := ParseCert([]byte("not pem"), []byte("not pem")); err == nil {
		t.Error("ParseCert() accepted garbage")
	}
}

func TestLoadCertPool(t *testing.T) {
	dir := t.TempDir()
	caPath := filepath.Join(dir, "ca.crt")

	gc, err := GenerateCert(DefaultServerOptions("relay.example.com"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(caPath, gc.CertPEM, 0644); err != nil {
		t.Fatal(err)
	}

	pool, err := LoadCertPool(caPath)
	if err != nil {
		t.Fatalf("LoadCertPool() error = %v", err)
	}
	if pool == nil {
		t.Fatal("LoadCertPool() returned nil pool")
	}

	if _, err := LoadCertPool(filepath.Join(dir, "missing.crt")); err == nil {
		t.Error("LoadCertPool() accepted missing file")
	}
}

func TestFingerprint(t *testing.T) {
	gc, err := GenerateCert(DefaultServerOptions("relay.example.com"))
	if err != nil {
		t.Fatal(err)
	}

	fp := gc.Fingerprint()
	if !strings.HasPrefix(fp, "sha256:") {
		t.Errorf("fingerprint = %s, want sha256: prefix", fp)
	}
	if len(fp) != len("sha256:")+64 {
		t.Errorf("fingerprint length = %d", len(fp))
	}

	fromPEM, err := FingerprintFromPEM(gc.CertPEM)
	if err != nil {
		t.Fatalf("FingerprintFromPEM() error = %v", err)
	}
	if fromPEM != fp {
		t.Error("PEM fingerprint mismatch")
	}

	if !VerifyFingerprint(gc.Certificate, strings.ToUpper(fp)) {
		t.Error("VerifyFingerprint is case sensitive")
	}
	if VerifyFingerprint(gc.Certificate, "sha256:"+strings.Repeat("00", 32)) {
		t.Error("VerifyFingerprint accepted wrong fingerprint")
	}
}
