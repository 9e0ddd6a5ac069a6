package tlsserver

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func selfSignedKeyPair(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "node-1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

func TestLoadMaterial_ReadsFilesAndToleratesEmptyPaths(t *testing.T) {
	certPEM, keyPEM := selfSignedKeyPair(t)
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	caPath := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(caPath, certPEM, 0o600); err != nil {
		t.Fatal(err)
	}

	m, err := LoadMaterial(certPath, keyPath, caPath)
	if err != nil {
		t.Fatalf("LoadMaterial: %v", err)
	}
	if string(m.CertPEM) != string(certPEM) || string(m.KeyPEM) != string(keyPEM) || string(m.CACert) != string(certPEM) {
		t.Fatal("LoadMaterial did not round-trip file contents")
	}

	empty, err := LoadMaterial("", "", "")
	if err != nil {
		t.Fatalf("LoadMaterial with empty paths: %v", err)
	}
	if empty.CertPEM != nil || empty.KeyPEM != nil || empty.CACert != nil {
		t.Fatalf("expected a zero Material, got %+v", empty)
	}
}

func TestLoadMaterial_MissingFileErrors(t *testing.T) {
	if _, err := LoadMaterial(filepath.Join(t.TempDir(), "missing.pem"), "", ""); err == nil {
		t.Fatal("expected an error for a missing cert file")
	}
}

func TestPublicCredentials_BuildsFromValidKeyPair(t *testing.T) {
	certPEM, keyPEM := selfSignedKeyPair(t)
	creds, err := PublicCredentials(Material{CertPEM: certPEM, KeyPEM: keyPEM})
	if err != nil {
		t.Fatalf("PublicCredentials: %v", err)
	}
	if creds.Info().ServerName != "" {
		t.Fatalf("unexpected ServerName on server-side credentials: %q", creds.Info().ServerName)
	}
}

func TestPublicCredentials_RejectsMismatchedKeyPair(t *testing.T) {
	certPEM, _ := selfSignedKeyPair(t)
	_, badKeyPEM := selfSignedKeyPair(t)
	if _, err := PublicCredentials(Material{CertPEM: certPEM, KeyPEM: badKeyPEM}); err == nil {
		t.Fatal("expected an error for a mismatched cert/key pair")
	}
}

func TestProtectedCredentials_BuildsMutualTLSWithAndWithoutCA(t *testing.T) {
	certPEM, keyPEM := selfSignedKeyPair(t)

	creds, err := ProtectedCredentials(Material{CertPEM: certPEM, KeyPEM: keyPEM, CACert: certPEM})
	if err != nil {
		t.Fatalf("ProtectedCredentials with CA: %v", err)
	}
	if creds == nil {
		t.Fatal("expected non-nil credentials")
	}

	if _, err := ProtectedCredentials(Material{CertPEM: certPEM, KeyPEM: keyPEM}); err != nil {
		t.Fatalf("ProtectedCredentials without CA should still build for dev setups: %v", err)
	}
}

func TestProtectedCredentials_RejectsGarbageCA(t *testing.T) {
	certPEM, keyPEM := selfSignedKeyPair(t)
	if _, err := ProtectedCredentials(Material{CertPEM: certPEM, KeyPEM: keyPEM, CACert: []byte("not a pem")}); err == nil {
		t.Fatal("expected an error for an unparsable CA certificate")
	}
}

func TestClientCredentials_BuildsWithServerName(t *testing.T) {
	certPEM, keyPEM := selfSignedKeyPair(t)
	creds, err := ClientCredentials(Material{CertPEM: certPEM, KeyPEM: keyPEM, CACert: certPEM}, "main.iamfleet.internal")
	if err != nil {
		t.Fatalf("ClientCredentials: %v", err)
	}
	if creds.Info().ServerName != "main.iamfleet.internal" {
		t.Fatalf("ServerName = %q, want main.iamfleet.internal", creds.Info().ServerName)
	}
}
