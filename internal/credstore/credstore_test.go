package credstore

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New([]ModuleConfig{{ID: "tls", Plugin: "local"}}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestApplyCert_UnknownTypeIsNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.ApplyCert(context.Background(), "missing", "irrelevant"); err == nil {
		t.Fatal("expected an error for an unconfigured cert type")
	}
}

func TestApplyCert_RecordsInfoAndRetrievableLeafMaterial(t *testing.T) {
	s := newTestStore(t)
	// The leaf must be issued for the store's own "tls" signer key, since
	// GetCertMaterial pairs the applied leaf with that signer's private key.
	priv := s.signers["tls"].(*localSigner).priv
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "leaf"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, priv.Public(), priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})

	info, err := s.ApplyCert(context.Background(), "tls", string(certPEM))
	if err != nil {
		t.Fatalf("ApplyCert: %v", err)
	}
	if info.Type != "tls" || info.NotAfter != cert.NotAfter {
		t.Fatalf("info = %+v", info)
	}

	got, err := s.GetCert("tls")
	if err != nil || got.Serial == nil {
		t.Fatalf("GetCert: %+v, %v", got, err)
	}

	gotCertPEM, gotKeyPEM, err := s.GetCertMaterial("tls")
	if err != nil {
		t.Fatalf("GetCertMaterial: %v", err)
	}

	// The returned material must actually form a usable TLS keypair, since
	// that's what RestartProtected builds credentials.NewTLS from.
	pair, err := tls.X509KeyPair(gotCertPEM, gotKeyPEM)
	if err != nil {
		t.Fatalf("X509KeyPair from GetCertMaterial output: %v", err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		t.Fatalf("parse returned leaf: %v", err)
	}
	if leaf.SerialNumber.Cmp(cert.SerialNumber) != 0 {
		t.Fatalf("returned leaf serial = %v, want %v", leaf.SerialNumber, cert.SerialNumber)
	}
}

func TestGetCertMaterial_NotFoundBeforeApplyCert(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.GetCertMaterial("tls"); err == nil {
		t.Fatal("expected an error before any certificate has been applied")
	}
}

func TestGetCertMaterial_UnknownTypeIsNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.GetCertMaterial("missing"); err == nil {
		t.Fatal("expected an error for an unconfigured cert type")
	}
}
