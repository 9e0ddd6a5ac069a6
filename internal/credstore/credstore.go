// Package credstore is the default CredentialStore collaborator
// implementation (spec.md glossary): CreateKey/ApplyCert/ListTypes plus a
// subscribe-to-change notifier the CertChangeWatcher rides on. Backend
// dispatch on a cert module's `plugin` field is adapted directly from the
// teacher's internal/crypto/signer.go (Signer interface, NewSignerFromRecord
// tagged-variant dispatch on Provider) -- SPEC_FULL.md §3's concrete
// realization of the Design Note "model dynamic-typed config params as
// tagged variants with one named constructor per recognized plugin value."
package credstore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/edgefleet/iamfleet/internal/iamerr"
	"github.com/edgefleet/iamfleet/internal/iampb"
)

// Signer mints keys/CSRs and reports its public material, exactly the
// teacher's Signer interface generalized from JWT signing to X.509 CSR
// subjects.
type Signer interface {
	Algorithm() string
	KeyID() string
	CreateCSR(ctx context.Context, subject pkix.Name) (csrPEM string, err error)
}

// ModuleConfig is the subset of config.CertModule a signer backend needs.
type ModuleConfig struct {
	ID        string
	Plugin    string
	Algorithm string
	MaxItems  int
	Params    map[string]interface{}
}

// NewSignerFromModule dispatches on Plugin the same way the teacher's
// NewSignerFromRecord dispatches on Provider: one named constructor per
// recognized value, failing fast at config-load time for anything else
// (Design Note: "unknown plugins fail at load, not at first use").
func NewSignerFromModule(mod ModuleConfig) (Signer, error) {
	switch strings.ToLower(mod.Plugin) {
	case "", "local":
		return newLocalSigner(mod)
	case "aws-kms":
		return newAWSKMSSigner(mod)
	case "gcp-kms":
		return newGCPKMSSigner(mod)
	case "azure-keyvault":
		return newAzureKeyVaultSigner(mod)
	default:
		return nil, iamerr.New(iamerr.InvalidArgument, fmt.Sprintf("unknown cert module plugin %q", mod.Plugin))
	}
}

// ----- local Ed25519 signer -----

type localSigner struct {
	priv ed25519.PrivateKey
	kid  string
}

func newLocalSigner(mod ModuleConfig) (Signer, error) {
	var priv ed25519.PrivateKey
	if encoded, ok := mod.Params["privateKey"].(string); ok && encoded != "" {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil || len(raw) != ed25519.PrivateKeySize {
			return nil, iamerr.New(iamerr.InvalidArgument, "local signer: bad privateKey param")
		}
		priv = ed25519.PrivateKey(raw)
	} else {
		_, generated, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, iamerr.Wrap(iamerr.Internal, "generate local signer key", err)
		}
		priv = generated
	}
	return &localSigner{priv: priv, kid: mod.ID}, nil
}

func (s *localSigner) Algorithm() string { return "Ed25519" }
func (s *localSigner) KeyID() string     { return s.kid }

// ExportPrivateKeyPEM satisfies pemKeyExporter so Store.GetCertMaterial can
// hand RestartProtected a usable tls.X509KeyPair. Cloud KMS-backed signers
// never implement this: their private material never leaves the KMS.
func (s *localSigner) ExportPrivateKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(s.priv)
	if err != nil {
		return nil, iamerr.Wrap(iamerr.Internal, "marshal local signer private key", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// pemKeyExporter is implemented by signer backends whose private key can be
// exported as PKCS#8 PEM; only the local signer qualifies.
type pemKeyExporter interface {
	ExportPrivateKeyPEM() ([]byte, error)
}

func (s *localSigner) CreateCSR(ctx context.Context, subject pkix.Name) (string, error) {
	tmpl := &x509.CertificateRequest{Subject: subject, SignatureAlgorithm: x509.PureEd25519}
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, s.priv)
	if err != nil {
		return "", iamerr.Wrap(iamerr.Internal, "create certificate request", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})), nil
}

// Store is the default CredentialStore: it owns the per-cert-type signer
// pool, the most recently applied CertInfo per type, and the bcrypt hash
// provisioning passwords are checked against.
type Store struct {
	mu       sync.RWMutex
	signers  map[string]Signer
	certs    map[string]iampb.CertInfo
	certPEMs map[string][]byte
	passHash []byte

	subMu     sync.Mutex
	observers []func(iampb.CertInfo)
}

// New constructs a Store with one signer per configured cert module and
// the operator's bcrypt-hashed provisioning password.
func New(modules []ModuleConfig, provisioningPasswordHash []byte) (*Store, error) {
	s := &Store{
		signers:  make(map[string]Signer),
		certs:    make(map[string]iampb.CertInfo),
		certPEMs: make(map[string][]byte),
		passHash: provisioningPasswordHash,
	}
	for _, mod := range modules {
		if mod.Disabled() {
			continue
		}
		signer, err := NewSignerFromModule(mod)
		if err != nil {
			return nil, err
		}
		s.signers[mod.ID] = signer
	}
	return s, nil
}

// Disabled lets ModuleConfig participate in the same "skip disabled
// modules" check config.CertModule exposes.
func (m ModuleConfig) Disabled() bool {
	v, _ := m.Params["__disabled"].(bool)
	return v
}

// VerifyPassword checks password against the configured provisioning
// password hash, used by StartProvisioning/FinishProvisioning/Deprovision
// (SPEC_FULL.md §3 "password verification").
func (s *Store) VerifyPassword(password string) error {
	if len(s.passHash) == 0 {
		// No password configured: treat as open, matching a dev/test
		// deployment with provisioning mode enabled but no operator set.
		return nil
	}
	if err := bcrypt.CompareHashAndPassword(s.passHash, []byte(password)); err != nil {
		return iamerr.Wrap(iamerr.PermissionDenied, "invalid provisioning password", err)
	}
	return nil
}

// HashPassword is a construction-time helper for config loading/tests.
func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

// ListTypes returns the configured cert-module IDs, i.e. the cert "types"
// GetCertTypes reports.
func (s *Store) ListTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	types := make([]string, 0, len(s.signers))
	for id := range s.signers {
		types = append(types, id)
	}
	return types
}

// CreateKey returns a CSR for subject signed by the signer New configured
// for certType (the same key on every call); an unconfigured certType is
// NotFound.
func (s *Store) CreateKey(ctx context.Context, certType, subject string) (string, error) {
	s.mu.RLock()
	signer, ok := s.signers[certType]
	s.mu.RUnlock()
	if !ok {
		return "", iamerr.New(iamerr.NotFound, fmt.Sprintf("unknown cert type %q", certType))
	}
	return signer.CreateCSR(ctx, pkix.Name{CommonName: subject})
}

// ApplyCert installs a signed certificate for certType, unwrapping a
// PKCS#7 degenerate bundle first when the input isn't a bare PEM leaf
// (SPEC_FULL.md §3 "ApplyCert bundle unwrapping"). It records the
// resulting CertInfo and notifies subscribers.
func (s *Store) ApplyCert(ctx context.Context, certType, certPEMOrPKCS7 string) (iampb.CertInfo, error) {
	s.mu.RLock()
	_, ok := s.signers[certType]
	s.mu.RUnlock()
	if !ok {
		return iampb.CertInfo{}, iamerr.New(iamerr.NotFound, fmt.Sprintf("unknown cert type %q", certType))
	}

	leafPEM, err := leafFromBundle([]byte(certPEMOrPKCS7))
	if err != nil {
		return iampb.CertInfo{}, err
	}

	block, _ := pem.Decode(leafPEM)
	if block == nil {
		return iampb.CertInfo{}, iamerr.New(iamerr.InvalidArgument, "apply cert: no PEM block found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return iampb.CertInfo{}, iamerr.Wrap(iamerr.InvalidArgument, "apply cert: parse certificate", err)
	}

	info := iampb.CertInfo{
		Type:     certType,
		CertURL:  fmt.Sprintf("certstore://%s/%x", certType, cert.SerialNumber),
		KeyURL:   fmt.Sprintf("keystore://%s", certType),
		Serial:   cert.SerialNumber.Bytes(),
		Issuer:   []byte(cert.Issuer.String()),
		NotAfter: cert.NotAfter,
	}

	s.mu.Lock()
	s.certs[certType] = info
	s.certPEMs[certType] = leafPEM
	s.mu.Unlock()

	s.notify(info)

	return info, nil
}

// GetCert returns the most recently applied CertInfo for certType.
func (s *Store) GetCert(certType string) (iampb.CertInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.certs[certType]
	if !ok {
		return iampb.CertInfo{}, iamerr.New(iamerr.NotFound, fmt.Sprintf("no certificate installed for type %q", certType))
	}
	return info, nil
}

// GetCertMaterial returns the leaf certificate PEM most recently installed
// by ApplyCert for certType together with its signer's private key PEM, so
// a listener rebuilding TLS credentials on cert rotation
// (internal/rpcserver.Server.RestartProtected) uses the certificate that
// actually triggered the change instead of the material captured at
// startup. Fails if no certificate has been applied yet, or if the signer
// backing certType cannot export a private key (KMS-backed signers never
// can).
func (s *Store) GetCertMaterial(certType string) (certPEM, keyPEM []byte, err error) {
	s.mu.RLock()
	leaf, hasCert := s.certPEMs[certType]
	signer, hasSigner := s.signers[certType]
	s.mu.RUnlock()

	if !hasSigner {
		return nil, nil, iamerr.New(iamerr.NotFound, fmt.Sprintf("unknown cert type %q", certType))
	}
	if !hasCert {
		return nil, nil, iamerr.New(iamerr.NotFound, fmt.Sprintf("no certificate material applied for type %q", certType))
	}
	exporter, ok := signer.(pemKeyExporter)
	if !ok {
		return nil, nil, iamerr.New(iamerr.Internal, fmt.Sprintf("signer for cert type %q cannot export a private key", certType))
	}
	key, err := exporter.ExportPrivateKeyPEM()
	if err != nil {
		return nil, nil, err
	}
	return leaf, key, nil
}

// Subscribe registers a callback invoked on every ApplyCert for any type;
// CertChangeWatcher filters for the cert_storage-configured type.
func (s *Store) Subscribe(fn func(iampb.CertInfo)) func() {
	s.subMu.Lock()
	s.observers = append(s.observers, fn)
	idx := len(s.observers) - 1
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if idx < len(s.observers) {
			s.observers[idx] = nil
		}
	}
}

func (s *Store) notify(info iampb.CertInfo) {
	s.subMu.Lock()
	observers := append([]func(iampb.CertInfo){}, s.observers...)
	s.subMu.Unlock()
	for _, o := range observers {
		if o != nil {
			o(info)
		}
	}
}
