package credstore

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azkeys"

	"github.com/edgefleet/iamfleet/internal/iamerr"
)

// awsKMSSigner creates CSRs whose private key lives in AWS KMS. The CSR is
// still produced locally via crypto.Signer wired to KMS.Sign; constructing
// that crypto.Signer needs a live KMS client, which CreateCSR builds
// lazily from the ambient AWS config per call to avoid holding a
// long-lived client handle across process restarts.
type awsKMSSigner struct {
	keyID  string
	region string
}

func newAWSKMSSigner(mod ModuleConfig) (Signer, error) {
	keyID, _ := mod.Params["keyId"].(string)
	if keyID == "" {
		return nil, iamerr.New(iamerr.InvalidArgument, "aws-kms signer: missing params.keyId")
	}
	region, _ := mod.Params["region"].(string)
	return &awsKMSSigner{keyID: keyID, region: region}, nil
}

func (s *awsKMSSigner) Algorithm() string { return "ECDSA_SHA_256" }
func (s *awsKMSSigner) KeyID() string     { return s.keyID }

func (s *awsKMSSigner) CreateCSR(ctx context.Context, subject pkix.Name) (string, error) {
	optFns := []func(*awsconfig.LoadOptions) error{}
	if s.region != "" {
		optFns = append(optFns, awsconfig.WithRegion(s.region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return "", iamerr.Wrap(iamerr.Internal, "load aws config", err)
	}
	client := awskms.NewFromConfig(cfg)

	pub, err := client.GetPublicKey(ctx, &awskms.GetPublicKeyInput{KeyId: &s.keyID})
	if err != nil {
		return "", iamerr.Wrap(iamerr.Internal, "kms get public key", err)
	}
	pk, err := x509.ParsePKIXPublicKey(pub.PublicKey)
	if err != nil {
		return "", iamerr.Wrap(iamerr.Internal, "parse kms public key", err)
	}

	csrSigner := &kmsCrypto{ctx: ctx, client: client, keyID: s.keyID, pub: pk}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:            subject,
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}, csrSigner)
	if err != nil {
		return "", iamerr.Wrap(iamerr.Internal, "create kms-backed certificate request", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})), nil
}

// kmsCrypto adapts an AWS KMS asymmetric key to crypto.Signer.
type kmsCrypto struct {
	ctx    context.Context
	client *awskms.Client
	keyID  string
	pub    crypto.PublicKey
}

func (k *kmsCrypto) Public() crypto.PublicKey { return k.pub }

func (k *kmsCrypto) Sign(_ io.Reader, digest []byte, _ crypto.SignerOpts) ([]byte, error) {
	out, err := k.client.Sign(k.ctx, &awskms.SignInput{
		KeyId:            &k.keyID,
		Message:          digest,
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: types.SigningAlgorithmSpecEcdsaSha256,
	})
	if err != nil {
		return nil, err
	}
	return out.Signature, nil
}

// gcpKMSSigner mirrors awsKMSSigner for GCP Cloud KMS asymmetric signing
// keys, fetching the public key once via GetPublicKey and delegating
// every signature to AsymmetricSign through the crypto.Signer adapter
// below.
type gcpKMSSigner struct {
	keyName string
}

func newGCPKMSSigner(mod ModuleConfig) (Signer, error) {
	keyName, _ := mod.Params["keyName"].(string)
	if keyName == "" {
		return nil, iamerr.New(iamerr.InvalidArgument, "gcp-kms signer: missing params.keyName (cryptoKeyVersions/... resource path)")
	}
	return &gcpKMSSigner{keyName: keyName}, nil
}

func (s *gcpKMSSigner) Algorithm() string { return "EC_SIGN_P256_SHA256" }
func (s *gcpKMSSigner) KeyID() string     { return s.keyName }

func (s *gcpKMSSigner) CreateCSR(ctx context.Context, subject pkix.Name) (string, error) {
	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return "", iamerr.Wrap(iamerr.Internal, "create gcp kms client", err)
	}
	defer client.Close()

	pubResp, err := client.GetPublicKey(ctx, &kmspb.GetPublicKeyRequest{Name: s.keyName})
	if err != nil {
		return "", iamerr.Wrap(iamerr.Internal, "gcp kms get public key", err)
	}
	block, _ := pem.Decode([]byte(pubResp.Pem))
	if block == nil {
		return "", iamerr.New(iamerr.Internal, "gcp kms public key: not PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return "", iamerr.Wrap(iamerr.Internal, "parse gcp kms public key", err)
	}

	csrSigner := &gcpKMSCrypto{ctx: ctx, client: client, keyName: s.keyName, pub: pub}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:            subject,
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}, csrSigner)
	if err != nil {
		return "", iamerr.Wrap(iamerr.Internal, "create gcp kms-backed certificate request", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})), nil
}

// gcpKMSCrypto adapts a GCP Cloud KMS asymmetric signing key to
// crypto.Signer via AsymmetricSign.
type gcpKMSCrypto struct {
	ctx     context.Context
	client  *kms.KeyManagementClient
	keyName string
	pub     crypto.PublicKey
}

func (k *gcpKMSCrypto) Public() crypto.PublicKey { return k.pub }

func (k *gcpKMSCrypto) Sign(_ io.Reader, digest []byte, _ crypto.SignerOpts) ([]byte, error) {
	resp, err := k.client.AsymmetricSign(k.ctx, &kmspb.AsymmetricSignRequest{
		Name:   k.keyName,
		Digest: &kmspb.Digest{Digest: &kmspb.Digest_Sha256{Sha256: digest}},
	})
	if err != nil {
		return nil, err
	}
	return resp.Signature, nil
}

// azureKeyVaultSigner mirrors the AWS/GCP signers against an Azure Key
// Vault key, authenticating with the ambient environment/workload
// identity via azidentity.NewDefaultAzureCredential.
type azureKeyVaultSigner struct {
	vaultURL string
	keyName  string
	version  string
}

func newAzureKeyVaultSigner(mod ModuleConfig) (Signer, error) {
	vaultURL, _ := mod.Params["vaultUrl"].(string)
	keyName, _ := mod.Params["keyName"].(string)
	if vaultURL == "" || keyName == "" {
		return nil, iamerr.New(iamerr.InvalidArgument, "azure-keyvault signer: missing params.vaultUrl or params.keyName")
	}
	version, _ := mod.Params["keyVersion"].(string)
	return &azureKeyVaultSigner{vaultURL: vaultURL, keyName: keyName, version: version}, nil
}

func (s *azureKeyVaultSigner) Algorithm() string { return "ES256" }
func (s *azureKeyVaultSigner) KeyID() string     { return s.keyName }

func (s *azureKeyVaultSigner) client() (*azkeys.Client, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, iamerr.Wrap(iamerr.Internal, "azure default credential", err)
	}
	return azkeys.NewClient(s.vaultURL, cred, nil)
}

func (s *azureKeyVaultSigner) CreateCSR(ctx context.Context, subject pkix.Name) (string, error) {
	client, err := s.client()
	if err != nil {
		return "", err
	}

	keyResp, err := client.GetKey(ctx, s.keyName, s.version, nil)
	if err != nil {
		return "", iamerr.Wrap(iamerr.Internal, "azure keyvault get key", err)
	}
	pub, err := ecdsaPublicKeyFromJWK(keyResp.Key)
	if err != nil {
		return "", iamerr.Wrap(iamerr.Internal, "azure keyvault key material", err)
	}

	csrSigner := &azureKVCrypto{ctx: ctx, client: client, keyName: s.keyName, version: s.version, pub: pub}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:            subject,
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}, csrSigner)
	if err != nil {
		return "", iamerr.Wrap(iamerr.Internal, "create azure keyvault-backed certificate request", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})), nil
}

// azureKVCrypto adapts an Azure Key Vault EC key to crypto.Signer via the
// Sign operation, using the ES256 (P-256/SHA-256) algorithm that matches
// x509.ECDSAWithSHA256's digest shape.
type azureKVCrypto struct {
	ctx     context.Context
	client  *azkeys.Client
	keyName string
	version string
	pub     crypto.PublicKey
}

func (k *azureKVCrypto) Public() crypto.PublicKey { return k.pub }

func (k *azureKVCrypto) Sign(_ io.Reader, digest []byte, _ crypto.SignerOpts) ([]byte, error) {
	resp, err := k.client.Sign(k.ctx, k.keyName, k.version, azkeys.SignParameters{
		Algorithm: to.Ptr(azkeys.SignatureAlgorithmES256),
		Value:     digest,
	}, nil)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// ecdsaPublicKeyFromJWK rebuilds an *ecdsa.PublicKey from the X/Y
// coordinates Azure Key Vault returns in a GetKey response; the CSR
// template only needs this to embed the public key, not to verify
// anything locally.
func ecdsaPublicKeyFromJWK(jwk *azkeys.JSONWebKey) (*ecdsa.PublicKey, error) {
	if jwk.Crv == nil || jwk.X == nil || jwk.Y == nil {
		return nil, fmt.Errorf("azure keyvault key: missing EC coordinates")
	}
	var curve elliptic.Curve
	switch *jwk.Crv {
	case azkeys.CurveNameP256:
		curve = elliptic.P256()
	case azkeys.CurveNameP384:
		curve = elliptic.P384()
	case azkeys.CurveNameP521:
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("azure keyvault key: unsupported curve %q", *jwk.Crv)
	}
	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(jwk.X),
		Y:     new(big.Int).SetBytes(jwk.Y),
	}, nil
}
