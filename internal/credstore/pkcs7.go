package credstore

import (
	"encoding/pem"

	"github.com/smallstep/pkcs7"

	"github.com/edgefleet/iamfleet/internal/iamerr"
)

// leafFromBundle returns raw as-is if it already decodes as a bare PEM
// certificate; otherwise it treats it as a PKCS#7 degenerate certs-only
// bundle (the shape most CA responders return from a CSR submission) and
// extracts the first certificate, re-encoding it as PEM. Grounded on
// SPEC_FULL.md §3's "ApplyCert bundle unwrapping" domain-stack wiring for
// github.com/smallstep/pkcs7.
func leafFromBundle(raw []byte) ([]byte, error) {
	if block, _ := pem.Decode(raw); block != nil && block.Type == "CERTIFICATE" {
		return raw, nil
	}

	p7, err := pkcs7.Parse(raw)
	if err != nil {
		return nil, iamerr.Wrap(iamerr.InvalidArgument, "apply cert: not a PEM certificate or PKCS#7 bundle", err)
	}
	if len(p7.Certificates) == 0 {
		return nil, iamerr.New(iamerr.InvalidArgument, "apply cert: pkcs#7 bundle carries no certificates")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: p7.Certificates[0].Raw}), nil
}
