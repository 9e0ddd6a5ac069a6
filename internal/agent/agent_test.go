package agent

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/edgefleet/iamfleet/internal/correlator"
	"github.com/edgefleet/iamfleet/internal/credstore"
	"github.com/edgefleet/iamfleet/internal/iamerr"
	"github.com/edgefleet/iamfleet/internal/iampb"
	"github.com/edgefleet/iamfleet/internal/identity"
	"github.com/edgefleet/iamfleet/internal/provisioning"
)

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	store, err := credstore.New([]credstore.ModuleConfig{{ID: "tls", Plugin: "local"}}, nil)
	if err != nil {
		t.Fatalf("credstore.New: %v", err)
	}
	prov, err := provisioning.Load("", provisioning.Hooks{})
	if err != nil {
		t.Fatalf("provisioning.Load: %v", err)
	}
	idp, err := identity.New("static", map[string]interface{}{"systemId": "secondary-1"})
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	return New(Options{
		NodeID:       "secondary-1",
		Creds:        store,
		Provisioning: prov,
		Identity:     idp,
	})
}

func decodeFrame(t *testing.T, msg *iampb.IAMOutgoingMessages, out any) {
	t.Helper()
	if err := correlator.Decode(correlator.Frame{Payload: msg.Payload}, out); err != nil {
		t.Fatalf("decode response payload: %v", err)
	}
}

func incoming(t *testing.T, kind string, req any) *iampb.IAMIncomingMessages {
	t.Helper()
	payload, err := correlator.Encode(req)
	if err != nil {
		t.Fatalf("encode request payload: %v", err)
	}
	return &iampb.IAMIncomingMessages{CorrelationID: "corr-1", Kind: kind, Payload: payload}
}

func TestHandle_GetCertTypes(t *testing.T) {
	a := newTestAgent(t)

	resp := a.handle(context.Background(), incoming(t, iampb.KindGetCertTypesRequest, &iampb.GetCertTypesRequest{}))
	if resp == nil {
		t.Fatal("expected a response frame")
	}
	if resp.Kind != iampb.KindCertTypes {
		t.Fatalf("Kind = %q, want %q", resp.Kind, iampb.KindCertTypes)
	}
	var types iampb.CertTypes
	decodeFrame(t, resp, &types)
	if len(types.Types) != 1 || types.Types[0] != "tls" {
		t.Fatalf("Types = %v, want [tls]", types.Types)
	}
}

func TestHandle_ProvisioningRoundTrip(t *testing.T) {
	a := newTestAgent(t)

	startResp := a.handle(context.Background(), incoming(t, iampb.KindStartProvisioningRequest, &iampb.StartProvisioningRequest{}))
	var start iampb.StartProvisioningResponse
	decodeFrame(t, startResp, &start)
	if start.Error != nil {
		t.Fatalf("StartProvisioning.Error = %+v", start.Error)
	}

	finishResp := a.handle(context.Background(), incoming(t, iampb.KindFinishProvisioningRequest, &iampb.FinishProvisioningRequest{}))
	var finish iampb.FinishProvisioningResponse
	decodeFrame(t, finishResp, &finish)
	if finish.Error != nil {
		t.Fatalf("FinishProvisioning.Error = %+v", finish.Error)
	}
	if a.opts.Provisioning.State() != provisioning.Provisioned {
		t.Fatalf("state = %s, want provisioned", a.opts.Provisioning.State())
	}

	deprovResp := a.handle(context.Background(), incoming(t, iampb.KindDeprovisionRequest, &iampb.DeprovisionRequest{}))
	var deprov iampb.DeprovisionResponse
	decodeFrame(t, deprovResp, &deprov)
	if deprov.Error != nil {
		t.Fatalf("Deprovision.Error = %+v", deprov.Error)
	}
	if a.opts.Provisioning.State() != provisioning.Unprovisioned {
		t.Fatalf("state = %s, want unprovisioned", a.opts.Provisioning.State())
	}
}

func TestHandle_PauseNodeIllegalTransitionReturnsInBandError(t *testing.T) {
	a := newTestAgent(t)

	resp := a.handle(context.Background(), incoming(t, iampb.KindPauseNodeRequest, &iampb.PauseNodeRequest{}))
	var pause iampb.PauseNodeResponse
	decodeFrame(t, resp, &pause)
	if pause.Error == nil {
		t.Fatal("expected an in-band error for pausing an unprovisioned node")
	}
	if pause.Error.Kind != iamerr.WrongState.String() {
		t.Fatalf("Error.Kind = %q, want %q", pause.Error.Kind, iamerr.WrongState.String())
	}
}

func TestHandle_CreateKeyEmptySubjectSubstitutesIdentityProvider(t *testing.T) {
	a := newTestAgent(t)

	resp := a.handle(context.Background(), incoming(t, iampb.KindCreateKeyRequest, &iampb.CreateKeyRequest{Type: "tls"}))
	var created iampb.CreateKeyResponse
	decodeFrame(t, resp, &created)
	if created.Error != nil {
		t.Fatalf("CreateKey.Error = %+v", created.Error)
	}
	if created.CSR == "" {
		t.Fatal("expected a non-empty CSR")
	}
	block, _ := pem.Decode([]byte(created.CSR))
	if block == nil {
		t.Fatal("expected a PEM-encoded CSR")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		t.Fatalf("parse CSR: %v", err)
	}
	if csr.Subject.CommonName != "secondary-1" {
		t.Fatalf("CSR CommonName = %q, want the identity provider's system id secondary-1", csr.Subject.CommonName)
	}
}

func TestHandle_CreateKeyUnknownCertTypeReturnsInBandError(t *testing.T) {
	a := newTestAgent(t)

	resp := a.handle(context.Background(), incoming(t, iampb.KindCreateKeyRequest, &iampb.CreateKeyRequest{Type: "does-not-exist"}))
	var created iampb.CreateKeyResponse
	decodeFrame(t, resp, &created)
	if created.Error == nil {
		t.Fatal("expected an in-band error for an unknown cert type")
	}
}

func TestHandle_UnrecognizedFrameKindIsDropped(t *testing.T) {
	a := newTestAgent(t)

	resp := a.handle(context.Background(), &iampb.IAMIncomingMessages{CorrelationID: "corr-1", Kind: "not_a_real_kind"})
	if resp != nil {
		t.Fatalf("expected a nil response for an unrecognized kind, got %+v", resp)
	}
}
