package dispatcher

import (
	"context"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/edgefleet/iamfleet/internal/iamerr"
	"github.com/edgefleet/iamfleet/internal/iampb"
	"github.com/edgefleet/iamfleet/internal/identity"
	"github.com/edgefleet/iamfleet/internal/provisioning"
	"github.com/edgefleet/iamfleet/internal/registry"
)

// fakeCreds is a minimal CredentialStore double; VerifyPassword accepts
// only wantPassword, CreateKey/ApplyCert/GetCert return canned values, and
// CreateKey records the subject it was called with.
type fakeCreds struct {
	wantPassword string
	types        []string

	createKeyErr error
	csr          string
	gotSubject   string

	cert    iampb.CertInfo
	certErr error
}

func (f *fakeCreds) VerifyPassword(password string) error {
	if password != f.wantPassword {
		return iamerr.New(iamerr.PermissionDenied, "bad password")
	}
	return nil
}

func (f *fakeCreds) ListTypes() []string { return f.types }

func (f *fakeCreds) CreateKey(ctx context.Context, certType, subject string) (string, error) {
	f.gotSubject = subject
	if f.createKeyErr != nil {
		return "", f.createKeyErr
	}
	return f.csr, nil
}

func (f *fakeCreds) ApplyCert(ctx context.Context, certType, certPEMOrPKCS7 string) (iampb.CertInfo, error) {
	return f.cert, f.certErr
}

func (f *fakeCreds) GetCert(certType string) (iampb.CertInfo, error) {
	return f.cert, f.certErr
}

func (f *fakeCreds) Subscribe(fn func(iampb.CertInfo)) func() {
	return func() {}
}

// fakePerms is a minimal PermissionStore double.
type fakePerms struct {
	registered map[iampb.InstanceIdentity]map[string]map[string]string
}

func newFakePerms() *fakePerms {
	return &fakePerms{registered: make(map[iampb.InstanceIdentity]map[string]map[string]string)}
}

func (f *fakePerms) RegisterInstance(ctx context.Context, instance iampb.InstanceIdentity, permissions map[string]map[string]string) (string, error) {
	f.registered[instance] = permissions
	return "secret-for-" + instance.ServiceID, nil
}

func (f *fakePerms) UnregisterInstance(ctx context.Context, instance iampb.InstanceIdentity) error {
	delete(f.registered, instance)
	return nil
}

func (f *fakePerms) GetPermissions(ctx context.Context, secret, functionalServerID string) (iampb.InstanceIdentity, map[string]string, error) {
	for instance, perms := range f.registered {
		if secret == "secret-for-"+instance.ServiceID {
			caps, ok := perms[functionalServerID]
			if !ok {
				return iampb.InstanceIdentity{}, nil, iamerr.New(iamerr.NotFound, "unknown functional server")
			}
			return instance, caps, nil
		}
	}
	return iampb.InstanceIdentity{}, nil, iamerr.New(iamerr.PermissionDenied, "unknown secret")
}

func newTestDispatcher(t *testing.T, creds *fakeCreds, maxNumServices int) (*Dispatcher, *provisioning.Machine, identity.Provider) {
	t.Helper()
	prov, err := provisioning.Load("", provisioning.Hooks{})
	if err != nil {
		t.Fatalf("provisioning.Load: %v", err)
	}
	idp, err := identity.New("static", map[string]interface{}{
		"systemId": "main-1", "unitModel": "iamfleet-test",
	})
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	d := New(Options{
		SelfNodeID:     "main-1",
		SelfInfo:       iampb.NodeInfo{NodeType: "main"},
		Registry:       registry.New(),
		Identity:       idp,
		Creds:          creds,
		Provisioning:   prov,
		Permissions:    newFakePerms(),
		MaxNumServices: maxNumServices,
		APIVersion:     5,
	})
	return d, prov, idp
}

func TestGetAPIVersion(t *testing.T) {
	d, _, _ := newTestDispatcher(t, &fakeCreds{}, 0)
	resp, err := d.GetAPIVersion(context.Background(), &iampb.Empty{})
	if err != nil {
		t.Fatalf("GetAPIVersion: %v", err)
	}
	if resp.Version != 5 {
		t.Fatalf("Version = %d, want 5", resp.Version)
	}
}

func TestGetSystemInfoAndSubjects(t *testing.T) {
	d, _, _ := newTestDispatcher(t, &fakeCreds{}, 0)

	info, err := d.GetSystemInfo(context.Background(), &iampb.Empty{})
	if err != nil {
		t.Fatalf("GetSystemInfo: %v", err)
	}
	if info.SystemID != "main-1" || info.UnitModel != "iamfleet-test" {
		t.Fatalf("GetSystemInfo = %+v", info)
	}

	subjects, err := d.GetSubjects(context.Background(), &iampb.Empty{})
	if err != nil {
		t.Fatalf("GetSubjects: %v", err)
	}
	if len(subjects.Subjects) != 0 {
		t.Fatalf("Subjects = %v, want empty", subjects.Subjects)
	}
}

func TestGetAllNodeIDsIncludesSelf(t *testing.T) {
	d, _, _ := newTestDispatcher(t, &fakeCreds{}, 0)
	ids, err := d.GetAllNodeIDs(context.Background(), &iampb.Empty{})
	if err != nil {
		t.Fatalf("GetAllNodeIDs: %v", err)
	}
	if len(ids.IDs) != 1 || ids.IDs[0] != "main-1" {
		t.Fatalf("IDs = %v, want [main-1]", ids.IDs)
	}
}

func TestGetNodeInfo_LocalAndUnknown(t *testing.T) {
	d, _, _ := newTestDispatcher(t, &fakeCreds{}, 0)

	info, err := d.GetNodeInfo(context.Background(), &iampb.GetNodeInfoRequest{NodeID: ""})
	if err != nil {
		t.Fatalf("GetNodeInfo(local): %v", err)
	}
	if info.NodeID != "main-1" {
		t.Fatalf("NodeID = %q, want main-1", info.NodeID)
	}

	_, err = d.GetNodeInfo(context.Background(), &iampb.GetNodeInfoRequest{NodeID: "nope"})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("GetNodeInfo(unknown) code = %v, want NotFound", status.Code(err))
	}
}

func TestProvisioningRoundTrip(t *testing.T) {
	d, prov, _ := newTestDispatcher(t, &fakeCreds{wantPassword: "swordfish"}, 0)

	if prov.State() != provisioning.Unprovisioned {
		t.Fatalf("initial state = %s, want unprovisioned", prov.State())
	}

	startResp, err := d.StartProvisioning(context.Background(), &iampb.StartProvisioningRequest{Password: "swordfish"})
	if err != nil {
		t.Fatalf("StartProvisioning: %v", err)
	}
	if startResp.Error != nil {
		t.Fatalf("StartProvisioning.Error = %+v", startResp.Error)
	}

	finishResp, err := d.FinishProvisioning(context.Background(), &iampb.FinishProvisioningRequest{Password: "swordfish"})
	if err != nil {
		t.Fatalf("FinishProvisioning: %v", err)
	}
	if finishResp.Error != nil {
		t.Fatalf("FinishProvisioning.Error = %+v", finishResp.Error)
	}
	if prov.State() != provisioning.Provisioned {
		t.Fatalf("state after FinishProvisioning = %s, want provisioned", prov.State())
	}

	pauseResp, err := d.PauseNode(context.Background(), &iampb.PauseNodeRequest{})
	if err != nil {
		t.Fatalf("PauseNode: %v", err)
	}
	if pauseResp.Error != nil {
		t.Fatalf("PauseNode.Error = %+v", pauseResp.Error)
	}

	resumeResp, err := d.ResumeNode(context.Background(), &iampb.ResumeNodeRequest{})
	if err != nil {
		t.Fatalf("ResumeNode: %v", err)
	}
	if resumeResp.Error != nil {
		t.Fatalf("ResumeNode.Error = %+v", resumeResp.Error)
	}
	if prov.State() != provisioning.Provisioned {
		t.Fatalf("state after ResumeNode = %s, want provisioned", prov.State())
	}

	deprovResp, err := d.Deprovision(context.Background(), &iampb.DeprovisionRequest{Password: "swordfish"})
	if err != nil {
		t.Fatalf("Deprovision: %v", err)
	}
	if deprovResp.Error != nil {
		t.Fatalf("Deprovision.Error = %+v", deprovResp.Error)
	}
	if prov.State() != provisioning.Unprovisioned {
		t.Fatalf("state after Deprovision = %s, want unprovisioned", prov.State())
	}
}

func TestDeprovision_IdempotentWhenAlreadyUnprovisioned(t *testing.T) {
	d, prov, _ := newTestDispatcher(t, &fakeCreds{wantPassword: "swordfish"}, 0)
	if prov.State() != provisioning.Unprovisioned {
		t.Fatalf("initial state = %s, want unprovisioned", prov.State())
	}

	resp, err := d.Deprovision(context.Background(), &iampb.DeprovisionRequest{Password: "swordfish"})
	if err != nil {
		t.Fatalf("Deprovision: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("Deprovision.Error = %+v, want nil (idempotent no-op)", resp.Error)
	}
	if prov.State() != provisioning.Unprovisioned {
		t.Fatalf("state after idempotent Deprovision = %s, want unprovisioned", prov.State())
	}
}

func TestPauseNode_IllegalFromUnprovisionedReturnsInBandWrongState(t *testing.T) {
	d, prov, _ := newTestDispatcher(t, &fakeCreds{}, 0)
	if prov.State() != provisioning.Unprovisioned {
		t.Fatalf("initial state = %s, want unprovisioned", prov.State())
	}

	resp, err := d.PauseNode(context.Background(), &iampb.PauseNodeRequest{})
	if err != nil {
		t.Fatalf("PauseNode transport error: %v, want nil (in-band ErrorInfo)", err)
	}
	if resp.Error == nil {
		t.Fatal("expected an in-band ErrorInfo for an illegal transition")
	}
	if resp.Error.Kind != iamerr.WrongState.String() {
		t.Fatalf("Error.Kind = %q, want %q", resp.Error.Kind, iamerr.WrongState.String())
	}
}

func TestCreateKey_EmptySubjectSubstitutesIdentityProvider(t *testing.T) {
	creds := &fakeCreds{wantPassword: "swordfish", csr: "-----BEGIN CERTIFICATE REQUEST-----..."}
	d, _, _ := newTestDispatcher(t, creds, 0)

	resp, err := d.CreateKey(context.Background(), &iampb.CreateKeyRequest{
		Type: "tls", Password: "swordfish",
	})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("CreateKey.Error = %+v", resp.Error)
	}
	if resp.CSR != creds.csr {
		t.Fatalf("CSR = %q, want %q", resp.CSR, creds.csr)
	}
	if creds.gotSubject != "main-1" {
		t.Fatalf("CreateKey subject = %q, want the identity provider's system id main-1", creds.gotSubject)
	}
}

func TestCreateKey_WrongPasswordReturnsInBandError(t *testing.T) {
	d, _, _ := newTestDispatcher(t, &fakeCreds{wantPassword: "swordfish"}, 0)

	resp, err := d.CreateKey(context.Background(), &iampb.CreateKeyRequest{
		Type: "tls", Password: "wrong",
	})
	if err != nil {
		t.Fatalf("CreateKey transport error: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("expected an in-band ErrorInfo for a bad password")
	}
}

func TestRegisterInstanceAndGetPermissions(t *testing.T) {
	d, _, _ := newTestDispatcher(t, &fakeCreds{}, 0)

	instance := iampb.InstanceIdentity{ServiceID: "billing", SubjectID: "node-1", Instance: 1}
	regResp, err := d.RegisterInstance(context.Background(), &iampb.RegisterInstanceRequest{
		Instance:    instance,
		Permissions: map[string]map[string]string{"ledger": {"read": "true"}},
	})
	if err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	if regResp.Error != nil {
		t.Fatalf("RegisterInstance.Error = %+v", regResp.Error)
	}
	if regResp.Secret == "" {
		t.Fatal("expected a non-empty secret")
	}

	permResp, err := d.GetPermissions(context.Background(), &iampb.PermissionsRequest{
		Secret: regResp.Secret, FunctionalServerID: "ledger",
	})
	if err != nil {
		t.Fatalf("GetPermissions: %v", err)
	}
	if permResp.Error != nil {
		t.Fatalf("GetPermissions.Error = %+v", permResp.Error)
	}
	if permResp.ServiceID != "billing" || permResp.Permissions["read"] != "true" {
		t.Fatalf("GetPermissions = %+v", permResp)
	}

	if _, err := d.UnregisterInstance(context.Background(), &iampb.UnregisterInstanceRequest{Instance: instance}); err != nil {
		t.Fatalf("UnregisterInstance: %v", err)
	}

	if resp, err := d.GetPermissions(context.Background(), &iampb.PermissionsRequest{
		Secret: regResp.Secret, FunctionalServerID: "ledger",
	}); err != nil {
		t.Fatalf("GetPermissions after unregister: %v", err)
	} else if resp.Error == nil {
		t.Fatal("expected GetPermissions to fail once the instance has been unregistered")
	}
}

func TestRegisterInstance_OverQuotaReturnsResourceExhaustedStatus(t *testing.T) {
	d, _, _ := newTestDispatcher(t, &fakeCreds{}, 1)

	_, err := d.RegisterInstance(context.Background(), &iampb.RegisterInstanceRequest{
		Instance: iampb.InstanceIdentity{ServiceID: "billing", SubjectID: "node-1", Instance: 1},
		Permissions: map[string]map[string]string{
			"ledger":  {"read": "true"},
			"invoice": {"read": "true"},
		},
	})
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("RegisterInstance over quota code = %v, want ResourceExhausted", status.Code(err))
	}
}
