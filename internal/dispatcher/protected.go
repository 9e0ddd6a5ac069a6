package dispatcher

import (
	"context"

	"github.com/edgefleet/iamfleet/internal/iamerr"
	"github.com/edgefleet/iamfleet/internal/iampb"
	"github.com/edgefleet/iamfleet/internal/provisioning"
)

// ----- NodesServer -----

func (d *Dispatcher) PauseNode(ctx context.Context, req *iampb.PauseNodeRequest) (*iampb.PauseNodeResponse, error) {
	if d.isLocal(req.NodeID) {
		if _, err := d.prov.Apply(provisioning.OpPauseNode); err != nil {
			return &iampb.PauseNodeResponse{NodeID: req.NodeID, Error: wireError(err)}, nil
		}
		return &iampb.PauseNodeResponse{NodeID: req.NodeID}, nil
	}
	resp := new(iampb.PauseNodeResponse)
	if err := d.forward(ctx, req.NodeID, iampb.KindPauseNodeRequest, req, defaultOperationTimeout, resp); err != nil {
		return nil, iamerr.ToGRPCStatus(err)
	}
	return resp, nil
}

func (d *Dispatcher) ResumeNode(ctx context.Context, req *iampb.ResumeNodeRequest) (*iampb.ResumeNodeResponse, error) {
	if d.isLocal(req.NodeID) {
		if _, err := d.prov.Apply(provisioning.OpResumeNode); err != nil {
			return &iampb.ResumeNodeResponse{NodeID: req.NodeID, Error: wireError(err)}, nil
		}
		return &iampb.ResumeNodeResponse{NodeID: req.NodeID}, nil
	}
	resp := new(iampb.ResumeNodeResponse)
	if err := d.forward(ctx, req.NodeID, iampb.KindResumeNodeRequest, req, defaultOperationTimeout, resp); err != nil {
		return nil, iamerr.ToGRPCStatus(err)
	}
	return resp, nil
}

// ----- ProvisioningServer -----

func (d *Dispatcher) GetCertTypes(ctx context.Context, req *iampb.GetCertTypesRequest) (*iampb.CertTypes, error) {
	if d.isLocal(req.NodeID) {
		return &iampb.CertTypes{NodeID: req.NodeID, Types: d.creds.ListTypes()}, nil
	}
	resp := new(iampb.CertTypes)
	if err := d.forward(ctx, req.NodeID, iampb.KindGetCertTypesRequest, req, defaultOperationTimeout, resp); err != nil {
		return nil, iamerr.ToGRPCStatus(err)
	}
	return resp, nil
}

func (d *Dispatcher) StartProvisioning(ctx context.Context, req *iampb.StartProvisioningRequest) (*iampb.StartProvisioningResponse, error) {
	if d.isLocal(req.NodeID) {
		if err := d.creds.VerifyPassword(req.Password); err != nil {
			return &iampb.StartProvisioningResponse{NodeID: req.NodeID, Error: wireError(err)}, nil
		}
		if _, err := d.prov.Apply(provisioning.OpStartProvisioning); err != nil {
			return &iampb.StartProvisioningResponse{NodeID: req.NodeID, Error: wireError(err)}, nil
		}
		return &iampb.StartProvisioningResponse{NodeID: req.NodeID}, nil
	}
	resp := new(iampb.StartProvisioningResponse)
	if err := d.forward(ctx, req.NodeID, iampb.KindStartProvisioningRequest, req, provisioningOperationTimeout, resp); err != nil {
		return nil, iamerr.ToGRPCStatus(err)
	}
	return resp, nil
}

func (d *Dispatcher) FinishProvisioning(ctx context.Context, req *iampb.FinishProvisioningRequest) (*iampb.FinishProvisioningResponse, error) {
	if d.isLocal(req.NodeID) {
		if err := d.creds.VerifyPassword(req.Password); err != nil {
			return &iampb.FinishProvisioningResponse{NodeID: req.NodeID, Error: wireError(err)}, nil
		}
		if _, err := d.prov.Apply(provisioning.OpFinishProvisioning); err != nil {
			return &iampb.FinishProvisioningResponse{NodeID: req.NodeID, Error: wireError(err)}, nil
		}
		return &iampb.FinishProvisioningResponse{NodeID: req.NodeID}, nil
	}
	resp := new(iampb.FinishProvisioningResponse)
	if err := d.forward(ctx, req.NodeID, iampb.KindFinishProvisioningRequest, req, provisioningOperationTimeout, resp); err != nil {
		return nil, iamerr.ToGRPCStatus(err)
	}
	return resp, nil
}

// Deprovision is idempotent on an already-Unprovisioned node: re-calling it
// returns success without touching the state machine, resolving spec.md
// §4.3's pinned Open Question rather than surfacing WrongState.
func (d *Dispatcher) Deprovision(ctx context.Context, req *iampb.DeprovisionRequest) (*iampb.DeprovisionResponse, error) {
	if d.isLocal(req.NodeID) {
		if err := d.creds.VerifyPassword(req.Password); err != nil {
			return &iampb.DeprovisionResponse{NodeID: req.NodeID, Error: wireError(err)}, nil
		}
		if d.prov.State() == provisioning.Unprovisioned {
			return &iampb.DeprovisionResponse{NodeID: req.NodeID}, nil
		}
		if _, err := d.prov.Apply(provisioning.OpDeprovision); err != nil {
			return &iampb.DeprovisionResponse{NodeID: req.NodeID, Error: wireError(err)}, nil
		}
		return &iampb.DeprovisionResponse{NodeID: req.NodeID}, nil
	}
	resp := new(iampb.DeprovisionResponse)
	if err := d.forward(ctx, req.NodeID, iampb.KindDeprovisionRequest, req, provisioningOperationTimeout, resp); err != nil {
		return nil, iamerr.ToGRPCStatus(err)
	}
	return resp, nil
}

// ----- CertificateServer -----

func (d *Dispatcher) CreateKey(ctx context.Context, req *iampb.CreateKeyRequest) (*iampb.CreateKeyResponse, error) {
	if d.isLocal(req.NodeID) {
		if err := d.creds.VerifyPassword(req.Password); err != nil {
			return &iampb.CreateKeyResponse{NodeID: req.NodeID, Type: req.Type, Error: wireError(err)}, nil
		}
		subject := req.Subject
		if subject == "" {
			// spec.md §4.4: "if subject is empty, the dispatcher substitutes
			// the identity from the IdentityProvider collaborator."
			id, err := d.identity.GetSystemID(ctx)
			if err != nil {
				return &iampb.CreateKeyResponse{NodeID: req.NodeID, Type: req.Type, Error: wireError(err)}, nil
			}
			subject = id
		}
		csr, err := d.creds.CreateKey(ctx, req.Type, subject)
		if err != nil {
			return &iampb.CreateKeyResponse{NodeID: req.NodeID, Type: req.Type, Error: wireError(err)}, nil
		}
		return &iampb.CreateKeyResponse{NodeID: req.NodeID, Type: req.Type, CSR: csr}, nil
	}
	resp := new(iampb.CreateKeyResponse)
	if err := d.forward(ctx, req.NodeID, iampb.KindCreateKeyRequest, req, defaultOperationTimeout, resp); err != nil {
		return nil, iamerr.ToGRPCStatus(err)
	}
	return resp, nil
}

func (d *Dispatcher) ApplyCert(ctx context.Context, req *iampb.ApplyCertRequest) (*iampb.ApplyCertResponse, error) {
	if d.isLocal(req.NodeID) {
		info, err := d.creds.ApplyCert(ctx, req.Type, req.Cert)
		if err != nil {
			return &iampb.ApplyCertResponse{NodeID: req.NodeID, Type: req.Type, Error: wireError(err)}, nil
		}
		return &iampb.ApplyCertResponse{NodeID: req.NodeID, Type: req.Type, CertURL: info.CertURL, Serial: info.Serial}, nil
	}
	resp := new(iampb.ApplyCertResponse)
	if err := d.forward(ctx, req.NodeID, iampb.KindApplyCertRequest, req, defaultOperationTimeout, resp); err != nil {
		return nil, iamerr.ToGRPCStatus(err)
	}
	return resp, nil
}

// ----- PermissionsServer -----
//
// Neither request carries a node_id: the PermissionStore is a main-node-only
// collaborator, so these two RPCs are never forwarded.

func (d *Dispatcher) RegisterInstance(ctx context.Context, req *iampb.RegisterInstanceRequest) (*iampb.RegisterInstanceResponse, error) {
	if len(req.Permissions) > d.maxNumServices {
		return nil, iamerr.ToGRPCStatus(iamerr.New(iamerr.ResourceExhausted,
			"registration exceeds the configured maximum number of services"))
	}
	secret, err := d.perms.RegisterInstance(ctx, req.Instance, req.Permissions)
	if err != nil {
		return &iampb.RegisterInstanceResponse{Error: wireError(err)}, nil
	}
	return &iampb.RegisterInstanceResponse{Secret: secret}, nil
}

func (d *Dispatcher) UnregisterInstance(ctx context.Context, req *iampb.UnregisterInstanceRequest) (*iampb.Empty, error) {
	if err := d.perms.UnregisterInstance(ctx, req.Instance); err != nil {
		return nil, iamerr.ToGRPCStatus(err)
	}
	return &iampb.Empty{}, nil
}
