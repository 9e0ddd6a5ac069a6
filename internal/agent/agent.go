// Package agent implements the secondary-node half of the RegisterNode bidi
// stream: it dials the main node's protected endpoint, surrenders its
// NodeInfo, and then services whatever provisioning/cert RPCs the main node
// forwards to it by executing them against its own local CredentialStore and
// ProvisioningStateMachine -- exactly mirroring internal/dispatcher's
// local-execution path (SPEC_FULL.md §6 "cmd/iamagent"). Grounded on
// original_source's nodeagent.cpp (redial-with-backoff loop, first-frame
// handshake) and mosaicnetworks-babble's net/tls_transport.go for the
// client-side mTLS dial shape.
package agent

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"

	"github.com/edgefleet/iamfleet/internal/correlator"
	"github.com/edgefleet/iamfleet/internal/credstore"
	"github.com/edgefleet/iamfleet/internal/iamerr"
	"github.com/edgefleet/iamfleet/internal/iampb"
	"github.com/edgefleet/iamfleet/internal/identity"
	"github.com/edgefleet/iamfleet/internal/provisioning"
	"github.com/edgefleet/iamfleet/internal/tlsserver"
)

// Options configures Agent construction.
type Options struct {
	NodeID            string
	MainProtectedAddr string
	ServerName        string
	Material          tlsserver.Material
	ReconnectInterval time.Duration

	Creds        *credstore.Store
	Provisioning *provisioning.Machine
	Identity     identity.Provider

	// SelfInfo produces the NodeInfo sent as the stream's first frame and
	// resent on every redial; its Status field is overwritten from
	// Provisioning's current state before each send.
	SelfInfo func() iampb.NodeInfo

	Log *slog.Logger
}

// Agent owns the redial loop and the RegisterNode stream's request/response
// servicing for one secondary node.
type Agent struct {
	opts Options
	log  *slog.Logger
}

// New constructs an Agent. Call Run to start the reconnect loop; Run blocks
// until ctx is canceled.
func New(opts Options) *Agent {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = 5 * time.Second
	}
	return &Agent{opts: opts, log: opts.Log}
}

// Run redials MainProtectedAddr whenever the stream fails, waiting
// ReconnectInterval between attempts, per SPEC_FULL.md §6's "on stream
// failure, back off nodeReconnectInterval and redial." It returns only when
// ctx is canceled.
func (a *Agent) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := a.runOnce(ctx); err != nil {
			a.log.Warn("register node stream ended, will redial", "error", err, "node_id", a.opts.NodeID)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.opts.ReconnectInterval):
		}
	}
}

func (a *Agent) runOnce(ctx context.Context) error {
	creds, err := tlsserver.ClientCredentials(a.opts.Material, a.opts.ServerName)
	if err != nil {
		return err
	}

	conn, err := grpc.NewClient(a.opts.MainProtectedAddr,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(iampb.Codec)))
	if err != nil {
		return iamerr.Wrap(iamerr.Unavailable, "dial main node protected endpoint", err)
	}
	defer conn.Close()

	client := iampb.NewPublicNodesClient(conn)
	stream, err := client.RegisterNode(ctx)
	if err != nil {
		return iamerr.Wrap(iamerr.Unavailable, "open register node stream", err)
	}

	info := a.opts.SelfInfo()
	info.NodeID = a.opts.NodeID
	if a.opts.Provisioning != nil {
		info.Status = string(a.opts.Provisioning.State())
	}
	if err := stream.Send(&iampb.IAMOutgoingMessages{Kind: iampb.KindNodeInfo, NodeInfo: &info}); err != nil {
		return iamerr.Wrap(iamerr.Unavailable, "send initial node_info frame", err)
	}
	a.log.Info("registered with main node", "node_id", a.opts.NodeID, "main", a.opts.MainProtectedAddr)

	for {
		msg, err := stream.Recv()
		if err != nil {
			return iamerr.Wrap(iamerr.Unavailable, "register node stream closed by main node", err)
		}
		resp := a.handle(ctx, msg)
		if resp == nil {
			continue
		}
		if err := stream.Send(resp); err != nil {
			return iamerr.Wrap(iamerr.Unavailable, "send response frame", err)
		}
	}
}

// handle executes one forwarded request locally and builds the response
// frame to send back, mirroring internal/dispatcher/protected.go's
// local-execution branches operation for operation.
func (a *Agent) handle(ctx context.Context, msg *iampb.IAMIncomingMessages) *iampb.IAMOutgoingMessages {
	frame := correlator.Frame{CorrelationID: msg.CorrelationID, Kind: msg.Kind, Payload: msg.Payload}

	switch msg.Kind {
	case iampb.KindGetCertTypesRequest:
		return a.reply(msg, iampb.KindCertTypes, &iampb.CertTypes{
			NodeID: a.opts.NodeID,
			Types:  a.opts.Creds.ListTypes(),
		})

	case iampb.KindStartProvisioningRequest:
		var req iampb.StartProvisioningRequest
		if err := correlator.Decode(frame, &req); err != nil {
			return a.reply(msg, iampb.KindStartProvisioningResponse, &iampb.StartProvisioningResponse{NodeID: a.opts.NodeID, Error: wireError(err)})
		}
		resp := &iampb.StartProvisioningResponse{NodeID: a.opts.NodeID}
		if err := a.opts.Creds.VerifyPassword(req.Password); err != nil {
			resp.Error = wireError(err)
		} else if _, err := a.opts.Provisioning.Apply(provisioning.OpStartProvisioning); err != nil {
			resp.Error = wireError(err)
		}
		return a.reply(msg, iampb.KindStartProvisioningResponse, resp)

	case iampb.KindFinishProvisioningRequest:
		var req iampb.FinishProvisioningRequest
		if err := correlator.Decode(frame, &req); err != nil {
			return a.reply(msg, iampb.KindFinishProvisioningResponse, &iampb.FinishProvisioningResponse{NodeID: a.opts.NodeID, Error: wireError(err)})
		}
		resp := &iampb.FinishProvisioningResponse{NodeID: a.opts.NodeID}
		if err := a.opts.Creds.VerifyPassword(req.Password); err != nil {
			resp.Error = wireError(err)
		} else if _, err := a.opts.Provisioning.Apply(provisioning.OpFinishProvisioning); err != nil {
			resp.Error = wireError(err)
		}
		return a.reply(msg, iampb.KindFinishProvisioningResponse, resp)

	case iampb.KindDeprovisionRequest:
		var req iampb.DeprovisionRequest
		if err := correlator.Decode(frame, &req); err != nil {
			return a.reply(msg, iampb.KindDeprovisionResponse, &iampb.DeprovisionResponse{NodeID: a.opts.NodeID, Error: wireError(err)})
		}
		resp := &iampb.DeprovisionResponse{NodeID: a.opts.NodeID}
		if err := a.opts.Creds.VerifyPassword(req.Password); err != nil {
			resp.Error = wireError(err)
		} else if a.opts.Provisioning.State() != provisioning.Unprovisioned {
			if _, err := a.opts.Provisioning.Apply(provisioning.OpDeprovision); err != nil {
				resp.Error = wireError(err)
			}
		}
		return a.reply(msg, iampb.KindDeprovisionResponse, resp)

	case iampb.KindPauseNodeRequest:
		resp := &iampb.PauseNodeResponse{NodeID: a.opts.NodeID}
		if _, err := a.opts.Provisioning.Apply(provisioning.OpPauseNode); err != nil {
			resp.Error = wireError(err)
		}
		return a.reply(msg, iampb.KindPauseNodeResponse, resp)

	case iampb.KindResumeNodeRequest:
		resp := &iampb.ResumeNodeResponse{NodeID: a.opts.NodeID}
		if _, err := a.opts.Provisioning.Apply(provisioning.OpResumeNode); err != nil {
			resp.Error = wireError(err)
		}
		return a.reply(msg, iampb.KindResumeNodeResponse, resp)

	case iampb.KindCreateKeyRequest:
		var req iampb.CreateKeyRequest
		if err := correlator.Decode(frame, &req); err != nil {
			return a.reply(msg, iampb.KindCreateKeyResponse, &iampb.CreateKeyResponse{NodeID: a.opts.NodeID, Error: wireError(err)})
		}
		resp := &iampb.CreateKeyResponse{NodeID: a.opts.NodeID, Type: req.Type}
		if err := a.opts.Creds.VerifyPassword(req.Password); err != nil {
			resp.Error = wireError(err)
			return a.reply(msg, iampb.KindCreateKeyResponse, resp)
		}
		subject := req.Subject
		if subject == "" && a.opts.Identity != nil {
			if id, err := a.opts.Identity.GetSystemID(ctx); err == nil {
				subject = id
			}
		}
		csr, err := a.opts.Creds.CreateKey(ctx, req.Type, subject)
		if err != nil {
			resp.Error = wireError(err)
		} else {
			resp.CSR = csr
		}
		return a.reply(msg, iampb.KindCreateKeyResponse, resp)

	case iampb.KindApplyCertRequest:
		var req iampb.ApplyCertRequest
		if err := correlator.Decode(frame, &req); err != nil {
			return a.reply(msg, iampb.KindApplyCertResponse, &iampb.ApplyCertResponse{NodeID: a.opts.NodeID, Error: wireError(err)})
		}
		resp := &iampb.ApplyCertResponse{NodeID: a.opts.NodeID, Type: req.Type}
		info, err := a.opts.Creds.ApplyCert(ctx, req.Type, req.Cert)
		if err != nil {
			resp.Error = wireError(err)
		} else {
			resp.CertURL = info.CertURL
			resp.Serial = info.Serial
		}
		return a.reply(msg, iampb.KindApplyCertResponse, resp)

	default:
		a.log.Warn("unrecognized frame kind from main node", "kind", msg.Kind, "node_id", a.opts.NodeID)
		return nil
	}
}

func (a *Agent) reply(msg *iampb.IAMIncomingMessages, kind string, resp any) *iampb.IAMOutgoingMessages {
	payload, err := correlator.Encode(resp)
	if err != nil {
		a.log.Error("encode response frame failed", "error", err, "kind", kind)
		return nil
	}
	return &iampb.IAMOutgoingMessages{CorrelationID: msg.CorrelationID, Kind: kind, Payload: payload}
}

func wireError(err error) *iampb.ErrorInfo {
	info := iamerr.ToInfo(err)
	if info == nil {
		return nil
	}
	return &iampb.ErrorInfo{Kind: info.Kind, Message: info.Message}
}
