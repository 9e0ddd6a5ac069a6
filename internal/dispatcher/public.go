package dispatcher

import (
	"context"
	"sync"

	"github.com/edgefleet/iamfleet/internal/correlator"
	"github.com/edgefleet/iamfleet/internal/iamerr"
	"github.com/edgefleet/iamfleet/internal/iampb"
	"github.com/edgefleet/iamfleet/internal/registry"
)

// GetAPIVersion is common to both endpoints.
func (d *Dispatcher) GetAPIVersion(ctx context.Context, _ *iampb.Empty) (*iampb.APIVersion, error) {
	return &iampb.APIVersion{Version: d.apiVersion}, nil
}

// ----- PublicIdentityServer -----

func (d *Dispatcher) GetSystemInfo(ctx context.Context, _ *iampb.Empty) (*iampb.SystemInfo, error) {
	id, err := d.identity.GetSystemID(ctx)
	if err != nil {
		return nil, iamerr.ToGRPCStatus(err)
	}
	model, err := d.identity.GetUnitModel(ctx)
	if err != nil {
		return nil, iamerr.ToGRPCStatus(err)
	}
	return &iampb.SystemInfo{SystemID: id, UnitModel: model}, nil
}

func (d *Dispatcher) GetSubjects(ctx context.Context, _ *iampb.Empty) (*iampb.Subjects, error) {
	subjects, err := d.identity.GetSubjects(ctx)
	if err != nil {
		return nil, iamerr.ToGRPCStatus(err)
	}
	return &iampb.Subjects{Subjects: subjects}, nil
}

func (d *Dispatcher) SubscribeSubjectsChanged(_ *iampb.Empty, stream iampb.SubjectsChangedStream) error {
	unsubscribe, ok := d.subjectWriter.Subscribe(stream)
	if !ok {
		return iamerr.ToGRPCStatus(iamerr.New(iamerr.Unavailable, "subject subscriptions are closed"))
	}
	defer unsubscribe()
	<-stream.Context().Done()
	return nil
}

// ----- PublicNodesServer -----

func (d *Dispatcher) GetAllNodeIDs(ctx context.Context, _ *iampb.Empty) (*iampb.NodesID, error) {
	d.nodesMu.RLock()
	ids := make([]string, 0, len(d.nodes)+1)
	for id := range d.nodes {
		ids = append(ids, id)
	}
	d.nodesMu.RUnlock()
	if !d.hasSelfInList(ids) {
		ids = append(ids, d.selfNodeID)
	}
	return &iampb.NodesID{IDs: ids}, nil
}

func (d *Dispatcher) hasSelfInList(ids []string) bool {
	for _, id := range ids {
		if id == d.selfNodeID {
			return true
		}
	}
	return false
}

func (d *Dispatcher) GetNodeInfo(ctx context.Context, req *iampb.GetNodeInfoRequest) (*iampb.NodeInfo, error) {
	if d.isLocal(req.NodeID) {
		info := d.localNodeInfo()
		return &info, nil
	}
	d.nodesMu.RLock()
	info, ok := d.nodes[req.NodeID]
	d.nodesMu.RUnlock()
	if !ok {
		return nil, iamerr.ToGRPCStatus(iamerr.StreamNotFound)
	}
	return &info, nil
}

func (d *Dispatcher) SubscribeNodeChanged(_ *iampb.Empty, stream iampb.NodeChangedStream) error {
	unsubscribe, ok := d.nodeWriter.Subscribe(stream)
	if !ok {
		return iamerr.ToGRPCStatus(iamerr.New(iamerr.Unavailable, "node subscriptions are closed"))
	}
	defer unsubscribe()
	<-stream.Context().Done()
	return nil
}

// registerNodeSender adapts a RegisterNodeStream to correlator.Sender,
// serializing concurrent Send calls behind a single lock (spec.md §5:
// "request frames are serialized by a stream-send lock").
type registerNodeSender struct {
	mu     sync.Mutex
	stream iampb.RegisterNodeStream
	closed bool
}

func (s *registerNodeSender) Send(f correlator.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return iamerr.New(iamerr.Unavailable, "register node stream already closed")
	}
	return s.stream.Send(&iampb.IAMIncomingMessages{CorrelationID: f.CorrelationID, Kind: f.Kind, Payload: f.Payload})
}

func (s *registerNodeSender) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// RegisterNode is the entry point a secondary uses to surrender control of
// its node/provisioning/cert RPCs to the main node (spec.md §4.1's
// "surrender control" framing). The first frame off the stream must carry
// the secondary's NodeInfo; every frame after that either updates NodeInfo
// (a heartbeat) or is handed to the node's Correlator for request/response
// pairing.
func (d *Dispatcher) RegisterNode(stream iampb.RegisterNodeStream) error {
	first, err := stream.Recv()
	if err != nil {
		return iamerr.ToGRPCStatus(iamerr.Wrap(iamerr.Internal, "read initial node_info frame", err))
	}
	if first.Kind != iampb.KindNodeInfo || first.NodeInfo == nil {
		return iamerr.ToGRPCStatus(iamerr.New(iamerr.InvalidArgument, "first RegisterNode frame must carry node_info"))
	}

	info := *first.NodeInfo
	nodeID := info.NodeID
	if nodeID == "" || nodeID == d.selfNodeID {
		return iamerr.ToGRPCStatus(iamerr.New(iamerr.InvalidArgument, "secondary node_id must be non-empty and distinct from the main node"))
	}

	sender := &registerNodeSender{stream: stream}
	handle := &registry.Handle{Transport: sender}
	handle.Correlator = correlator.New(sender, func(f correlator.Frame) {
		d.log.Warn("unsolicited frame received from secondary", "node_id", nodeID, "kind", f.Kind)
	})

	installed, err := d.registry.RegisterStream(nodeID, info.Status, handle)
	if err != nil {
		return iamerr.ToGRPCStatus(err)
	}
	d.setNodeInfo(info)
	d.log.Info("secondary node registered", "node_id", nodeID, "status", info.Status)

	defer func() {
		d.registry.Remove(nodeID, installed)
		installed.Close(nil)
		d.markNodeOffline(nodeID)
		d.log.Info("secondary node stream closed", "node_id", nodeID)
	}()

	for {
		msg, err := stream.Recv()
		if err != nil {
			installed.Close(iamerr.Wrap(iamerr.Unavailable, "register node stream closed", err))
			return nil
		}
		if msg.Kind == iampb.KindNodeInfo {
			if msg.NodeInfo != nil {
				d.setNodeInfo(*msg.NodeInfo)
			}
			continue
		}
		installed.Correlator.OnFrame(correlator.Frame{CorrelationID: msg.CorrelationID, Kind: msg.Kind, Payload: msg.Payload})
	}
}

// ----- PublicCertServer -----
//
// GetCertRequest/SubscribeCertChangedRequest carry no node_id: the public
// cert surface only ever serves the main node's own credential store.

func (d *Dispatcher) GetCert(ctx context.Context, req *iampb.GetCertRequest) (*iampb.CertInfo, error) {
	info, err := d.creds.GetCert(req.Type)
	if err != nil {
		return nil, iamerr.ToGRPCStatus(err)
	}
	return &info, nil
}

func (d *Dispatcher) SubscribeCertChanged(req *iampb.SubscribeCertChangedRequest, stream iampb.CertChangedStream) error {
	w := d.certWriterFor(req.Type)
	unsubscribe, ok := w.Subscribe(stream)
	if !ok {
		return iamerr.ToGRPCStatus(iamerr.New(iamerr.Unavailable, "cert subscriptions are closed"))
	}
	defer unsubscribe()
	<-stream.Context().Done()
	return nil
}

// ----- PublicPermissionsServer -----

func (d *Dispatcher) GetPermissions(ctx context.Context, req *iampb.PermissionsRequest) (*iampb.PermissionsResponse, error) {
	instance, caps, err := d.perms.GetPermissions(ctx, req.Secret, req.FunctionalServerID)
	if err != nil {
		return &iampb.PermissionsResponse{Error: wireError(err)}, nil
	}
	return &iampb.PermissionsResponse{
		ServiceID:   instance.ServiceID,
		SubjectID:   instance.SubjectID,
		Instance:    instance.Instance,
		Permissions: caps,
	}, nil
}
