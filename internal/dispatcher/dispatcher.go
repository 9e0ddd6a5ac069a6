// Package dispatcher implements spec.md §4.4's RequestDispatcher: the
// component terminating both the public and protected gRPC endpoints,
// classifying every node-addressed request as local or forwarded, applying
// the forward retry policy, gating provisioning-family operations through
// the state machine, and translating collaborator errors onto the wire
// either as a transport-level gRPC status or as an in-band ErrorInfo,
// depending on whether the failure occurred before or after an operation
// was actually attempted against a collaborator. Grounded on
// original_source's iamserver.cpp (the single class that owns the request
// switchboard) and the teacher's cmd/server/main.go for how handler structs
// are composed from collaborators rather than doing I/O themselves.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/edgefleet/iamfleet/internal/auditlog"
	"github.com/edgefleet/iamfleet/internal/correlator"
	"github.com/edgefleet/iamfleet/internal/eventbus"
	"github.com/edgefleet/iamfleet/internal/iamerr"
	"github.com/edgefleet/iamfleet/internal/iampb"
	"github.com/edgefleet/iamfleet/internal/identity"
	"github.com/edgefleet/iamfleet/internal/metrics"
	"github.com/edgefleet/iamfleet/internal/provisioning"
	"github.com/edgefleet/iamfleet/internal/registry"
	"github.com/edgefleet/iamfleet/internal/streamwriter"
)

const (
	defaultOperationTimeout      = 60 * time.Second
	provisioningOperationTimeout = 300 * time.Second

	forwardMaxAttempts = 3
	forwardRetryDelay  = 10 * time.Second
)

// CredentialStore is the subset of internal/credstore.Store the dispatcher
// consumes (spec.md glossary "CredentialStore collaborator").
type CredentialStore interface {
	VerifyPassword(password string) error
	ListTypes() []string
	CreateKey(ctx context.Context, certType, subject string) (string, error)
	ApplyCert(ctx context.Context, certType, certPEMOrPKCS7 string) (iampb.CertInfo, error)
	GetCert(certType string) (iampb.CertInfo, error)
	Subscribe(fn func(iampb.CertInfo)) (unsubscribe func())
}

// PermissionStore is the subset of internal/permstore.Store the dispatcher
// consumes (spec.md §4.5).
type PermissionStore interface {
	RegisterInstance(ctx context.Context, instance iampb.InstanceIdentity, permissions map[string]map[string]string) (string, error)
	UnregisterInstance(ctx context.Context, instance iampb.InstanceIdentity) error
	GetPermissions(ctx context.Context, secret, functionalServerID string) (iampb.InstanceIdentity, map[string]string, error)
}

// Options configures Dispatcher construction.
type Options struct {
	SelfNodeID string
	SelfInfo   iampb.NodeInfo

	Registry   *registry.Registry
	Identity   identity.Provider
	Creds      CredentialStore
	Provisioning *provisioning.Machine
	Permissions PermissionStore
	Audit      *auditlog.Ledger
	Bus        eventbus.Bus

	MaxNumServices int
	APIVersion     uint64

	Log *slog.Logger
}

// Dispatcher implements every RPC interface declared in internal/iampb's
// service.go across two files: public.go (anonymous-TLS surface) and
// protected.go (mutual-TLS surface). Both are methods on this one type so
// they share the routing/local-execution helpers defined here.
type Dispatcher struct {
	selfNodeID string
	self       iampb.NodeInfo
	apiVersion uint64

	registry *registry.Registry
	identity identity.Provider
	creds    CredentialStore
	prov     *provisioning.Machine
	perms    PermissionStore
	audit    *auditlog.Ledger
	bus      eventbus.Bus

	maxNumServices int
	log            *slog.Logger

	nodesMu sync.RWMutex
	nodes   map[string]iampb.NodeInfo

	nodeWriter    *streamwriter.Writer[*iampb.NodeInfo]
	subjectWriter *streamwriter.Writer[*iampb.Subjects]

	certMu      sync.Mutex
	certWriters map[string]*streamwriter.Writer[*iampb.CertInfo]

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New wires a Dispatcher over its collaborators and subscribes to the
// provisioning state machine, identity provider, and credential store so
// their observable changes flow into the StreamWriter fan-outs (spec.md
// §4.3 "the StreamWriter[NodeInfo] uses this to push updates").
func New(opts Options) *Dispatcher {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.MaxNumServices <= 0 {
		opts.MaxNumServices = 64
	}

	d := &Dispatcher{
		selfNodeID:     opts.SelfNodeID,
		self:           opts.SelfInfo,
		apiVersion:     opts.APIVersion,
		registry:       opts.Registry,
		identity:       opts.Identity,
		creds:          opts.Creds,
		prov:           opts.Provisioning,
		perms:          opts.Permissions,
		audit:          opts.Audit,
		bus:            opts.Bus,
		maxNumServices: opts.MaxNumServices,
		log:            opts.Log,
		nodes:          make(map[string]iampb.NodeInfo),
		nodeWriter:     streamwriter.New[*iampb.NodeInfo](),
		subjectWriter:  streamwriter.New[*iampb.Subjects](),
		certWriters:    make(map[string]*streamwriter.Writer[*iampb.CertInfo]),
		shutdownCh:     make(chan struct{}),
	}
	d.self.NodeID = opts.SelfNodeID

	if d.prov != nil {
		d.prov.Observe(func(from, to provisioning.State, op provisioning.Op) {
			metrics.RecordProvisioningTransition(string(op), string(to))
			d.broadcastLocalNodeInfo()
			if d.audit != nil {
				_ = d.audit.Append(context.Background(), d.selfNodeID, auditlog.EventProvisioningChanged, map[string]string{
					"op": string(op), "from": string(from), "to": string(to),
				})
			}
			if d.bus != nil {
				if ev, err := eventbus.Marshal(eventbus.TopicNodeInfoChanged, d.localNodeInfo()); err == nil {
					_ = d.bus.Publish(context.Background(), ev)
				}
			}
		})
	}

	if d.identity != nil {
		d.identity.Subscribe(func(subjects []string) {
			d.subjectWriter.Broadcast(&iampb.Subjects{Subjects: subjects})
			if d.bus != nil {
				if ev, err := eventbus.Marshal(eventbus.TopicSubjectsChanged, subjects); err == nil {
					_ = d.bus.Publish(context.Background(), ev)
				}
			}
		})
	}

	if d.creds != nil {
		d.creds.Subscribe(func(info iampb.CertInfo) {
			d.certWriterFor(info.Type).Broadcast(&info)
			if d.bus != nil {
				if ev, err := eventbus.Marshal(eventbus.TopicCertChanged, info); err == nil {
					_ = d.bus.Publish(context.Background(), ev)
				}
			}
		})
	}

	return d
}

// Shutdown implements spec.md §5's single close signal: it aborts in-flight
// forward retries, closes every StreamWriter, and drains the registry.
// Idempotent.
func (d *Dispatcher) Shutdown() {
	d.shutdownOnce.Do(func() {
		close(d.shutdownCh)
		d.nodeWriter.Close()
		d.subjectWriter.Close()
		d.certMu.Lock()
		for _, w := range d.certWriters {
			w.Close()
		}
		d.certMu.Unlock()
		d.registry.CloseAll()
	})
}

// BroadcastHeartbeat rebroadcasts this node's current NodeInfo to every
// subscribed public client; cmd/iamserver schedules it on a robfig/cron
// interval so long-lived subscribers see liveness even between real state
// transitions.
func (d *Dispatcher) BroadcastHeartbeat() {
	d.broadcastLocalNodeInfo()
}

func (d *Dispatcher) isLocal(nodeID string) bool {
	return nodeID == "" || nodeID == d.selfNodeID
}

func (d *Dispatcher) localNodeInfo() iampb.NodeInfo {
	info := d.self
	if d.prov != nil {
		info.Status = string(d.prov.State())
	}
	return info
}

func (d *Dispatcher) broadcastLocalNodeInfo() {
	info := d.localNodeInfo()
	d.nodesMu.Lock()
	d.nodes[info.NodeID] = info
	d.nodesMu.Unlock()
	d.nodeWriter.Broadcast(&info)
}

// setNodeInfo records a secondary's self-reported NodeInfo (from the
// RegisterNode stream) and rebroadcasts it to public subscribers.
func (d *Dispatcher) setNodeInfo(info iampb.NodeInfo) {
	d.nodesMu.Lock()
	d.nodes[info.NodeID] = info
	d.nodesMu.Unlock()
	d.nodeWriter.Broadcast(&info)
	metrics.SetRegistrySize(d.registry.Len())
}

func (d *Dispatcher) markNodeOffline(nodeID string) {
	d.nodesMu.Lock()
	info, ok := d.nodes[nodeID]
	if ok {
		info.Status = "offline"
		d.nodes[nodeID] = info
	}
	d.nodesMu.Unlock()
	if ok {
		d.nodeWriter.Broadcast(&info)
	}
	metrics.SetRegistrySize(d.registry.Len())
}

func (d *Dispatcher) certWriterFor(certType string) *streamwriter.Writer[*iampb.CertInfo] {
	d.certMu.Lock()
	defer d.certMu.Unlock()
	w, ok := d.certWriters[certType]
	if !ok {
		w = streamwriter.New[*iampb.CertInfo]()
		d.certWriters[certType] = w
	}
	return w
}

// forward implements spec.md §4.4's routing rule's else-branch: look up the
// target node's stream handle and retry the call up to forwardMaxAttempts
// times, waiting forwardRetryDelay between attempts, aborting instantly on
// shutdown. Only Unavailable outcomes (a closed or torn-down stream) are
// retried; any other error kind returns immediately.
func (d *Dispatcher) forward(ctx context.Context, nodeID, kind string, req any, timeout time.Duration, resp any) error {
	handle, err := d.registry.Lookup(nodeID)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < forwardMaxAttempts; attempt++ {
		if attempt > 0 {
			metrics.RecordRetry(kind)
			select {
			case <-time.After(forwardRetryDelay):
			case <-ctx.Done():
				return iamerr.Wrap(iamerr.Unavailable, "forward canceled while waiting to retry", ctx.Err())
			case <-d.shutdownCh:
				return iamerr.New(iamerr.Unavailable, "server shutting down")
			}
		}

		frame, callErr := handle.Correlator.Call(ctx, kind, req, timeout)
		if callErr == nil {
			return correlator.Decode(frame, resp)
		}
		lastErr = callErr
		if k, ok := iamerr.As(callErr); ok && k == iamerr.Unavailable {
			continue
		}
		return callErr
	}
	return lastErr
}

// wireError converts an internal error into the in-band ErrorInfo shape
// carried by response types where partial work may have occurred, per
// spec.md §4.4's propagation policy.
func wireError(err error) *iampb.ErrorInfo {
	info := iamerr.ToInfo(err)
	if info == nil {
		return nil
	}
	return &iampb.ErrorInfo{Kind: info.Kind, Message: info.Message}
}
