// Package registry implements spec.md §4.1's NodeStreamRegistry: the map
// of node_id to active bidi-stream handle, with single-owner lifecycle
// (register -> active -> fail/close). Grounded on original_source's
// nodecontroller.hpp/.cpp (NodeController, mHandlers map, Link/Unlink
// sequencing) and mosaicnetworks-babble's peers package for the concurrent
// registry-map idiom.
package registry

import (
	"sync"
	"time"

	"github.com/edgefleet/iamfleet/internal/correlator"
	"github.com/edgefleet/iamfleet/internal/iamerr"
)

// Transport is the minimal operation the registry needs from a live bidi
// stream to tear it down; rpcserver supplies the concrete grpc stream.
type Transport interface {
	Close()
}

// Handle is spec.md §3's NodeStreamHandle: one per currently-registered
// secondary, exclusively owning its Correlator. Exactly one Handle may be
// active per node_id at any instant (enforced by the registry, not by the
// Handle itself).
type Handle struct {
	NodeID          string
	Transport       Transport
	Correlator      *correlator.Correlator
	AllowedStatuses map[string]bool
	CreatedAt       time.Time

	mu     sync.Mutex
	closed bool
}

// Close tears down the handle: cancels in-flight Calls and closes the
// underlying transport. Idempotent.
func (h *Handle) Close(cause error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.Correlator.Close(cause)
	h.Transport.Close()
}

// Closed reports whether Close has already run.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Registry owns the set of live secondary-node streams, keyed by node_id.
// The RequestDispatcher is the Registry's exclusive owner (spec.md §3
// Ownership); the Registry in turn exclusively owns each Handle.
type Registry struct {
	mu    sync.Mutex
	byID  map[string]*Handle
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{byID: make(map[string]*Handle)}
}

// RegisterStream installs handle for node_id, replacing a closed
// predecessor. It fails with iamerr.AlreadyExists if a healthy handle for
// the same ID is already registered, or with iamerr.PermissionDenied if
// status is outside the Handle's allowed set. Per spec.md §9's resolved
// Open Question, a predecessor that IS replaced (re-registration after the
// old handle died) has had its in-flight Calls canceled with Unavailable
// before the new handle is installed.
func (r *Registry) RegisterStream(nodeID string, status string, handle *Handle) (*Handle, error) {
	if nodeID == "" {
		return nil, iamerr.New(iamerr.InvalidArgument, "node id must not be empty")
	}
	if handle.AllowedStatuses != nil && !handle.AllowedStatuses[status] {
		return nil, iamerr.New(iamerr.PermissionDenied, "node status not allowed for this stream")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byID[nodeID]; ok && !prev.Closed() {
		return nil, iamerr.New(iamerr.AlreadyExists, "node already has an active stream")
	}

	if prev, ok := r.byID[nodeID]; ok {
		// Cancel the dead predecessor's in-flight calls before superseding
		// it, resolving spec.md §9's second Open Question.
		prev.Close(iamerr.New(iamerr.Unavailable, "superseded by re-registration"))
	}

	handle.NodeID = nodeID
	handle.CreatedAt = time.Now()
	r.byID[nodeID] = handle

	return handle, nil
}

// Lookup returns the active handle for nodeID, or iamerr.NotFound.
func (r *Registry) Lookup(nodeID string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byID[nodeID]
	if !ok || h.Closed() {
		return nil, iamerr.StreamNotFound
	}
	return h, nil
}

// Remove evicts handle from the registry, but only if it is still the
// currently-registered handle for its node_id: this prevents a late
// cleanup (e.g. from a superseded stream's reader goroutine unwinding)
// from evicting a fresh registration, per spec.md §4.1.
func (r *Registry) Remove(nodeID string, handle *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.byID[nodeID]; ok && cur == handle {
		delete(r.byID, nodeID)
	}
}

// ForEach takes a snapshot of the registry and invokes visitor for each
// handle, used by broadcast operations (e.g. draining on shutdown).
func (r *Registry) ForEach(visitor func(*Handle)) {
	r.mu.Lock()
	snapshot := make([]*Handle, 0, len(r.byID))
	for _, h := range r.byID {
		snapshot = append(snapshot, h)
	}
	r.mu.Unlock()

	for _, h := range snapshot {
		visitor(h)
	}
}

// Len reports the number of registered handles, used by internal/metrics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// CloseAll closes every registered handle and empties the registry. Used
// by shutdown (spec.md §5: "a single close signal ... (c) drains the
// registry"). Idempotent.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	handles := r.byID
	r.byID = make(map[string]*Handle)
	r.mu.Unlock()

	for _, h := range handles {
		h.Close(iamerr.New(iamerr.Unavailable, "server shutting down"))
	}
}
