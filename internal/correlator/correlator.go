// Package correlator turns a bidi framed transport into a request/response
// RPC channel: spec.md §4.2 StreamCorrelator. Grounded on
// original_source's nodecontroller.hpp (PendingMessagesMap / std::promise
// + std::future) and the Go idiom for that pattern in
// mosaicnetworks-babble's net/sync_future.go (DeferError / one-shot
// channel completion), generalized to use real per-call correlation IDs
// (google/uuid) as spec.md §4.2 requires rather than the original's
// message-kind keying.
package correlator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/edgefleet/iamfleet/internal/iamerr"
)

// Frame is the minimal shape both IAMIncomingMessages and
// IAMOutgoingMessages satisfy: a correlation ID, a kind discriminator, and
// an opaque CBOR payload.
type Frame struct {
	CorrelationID string
	Kind          string
	Payload       []byte
}

// Sender writes one outbound frame on the stream's single send path.
// Implementations must serialize concurrent Send calls themselves (spec.md
// §5: "request frames are serialized by a stream-send lock").
type Sender interface {
	Send(Frame) error
}

type callResult struct {
	frame Frame
	err   error
}

// pendingCall is spec.md §3's PendingCall: created on dispatch, removed on
// completion or timeout, and guaranteed to terminate within deadline + ε.
type pendingCall struct {
	kind     string
	deadline time.Time
	done     chan callResult
	once     sync.Once
}

func (p *pendingCall) complete(f Frame) {
	p.once.Do(func() { p.done <- callResult{frame: f} })
}

func (p *pendingCall) fail(err error) {
	p.once.Do(func() { p.done <- callResult{err: err} })
}

// DefaultHandler processes frames that carry no matching PendingCall —
// unsolicited pushes such as the node's NodeInfo frame sent at stream
// start, or a late response arriving after its Call already timed out.
type DefaultHandler func(Frame)

// Correlator implements spec.md §4.2: one reader dispatches each inbound
// Frame either to the PendingCall awaiting its correlation ID or to the
// DefaultHandler; many callers may invoke Call concurrently without mutual
// exclusion beyond the Sender's own send lock.
type Correlator struct {
	sender  Sender
	onFrame DefaultHandler

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool
	closeErr error
}

// New constructs a Correlator over sender. onFrame handles any frame whose
// correlation ID has no live PendingCall.
func New(sender Sender, onFrame DefaultHandler) *Correlator {
	return &Correlator{
		sender:  sender,
		onFrame: onFrame,
		pending: make(map[string]*pendingCall),
	}
}

// Call encodes req as kind's payload, enqueues a PendingCall, writes the
// request frame, and waits for the matching response up to timeout. On
// timeout it removes the PendingCall and returns iamerr.Timeout; a
// late-arriving response for a timed-out call never reaches the caller:
// OnFrame finds no PendingCall for it and hands it to the DefaultHandler.
func (c *Correlator) Call(ctx context.Context, kind string, req any, timeout time.Duration) (Frame, error) {
	payload, err := cbor.Marshal(req)
	if err != nil {
		return Frame{}, iamerr.Wrap(iamerr.Internal, "encode request", err)
	}

	id := uuid.NewString()
	pc := &pendingCall{kind: kind, deadline: time.Now().Add(timeout), done: make(chan callResult, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Frame{}, iamerr.Wrap(iamerr.Unavailable, "stream closed", c.closeErr)
	}
	if _, exists := c.pending[id]; exists {
		// UUID collision: spec.md §4.2 says this MUST NOT be relied upon
		// and the registry must still reject a reused id defensively.
		c.mu.Unlock()
		return Frame{}, iamerr.New(iamerr.Internal, "correlation id collision")
	}
	c.pending[id] = pc
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.sender.Send(Frame{CorrelationID: id, Kind: kind, Payload: payload}); err != nil {
		cleanup()
		return Frame{}, iamerr.Wrap(iamerr.Unavailable, "write request frame", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pc.done:
		if res.err != nil {
			return Frame{}, res.err
		}
		return res.frame, nil
	case <-timer.C:
		cleanup()
		return Frame{}, iamerr.New(iamerr.Timeout, fmt.Sprintf("call %s timed out after %s", kind, timeout))
	case <-ctx.Done():
		cleanup()
		return Frame{}, iamerr.Wrap(iamerr.Timeout, "call canceled", ctx.Err())
	}
}

// OnFrame is invoked by the stream's single reader goroutine for every
// inbound frame. A frame whose correlation ID matches a live PendingCall
// completes it; all other frames (unsolicited pushes, or late responses
// whose PendingCall already timed out) go to the DefaultHandler.
func (c *Correlator) OnFrame(f Frame) {
	c.mu.Lock()
	pc, ok := c.pending[f.CorrelationID]
	if ok {
		delete(c.pending, f.CorrelationID)
	}
	c.mu.Unlock()

	if ok {
		pc.complete(f)
		return
	}

	if c.onFrame != nil {
		c.onFrame(f)
	}
}

// Close cancels every outstanding Call with iamerr.Unavailable and rejects
// any Call issued afterward. Idempotent. err, if non-nil, is surfaced as
// the cause of subsequent Call failures (e.g. the transport error that
// triggered the close).
func (c *Correlator) Close(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	unavailable := iamerr.Wrap(iamerr.Unavailable, "stream closed", err)
	for _, pc := range pending {
		pc.fail(unavailable)
	}
}

// PendingCount reports the number of in-flight calls.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Decode unmarshals a Frame's CBOR payload into out, mirroring the Call
// side's cbor.Marshal.
func Decode(f Frame, out any) error {
	if err := cbor.Unmarshal(f.Payload, out); err != nil {
		return iamerr.Wrap(iamerr.Internal, "decode frame payload", err)
	}
	return nil
}

// Encode marshals v into a payload suitable for a response Frame.
func Encode(v any) ([]byte, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, iamerr.Wrap(iamerr.Internal, "encode frame payload", err)
	}
	return b, nil
}
