package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	v1 "modgate/shared/contracts/gateway/v1"

	"github.com/google/uuid"
)

// ErrCallTimeout is returned by Peer.Call when the module does not respond
// within the deadline.
var ErrCallTimeout = errors.New("gateway: rpc call timed out")

// Peer is the gateway-side half of one bidirectional JSON-RPC connection.
//
// Inbound responses are routed to pending outbound calls by correlation id;
// outbound frames go through a bounded send queue drained by the connection's
// writer goroutine.
//
// Design notes:
// - send is intentionally NOT closed to keep concurrent senders panic-safe.
// - done signals the writer and all pending calls to stop.
// - Close is idempotent.
type Peer struct {
	ID  string
	log *slog.Logger

	send chan []byte
	done chan struct{}

	closeOnce sync.Once

	mu      sync.Mutex
	pending map[string]chan v1.Response
}

// NewPeer constructs a Peer with a bounded send queue.
func NewPeer(log *slog.Logger, id string, sendQueueSize int) *Peer {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Peer{
		ID:      id,
		log:     log,
		send:    make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
		pending: make(map[string]chan v1.Response),
	}
}

// Outbox returns the queue of frames awaiting the writer goroutine.
func (p *Peer) Outbox() <-chan []byte { return p.send }

// Done returns a channel that is closed when the peer is shutting down.
func (p *Peer) Done() <-chan struct{} {
	if p == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return p.done
}

// Close signals shutdown and fails every pending call (idempotent).
func (p *Peer) Close() {
	if p == nil {
		return
	}
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

// Call issues a JSON-RPC request to the module and awaits the response.
// The wait is bounded by timeout; on expiry the waiter is abandoned and the
// module's late response, if any, is dropped.
func (p *Peer) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := uuid.NewString()

	frame, err := marshalRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	respCh := make(chan v1.Response, 1)
	p.mu.Lock()
	p.pending[id] = respCh
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	if !p.enqueue(ctx, frame) {
		return nil, errors.New("gateway: connection closed")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, errors.New("gateway: connection closed")
	case <-timer.C:
		return nil, ErrCallTimeout
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

// Notify sends a JSON-RPC notification to the module (no reply expected).
func (p *Peer) Notify(ctx context.Context, method string, params any) error {
	frame, err := marshalRequest("", method, params)
	if err != nil {
		return err
	}
	if !p.enqueue(ctx, frame) {
		return errors.New("gateway: connection closed")
	}
	return nil
}

// Respond queues a response to an inbound module request.
func (p *Peer) Respond(ctx context.Context, resp v1.Response) error {
	frame, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if !p.enqueue(ctx, frame) {
		return errors.New("gateway: connection closed")
	}
	return nil
}

// Resolve routes an inbound response frame to its waiting call.
// Returns false when no call is waiting on the response id.
func (p *Peer) Resolve(resp v1.Response) bool {
	key := correlationKey(resp.ID)
	if key == "" {
		return false
	}

	p.mu.Lock()
	ch, ok := p.pending[key]
	if ok {
		delete(p.pending, key)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	ch <- resp
	return true
}

func (p *Peer) enqueue(ctx context.Context, frame []byte) bool {
	select {
	case <-ctx.Done():
		return false
	case <-p.done:
		return false
	case p.send <- frame:
		return true
	default:
		p.log.Warn("peer.send.backpressure", "connection_id", p.ID)
		return false
	}
}

func marshalRequest(id, method string, params any) ([]byte, error) {
	req := v1.Request{JSONRPC: v1.Version, Method: method}
	if id != "" {
		raw, err := json.Marshal(id)
		if err != nil {
			return nil, err
		}
		req.ID = raw
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Params = raw
	}
	return json.Marshal(req)
}

// correlationKey normalizes a JSON-RPC id into the pending-map key.
// The gateway only issues string ids, but modules may echo them with
// different raw formatting.
func correlationKey(id json.RawMessage) string {
	if len(id) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(id, &n); err == nil {
		return n.String()
	}
	return string(id)
}
