package mothra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
)

const (
	DefaultRPCTimeout = 30 * time.Second
	MaxMethodLength   = 255

	// MetadataMethod is answered by the node itself with the payload
	// configured through `WithMetadata`.
	MetadataMethod = "mothra/metadata"

	// PingMethod is answered by the node itself, echoing the payload.
	PingMethod = "mothra/ping"
)

// Call is an outbound request waiting for its outcome: the response
// payload, a `*RemoteError`, `ErrTimeout`, `ErrPeerDisconnected` or
// `ErrShutdown`.
type Call struct {
	ID     uint64
	Peer   PeerID
	Method string

	started time.Time
	done    chan struct{}
	payload []byte
	err     error
}

// Done is closed once the call is resolved.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns `ErrCallPending` until the call is resolved.
func (c *Call) Result() ([]byte, error) {
	select {
	case <-c.done:
		return c.payload, c.err
	default:
		return nil, ErrCallPending
	}
}

// Wait blocks until the call is resolved or `ctx` is done. Giving up on
// `ctx` does not cancel the call.
func (c *Call) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return c.payload, c.err
	}
}

func (c *Call) finish(payload []byte, err error) {
	c.payload = payload
	c.err = err
	close(c.done)
}

func validateMethod(method string) error {
	if method == "" || len(method) > MaxMethodLength || !utf8.ValidString(method) {
		return ErrInvalidMethod
	}
	return nil
}

type pendingCall struct {
	call  *Call
	timer *clock.Timer
}

type inboundKey struct {
	peer PeerID
	id   uint64
}

type deferredRequest struct {
	method string
	timer  *clock.Timer
}

type dispatcherConfig struct {
	local    PeerID
	timeout  time.Duration
	metadata []byte
	clk      clock.Clock
	logger   *slog.Logger
	msink    metrics.MetricSink
	labels   []metrics.Label
}

// dispatcher correlates requests and responses. Whoever removes a call
// from `pending` resolves it, every other path finds nothing to do.
type dispatcher struct {
	cfg     dispatcherConfig
	tr      frameSender
	deliver func(RPCEvent, func([]byte, error))

	nextID  atomic.Uint64
	pending map[uint64]*pendingCall
	closed  bool
	lk      sync.Mutex

	deferred   map[inboundKey]*deferredRequest
	deferredLk sync.Mutex
}

func newDispatcher(cfg dispatcherConfig, tr frameSender, deliver func(RPCEvent, func([]byte, error))) *dispatcher {
	if cfg.timeout <= 0 {
		cfg.timeout = DefaultRPCTimeout
	}
	if cfg.clk == nil {
		cfg.clk = clock.New()
	}
	if cfg.msink == nil {
		cfg.msink = &metrics.BlackholeSink{}
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return &dispatcher{
		cfg:      cfg,
		tr:       tr,
		deliver:  deliver,
		pending:  make(map[uint64]*pendingCall),
		deferred: make(map[inboundKey]*deferredRequest),
	}
}

// SendRequest sends `payload` to `peer` and returns the pending call. A
// zero `timeout` means the configured default.
func (d *dispatcher) SendRequest(peer PeerID, method string, payload []byte, timeout time.Duration) (*Call, error) {
	if err := validateMethod(method); err != nil {
		return nil, err
	}
	if peer == d.cfg.local {
		return nil, fmt.Errorf("%w: cannot send a request to ourselves", ErrNoRoute)
	}
	if timeout <= 0 {
		timeout = d.cfg.timeout
	}

	d.lk.Lock()
	if d.closed {
		d.lk.Unlock()
		return nil, ErrShutdown
	}
	id := d.nextID.Add(1)
	call := &Call{
		ID:      id,
		Peer:    peer,
		Method:  method,
		started: d.cfg.clk.Now(),
		done:    make(chan struct{}),
	}
	entry := &pendingCall{call: call}
	d.pending[id] = entry
	entry.timer = d.cfg.clk.AfterFunc(timeout, func() {
		d.resolve(id, nil, ErrTimeout)
	})
	d.lk.Unlock()

	frame := &rpcFrame{
		id:      id,
		kind:    rpcRequest,
		method:  method,
		payload: payload,
	}
	if err := d.tr.sendFrame(peer, tagRPC, frame.marshal()); err != nil {
		sendErr := fmt.Errorf("%w: %w", ErrNoRoute, err)
		if d.take(id) != nil {
			entry.timer.Stop()
			return nil, sendErr
		}
		// Lost the race against a disconnect or a shutdown: the call is
		// already resolved.
		return call, nil
	}

	d.cfg.msink.IncrCounterWithLabels(
		MetricRPCRequestCount,
		1.0,
		append(slices.Clone(d.cfg.labels), LabelMethod.M(method)),
	)
	return call, nil
}

func (d *dispatcher) take(id uint64) *pendingCall {
	d.lk.Lock()
	defer d.lk.Unlock()
	entry, has := d.pending[id]
	if !has {
		return nil
	}
	delete(d.pending, id)
	return entry
}

// resolve is a no-op if the call was already resolved.
func (d *dispatcher) resolve(id uint64, payload []byte, err error) bool {
	entry := d.take(id)
	if entry == nil {
		return false
	}
	d.settle(entry, payload, err)
	return true
}

func (d *dispatcher) settle(entry *pendingCall, payload []byte, err error) {
	entry.timer.Stop()
	entry.call.finish(payload, err)

	outcome := "response"
	var rerr *RemoteError
	switch {
	case errors.As(err, &rerr):
		outcome = "remote_error"
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	case errors.Is(err, ErrPeerDisconnected):
		outcome = "disconnected"
	case errors.Is(err, ErrShutdown):
		outcome = "shutdown"
	}

	labels := append(slices.Clone(d.cfg.labels), LabelMethod.M(entry.call.Method), LabelOutcome.M(outcome))
	d.cfg.msink.IncrCounterWithLabels(MetricRPCOutcomeCount, 1.0, labels)
	if outcome == "response" {
		d.cfg.msink.AddSampleWithLabels(
			MetricRPCLatency,
			float32(d.cfg.clk.Since(entry.call.started).Milliseconds()),
			labels,
		)
	}
}

// handleFrame processes a frame received on an rpc stream. Returned
// errors are protocol violations of `from`.
func (d *dispatcher) handleFrame(from PeerID, body []byte) error {
	frame, err := unmarshalRPCFrame(body)
	if err != nil {
		return err
	}

	switch frame.kind {
	case rpcRequest:
		d.handleRequest(from, frame)
	default:
		d.handleResponse(from, frame)
	}
	return nil
}

func (d *dispatcher) handleResponse(from PeerID, frame *rpcFrame) {
	d.lk.Lock()
	entry, has := d.pending[frame.id]
	if !has || entry.call.Peer != from {
		d.lk.Unlock()
		d.cfg.logger.Debug(
			"discarding unexpected response",
			LabelPeerID.L(from),
			LabelRequestID.L(frame.id),
			LabelMethod.L(frame.method),
		)
		d.cfg.msink.IncrCounterWithLabels(MetricRPCDiscardedCount, 1.0, d.cfg.labels)
		return
	}
	delete(d.pending, frame.id)
	d.lk.Unlock()

	if frame.kind == rpcError {
		d.settle(entry, nil, &RemoteError{Method: entry.call.Method, Message: frame.err})
		return
	}

	d.settle(entry, frame.payload, nil)
	if d.deliver != nil {
		d.deliver(RPCEvent{
			Kind:      RPCResponse,
			RequestID: frame.id,
			Method:    frame.method,
			Peer:      from,
			Payload:   frame.payload,
		}, nil)
	}
}

func (d *dispatcher) handleRequest(from PeerID, frame *rpcFrame) {
	switch frame.method {
	case MetadataMethod:
		d.reply(from, frame.id, frame.method, d.cfg.metadata, nil)
		return
	case PingMethod:
		d.reply(from, frame.id, frame.method, frame.payload, nil)
		return
	}

	if d.deliver == nil {
		d.reply(from, frame.id, frame.method, nil, ErrNoHandler)
		return
	}

	d.deliver(RPCEvent{
		Kind:      RPCRequest,
		RequestID: frame.id,
		Method:    frame.method,
		Peer:      from,
		Payload:   frame.payload,
	}, func(payload []byte, err error) {
		d.reply(from, frame.id, frame.method, payload, err)
	})
}

func (d *dispatcher) reply(peer PeerID, id uint64, method string, payload []byte, err error) {
	if errors.Is(err, ErrDeferResponse) {
		d.deferResponse(peer, id, method)
		return
	}

	frame := &rpcFrame{id: id, kind: rpcResponse, method: method, payload: payload}
	if err != nil {
		frame.kind = rpcError
		frame.payload = nil
		frame.err = err.Error()
	}
	if serr := d.tr.sendFrame(peer, tagRPC, frame.marshal()); serr != nil {
		d.cfg.logger.Warn(
			"failed to send response",
			LabelPeerID.L(peer),
			LabelRequestID.L(id),
			LabelError.L(serr),
		)
	}
}

func (d *dispatcher) deferResponse(peer PeerID, id uint64, method string) {
	key := inboundKey{peer: peer, id: id}
	d.deferredLk.Lock()
	defer d.deferredLk.Unlock()
	if _, has := d.deferred[key]; has {
		return
	}
	d.deferred[key] = &deferredRequest{
		method: method,
		timer: d.cfg.clk.AfterFunc(d.cfg.timeout, func() {
			if d.takeDeferred(key) != nil {
				d.cfg.logger.Debug("deferred request expired", LabelPeerID.L(peer), LabelRequestID.L(id))
			}
		}),
	}
}

func (d *dispatcher) takeDeferred(key inboundKey) *deferredRequest {
	d.deferredLk.Lock()
	defer d.deferredLk.Unlock()
	req, has := d.deferred[key]
	if !has {
		return nil
	}
	delete(d.deferred, key)
	return req
}

// Respond answers a request whose handler returned `ErrDeferResponse`.
func (d *dispatcher) Respond(peer PeerID, id uint64, payload []byte) error {
	req := d.takeDeferred(inboundKey{peer: peer, id: id})
	if req == nil {
		return ErrUnknownRequest
	}
	req.timer.Stop()

	frame := &rpcFrame{id: id, kind: rpcResponse, method: req.method, payload: payload}
	if err := d.tr.sendFrame(peer, tagRPC, frame.marshal()); err != nil {
		return fmt.Errorf("%w: %w", ErrNoRoute, err)
	}
	return nil
}

// peerDisconnected resolves every call targeting `peer`.
func (d *dispatcher) peerDisconnected(peer PeerID) {
	d.lk.Lock()
	var gone []*pendingCall
	for id, entry := range d.pending {
		if entry.call.Peer == peer {
			gone = append(gone, entry)
			delete(d.pending, id)
		}
	}
	d.lk.Unlock()

	for _, entry := range gone {
		d.settle(entry, nil, ErrPeerDisconnected)
	}

	d.deferredLk.Lock()
	for key, req := range d.deferred {
		if key.peer == peer {
			req.timer.Stop()
			delete(d.deferred, key)
		}
	}
	d.deferredLk.Unlock()
}

func (d *dispatcher) pendingCount() int {
	d.lk.Lock()
	defer d.lk.Unlock()
	return len(d.pending)
}

func (d *dispatcher) close() {
	d.lk.Lock()
	if d.closed {
		d.lk.Unlock()
		return
	}
	d.closed = true
	gone := make([]*pendingCall, 0, len(d.pending))
	for id, entry := range d.pending {
		gone = append(gone, entry)
		delete(d.pending, id)
	}
	d.lk.Unlock()

	for _, entry := range gone {
		d.settle(entry, nil, ErrShutdown)
	}

	d.deferredLk.Lock()
	for key, req := range d.deferred {
		req.timer.Stop()
		delete(d.deferred, key)
	}
	d.deferredLk.Unlock()
}
