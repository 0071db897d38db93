package mothra

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/hashicorp/go-metrics"
)

// Handlers are the callbacks through which a `Node` reports network
// events. Each callback is invoked from its own goroutine and never
// concurrently with itself, handlers may call any `Node` method.
type Handlers struct {
	// DiscoveredPeer is called once per newly discovered `PeerID`.
	DiscoveredPeer func(PeerID)

	// GossipReceived is called at most once per `MessageID`, for topics
	// the node is subscribed to.
	GossipReceived func(GossipMessage)

	// RPCReceived is called for inbound requests and for the responses
	// to our own requests. For requests, the returned payload is sent back,
	// a non-nil error is reported to the caller as a `RemoteError` unless it
	// is `ErrDeferResponse`. The return values are ignored for responses.
	RPCReceived func(RPCEvent) ([]byte, error)
}

// RPCKind is the request/response discriminator of an `RPCEvent`.
type RPCKind int

const (
	RPCRequest RPCKind = iota
	RPCResponse
)

func (kind RPCKind) String() string {
	if kind == RPCRequest {
		return "request"
	}
	return "response"
}

type RPCEvent struct {
	Kind      RPCKind
	RequestID uint64
	Method    string
	Peer      PeerID
	Payload   []byte
}

// bridge serializes the delivery of events to the host, one queue per
// callback kind.
type bridge struct {
	handlers   Handlers
	discovered *serialQueue
	gossip     *serialQueue
	rpc        *serialQueue
}

func newBridge(handlers Handlers, logger *slog.Logger, msink metrics.MetricSink, labels []metrics.Label) *bridge {
	return &bridge{
		handlers:   handlers,
		discovered: newSerialQueue("discovered_peer", logger, msink, labels),
		gossip:     newSerialQueue("gossip_received", logger, msink, labels),
		rpc:        newSerialQueue("rpc_received", logger, msink, labels),
	}
}

func (b *bridge) discoveredPeer(id PeerID) {
	handler := b.handlers.DiscoveredPeer
	if handler == nil {
		return
	}
	b.discovered.push(func() { handler(id) })
}

func (b *bridge) gossipReceived(msg GossipMessage) {
	handler := b.handlers.GossipReceived
	if handler == nil {
		return
	}
	b.gossip.push(func() { handler(msg) })
}

// rpcReceived delivers `ev`, `reply` is then called exactly once with the
// outcome of the handler, even if it panicked.
func (b *bridge) rpcReceived(ev RPCEvent, reply func([]byte, error)) {
	handler := b.handlers.RPCReceived
	if handler == nil {
		if reply != nil {
			reply(nil, ErrNoHandler)
		}
		return
	}

	pushed := b.rpc.push(func() {
		var payload []byte
		err := ErrHandlerPanic
		defer func() {
			if reply != nil {
				reply(payload, err)
			}
		}()
		payload, err = handler(ev)
	})
	if !pushed && reply != nil {
		reply(nil, ErrShutdown)
	}
}

// close stops the workers, pending events are dropped. It does not wait
// for a running handler so it is safe to call from one.
func (b *bridge) close() {
	b.discovered.close()
	b.gossip.close()
	b.rpc.close()
}

// serialQueue is an unbounded FIFO consumed by a single worker: pushing
// never blocks, whatever the host does in its handlers.
type serialQueue struct {
	name   string
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	items  []func()
	closed bool
	lk     sync.Mutex
	wake   chan struct{}
	done   chan struct{}
}

func newSerialQueue(name string, logger *slog.Logger, msink metrics.MetricSink, labels []metrics.Label) *serialQueue {
	if msink == nil {
		msink = &metrics.BlackholeSink{}
	}
	q := &serialQueue{
		name:   name,
		logger: logger.With(LabelCallback.L(name)),
		msink:  msink,
		labels: append(slices.Clone(labels), LabelCallback.M(name)),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *serialQueue) push(fn func()) bool {
	q.lk.Lock()
	if q.closed {
		q.lk.Unlock()
		return false
	}
	q.items = append(q.items, fn)
	depth := len(q.items)
	q.lk.Unlock()

	q.msink.SetGaugeWithLabels(MetricCallbackQueueDepth, float32(depth), q.labels)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *serialQueue) run() {
	defer close(q.done)
	for {
		q.lk.Lock()
		for len(q.items) == 0 {
			if q.closed {
				q.lk.Unlock()
				return
			}
			q.lk.Unlock()
			<-q.wake
			q.lk.Lock()
		}
		if q.closed {
			q.lk.Unlock()
			return
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.lk.Unlock()

		q.invoke(fn)
	}
}

func (q *serialQueue) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("callback panicked", LabelError.L(fmt.Sprint(r)))
			q.msink.IncrCounterWithLabels(MetricCallbackPanicCount, 1.0, q.labels)
		}
	}()
	fn()
}

func (q *serialQueue) close() {
	q.lk.Lock()
	if q.closed {
		q.lk.Unlock()
		return
	}
	q.closed = true
	q.items = nil
	q.lk.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}
