package mothra

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/serf/serf"
	"go.uber.org/multierr"
)

const (
	defaultPeerTTL = 10 * time.Minute

	// memberlist packets travel in QUIC datagrams, they must fit in a
	// single QUIC packet.
	maxMembershipPacket = 1100
)

// Node is a running peer: it owns the transport, the registry, the router,
// the dispatcher and the discovery strategies.
type Node struct {
	config   config
	identity Identity
	local    PeerID
	logger   *slog.Logger

	tr        *Transport
	reg       *registry
	router    *router
	rpc       *dispatcher
	bridge    *bridge
	disc      *discovery
	members   *membership
	bootstrap []bootstrapEntry

	// synchronisation
	lk sync.Mutex

	// 2-phase close:
	// phase 1: shutdown notification, graceful termination.
	// phase 2: drop, all resources are freed.
	shutdown   bool
	shutdownCh chan struct{}
	dropCh     chan struct{}
	wg         sync.WaitGroup
}

func defaultConfig(eventCh chan serf.Event) config {
	cfg := config{
		clk:          clock.New(),
		logLevel:     slog.LevelInfo,
		rpcTimeout:   DefaultRPCTimeout,
		peerTTL:      defaultPeerTTL,
		dedupSize:    DefaultDedupCacheSize,
		dedupTTL:     DefaultDedupTTL,
		dialAttempts: DefaultDialAttempts,
		dialBackoff:  defaultDialBackoff,
		forward:      ForwardInterested,
	}
	cfg.trCfg.BindPort = DefaultPort
	cfg.trCfg.GracePeriod = DefaultGracePeriod

	// Fine-tune Serf config.
	cfg.serfCfg = serf.DefaultConfig()
	// We will wait for QUIC buffers to flush anyway.
	cfg.serfCfg.LeavePropagateDelay = 4 * time.Second
	cfg.serfCfg.LogOutput = nil
	cfg.serfCfg.MemberlistConfig.ProbeTimeout = 2 * time.Second
	cfg.serfCfg.MemberlistConfig.UDPBufferSize = maxMembershipPacket
	cfg.serfCfg.QueueDepthWarning = 512
	// We don't do any smart routing decision, we don't need coordinates.
	cfg.serfCfg.DisableCoordinates = true
	// PeerIDs are base58 so they pass the validation.
	cfg.serfCfg.ValidateNodeNames = true
	// Discovery must react quickly to joins, there are no user events.
	cfg.serfCfg.CoalescePeriod = 0
	cfg.serfCfg.QuiescentPeriod = 0
	cfg.serfCfg.EventCh = eventCh
	return cfg
}

// Start brings a node up. `constants` must be `[name, version, protocol
// id]` and `args` are command-line arguments of the core, `opts` win over
// them. Start returns once we are bound, the network is joined in the
// background.
func Start(constants []string, args []string, opts ...Option) (*Node, error) {
	identity, err := ParseIdentity(constants)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}

	cargs, err := parseArgs(identity.Name, args)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}

	eventCh := make(chan serf.Event, 512)
	n := &Node{
		config:     defaultConfig(eventCh),
		identity:   identity,
		shutdownCh: make(chan struct{}),
		dropCh:     make(chan struct{}),
	}

	// Run options now that we have a non-nil Serf config.
	for _, opt := range append(cargs.options(), opts...) {
		if err := opt(&n.config); err != nil {
			return nil, fmt.Errorf("%w: %w: %w", ErrStartup, ErrInvalidCfg, err)
		}
	}

	n.bootstrap, err = parseBootstrap(n.config.bootstrap)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}

	// Logging implementations.
	if n.config.logHandler == nil {
		n.config.logHandler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: n.config.logLevel,
		})
		n.config.trCfg.LogHandler = n.config.logHandler
	}
	n.logger = slog.New(n.config.logHandler)
	n.config.serfCfg.Logger = slog.NewLogLogger(n.config.logHandler, slog.LevelDebug)
	n.config.serfCfg.MemberlistConfig.Logger = n.config.serfCfg.Logger

	// Metrics implementations.
	if n.config.msink == nil {
		n.config.msink = metrics.Default()
		n.config.trCfg.MetricSink = n.config.msink
	}

	if err := n.setupIdentity(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}
	n.logger = n.logger.With(LabelPeerID.L(n.local))

	// Initiate the transport layer.
	tr, err := NewTransport(&n.config.trCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}
	n.tr = tr

	defer func() {
		if err != nil {
			n.bridge.close()
			n.rpc.close()
			tr.Shutdown()
		}
	}()

	cfg := &n.config
	n.bridge = newBridge(cfg.handlers, n.logger, cfg.msink, cfg.metricLabels)
	n.reg = newRegistry(cfg.clk, cfg.peerTTL, n.logger, cfg.msink, cfg.metricLabels, n.evicted)
	n.router = newRouter(routerConfig{
		local:     n.local,
		policy:    cfg.forward,
		cacheSize: cfg.dedupSize,
		cacheTTL:  cfg.dedupTTL,
		logger:    n.logger,
		msink:     cfg.msink,
		labels:    cfg.metricLabels,
	}, tr, n.bridge.gossipReceived)
	n.rpc = newDispatcher(dispatcherConfig{
		local:    n.local,
		timeout:  cfg.rpcTimeout,
		metadata: cfg.metadata,
		clk:      cfg.clk,
		logger:   n.logger,
		msink:    cfg.msink,
		labels:   cfg.metricLabels,
	}, tr, n.bridge.rpcReceived)
	tr.serve(n.handleFrame)

	// Make memberlist use our transport, it is bound already so the port
	// is the real one even when the kernel picked it.
	bound := tr.LocalAddr()
	cfg.serfCfg.NodeName = string(n.local)
	cfg.serfCfg.Tags = map[string]string{
		tagAgent:    identity.Agent(),
		tagProtocol: identity.ProtocolID,
	}
	cfg.serfCfg.MemberlistConfig.Transport = tr
	cfg.serfCfg.MemberlistConfig.BindAddr = bound.IP.String()
	cfg.serfCfg.MemberlistConfig.BindPort = bound.Port
	cfg.serfCfg.MemberlistConfig.AdvertisePort = bound.Port

	n.members, err = newMembership(cfg.serfCfg, eventCh, cfg.clk, n.logger)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrStartup, err)
		return nil, err
	}

	strategies := []Strategy{&staticStrategy{entries: n.bootstrap}, n.members}
	if cfg.mdns {
		mdnsStrategy, merr := newMDNSStrategy(n.local, identity, bound.Port, cfg.mdnsInterval, cfg.clk, n.logger)
		if merr != nil {
			// mDNS is best effort, some hosts have no multicast.
			n.logger.Warn("mdns discovery disabled", LabelError.L(merr))
		} else {
			strategies = append(strategies, mdnsStrategy)
		}
	}
	strategies = append(strategies, cfg.strategies...)

	n.disc = newDiscovery(discoveryConfig{
		local:        n.local,
		protocolID:   identity.ProtocolID,
		dialAttempts: cfg.dialAttempts,
		dialBackoff:  cfg.dialBackoff,
		dialTimeout:  cfg.trCfg.DialTimeout,
		clk:          cfg.clk,
		logger:       n.logger,
		msink:        cfg.msink,
		labels:       cfg.metricLabels,
	}, n.reg, tr, n.bridge.discoveredPeer)
	n.disc.Start(strategies...)

	n.wg.Add(3)
	go n.handlePeerEvents()
	go n.handleJanitor()
	go n.joinNetwork()

	n.logger.Info(
		"node started",
		"identity", identity,
		LabelPeerAddr.L(bound.String()),
	)
	return n, nil
}

// setupIdentity derives our `PeerID` from the key we present to peers.
func (n *Node) setupIdentity() error {
	if n.config.trCfg.TlsConfig != nil {
		cert := n.config.trCfg.TlsConfig.Certificates[0]
		leaf := cert.Leaf
		if leaf == nil {
			var err error
			leaf, err = x509.ParseCertificate(cert.Certificate[0])
			if err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidCfg, err)
			}
		}
		local, err := PeerIDFromPublicKey(leaf.PublicKey)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		n.local = local
		n.config.trCfg.LocalID = local
		return nil
	}

	key := n.config.identityKey
	if key == nil {
		generated, err := GenerateIdentityKey()
		if err != nil {
			return err
		}
		key = generated
	}

	local, err := PeerIDFromPublicKey(key.Public())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	tlsConf, err := selfSignedTLSConfig(key, local)
	if err != nil {
		return err
	}
	n.local = local
	n.config.trCfg.LocalID = local
	n.config.trCfg.TlsConfig = tlsConf
	return nil
}

// LocalPeerID is our identity on the network.
func (n *Node) LocalPeerID() PeerID {
	return n.local
}

func (n *Node) Identity() Identity {
	return n.identity
}

// Addr is the UDP address the node is bound to.
func (n *Node) Addr() string {
	return n.tr.LocalAddr().String()
}

// Members is the view of the peer exchange.
func (n *Node) Members() []serf.Member {
	return n.members.members()
}

// Peers lists known peers sorted by `PeerID`.
func (n *Node) Peers(filter PeerFilter) []PeerRecord {
	return n.reg.List(filter)
}

// Publish sends `payload` to every peer interested in `topic`, we
// subscribe to `topic` if we were not.
func (n *Node) Publish(topic string, payload []byte) (MessageID, error) {
	if n.closed() {
		return MessageID{}, ErrNodeClosed
	}
	return n.router.Publish(topic, payload)
}

// PublishGossip is `Publish` for hosts handing raw bytes over.
func (n *Node) PublishGossip(topic []byte, payload []byte) error {
	if !utf8.Valid(topic) {
		return ErrInvalidTopic
	}
	_, err := n.Publish(string(topic), payload)
	return err
}

// Subscribe reports whether we were not already subscribed.
func (n *Node) Subscribe(topic string) (bool, error) {
	if n.closed() {
		return false, ErrNodeClosed
	}
	return n.router.Subscribe(topic)
}

// Unsubscribe reports whether we were subscribed.
func (n *Node) Unsubscribe(topic string) (bool, error) {
	if n.closed() {
		return false, ErrNodeClosed
	}
	return n.router.Unsubscribe(topic)
}

// Topics lists our subscriptions starting with `prefix`.
func (n *Node) Topics(prefix string) []string {
	return n.router.Topics(prefix)
}

// TopicPeers lists connected peers which announced interest in `topic`.
func (n *Node) TopicPeers(topic string) []PeerID {
	return n.router.TopicPeers(topic)
}

// SendRequest sends a request and returns at once, the result is read
// from the returned `Call`. The deadline of `ctx` bounds the request,
// otherwise the default RPC timeout applies.
func (n *Node) SendRequest(ctx context.Context, peer PeerID, method string, payload []byte) (*Call, error) {
	if n.closed() {
		return nil, ErrNodeClosed
	}
	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		timeout = n.config.clk.Until(deadline)
		if timeout <= 0 {
			return nil, ErrTimeout
		}
	}
	return n.rpc.SendRequest(peer, method, payload, timeout)
}

// Request sends a request and waits for its outcome.
func (n *Node) Request(ctx context.Context, peer PeerID, method string, payload []byte) ([]byte, error) {
	call, err := n.SendRequest(ctx, peer, method, payload)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

// Respond answers a request whose handler returned `ErrDeferResponse`.
func (n *Node) Respond(peer PeerID, requestID uint64, payload []byte) error {
	if n.closed() {
		return ErrNodeClosed
	}
	return n.rpc.Respond(peer, requestID, payload)
}

// Disconnect closes our connections to `peer` and forgets it.
func (n *Node) Disconnect(peer PeerID) bool {
	return n.reg.Evict(peer, EvictExplicit)
}

func (n *Node) closed() bool {
	n.lk.Lock()
	defer n.lk.Unlock()
	return n.shutdown
}

// Shutdown leaves the network and frees every resource. It is safe to call
// it from a handler, the callbacks already queued are dropped.
func (n *Node) Shutdown() error {
	// Phase 1: Shutdown notify.
	n.lk.Lock()
	if n.shutdown {
		n.lk.Unlock()
		return nil
	}
	n.shutdown = true
	close(n.shutdownCh)
	n.lk.Unlock()

	start := time.Now()
	n.logger.Info("shutting down...")

	n.logger.Info("shutdown: stop discovery")
	n.disc.close()

	n.logger.Info("shutdown: leave the network")
	err := n.members.leave()
	if err != nil {
		n.logger.Warn("shutdown: leave was not fully propagated", LabelError.L(err))
	}

	// Phase 2: Drop all resources.
	close(n.dropCh)
	n.logger.Info("shutdown: fail pending requests")
	n.rpc.close()
	n.bridge.close()

	n.logger.Info("shutdown: release transport")
	err = multierr.Append(err, n.tr.Shutdown())

	n.logger.Info("shutdown: wait for sub-tasks to finish")
	n.wg.Wait()

	n.logger.Info("shutdown: completed", "duration", time.Since(start))
	return err
}

// handleFrame dispatches the frames of gossip and rpc streams.
func (n *Node) handleFrame(peer PeerID, tag streamTag, body []byte) error {
	n.reg.Touch(peer)
	switch tag {
	case tagGossip:
		return n.router.handleFrame(peer, body)
	case tagRPC:
		return n.rpc.handleFrame(peer, body)
	default:
		return fmt.Errorf("%w: unexpected %s stream", ErrProtocolViolation, tag)
	}
}

func (n *Node) handlePeerEvents() {
	defer n.wg.Done()
	for {
		var ev peerEvent
		select {
		case ev = <-n.tr.peerEvents():
		case <-n.dropCh:
			return
		}

		if ev.connected {
			// the connection may be gone already.
			if !n.tr.isConnected(ev.peer) {
				continue
			}
			_, isNew := n.reg.MarkConnected(ev.peer, ev.addr)
			n.logger.Debug("peer connected", LabelPeerID.L(ev.peer), LabelPeerAddr.L(ev.addr))
			if isNew {
				n.bridge.discoveredPeer(ev.peer)
			}
			n.router.peerConnected(ev.peer)
		} else {
			// the peer may have reconnected since.
			if n.tr.isConnected(ev.peer) {
				continue
			}
			n.logger.Debug("peer disconnected", LabelPeerID.L(ev.peer))
			n.reg.MarkDisconnected(ev.peer)
			n.router.peerDisconnected(ev.peer)
			n.rpc.peerDisconnected(ev.peer)
		}
	}
}

func (n *Node) handleJanitor() {
	defer n.wg.Done()
	if n.config.peerTTL <= 0 {
		return
	}
	n.reg.runJanitor(n.shutdownCh)
}

// joinNetwork contacts the bootstrap peers, peers we fail to reach are
// rediscovered later through the ones we reached.
func (n *Node) joinNetwork() {
	defer n.wg.Done()
	if len(n.bootstrap) == 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-n.shutdownCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := n.members.join(ctx, n.bootstrap); err != nil && !errors.Is(err, context.Canceled) {
		n.logger.Warn("could not reach every bootstrap peer", LabelError.L(err))
	}
}

// evicted is called by the registry once a peer is forgotten.
func (n *Node) evicted(rec PeerRecord, reason EvictReason) {
	n.tr.ClosePeer(rec.ID, QErrEvicted, string(reason))
	n.router.peerDisconnected(rec.ID)
	n.rpc.peerDisconnected(rec.ID)
}
