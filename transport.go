package mothra

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	sockaddr "github.com/hashicorp/go-sockaddr"
	"github.com/hashicorp/memberlist"
	"github.com/quic-go/quic-go"
)

const (
	defaultUDPBufferSize int = 1 << 21
	DefaultPort              = 9000
	DefaultDialTimeout       = 10 * time.Second
	DefaultGracePeriod       = 2 * time.Second
	defaultWriteTimeout      = 10 * time.Second
)

// TransportConfig represents configuration of the QUIC transport.
type TransportConfig struct {
	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize crashes if the kernel doesn't allocate what we asked.
	// If that's false, we retry and divide by 2 the requested
	// `TransportConfig.BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// TlsConfig must present the identity key of the node.
	TlsConfig *tls.Config

	// BindAddr and BindPort are where we want the transport to listen.
	BindAddr string
	BindPort int

	// LocalID is our own `PeerID`, connections resolving to it are refused.
	LocalID PeerID

	// Resolver to resolve the `PeerID` from peer certificates.
	Resolver PeerIDResolver

	// MetricsLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// DialTimeout controls how much time we wait for connection and stream
	// establishment.
	DialTimeout time.Duration

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// GracePeriod is how long Shutdown waits for stream buffers to flush.
	GracePeriod time.Duration

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// frameHandler consumes the frames of gossip and rpc streams. Returning an
// error wrapping `ErrMalformedFrame` closes the connection of `peer`.
type frameHandler func(peer PeerID, tag streamTag, body []byte) error

// peerEvent is emitted when the first connection to a peer is established
// and when the last one goes away.
type peerEvent struct {
	peer      PeerID
	addr      string
	connected bool
}

// Transport multiplexes memberlist traffic, gossip and rpc streams on QUIC
// connections sharing a single UDP socket.
type Transport struct {
	cfg    *TransportConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool
	closeCh      chan struct{}
	wg           sync.WaitGroup

	onFrame frameHandler
	peerCh  chan peerEvent

	addrToPeer map[string]PeerID
	peersCxs   map[PeerID][]*peerCx
	peersLock  sync.RWMutex

	// Memberlist Protocol
	packetCh chan *memberlist.Packet
	streamCh chan net.Conn

	// QUIC layer
	tr *quic.Transport
	ln *quic.Listener

	// UDP layer
	udpLn *net.UDPConn
}

type peerCx struct {
	peer PeerID

	// closeCh is closed to wake-up stream garbage collectors.
	closeCh   chan struct{}
	closeOnce sync.Once

	writers   map[streamTag]*frameWriter
	writersLk sync.Mutex

	quic.Connection
}

func (pcx *peerCx) drain() {
	pcx.closeOnce.Do(func() { close(pcx.closeCh) })
}

func NewTransport(cfg *TransportConfig) (t *Transport, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}
	if cfg.LocalID == "" {
		return nil, fmt.Errorf("%w: transport needs the local peer id", ErrInvalidCfg)
	}

	tlsConf := cfg.TlsConfig.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{ALPN}
	}
	cfg.TlsConfig = tlsConf

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Resolver == nil {
		cfg.Resolver = PublicKeyResolver
	}

	t = &Transport{
		cfg:        cfg,
		closeCh:    make(chan struct{}),
		peerCh:     make(chan peerEvent, 512),
		addrToPeer: make(map[string]PeerID),
		peersCxs:   make(map[PeerID][]*peerCx),
		packetCh:   make(chan *memberlist.Packet),
		streamCh:   make(chan net.Conn),
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	defer func() {
		if err != nil {
			t.Shutdown()
		}
	}()

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}

	// port 0 lets the kernel pick one, see `LocalAddr`.
	udpAddr := &net.UDPAddr{IP: addr, Port: cfg.BindPort}
	udpLn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}

	if err := t.negotiateBufferSize(requested); err != nil {
		return nil, err
	}

	t.tr = &quic.Transport{
		Conn: udpLn,
	}

	ln, err := t.tr.Listen(t.cfg.TlsConfig, t.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}

	t.ln = ln
	return
}

// quicConfig is shared by the listener and the dialer, datagrams must be
// enabled on both sides for memberlist packets.
func (t *Transport) quicConfig() *quic.Config {
	return &quic.Config{
		Versions:              []quic.Version{quic.Version1, quic.Version2},
		EnableDatagrams:       true,
		Allow0RTT:             false,
		HandshakeIdleTimeout:  t.cfg.DialTimeout,
		MaxIncomingStreams:    1000,
		MaxIncomingUniStreams: 100,
		KeepAlivePeriod:       15 * time.Second,
		MaxIdleTimeout:        1 * time.Minute,
	}
}

// serve starts accepting connections, frames of gossip and rpc streams are
// handed to `handler`.
func (t *Transport) serve(handler frameHandler) {
	t.onFrame = handler
	t.wg.Add(1)
	go t.acceptCx()
}

// PeerEvents is fed with connection state changes of peers.
func (t *Transport) peerEvents() <-chan peerEvent {
	return t.peerCh
}

// LocalAddr is the address we are bound to.
func (t *Transport) LocalAddr() *net.UDPAddr {
	if t.udpLn == nil {
		return nil
	}
	return t.udpLn.LocalAddr().(*net.UDPAddr)
}

// FinalAdvertiseAddr always advertises the port we are bound to since
// peers dial back the source address of our packets.
func (t *Transport) FinalAdvertiseAddr(ip string, _ int) (net.IP, int, error) {
	if t.udpLn == nil {
		return nil, 0, ErrUdpNotAvailable
	}

	local := t.LocalAddr()
	port := local.Port

	var advertiseAddr net.IP
	switch {
	case ip != "":
		advertiseAddr = net.ParseIP(ip)
		if advertiseAddr == nil {
			return nil, 0, fmt.Errorf("%w: %s", ErrInvalidAddr, ip)
		}
	case local.IP.IsUnspecified():
		private, err := sockaddr.GetPrivateIP()
		if err != nil {
			return nil, 0, fmt.Errorf("transport: failed to get an interface address: %w", err)
		}
		if private == "" {
			return nil, 0, fmt.Errorf("%w: no private IP found, set an explicit listen address", ErrInvalidAddr)
		}
		advertiseAddr = net.ParseIP(private)
	default:
		advertiseAddr = local.IP
	}

	if ip4 := advertiseAddr.To4(); ip4 != nil {
		advertiseAddr = ip4
	}

	return advertiseAddr, port, nil
}

func (t *Transport) WriteTo(b []byte, addr string) (time.Time, error) {
	return t.WriteToAddress(b, memberlist.Address{
		Addr: addr,
	})
}

func (t *Transport) WriteToAddress(b []byte, addr memberlist.Address) (time.Time, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
	defer cancel()
	conn, err := t.getActiveCx(ctx, addr)
	if err != nil {
		return time.Time{}, err
	}

	ts := time.Now()
	err = conn.SendDatagram(b)
	if err == nil {
		t.msink.IncrCounterWithLabels(
			MetricDatagramOutBytes,
			float32(len(b)),
			t.labels(LabelPeerAddr.M(addr.Addr)),
		)
	} else {
		t.msink.IncrCounterWithLabels(
			MetricDatagramOutErrorCount,
			1.0,
			t.labels(LabelPeerAddr.M(addr.Addr)),
		)
	}
	return ts, err
}

func (t *Transport) PacketCh() <-chan *memberlist.Packet {
	return t.packetCh
}

func (t *Transport) DialTimeout(addr string, timeout time.Duration) (net.Conn, error) {
	return t.DialAddressTimeout(memberlist.Address{
		Addr: addr,
	}, timeout)
}

func (t *Transport) DialAddressTimeout(addr memberlist.Address, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	pcx, err := t.getActiveCx(ctx, addr)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount,
			1.0,
			t.labels(LabelError.M("no_conn_to_host"), LabelPeerAddr.M(addr.Addr)),
		)
		return nil, err
	}

	stream, err := pcx.OpenStreamSync(ctx)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount,
			1.0,
			t.labels(LabelError.M("cannot_open_stream"), LabelPeerAddr.M(addr.Addr)),
		)
		return nil, err
	}

	swrap := &streamWrapper{
		localAddr:  pcx.LocalAddr(),
		remoteAddr: pcx.RemoteAddr(),
		Stream:     stream,
	}

	go swrap.garbageCollector(pcx.closeCh)

	_, err = stream.Write([]byte{byte(tagMembership)})
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount,
			1.0,
			t.labels(LabelError.M("cannot_send_tag"), LabelPeerAddr.M(addr.Addr)),
		)
		return nil, fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}

	t.msink.IncrCounterWithLabels(
		MetricStreamEstOutCount,
		1.0,
		t.labels(LabelPeerAddr.M(addr.Addr), LabelStreamTag.M(tagMembership.String())),
	)
	return swrap, nil
}

func (t *Transport) StreamCh() <-chan net.Conn {
	return t.streamCh
}

// Connect dials `addr` unless we already have a connection to `expected`.
// When `expected` is not empty, the remote must resolve to it.
func (t *Transport) Connect(ctx context.Context, addr string, expected PeerID) (PeerID, error) {
	if t.gracefulTerm.Load() {
		return "", ErrShutdown
	}
	if expected != "" {
		if expected == t.cfg.LocalID {
			return "", ErrSelfDial
		}
		t.peersLock.RLock()
		_, has := t.firstActiveCx(expected)
		t.peersLock.RUnlock()
		if has {
			return expected, nil
		}
	}

	pcx, err := t.dial(ctx, addr, expected)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrConnect, err)
	}
	return pcx.peer, nil
}

// ClosePeer closes every connection to `peer`.
func (t *Transport) ClosePeer(peer PeerID, qerr QuicApplicationError, msg string) {
	t.peersLock.RLock()
	cxs := slices.Clone(t.peersCxs[peer])
	t.peersLock.RUnlock()

	for _, pcx := range cxs {
		pcx.drain()
		qerr.Close(pcx.Connection, msg)
	}
}

// sendFrame writes `body` on the `tag` stream of an active connection to
// `peer`, opening the stream if needed. A failed write closes the
// connection.
func (t *Transport) sendFrame(peer PeerID, tag streamTag, body []byte) error {
	if t.gracefulTerm.Load() {
		return ErrShutdown
	}
	if len(body) > MaxFrameSize {
		return ErrTooLargeFrame
	}

	t.peersLock.RLock()
	pcx, has := t.firstActiveCx(peer)
	t.peersLock.RUnlock()
	if !has {
		return fmt.Errorf("%w: %s", ErrNotConnected, peer)
	}

	w, err := t.writerFor(pcx, tag)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount,
			1.0,
			t.labels(LabelError.M("cannot_open_stream"), LabelStreamTag.M(tag.String())),
		)
		QErrInternal.Close(pcx.Connection, "failed to open stream")
		return fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}

	if err := w.write(body); err != nil {
		t.logger.Debug(
			"closing connection after failed write",
			LabelPeerID.L(peer),
			LabelStreamTag.L(tag.String()),
			LabelError.L(err),
		)
		QErrInternal.Close(pcx.Connection, "write failure")
		return fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}
	return nil
}

func (t *Transport) writerFor(pcx *peerCx, tag streamTag) (*frameWriter, error) {
	pcx.writersLk.Lock()
	defer pcx.writersLk.Unlock()
	if w, has := pcx.writers[tag]; has {
		return w, nil
	}

	ctx, cancel := context.WithTimeout(pcx.Context(), t.cfg.DialTimeout)
	defer cancel()
	stream, err := pcx.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, err
	}

	w, err := newFrameWriter(tag, stream, t.cfg.WriteTimeout)
	if err != nil {
		stream.CancelWrite(QErrStreamProtocolViolation)
		return nil, err
	}
	go w.garbageCollector(pcx.closeCh)

	pcx.writers[tag] = w
	t.msink.IncrCounterWithLabels(
		MetricStreamEstOutCount,
		1.0,
		t.labels(LabelPeerID.M(string(pcx.peer)), LabelStreamTag.M(tag.String())),
	)
	return w, nil
}

func (t *Transport) isConnected(peer PeerID) bool {
	t.peersLock.RLock()
	defer t.peersLock.RUnlock()
	_, has := t.firstActiveCx(peer)
	return has
}

// connectedPeers lists peers with at least one live connection.
func (t *Transport) connectedPeers() []PeerID {
	t.peersLock.RLock()
	found := make([]PeerID, 0, len(t.peersCxs))
	for peer := range t.peersCxs {
		if _, has := t.firstActiveCx(peer); has {
			found = append(found, peer)
		}
	}
	t.peersLock.RUnlock()
	slices.Sort(found)
	return found
}

func (t *Transport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}
	close(t.closeCh)

	t.peersLock.Lock()
	hasCxs := len(t.peersCxs) > 0
	for _, cxs := range t.peersCxs {
		for _, pcx := range cxs {
			pcx.drain()
		}
	}
	t.peersLock.Unlock()

	// SO_LINGER like behaviour until it is implemented in go-quic.
	if hasCxs && t.cfg.GracePeriod > 0 {
		time.Sleep(t.cfg.GracePeriod)
	}

	t.peersLock.Lock()
	for _, cxs := range t.peersCxs {
		for _, pcx := range cxs {
			QErrShutdown.Close(pcx.Connection, "we are shutting down! bye!")
		}
	}
	t.peersLock.Unlock()

	if t.ln != nil {
		t.ln.Close()
	}

	if t.tr != nil {
		t.tr.Close()
	}

	if t.udpLn != nil {
		t.udpLn.Close()
	}

	t.wg.Wait()
	return nil
}

func (t *Transport) negotiateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(
			MetricUDPBufferSizeBytes,
			float32(size),
			t.cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}

func (t *Transport) labels(extra ...metrics.Label) []metrics.Label {
	return append(slices.Clone(t.cfg.MetricLabels), extra...)
}

func (t *Transport) acceptCx() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept(context.Background())
		if err != nil {
			if !t.gracefulTerm.Load() {
				// NB(raskyld): atm, the implementation only return errors if
				// Close() has been called, that's why we make assumptions but
				// that's not a good design.
				t.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}

		if _, err := t.handleConn(conn, ""); err != nil {
			t.logger.Debug("refused inbound connection", LabelError.L(err))
		}
	}
}

func (t *Transport) emit(ev peerEvent) {
	select {
	case t.peerCh <- ev:
	case <-t.closeCh:
	}
}

func (t *Transport) waitForDatagrams(pcx *peerCx) {
	defer t.wg.Done()
	remoteAddr := pcx.RemoteAddr()
	ctx := pcx.Context()
	logger := t.logger.With(LabelPeerID.L(pcx.peer))
	mLabels := t.labels(LabelPeerAddr.M(remoteAddr.String()))

	for {
		buf, err := pcx.ReceiveDatagram(ctx)
		ts := time.Now()
		if t.gracefulTerm.Load() {
			logger.Debug("datagram listener gracefully shutting down")
			return
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.msink.IncrCounterWithLabels(
				MetricDatagramInErrorCount,
				1.0,
				append(slices.Clone(mLabels), LabelError.M("unknown")),
			)
			logger.Error("error reading datagram", LabelError.L(err))
			continue
		}

		n := len(buf)
		if n < 1 {
			t.msink.IncrCounterWithLabels(
				MetricDatagramInErrorCount,
				1.0,
				append(slices.Clone(mLabels), LabelError.M("too_small")),
			)
			logger.Error("received a too short datagram", "length", n)
			continue
		}

		t.msink.IncrCounterWithLabels(MetricDatagramInBytes, float32(n), mLabels)
		select {
		case t.packetCh <- &memberlist.Packet{
			Buf:       buf,
			From:      remoteAddr,
			Timestamp: ts,
		}:
		case <-t.closeCh:
			return
		}
	}
}

// handleStreams accepts bidirectional streams, only memberlist uses them.
func (t *Transport) handleStreams(pcx *peerCx) {
	defer t.wg.Done()
	ctx := pcx.Context()
	logger := t.logger.With(LabelPeerID.L(pcx.peer))
	mLabels := t.labels(LabelPeerAddr.M(pcx.RemoteAddr().String()))

	for {
		stream, err := pcx.AcceptStream(ctx)
		if t.gracefulTerm.Load() {
			logger.Debug("stream listener gracefully shutting down")
			return
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("error accepting stream", LabelError.L(err))
			t.msink.IncrCounterWithLabels(
				MetricStreamEstInErrorCount,
				1.0,
				append(slices.Clone(mLabels), LabelError.M("unknown")),
			)
			continue
		}

		swrap := &streamWrapper{
			localAddr:  pcx.LocalAddr(),
			remoteAddr: pcx.RemoteAddr(),
			Stream:     stream,
		}

		// When a connection should be closed, it will first
		// close its `closeCh` channel and wait for its streams
		// to finish draining their buffers.
		go swrap.garbageCollector(pcx.closeCh)

		t.wg.Add(1)
		go t.handoverMembershipStream(pcx, swrap, mLabels)
	}
}

func (t *Transport) handoverMembershipStream(pcx *peerCx, swrap *streamWrapper, mLabels []metrics.Label) {
	defer t.wg.Done()
	logger := t.logger.With(LabelPeerID.L(pcx.peer), LabelStreamID.L(swrap.StreamID()))

	var tag [1]byte
	swrap.SetReadDeadline(time.Now().Add(t.cfg.DialTimeout))
	if _, err := io.ReadFull(swrap, tag[:]); err != nil {
		t.msink.IncrCounterWithLabels(
			MetricStreamEstInErrorCount,
			1.0,
			append(slices.Clone(mLabels), LabelError.M("no_stream_tag")),
		)
		logger.Debug("error waiting for stream tag", LabelError.L(err))
		swrap.CancelRead(QErrStreamProtocolViolation)
		swrap.CancelWrite(QErrStreamProtocolViolation)
		return
	}
	swrap.SetReadDeadline(time.Time{})

	if streamTag(tag[0]) != tagMembership {
		logger.Warn("protocol violation: unexpected tag on bidirectional stream", LabelStreamTag.L(streamTag(tag[0]).String()))
		t.msink.IncrCounterWithLabels(
			MetricStreamEstInErrorCount,
			1.0,
			append(slices.Clone(mLabels), LabelError.M("protocol_violation")),
		)
		swrap.CancelRead(QErrStreamProtocolViolation)
		swrap.CancelWrite(QErrStreamProtocolViolation)
		return
	}

	t.msink.IncrCounterWithLabels(
		MetricStreamEstInCount,
		1.0,
		append(slices.Clone(mLabels), LabelStreamTag.M(tagMembership.String())),
	)
	select {
	case t.streamCh <- swrap:
	case <-t.closeCh:
		swrap.Close()
	}
}

// handleUniStreams accepts the gossip and rpc streams opened by the peer.
func (t *Transport) handleUniStreams(pcx *peerCx) {
	defer t.wg.Done()
	ctx := pcx.Context()
	for {
		stream, err := pcx.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		t.wg.Add(1)
		go t.serveStream(pcx, stream)
	}
}

func (t *Transport) serveStream(pcx *peerCx, stream quic.ReceiveStream) {
	defer t.wg.Done()
	logger := t.logger.With(LabelPeerID.L(pcx.peer), LabelStreamID.L(stream.StreamID()))
	mLabels := t.labels(LabelPeerID.M(string(pcx.peer)))

	r := bufio.NewReader(stream)
	b, err := r.ReadByte()
	if err != nil {
		logger.Debug("stream closed before its tag", LabelError.L(err))
		return
	}

	tag := streamTag(b)
	if tag != tagGossip && tag != tagRPC {
		logger.Warn("protocol violation: unexpected tag on unidirectional stream", LabelStreamTag.L(tag.String()))
		t.msink.IncrCounterWithLabels(
			MetricStreamEstInErrorCount,
			1.0,
			append(mLabels, LabelError.M("protocol_violation")),
		)
		QErrProtocolViolation.Close(pcx.Connection, fmt.Sprintf("unexpected stream tag %s", tag))
		return
	}

	t.msink.IncrCounterWithLabels(MetricStreamEstInCount, 1.0, append(slices.Clone(mLabels), LabelStreamTag.M(tag.String())))
	err = serveFrames(r, pcx.peer, tag, t.onFrame)
	if errors.Is(err, ErrMalformedFrame) {
		logger.Warn("protocol violation: closing connection", LabelError.L(err))
		t.msink.IncrCounterWithLabels(
			MetricFrameMalformedCount,
			1.0,
			append(mLabels, LabelStreamTag.M(tag.String())),
		)
		QErrProtocolViolation.Close(pcx.Connection, err.Error())
		return
	}
	if err != nil && !t.gracefulTerm.Load() && pcx.Context().Err() == nil {
		logger.Debug("stream broken", LabelError.L(err))
	}
}

// serveFrames hands every frame read from `r` to `handler` until the
// stream ends. A nil error means the remote closed the stream cleanly.
func serveFrames(r *bufio.Reader, peer PeerID, tag streamTag, handler frameHandler) error {
	for {
		body, err := readFrame(r, MaxFrameSize)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if handler == nil {
			continue
		}
		if err := handler(peer, tag, body); err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				return err
			}
			return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
		}
	}
}

// watchConn waits for the connection to end and forgets it.
func (t *Transport) watchConn(pcx *peerCx) {
	defer t.wg.Done()
	<-pcx.Context().Done()
	pcx.drain()

	t.peersLock.Lock()
	last := false
	if cxs, has := t.peersCxs[pcx.peer]; has {
		cxs = slices.DeleteFunc(cxs, func(other *peerCx) bool { return other == pcx })
		if len(cxs) == 0 {
			delete(t.peersCxs, pcx.peer)
			last = true
		} else {
			t.peersCxs[pcx.peer] = cxs
		}
	}
	t.peersLock.Unlock()

	if last && !t.gracefulTerm.Load() {
		t.logger.Debug("peer disconnected", LabelPeerID.L(pcx.peer))
		t.emit(peerEvent{peer: pcx.peer, addr: pcx.RemoteAddr().String()})
	}
}

func (t *Transport) getActiveCx(
	ctx context.Context,
	target memberlist.Address,
) (*peerCx, error) {
	t.peersLock.RLock()
	var dest PeerID
	if target.Name != "" {
		dest = PeerID(target.Name)
	} else {
		resolved, ok := t.addrToPeer[target.Addr]
		if !ok {
			t.peersLock.RUnlock()
			return t.dial(ctx, target.Addr, "")
		}
		dest = resolved
	}

	pcx, hasCx := t.firstActiveCx(dest)
	t.peersLock.RUnlock()
	if hasCx {
		return pcx, nil
	}

	return t.dial(ctx, target.Addr, dest)
}

func (t *Transport) dial(ctx context.Context, target string, expected PeerID) (*peerCx, error) {
	host, _, err := net.SplitHostPort(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	tlsConf := t.cfg.TlsConfig.Clone()
	if tlsConf.ServerName == "" {
		tlsConf.ServerName = host
	}

	cx, err := t.tr.Dial(ctx, addr, tlsConf, t.quicConfig())
	if t.gracefulTerm.Load() {
		if cx != nil {
			QErrShutdown.Close(cx, "we are shutting down! bye!")
		}
		return nil, ErrShutdown
	}
	if err != nil {
		return nil, err
	}

	return t.handleConn(cx, expected)
}

// not thread safe!
// must be called by an holder of Read lock
func (t *Transport) firstActiveCx(dest PeerID) (*peerCx, bool) {
	cxs, hasCxs := t.peersCxs[dest]
	if !hasCxs {
		return nil, false
	}

	for _, pcx := range cxs {
		if pcx.Context().Err() == nil {
			return pcx, true
		}
	}

	return nil, false
}

func (t *Transport) handleConn(conn quic.Connection, expected PeerID) (*peerCx, error) {
	remote := conn.RemoteAddr().String()
	logger := t.logger.With(LabelPeerAddr.L(remote))
	mLabels := t.labels(LabelPeerAddr.M(remote))

	peer, err, uerr := t.cfg.Resolver(conn.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		logger.Error("failed to resolve peer id", LabelError.L(err))
		t.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			append(mLabels, LabelError.M("identity_resolution")),
		)
		if uerr == "" {
			QErrInternal.Close(conn, "unexpected error during peer id resolution")
		} else {
			QErrIdentity.Close(conn, fmt.Sprintf("error during resolution: %s", uerr))
		}
		return nil, ErrIdentityResolve
	}

	if peer == t.cfg.LocalID {
		t.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			append(mLabels, LabelError.M("self")),
		)
		QErrIdentity.Close(conn, "connected to ourselves")
		return nil, ErrSelfDial
	}

	if expected != "" && peer != expected {
		logger.Warn("remote peer is not the one we dialed", LabelPeerID.L(peer), "expected", expected)
		t.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			append(mLabels, LabelError.M("identity_mismatch")),
		)
		QErrIdentity.Close(conn, "you are not the peer we expected")
		return nil, fmt.Errorf("%w: got %s", ErrIdentityMismatch, peer)
	}

	pcx := &peerCx{
		peer:       peer,
		closeCh:    make(chan struct{}),
		writers:    make(map[streamTag]*frameWriter),
		Connection: conn,
	}

	t.peersLock.Lock()
	if t.gracefulTerm.Load() {
		t.peersLock.Unlock()
		QErrShutdown.Close(conn, "we are shutting down! bye!")
		return nil, ErrShutdown
	}
	t.addrToPeer[remote] = peer
	_, hadCx := t.firstActiveCx(peer)
	t.peersCxs[peer] = append(t.gcCxs(peer), pcx)
	t.wg.Add(4)
	t.peersLock.Unlock()

	t.msink.IncrCounterWithLabels(
		MetricConnEstCount,
		1.0,
		append(mLabels, LabelPeerID.M(string(peer))),
	)

	go t.waitForDatagrams(pcx)
	go t.handleStreams(pcx)
	go t.handleUniStreams(pcx)
	go t.watchConn(pcx)

	if !hadCx {
		logger.Debug("peer connected", LabelPeerID.L(peer))
		t.emit(peerEvent{peer: peer, addr: remote, connected: true})
	}
	return pcx, nil
}

// not thread safe!
// must be called by an holder of Write lock
func (t *Transport) gcCxs(dest PeerID) []*peerCx {
	cxs := t.peersCxs[dest]
	return slices.DeleteFunc(cxs, func(pcx *peerCx) bool {
		return pcx.Context().Err() != nil
	})
}
