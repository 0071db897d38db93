package mothra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
)

const (
	DefaultDialAttempts = 5
	defaultDialBackoff  = 500 * time.Millisecond
	defaultMaxBackoff   = 30 * time.Second
	defaultDialWorkers  = 8
)

// Candidate is a peer found by a `Strategy`.
type Candidate struct {
	ID         PeerID
	Addr       string
	Agent      string
	ProtocolID string
}

// Strategy is a way of finding peers. `Run` reports candidates through
// `found` until `ctx` is done, the same peer may be reported many times.
type Strategy interface {
	Name() string
	Run(ctx context.Context, found func(Candidate)) error
}

type bootstrapEntry struct {
	id   PeerID
	addr string
}

// joinAddr is the form memberlist understands, naming the node lets the
// transport check whom it reached.
func (e bootstrapEntry) joinAddr() string {
	if e.id == "" {
		return e.addr
	}
	return string(e.id) + "/" + e.addr
}

// parseBootstrap accepts `host:port` and `<peer id>@host:port` entries.
func parseBootstrap(entries []string) ([]bootstrapEntry, error) {
	parsed := make([]bootstrapEntry, 0, len(entries))
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}

		var be bootstrapEntry
		addr := entry
		if at := strings.LastIndex(entry, "@"); at >= 0 {
			id, err := ParsePeerID(entry[:at])
			if err != nil {
				return nil, fmt.Errorf("%w: %q: %w", ErrInvalidBootstrap, raw, err)
			}
			be.id = id
			addr = entry[at+1:]
		}

		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidBootstrap, raw, err)
		}
		if host == "" {
			return nil, fmt.Errorf("%w: %q: missing host", ErrInvalidBootstrap, raw)
		}
		if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("%w: %q: invalid port", ErrInvalidBootstrap, raw)
		}
		be.addr = addr
		parsed = append(parsed, be)
	}
	return parsed, nil
}

// staticStrategy reports the bootstrap entries whose `PeerID` is known.
type staticStrategy struct {
	entries []bootstrapEntry
}

func (s *staticStrategy) Name() string {
	return "static"
}

func (s *staticStrategy) Run(_ context.Context, found func(Candidate)) error {
	for _, e := range s.entries {
		if e.id != "" {
			found(Candidate{ID: e.id, Addr: e.addr})
		}
	}
	return nil
}

type connector interface {
	Connect(ctx context.Context, addr string, expected PeerID) (PeerID, error)
}

type discoveryConfig struct {
	local        PeerID
	protocolID   string
	dialAttempts int
	dialBackoff  time.Duration
	maxBackoff   time.Duration
	dialTimeout  time.Duration
	dialWorkers  int
	clk          clock.Clock
	logger       *slog.Logger
	msink        metrics.MetricSink
	labels       []metrics.Label
}

// discovery feeds the registry with candidates and dials the new ones
// from a pool of workers, strategies never wait on a dial.
type discovery struct {
	cfg    discoveryConfig
	reg    *registry
	conn   connector
	notify func(PeerID)

	dialCh chan PeerID
	queued map[PeerID]struct{}
	lk     sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newDiscovery(cfg discoveryConfig, reg *registry, conn connector, notify func(PeerID)) *discovery {
	if cfg.dialAttempts <= 0 {
		cfg.dialAttempts = DefaultDialAttempts
	}
	if cfg.dialBackoff <= 0 {
		cfg.dialBackoff = defaultDialBackoff
	}
	if cfg.maxBackoff <= 0 {
		cfg.maxBackoff = defaultMaxBackoff
	}
	if cfg.dialTimeout <= 0 {
		cfg.dialTimeout = DefaultDialTimeout
	}
	if cfg.dialWorkers <= 0 {
		cfg.dialWorkers = defaultDialWorkers
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

	ctx, cancel := context.WithCancel(context.Background())
	return &discovery{
		cfg:    cfg,
		reg:    reg,
		conn:   conn,
		notify: notify,
		dialCh: make(chan PeerID, 1024),
		queued: make(map[PeerID]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start runs the dialers and every strategy in the background.
func (d *discovery) Start(strategies ...Strategy) {
	for range d.cfg.dialWorkers {
		d.wg.Add(1)
		go d.dialWorker()
	}

	for _, strategy := range strategies {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			logger := d.cfg.logger.With(LabelStrategy.L(strategy.Name()))
			logger.Debug("discovery strategy started")
			if err := strategy.Run(d.ctx, d.candidate); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("discovery strategy stopped", LabelError.L(err))
			}
		}()
	}
}

func (d *discovery) close() {
	d.cancel()
	d.wg.Wait()
}

// candidate is called by strategies, it must never block on the network.
func (d *discovery) candidate(c Candidate) {
	if c.ID == "" || c.ID == d.cfg.local {
		return
	}
	if c.ProtocolID != "" && c.ProtocolID != d.cfg.protocolID {
		d.cfg.logger.Debug(
			"ignoring peer speaking another protocol",
			LabelPeerID.L(c.ID),
			"protocol", c.ProtocolID,
		)
		return
	}

	rec, isNew := d.reg.Upsert(c.ID, c.Addr)
	if c.Agent != "" || c.ProtocolID != "" {
		d.reg.SetIdentify(c.ID, c.Agent, c.ProtocolID)
	}

	if isNew {
		d.cfg.logger.Info("discovered peer", LabelPeerID.L(c.ID), LabelPeerAddr.L(c.Addr))
		d.cfg.msink.IncrCounterWithLabels(MetricPeerDiscoveredCount, 1.0, d.cfg.labels)
		if d.notify != nil {
			d.notify(c.ID)
		}
	}

	if rec.State == Disconnected {
		d.enqueueDial(c.ID)
	}
}

func (d *discovery) enqueueDial(id PeerID) {
	d.lk.Lock()
	if _, has := d.queued[id]; has {
		d.lk.Unlock()
		return
	}
	d.queued[id] = struct{}{}
	d.lk.Unlock()

	select {
	case d.dialCh <- id:
	default:
		// the peer will be rediscovered later on.
		d.lk.Lock()
		delete(d.queued, id)
		d.lk.Unlock()
		d.cfg.logger.Warn("dial queue is full, dropping candidate", LabelPeerID.L(id))
	}
}

func (d *discovery) dialWorker() {
	defer d.wg.Done()
	for {
		var id PeerID
		select {
		case <-d.ctx.Done():
			return
		case id = <-d.dialCh:
		}

		d.lk.Lock()
		delete(d.queued, id)
		d.lk.Unlock()

		d.dialPeer(id)
	}
}

// dialPeer tries every known address of `id` with an exponential backoff
// between rounds, the peer is evicted once every attempt failed.
func (d *discovery) dialPeer(id PeerID) {
	if !d.reg.MarkConnecting(id) {
		return
	}
	logger := d.cfg.logger.With(LabelPeerID.L(id))

	backoff := d.cfg.dialBackoff
	var lastErr error
	for attempt := 1; attempt <= d.cfg.dialAttempts; attempt++ {
		rec, ok := d.reg.Get(id)
		if !ok || rec.State == Connected {
			return
		}

		// newest addresses first.
		addrs := slices.Clone(rec.Addrs)
		slices.Reverse(addrs)
		for _, addr := range addrs {
			d.cfg.msink.IncrCounterWithLabels(MetricDialAttemptCount, 1.0, d.cfg.labels)
			ctx, cancel := context.WithTimeout(d.ctx, d.cfg.dialTimeout)
			_, err := d.conn.Connect(ctx, addr, id)
			cancel()
			if err == nil {
				return
			}
			lastErr = err
			d.cfg.msink.IncrCounterWithLabels(MetricDialErrorCount, 1.0, d.cfg.labels)
			if d.ctx.Err() != nil || errors.Is(err, ErrShutdown) {
				return
			}
		}

		logger.Debug("dial attempt failed", "attempt", attempt, LabelError.L(lastErr))
		if attempt == d.cfg.dialAttempts {
			break
		}

		select {
		case <-d.ctx.Done():
			return
		case <-d.cfg.clk.After(backoff):
		}
		backoff = min(backoff*2, d.cfg.maxBackoff)
	}

	d.reg.MarkFailed(id)
	logger.Info("evicting peer", LabelError.L(fmt.Errorf("%w: %w", ErrPeerUnreachable, lastErr)))
	d.reg.MarkUnreachable(id)
}
