package mothra

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
)

// MaxPeerAddrs bounds how many addresses we remember per peer, the most
// recently discovered ones are kept.
const MaxPeerAddrs = 20

type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// PeerRecord is a snapshot of what we know about a peer.
type PeerRecord struct {
	ID         PeerID
	Addrs      []string
	State      ConnState
	LastSeen   time.Time
	Agent      string
	ProtocolID string
	Failures   int
}

func (rec *PeerRecord) clone() PeerRecord {
	cp := *rec
	cp.Addrs = slices.Clone(rec.Addrs)
	return cp
}

func (rec PeerRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", rec.ID.Short()),
		slog.String("state", rec.State.String()),
		slog.Int("addrs", len(rec.Addrs)),
	)
}

type PeerFilter int

const (
	FilterAll PeerFilter = iota
	FilterConnected
)

// EvictReason tells the eviction hook why a peer went away.
type EvictReason string

const (
	EvictExpired     EvictReason = "expired"
	EvictUnreachable EvictReason = "unreachable"
	EvictExplicit    EvictReason = "explicit"
)

// registry holds at most one `PeerRecord` per `PeerID`.
type registry struct {
	clk    clock.Clock
	ttl    time.Duration
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	peers map[PeerID]*PeerRecord
	lk    sync.RWMutex

	// onEvict is invoked outside of the lock, so it can call back into the
	// registry.
	onEvict func(PeerRecord, EvictReason)
}

func newRegistry(
	clk clock.Clock,
	ttl time.Duration,
	logger *slog.Logger,
	msink metrics.MetricSink,
	labels []metrics.Label,
	onEvict func(PeerRecord, EvictReason),
) *registry {
	if msink == nil {
		msink = &metrics.BlackholeSink{}
	}
	return &registry{
		clk:     clk,
		ttl:     ttl,
		logger:  logger,
		msink:   msink,
		labels:  labels,
		peers:   make(map[PeerID]*PeerRecord),
		onEvict: onEvict,
	}
}

// Upsert merges `addr` into the record of `id`, creating it if needed.
// The boolean reports whether `id` was unknown until now.
func (r *registry) Upsert(id PeerID, addr string) (PeerRecord, bool) {
	r.lk.Lock()
	defer r.lk.Unlock()
	rec, isNew := r.getOrCreate(id)
	r.addAddr(rec, addr)
	rec.LastSeen = r.clk.Now()
	return rec.clone(), isNew
}

// not thread safe!
// must be called by an holder of Write lock
func (r *registry) getOrCreate(id PeerID) (*PeerRecord, bool) {
	rec, has := r.peers[id]
	if has {
		return rec, false
	}
	rec = &PeerRecord{ID: id, State: Disconnected}
	r.peers[id] = rec
	return rec, true
}

// not thread safe!
// must be called by an holder of Write lock
func (r *registry) addAddr(rec *PeerRecord, addr string) {
	if addr == "" || slices.Contains(rec.Addrs, addr) {
		return
	}
	rec.Addrs = append(rec.Addrs, addr)
	if len(rec.Addrs) > MaxPeerAddrs {
		rec.Addrs = slices.Delete(rec.Addrs, 0, len(rec.Addrs)-MaxPeerAddrs)
	}
}

// MarkConnecting returns false if the peer is unknown or already past
// that state, the caller should not dial it then.
func (r *registry) MarkConnecting(id PeerID) bool {
	r.lk.Lock()
	defer r.lk.Unlock()
	rec, has := r.peers[id]
	if !has || rec.State != Disconnected {
		return false
	}
	rec.State = Connecting
	return true
}

// MarkConnected is also used for inbound connections, so unknown peers are
// registered on the fly.
func (r *registry) MarkConnected(id PeerID, addr string) (PeerRecord, bool) {
	r.lk.Lock()
	defer r.lk.Unlock()
	rec, isNew := r.getOrCreate(id)
	r.addAddr(rec, addr)
	rec.State = Connected
	rec.Failures = 0
	rec.LastSeen = r.clk.Now()
	r.reportConnected()
	return rec.clone(), isNew
}

func (r *registry) MarkDisconnected(id PeerID) {
	r.lk.Lock()
	defer r.lk.Unlock()
	rec, has := r.peers[id]
	if !has {
		return
	}
	rec.State = Disconnected
	rec.LastSeen = r.clk.Now()
	r.reportConnected()
}

// not thread safe!
// must be called by an holder of Write lock
func (r *registry) reportConnected() {
	connected := 0
	for _, rec := range r.peers {
		if rec.State == Connected {
			connected++
		}
	}
	r.msink.SetGaugeWithLabels(MetricPeerConnected, float32(connected), r.labels)
}

// MarkFailed records a failed dial attempt.
func (r *registry) MarkFailed(id PeerID) int {
	r.lk.Lock()
	defer r.lk.Unlock()
	rec, has := r.peers[id]
	if !has {
		return 0
	}
	rec.Failures++
	if rec.State == Connecting {
		rec.State = Disconnected
	}
	return rec.Failures
}

// MarkUnreachable evicts a peer we gave up dialing.
func (r *registry) MarkUnreachable(id PeerID) bool {
	return r.Evict(id, EvictUnreachable)
}

func (r *registry) SetIdentify(id PeerID, agent, protocolID string) {
	r.lk.Lock()
	defer r.lk.Unlock()
	rec, has := r.peers[id]
	if !has {
		return
	}
	rec.Agent = agent
	rec.ProtocolID = protocolID
}

func (r *registry) Touch(id PeerID) {
	r.lk.Lock()
	defer r.lk.Unlock()
	if rec, has := r.peers[id]; has {
		rec.LastSeen = r.clk.Now()
	}
}

func (r *registry) Get(id PeerID) (PeerRecord, bool) {
	r.lk.RLock()
	defer r.lk.RUnlock()
	rec, has := r.peers[id]
	if !has {
		return PeerRecord{}, false
	}
	return rec.clone(), true
}

// List returns records ordered by `PeerID`.
func (r *registry) List(filter PeerFilter) []PeerRecord {
	r.lk.RLock()
	found := make([]PeerRecord, 0, len(r.peers))
	for _, rec := range r.peers {
		if filter == FilterConnected && rec.State != Connected {
			continue
		}
		found = append(found, rec.clone())
	}
	r.lk.RUnlock()

	slices.SortFunc(found, func(a, b PeerRecord) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return found
}

func (r *registry) Evict(id PeerID, reason EvictReason) bool {
	r.lk.Lock()
	rec, has := r.peers[id]
	if has {
		delete(r.peers, id)
		r.reportConnected()
	}
	r.lk.Unlock()

	if !has {
		return false
	}
	r.evicted(rec.clone(), reason)
	return true
}

func (r *registry) evicted(rec PeerRecord, reason EvictReason) {
	r.logger.Debug("peer evicted", LabelPeerID.L(rec.ID), LabelReason.L(string(reason)))
	r.msink.IncrCounterWithLabels(
		MetricPeerEvictedCount,
		1.0,
		append(slices.Clone(r.labels), LabelReason.M(string(reason))),
	)
	if r.onEvict != nil {
		r.onEvict(rec, reason)
	}
}

// sweep evicts every record that is not connected and was not seen for
// longer than the TTL.
func (r *registry) sweep() int {
	if r.ttl <= 0 {
		return 0
	}

	now := r.clk.Now()
	var expired []PeerRecord
	r.lk.Lock()
	for id, rec := range r.peers {
		if rec.State == Connected {
			continue
		}
		if now.Sub(rec.LastSeen) > r.ttl {
			expired = append(expired, rec.clone())
			delete(r.peers, id)
		}
	}
	r.lk.Unlock()

	for _, rec := range expired {
		r.evicted(rec, EvictExpired)
	}
	return len(expired)
}

func (r *registry) janitorInterval() time.Duration {
	interval := r.ttl / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	return interval
}

// runJanitor sweeps the registry until `closeCh` is closed.
func (r *registry) runJanitor(closeCh <-chan struct{}) {
	if r.ttl <= 0 {
		return
	}
	ticker := r.clk.Ticker(r.janitorInterval())
	defer ticker.Stop()
	for {
		select {
		case <-closeCh:
			return
		case <-ticker.C:
			if n := r.sweep(); n > 0 {
				r.logger.Debug("janitor evicted stale peers", "count", n)
			}
		}
	}
}
