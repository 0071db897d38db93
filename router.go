package mothra

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/go-immutable-radix"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/mr-tron/base58"
	"google.golang.org/protobuf/encoding/protowire"
	"lukechampine.com/blake3"
)

const (
	DefaultDedupCacheSize = 100_000
	DefaultDedupTTL       = 2 * time.Minute
)

// MessageID is derived from the content of a message and its origin, so
// every peer computes the same identifier for the same publication.
type MessageID [32]byte

func (id MessageID) String() string {
	return base58.Encode(id[:])
}

func computeMessageID(origin PeerID, seqno uint64, topic string, payload []byte) MessageID {
	var buf []byte
	buf = protowire.AppendString(buf, string(origin))
	buf = protowire.AppendVarint(buf, seqno)
	buf = protowire.AppendString(buf, topic)
	buf = protowire.AppendVarint(buf, uint64(len(payload)))

	h := blake3.New(32, nil)
	h.Write(buf)
	h.Write(payload)

	var id MessageID
	copy(id[:], h.Sum(nil))
	return id
}

// GossipMessage is a publication as delivered to the host.
type GossipMessage struct {
	ID MessageID
	// Origin is the peer which published the message.
	Origin PeerID
	// From is the peer which relayed the message to us.
	From    PeerID
	Seqno   uint64
	Topic   string
	Payload []byte
}

// ForwardPolicy decides which connected peers a message is relayed to.
type ForwardPolicy int

const (
	// ForwardInterested only relays to peers which announced a
	// subscription to the topic.
	ForwardInterested ForwardPolicy = iota
	// ForwardFlood relays to every connected peer.
	ForwardFlood
)

// frameSender is the part of the transport the router and the dispatcher
// need.
type frameSender interface {
	sendFrame(peer PeerID, tag streamTag, body []byte) error
	connectedPeers() []PeerID
}

type routerConfig struct {
	local     PeerID
	policy    ForwardPolicy
	cacheSize int
	cacheTTL  time.Duration
	logger    *slog.Logger
	msink     metrics.MetricSink
	labels    []metrics.Label
}

type router struct {
	cfg     routerConfig
	tr      frameSender
	deliver func(GossipMessage)

	// subs holds our own subscriptions, readers load a snapshot without
	// locking, writers serialize on subsLk.
	subs   atomic.Pointer[iradix.Tree]
	subsLk sync.Mutex

	interest   map[PeerID]map[string]struct{}
	interestLk sync.RWMutex

	// seen is checked and updated under the same lock so that concurrent
	// copies of a message are delivered once.
	seen   *expirable.LRU[MessageID, struct{}]
	seenLk sync.Mutex

	seqno atomic.Uint64
}

func newRouter(cfg routerConfig, tr frameSender, deliver func(GossipMessage)) *router {
	if cfg.cacheSize <= 0 {
		cfg.cacheSize = DefaultDedupCacheSize
	}
	if cfg.cacheTTL <= 0 {
		cfg.cacheTTL = DefaultDedupTTL
	}
	if cfg.msink == nil {
		cfg.msink = &metrics.BlackholeSink{}
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	r := &router{
		cfg:      cfg,
		tr:       tr,
		deliver:  deliver,
		interest: make(map[PeerID]map[string]struct{}),
		seen:     expirable.NewLRU[MessageID, struct{}](cfg.cacheSize, nil, cfg.cacheTTL),
	}
	r.subs.Store(iradix.New())
	r.seqno.Store(uint64(time.Now().UnixNano()))
	return r
}

func validateTopic(topic string) error {
	if topic == "" || !utf8.ValidString(topic) {
		return ErrInvalidTopic
	}
	return nil
}

// Subscribe returns true if we were not subscribed yet.
func (r *router) Subscribe(topic string) (bool, error) {
	if err := validateTopic(topic); err != nil {
		return false, err
	}

	r.subsLk.Lock()
	tree, _, existed := r.subs.Load().Insert([]byte(topic), struct{}{})
	if existed {
		r.subsLk.Unlock()
		return false, nil
	}
	r.subs.Store(tree)
	r.subsLk.Unlock()

	r.announce(gossipSubscribe, []string{topic}, r.tr.connectedPeers())
	return true, nil
}

// Unsubscribe returns true if we were subscribed.
func (r *router) Unsubscribe(topic string) (bool, error) {
	if err := validateTopic(topic); err != nil {
		return false, err
	}

	r.subsLk.Lock()
	tree, _, existed := r.subs.Load().Delete([]byte(topic))
	if !existed {
		r.subsLk.Unlock()
		return false, nil
	}
	r.subs.Store(tree)
	r.subsLk.Unlock()

	r.announce(gossipUnsubscribe, []string{topic}, r.tr.connectedPeers())
	return true, nil
}

func (r *router) Subscribed(topic string) bool {
	_, has := r.subs.Load().Get([]byte(topic))
	return has
}

// Topics lists our subscriptions starting with `prefix`.
func (r *router) Topics(prefix string) []string {
	var found []string
	r.subs.Load().Root().WalkPrefix([]byte(prefix), func(k []byte, _ interface{}) bool {
		found = append(found, string(k))
		return false
	})
	return found
}

// TopicPeers lists the peers which announced interest in `topic`.
func (r *router) TopicPeers(topic string) []PeerID {
	r.interestLk.RLock()
	var found []PeerID
	for peer, topics := range r.interest {
		if _, has := topics[topic]; has {
			found = append(found, peer)
		}
	}
	r.interestLk.RUnlock()
	slices.Sort(found)
	return found
}

// Publish sends a new message on `topic`, subscribing to it first. It
// returns `ErrNoRoute` when no connected peer could receive it.
func (r *router) Publish(topic string, payload []byte) (MessageID, error) {
	if len(payload) > MaxFrameSize/2 {
		return MessageID{}, ErrTooLargeFrame
	}
	if _, err := r.Subscribe(topic); err != nil {
		return MessageID{}, err
	}

	seqno := r.seqno.Add(1)
	id := computeMessageID(r.cfg.local, seqno, topic, payload)
	r.firstSeen(id)

	frame := &gossipFrame{
		kind:    gossipPublish,
		topics:  []string{topic},
		id:      id,
		origin:  r.cfg.local,
		seqno:   seqno,
		payload: payload,
	}

	r.cfg.msink.IncrCounterWithLabels(
		MetricGossipPublishCount,
		1.0,
		append(slices.Clone(r.cfg.labels), LabelTopic.M(topic)),
	)

	targets := r.targets(topic)
	if len(targets) == 0 {
		return id, ErrNoRoute
	}

	if sent := r.forward(frame.marshal(), targets); sent == 0 {
		return id, fmt.Errorf("%w: every send failed", ErrNoRoute)
	}
	return id, nil
}

// handleFrame processes a frame received on a gossip stream. Returned
// errors are protocol violations of `from`.
func (r *router) handleFrame(from PeerID, body []byte) error {
	frame, err := unmarshalGossipFrame(body)
	if err != nil {
		return err
	}
	for _, topic := range frame.topics {
		if err := validateTopic(topic); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedFrame, err)
		}
	}

	switch frame.kind {
	case gossipSubscribe, gossipUnsubscribe:
		r.updateInterest(from, frame.kind == gossipSubscribe, frame.topics)
		return nil
	}

	topic := frame.topics[0]
	if computeMessageID(frame.origin, frame.seqno, topic, frame.payload) != frame.id {
		return fmt.Errorf("%w: message id does not match its content", ErrMalformedFrame)
	}

	logger := r.cfg.logger.With(
		LabelMessageID.L(frame.id.String()),
		LabelPeerID.L(from),
		LabelOrigin.L(frame.origin),
	)
	if !r.firstSeen(frame.id) {
		logger.Debug("dropping duplicate message")
		r.cfg.msink.IncrCounterWithLabels(MetricGossipDuplicateCount, 1.0, r.cfg.labels)
		return nil
	}

	if r.Subscribed(topic) && r.deliver != nil {
		r.deliver(GossipMessage{
			ID:      frame.id,
			Origin:  frame.origin,
			From:    from,
			Seqno:   frame.seqno,
			Topic:   topic,
			Payload: frame.payload,
		})
		r.cfg.msink.IncrCounterWithLabels(
			MetricGossipDeliverCount,
			1.0,
			append(slices.Clone(r.cfg.labels), LabelTopic.M(topic)),
		)
	}

	targets := r.targets(topic, from, frame.origin)
	if len(targets) > 0 {
		sent := r.forward(body, targets)
		logger.Debug("message relayed", "peers", sent)
	}
	return nil
}

// firstSeen records `id` and reports whether it was unknown.
func (r *router) firstSeen(id MessageID) bool {
	r.seenLk.Lock()
	defer r.seenLk.Unlock()
	if _, has := r.seen.Peek(id); has {
		return false
	}
	r.seen.Add(id, struct{}{})
	return true
}

func (r *router) targets(topic string, exclude ...PeerID) []PeerID {
	connected := r.tr.connectedPeers()
	found := make([]PeerID, 0, len(connected))

	r.interestLk.RLock()
	defer r.interestLk.RUnlock()
	for _, peer := range connected {
		if peer == r.cfg.local || slices.Contains(exclude, peer) {
			continue
		}
		if r.cfg.policy == ForwardFlood {
			found = append(found, peer)
			continue
		}
		if _, has := r.interest[peer][topic]; has {
			found = append(found, peer)
		}
	}
	return found
}

func (r *router) forward(body []byte, targets []PeerID) int {
	sent := 0
	for _, peer := range targets {
		if err := r.tr.sendFrame(peer, tagGossip, body); err != nil {
			r.cfg.logger.Debug("failed to send gossip frame", LabelPeerID.L(peer), LabelError.L(err))
			continue
		}
		sent++
	}
	r.cfg.msink.IncrCounterWithLabels(MetricGossipForwardCount, float32(sent), r.cfg.labels)
	return sent
}

func (r *router) updateInterest(peer PeerID, subscribe bool, topics []string) {
	r.interestLk.Lock()
	defer r.interestLk.Unlock()
	current, has := r.interest[peer]
	if !has {
		if !subscribe {
			return
		}
		current = make(map[string]struct{}, len(topics))
		r.interest[peer] = current
	}
	for _, topic := range topics {
		if subscribe {
			current[topic] = struct{}{}
		} else {
			delete(current, topic)
		}
	}
	if len(current) == 0 {
		delete(r.interest, peer)
	}
}

func (r *router) announce(kind gossipKind, topics []string, peers []PeerID) {
	if len(topics) == 0 {
		return
	}
	body := (&gossipFrame{kind: kind, topics: topics}).marshal()
	for _, peer := range peers {
		if peer == r.cfg.local {
			continue
		}
		if err := r.tr.sendFrame(peer, tagGossip, body); err != nil {
			r.cfg.logger.Debug(
				"failed to announce subscriptions",
				LabelPeerID.L(peer),
				LabelError.L(err),
			)
		}
	}
}

// peerConnected tells a new peer everything we are subscribed to.
func (r *router) peerConnected(peer PeerID) {
	r.announce(gossipSubscribe, r.Topics(""), []PeerID{peer})
}

func (r *router) peerDisconnected(peer PeerID) {
	r.interestLk.Lock()
	delete(r.interest, peer)
	r.interestLk.Unlock()
}
