package mothra

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/serf/serf"
	"golang.org/x/sync/errgroup"
)

const (
	tagAgent    = "agent"
	tagProtocol = "proto"

	joinConcurrency = 4
)

// membership is the peer exchange: serf gossips the member list over our
// transport, every member it tells us about is a candidate.
type membership struct {
	serf    *serf.Serf
	eventCh chan serf.Event
	clk     clock.Clock
	logger  *slog.Logger

	joinAttempts int
	joinBackoff  time.Duration
}

func newMembership(cfg *serf.Config, eventCh chan serf.Event, clk clock.Clock, logger *slog.Logger) (*membership, error) {
	s, err := serf.Create(cfg)
	if err != nil {
		return nil, err
	}
	return &membership{
		serf:         s,
		eventCh:      eventCh,
		clk:          clk,
		logger:       logger,
		joinAttempts: DefaultDialAttempts,
		joinBackoff:  defaultDialBackoff,
	}, nil
}

func (m *membership) Name() string {
	return "membership"
}

// Run turns member events into candidates until `ctx` is done.
func (m *membership) Run(ctx context.Context, found func(Candidate)) error {
	for {
		var event serf.Event
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event = <-m.eventCh:
		}

		switch event := event.(type) {
		case serf.MemberEvent:
			switch event.Type {
			case serf.EventMemberJoin, serf.EventMemberUpdate:
				for _, member := range event.Members {
					found(memberCandidate(member))
				}
			default:
				for _, member := range event.Members {
					m.logger.Debug(
						"member event",
						"event", event.Type.String(),
						LabelPeerID.L(PeerID(member.Name)),
					)
				}
			}
		default:
			m.logger.Debug("ignoring serf event", "event", event.String())
		}
	}
}

func memberCandidate(member serf.Member) Candidate {
	return Candidate{
		ID:         PeerID(member.Name),
		Addr:       net.JoinHostPort(member.Addr.String(), strconv.Itoa(int(member.Port))),
		Agent:      member.Tags[tagAgent],
		ProtocolID: member.Tags[tagProtocol],
	}
}

// join contacts every bootstrap entry, each one is retried with a backoff
// independently of the others.
func (m *membership) join(ctx context.Context, entries []bootstrapEntry) error {
	var g errgroup.Group
	g.SetLimit(joinConcurrency)
	for _, entry := range entries {
		g.Go(func() error {
			return m.joinOne(ctx, entry)
		})
	}
	return g.Wait()
}

func (m *membership) joinOne(ctx context.Context, entry bootstrapEntry) error {
	backoff := m.joinBackoff
	var lastErr error
	for attempt := 1; attempt <= m.joinAttempts; attempt++ {
		joined, err := m.serf.Join([]string{entry.joinAddr()}, true)
		if err == nil && joined > 0 {
			m.logger.Info("joined peer exchange", LabelPeerAddr.L(entry.addr))
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clk.After(backoff):
		}
		backoff = min(backoff*2, defaultMaxBackoff)
	}
	return fmt.Errorf("%w: %s: %w", ErrConnect, entry.addr, lastErr)
}

func (m *membership) members() []serf.Member {
	return m.serf.Members()
}

// leave announces our departure then releases serf.
func (m *membership) leave() error {
	err := m.serf.Leave()
	if serr := m.serf.Shutdown(); serr != nil && err == nil {
		err = serr
	}
	<-m.serf.ShutdownCh()
	return err
}
