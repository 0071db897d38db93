package mothra

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/mdns"
)

const (
	mdnsService      = "_mothra._udp"
	mdnsTxtPeer      = "peer="
	mdnsTxtProtocol  = "proto="
	mdnsTxtAgent     = "agent="
	defaultMDNSQuery = 10 * time.Second
)

// mdnsStrategy advertises the node on the local network and queries for
// other nodes every interval.
type mdnsStrategy struct {
	server   *mdns.Server
	clk      clock.Clock
	interval time.Duration
	logger   *slog.Logger
	lookup   func(found func(Candidate))
}

func newMDNSStrategy(local PeerID, identity Identity, port int, interval time.Duration, clk clock.Clock, logger *slog.Logger) (*mdnsStrategy, error) {
	if interval <= 0 {
		interval = defaultMDNSQuery
	}
	if clk == nil {
		clk = clock.New()
	}

	txt := []string{
		mdnsTxtPeer + string(local),
		mdnsTxtProtocol + identity.ProtocolID,
		mdnsTxtAgent + identity.Agent(),
	}
	// instance names are limited to 63 bytes, the full id is in TXT.
	service, err := mdns.NewMDNSService(local.Short(), mdnsService, "", "", port, nil, txt)
	if err != nil {
		return nil, err
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, err
	}

	s := &mdnsStrategy{
		server:   server,
		clk:      clk,
		interval: interval,
		logger:   logger,
	}
	s.lookup = s.query
	return s, nil
}

func (s *mdnsStrategy) Name() string {
	return "mdns"
}

func (s *mdnsStrategy) Run(ctx context.Context, found func(Candidate)) error {
	if s.server != nil {
		defer s.server.Shutdown()
	}

	ticker := s.clk.Ticker(s.interval)
	defer ticker.Stop()
	for {
		s.lookup(found)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *mdnsStrategy) query(found func(Candidate)) {
	entries := make(chan *mdns.ServiceEntry, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			if c, ok := mdnsCandidate(entry); ok {
				found(c)
			}
		}
	}()

	err := mdns.Query(&mdns.QueryParam{
		Service:     mdnsService,
		Timeout:     time.Second,
		Entries:     entries,
		DisableIPv6: true,
	})
	close(entries)
	<-done
	if err != nil {
		s.logger.Debug("mdns query failed", LabelError.L(err))
	}
}

func mdnsCandidate(entry *mdns.ServiceEntry) (Candidate, bool) {
	if entry == nil || entry.AddrV4 == nil {
		return Candidate{}, false
	}

	var c Candidate
	for _, field := range entry.InfoFields {
		switch {
		case strings.HasPrefix(field, mdnsTxtPeer):
			id, err := ParsePeerID(strings.TrimPrefix(field, mdnsTxtPeer))
			if err != nil {
				return Candidate{}, false
			}
			c.ID = id
		case strings.HasPrefix(field, mdnsTxtProtocol):
			c.ProtocolID = strings.TrimPrefix(field, mdnsTxtProtocol)
		case strings.HasPrefix(field, mdnsTxtAgent):
			c.Agent = strings.TrimPrefix(field, mdnsTxtAgent)
		}
	}
	if c.ID == "" {
		return Candidate{}, false
	}
	c.Addr = net.JoinHostPort(entry.AddrV4.String(), strconv.Itoa(entry.Port))
	return c, true
}
