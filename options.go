package mothra

import (
	"crypto"
	"crypto/tls"
	"log/slog"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/serf/serf"
)

type config struct {
	serfCfg      *serf.Config
	trCfg        TransportConfig
	logHandler   slog.Handler
	logLevel     slog.Level
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	bootstrap    []string
	identityKey  crypto.Signer
	handlers     Handlers
	metadata     []byte
	strategies   []Strategy
	clk          clock.Clock

	rpcTimeout   time.Duration
	peerTTL      time.Duration
	dedupSize    int
	dedupTTL     time.Duration
	dialAttempts int
	dialBackoff  time.Duration
	forward      ForwardPolicy
	mdns         bool
	mdnsInterval time.Duration
}

// Option to pass to `Start`
type Option func(*config) error

// WithListenOn specifies which UDP interface must be used by the node.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		c.serfCfg.MemberlistConfig.BindAddr = addr
		c.serfCfg.MemberlistConfig.BindPort = port
		c.trCfg.BindAddr = addr
		c.trCfg.BindPort = port
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		return nil
	}
}

// WithLogLevel sets the level of the default handler, it has no effect
// when `WithLog` is used.
func WithLogLevel(level slog.Level) Option {
	return func(c *config) error {
		c.logLevel = level
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the node.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		c.trCfg.MetricLabels = labels

		// TODO(raskyld): Wait for the buildflag to always use the
		// hashicorp version so we don't need to do the translation.
		c.serfCfg.MemberlistConfig.MetricLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.serfCfg.MemberlistConfig.MetricLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// WithTlsConfig replaces the self-signed identity. The leaf certificate's
// public key then defines our `PeerID` and peers are authenticated the
// way `tlsConf` says.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		if len(tlsConf.Certificates) == 0 {
			return ErrNoCertificate
		}
		c.trCfg.TlsConfig = tlsConf.Clone()
		return nil
	}
}

// WithIdentityKey keeps the same `PeerID` across restarts.
func WithIdentityKey(key crypto.Signer) Option {
	return func(c *config) error {
		if key == nil {
			return ErrInvalidCfg
		}
		c.identityKey = key
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your node.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		c.trCfg.MetricSink = ms
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote node to answer.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = DefaultDialTimeout
		}
		c.trCfg.DialTimeout = timeout
		return nil
	}
}

// WithGracePeriod controls how much time we wait on Shutdown for UDP
// buffers to flush.
func WithGracePeriod(period time.Duration) Option {
	return func(c *config) error {
		c.trCfg.GracePeriod = period
		return nil
	}
}

// WithBootstrap controls which peers are tried initially, entries are
// `host:port` or `<peer id>@host:port`.
func WithBootstrap(entries []string) Option {
	return func(c *config) error {
		c.bootstrap = entries
		return nil
	}
}

// WithHandlers registers the callbacks of the host.
func WithHandlers(handlers Handlers) Option {
	return func(c *config) error {
		c.handlers = handlers
		return nil
	}
}

// WithMetadata is what we answer to `MetadataMethod` requests.
func WithMetadata(metadata []byte) Option {
	return func(c *config) error {
		c.metadata = metadata
		return nil
	}
}

// WithRPCTimeout is the default timeout of outbound requests and of
// deferred inbound ones.
func WithRPCTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return ErrInvalidCfg
		}
		c.rpcTimeout = timeout
		return nil
	}
}

// WithPeerTTL evicts peers we are not connected to after `ttl` without
// news from them. Zero disables eviction.
func WithPeerTTL(ttl time.Duration) Option {
	return func(c *config) error {
		if ttl < 0 {
			return ErrInvalidCfg
		}
		c.peerTTL = ttl
		return nil
	}
}

// WithDedupCache bounds how many message ids are remembered and for how
// long. A message seen again after eviction is delivered again.
func WithDedupCache(size int, ttl time.Duration) Option {
	return func(c *config) error {
		if size <= 0 || ttl <= 0 {
			return ErrInvalidCfg
		}
		c.dedupSize = size
		c.dedupTTL = ttl
		return nil
	}
}

// WithDialRetry controls how many rounds of dialing we try on a discovered
// peer before evicting it, `backoff` is doubled between rounds.
func WithDialRetry(attempts int, backoff time.Duration) Option {
	return func(c *config) error {
		if attempts <= 0 || backoff < 0 {
			return ErrInvalidCfg
		}
		c.dialAttempts = attempts
		c.dialBackoff = backoff
		return nil
	}
}

// WithForwardPolicy chooses which peers relay gossip.
func WithForwardPolicy(policy ForwardPolicy) Option {
	return func(c *config) error {
		c.forward = policy
		return nil
	}
}

// WithMDNS enables discovery of peers on the local network.
func WithMDNS(enabled bool, interval time.Duration) Option {
	return func(c *config) error {
		c.mdns = enabled
		c.mdnsInterval = interval
		return nil
	}
}

// WithStrategy adds a discovery strategy of your own.
func WithStrategy(strategy Strategy) Option {
	return func(c *config) error {
		if strategy == nil {
			return ErrInvalidCfg
		}
		c.strategies = append(c.strategies, strategy)
		return nil
	}
}

// WithClock replaces the clock driving timers, mostly useful in tests.
func WithClock(clk clock.Clock) Option {
	return func(c *config) error {
		if clk == nil {
			clk = clock.New()
		}
		c.clk = clk
		return nil
	}
}
