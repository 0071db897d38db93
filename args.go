package mothra

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/alecthomas/kingpin"
)

const (
	LevelTrace    = slog.LevelDebug - 4
	LevelCritical = slog.LevelError + 4
)

var levelNames = map[string]slog.Level{
	"trace": LevelTrace,
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
	"crit":  LevelCritical,
}

// coreArgs are the command-line arguments the host forwards to `Start`.
type coreArgs struct {
	listenAddress string
	port          int
	bootNodes     []string
	debugLevel    string
	mdns          bool
	peerTTL       time.Duration
	rpcTimeout    time.Duration
	dialAttempts  int
}

func parseArgs(name string, args []string) (*coreArgs, error) {
	parsed := &coreArgs{}

	app := kingpin.New(name, "A mothra peer-to-peer node.")
	app.Terminate(nil)
	app.UsageWriter(io.Discard)
	app.ErrorWriter(io.Discard)

	listen := app.Flag("listen-address", "Interface the node binds to.").
		Default("0.0.0.0").IP()

	app.Flag("port", "UDP port the node binds to.").
		Default(fmt.Sprint(DefaultPort)).IntVar(&parsed.port)
	bootNodes := app.Flag("boot-nodes", "Comma separated peers to bootstrap from, as host:port or <peer id>@host:port.").
		Strings()
	app.Flag("debug-level", "Verbosity of the logs.").
		Default("info").EnumVar(&parsed.debugLevel, "trace", "debug", "info", "warn", "error", "crit")
	app.Flag("mdns", "Discover peers on the local network.").
		BoolVar(&parsed.mdns)
	app.Flag("peer-ttl", "Forget peers we are not connected to after this long, 0 disables it.").
		Default("10m").DurationVar(&parsed.peerTTL)
	app.Flag("rpc-timeout", "Default timeout of requests.").
		Default(DefaultRPCTimeout.String()).DurationVar(&parsed.rpcTimeout)
	app.Flag("dial-attempts", "Dial rounds before a discovered peer is given up.").
		Default(fmt.Sprint(DefaultDialAttempts)).IntVar(&parsed.dialAttempts)

	if _, err := app.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgs, err)
	}

	if *listen != nil {
		parsed.listenAddress = listen.String()
	}
	for _, entry := range *bootNodes {
		for _, node := range strings.Split(entry, ",") {
			if node = strings.TrimSpace(node); node != "" {
				parsed.bootNodes = append(parsed.bootNodes, node)
			}
		}
	}

	if parsed.port < 0 || parsed.port > 65535 {
		return nil, fmt.Errorf("%w: port %d is out of range", ErrInvalidArgs, parsed.port)
	}
	if parsed.peerTTL < 0 || parsed.rpcTimeout <= 0 || parsed.dialAttempts <= 0 {
		return nil, fmt.Errorf("%w: durations and attempts must be positive", ErrInvalidArgs)
	}
	if _, err := parseBootstrap(parsed.bootNodes); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgs, err)
	}
	return parsed, nil
}

// options translates the arguments, they come before the options given
// to `Start` so the latter win.
func (a *coreArgs) options() []Option {
	return []Option{
		WithListenOn(a.listenAddress, a.port),
		WithLogLevel(levelNames[a.debugLevel]),
		WithBootstrap(a.bootNodes),
		WithMDNS(a.mdns, 0),
		WithPeerTTL(a.peerTTL),
		WithRPCTimeout(a.rpcTimeout),
		WithDialRetry(a.dialAttempts, defaultDialBackoff),
	}
}
