package mothra

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrStartup         = errors.New("node: startup failed")
	ErrInvalidCfg      = errors.New("node: invalid options")
	ErrInvalidIdentity = errors.New("node: identity constants must be [name, version, protocol id]")
	ErrInvalidArgs     = errors.New("node: invalid command-line arguments")
	ErrNodeClosed      = errors.New("node: closed")

	ErrInvalidBootstrap = errors.New("discovery: malformed bootstrap entry")
	ErrPeerUnreachable  = errors.New("discovery: peer unreachable")
	ErrInvalidPeerID    = errors.New("peer: invalid peer id")

	ErrInvalidTopic = errors.New("gossip: topic must be non-empty valid UTF-8")
	ErrNoRoute      = errors.New("gossip: no connected peer to route to")

	ErrInvalidMethod    = errors.New("rpc: method must be non-empty and at most 255 bytes")
	ErrTimeout          = errors.New("rpc: request timed out")
	ErrPeerDisconnected = errors.New("rpc: peer disconnected")
	ErrUnknownRequest   = errors.New("rpc: no such inbound request awaiting a response")
	ErrNoHandler        = errors.New("rpc: no handler registered")
	ErrHandlerPanic     = errors.New("rpc: handler panicked")
	ErrCallPending      = errors.New("rpc: call is still pending")

	// ErrDeferResponse may be returned by an RPC handler to answer later
	// through `Node.Respond`.
	ErrDeferResponse = errors.New("rpc: response deferred")

	ErrBufferSize        = errors.New("transport: could not allocate udp buffer")
	ErrIdentityResolve   = errors.New("transport: could not resolve peer id from certificate")
	ErrIdentityMismatch  = errors.New("transport: remote peer id differs from the expected one")
	ErrSelfDial          = errors.New("transport: refusing to connect to ourselves")
	ErrInvalidAddr       = errors.New("transport: the address you provided is invalid")
	ErrUdpNotAvailable   = errors.New("transport: UDP listener not available")
	ErrShutdown          = errors.New("transport: shutting down")
	ErrConnect           = errors.New("transport: could not connect")
	ErrNotConnected      = errors.New("transport: no active connection to peer")
	ErrNoTLSConfig       = errors.New("transport: no tls config provided")
	ErrNoCertificate     = errors.New("transport: tls config has no certificate")
	ErrStreamWrite       = errors.New("transport: error writing to a stream")
	ErrProtocolViolation = errors.New("transport: protocol violation")
	ErrMalformedFrame    = errors.New("transport: malformed frame")
	ErrTooLargeFrame     = errors.New("transport: frame was too large could not send")
)

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrIdentity = QuicApplicationError{
		Code:   0x2,
		Prefix: "identity",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
	QErrProtocolViolation = QuicApplicationError{
		Code:   0x4,
		Prefix: "protocol violation",
	}
	QErrEvicted = QuicApplicationError{
		Code:   0x5,
		Prefix: "evicted",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

// RemoteError is the outcome of a request the remote handler failed to
// serve.
type RemoteError struct {
	Method  string
	Message string
}

func (rerr *RemoteError) Error() string {
	return fmt.Sprintf("rpc: remote failed to serve %q: %s", rerr.Method, rerr.Message)
}
