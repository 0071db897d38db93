// Package mothra is an embeddable peer-to-peer networking engine: it finds
// peers, relays publications on named topics and carries requests between
// peers, then tells your application about it through three callbacks.
//
// ## How it works
//
// A host calls `Start` with its identity constants, the command-line
// arguments meant for the core and a set of `Handlers`. The node binds a
// single UDP port on which everything is multiplexed over QUIC:
//
// * the peer exchange, a [`hashicorp/serf`][dep-serf] cluster whose
// packets travel in QUIC datagrams,
// * one unidirectional stream per peer for gossip frames,
// * one unidirectional stream per peer for RPC frames.
//
// Every peer is known by its `PeerID`, derived from the public key it
// presents during the TLS 1.3 handshake. Nothing else is trusted.
//
// Peers are found through bootstrap entries, the peer exchange and,
// optionally, mDNS. Found peers are dialed from a pool of workers and
// forgotten once unreachable.
//
// Publications are flooded to the peers which announced interest in the
// topic. Every peer remembers the identifiers of the messages it saw, a
// message is delivered and relayed once, whatever the number of peers it
// reaches us through.
//
// ## Callbacks
//
// Callbacks run on workers owned by the node, one per kind of callback, so
// two invocations of the same callback never overlap. Your handlers may
// call back into the `Node`, including `Node.Shutdown`.
//
// ## Design Principles
//
// The network is not reliable and the API does not pretend it is: a
// request may time out, a publication may reach nobody. Hosts MUST be
// ready to handle those errors.
//
// [dep-serf]: https://pkg.go.dev/github.com/hashicorp/serf
package mothra
