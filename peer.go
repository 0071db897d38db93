package mothra

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"log/slog"

	"github.com/mr-tron/base58"
	"lukechampine.com/blake3"
)

// PeerID identifies a peer on the network. It is the base58 encoding of
// the blake3 digest of the peer's PKIX encoded public key, so two peers
// holding the same key are the same peer.
type PeerID string

const peerIDDigestSize = 32

// PeerIDFromPublicKey derives the `PeerID` of the owner of `pub`.
func PeerIDFromPublicKey(pub crypto.PublicKey) (PeerID, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidPeerID, err)
	}
	digest := blake3.Sum256(der)
	return PeerID(base58.Encode(digest[:])), nil
}

// ParsePeerID validates the textual form of a `PeerID`.
func ParsePeerID(raw string) (PeerID, error) {
	digest, err := base58.Decode(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidPeerID, err)
	}
	if len(digest) != peerIDDigestSize {
		return "", fmt.Errorf("%w: digest is %d bytes", ErrInvalidPeerID, len(digest))
	}
	return PeerID(raw), nil
}

func (id PeerID) String() string {
	return string(id)
}

// Short is a truncated form only suitable for humans.
func (id PeerID) Short() string {
	if len(id) <= 8 {
		return string(id)
	}
	return string(id[len(id)-8:])
}

func (id PeerID) LogValue() slog.Value {
	return slog.StringValue(id.Short())
}

// PeerIDResolver can resolve a `PeerID` from a list of
// `x509.Certificate`, those certificates are the one received from a
// remote peer.
//
// The contract of this function is:
//
// *Implementations* MUST NOT be blocking, since they are invoked on
// the connection establishment critical path.
//
// If the resolution is successful, *Implementations* MUST return a `PeerID`
// and a nil error.
//
// Otherwise, *Implementations* MUST return a human-friendly error string
// as a third argument, which will be sent to the remote peer, so they can
// debug the error.
//
// If they return a non-nil error but an empty third string,
// a `QErrInternal` is returned to the user instead.
type PeerIDResolver func(certs []*x509.Certificate) (PeerID, error, string)

// PublicKeyResolver is the default resolver, it derives the `PeerID` from
// the public key of the leaf certificate.
func PublicKeyResolver(certs []*x509.Certificate) (PeerID, error, string) {
	if len(certs) == 0 {
		return "", ErrIdentityResolve, "it seems like you haven't provided a certificate"
	}

	id, err := PeerIDFromPublicKey(certs[0].PublicKey)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrIdentityResolve, err), "unsupported public key"
	}
	return id, nil, ""
}
