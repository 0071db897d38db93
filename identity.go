package mothra

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"
)

// ALPN is the application protocol negotiated on every QUIC connection.
const ALPN = "mothra/1"

// Identity is what a node tells other peers about itself.
type Identity struct {
	Name       string
	Version    string
	ProtocolID string
}

// ParseIdentity expects exactly `[name, version, protocol id]`.
func ParseIdentity(constants []string) (Identity, error) {
	if len(constants) != 3 {
		return Identity{}, fmt.Errorf("%w: got %d values", ErrInvalidIdentity, len(constants))
	}
	for i, c := range constants {
		if strings.TrimSpace(c) == "" {
			return Identity{}, fmt.Errorf("%w: value %d is empty", ErrInvalidIdentity, i)
		}
	}
	return Identity{
		Name:       constants[0],
		Version:    constants[1],
		ProtocolID: constants[2],
	}, nil
}

// Agent is the `name/version` string advertised to other peers.
func (id Identity) Agent() string {
	return id.Name + "/" + id.Version
}

func (id Identity) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("agent", id.Agent()),
		slog.String("protocol", id.ProtocolID),
	)
}

// GenerateIdentityKey creates a fresh key, a node started without
// `WithIdentityKey` gets a new `PeerID` on every run.
func GenerateIdentityKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

func selfSignedCertificate(key crypto.Signer, cn string) (tls.Certificate, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber:          serialNumber,
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, key.Public(), key)
	if err != nil {
		return tls.Certificate{}, err
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// selfSignedTLSConfig authenticates peers by their key only: chains are
// not verified, the `PeerID` derived from the presented key is what the
// transport trusts.
func selfSignedTLSConfig(key crypto.Signer, id PeerID) (*tls.Config, error) {
	cert, err := selfSignedCertificate(key, string(id))
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{ALPN},
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return ErrIdentityResolve
			}
			if _, err := x509.ParseCertificate(rawCerts[0]); err != nil {
				return fmt.Errorf("%w: %w", ErrIdentityResolve, err)
			}
			return nil
		},
	}, nil
}
