package mothra

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
		return nil
	}
	return key
}

func generateCa(t *testing.T, pkey *ecdsa.PrivateKey) []byte {
	t.Helper()
	notBefore := time.Now()
	notAfter := time.Now().Add(1 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "self-signed",
		},
		SerialNumber:          serialNumber,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		IsCA: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	if err != nil {
		t.Fatalf("failed to generate CA: %s", err)
		return nil
	}
	return certDER
}

func generateLeaf(t *testing.T, ca *x509.Certificate, caKP, leafKP *ecdsa.PrivateKey, cn string) []byte {
	t.Helper()
	notBefore := time.Now()
	notAfter := time.Now().Add(1 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		IsCA:                  false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &leafKP.PublicKey, caKP)
	if err != nil {
		t.Fatalf("failed to generate CA: %s", err)
		return nil
	}
	return certDER
}

func testLogHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

// newSelfSignedTransport listens on an ephemeral loopback port with a
// fresh identity.
func newSelfSignedTransport(t *testing.T, emitter string) (*Transport, PeerID) {
	t.Helper()
	key := generateKeyPair(t)
	id, err := PeerIDFromPublicKey(key.Public())
	require.NoError(t, err)
	tlsConf, err := selfSignedTLSConfig(key, id)
	require.NoError(t, err)

	tr, err := NewTransport(&TransportConfig{
		TlsConfig:   tlsConf,
		BindAddr:    "127.0.0.1",
		LocalID:     id,
		MetricSink:  &metrics.BlackholeSink{},
		LogHandler:  testLogHandler(emitter),
		DialTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { tr.Shutdown() })
	return tr, id
}

type receivedFrame struct {
	peer PeerID
	tag  streamTag
	body string
}

func TestNewTransport(t *testing.T) {
	caKey := generateKeyPair(t)
	node1Key := generateKeyPair(t)
	node2Key := generateKeyPair(t)

	caDER := generateCa(t, caKey)
	ca, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatalf("failed to parse CA: %s", err)
		return
	}

	node1DER := generateLeaf(t, ca, caKey, node1Key, "node1")
	node1, err := x509.ParseCertificate(node1DER)
	if err != nil {
		t.Fatalf("failed to parse node1: %s", err)
		return
	}

	node2DER := generateLeaf(t, ca, caKey, node2Key, "node2")
	node2, err := x509.ParseCertificate(node2DER)
	if err != nil {
		t.Fatalf("failed to parse node2: %s", err)
		return
	}

	node1ID, err := PeerIDFromPublicKey(node1Key.Public())
	require.NoError(t, err)
	node2ID, err := PeerIDFromPublicKey(node2Key.Public())
	require.NoError(t, err)

	caPool := x509.NewCertPool()
	caPool.AddCert(ca)

	tcN1 := &tls.Config{
		Certificates: []tls.Certificate{
			{
				Certificate: [][]byte{node1DER},
				Leaf:        node1,
				PrivateKey:  node1Key,
			},
		},
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  caPool,
		RootCAs:    caPool,
	}

	tcN2 := &tls.Config{
		Certificates: []tls.Certificate{
			{
				Certificate: [][]byte{node2DER},
				Leaf:        node2,
				PrivateKey:  node2Key,
			},
		},
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  caPool,
		RootCAs:    caPool,
	}

	node1Metrics := metrics.NewInmemSink(time.Second, 5*time.Minute)
	node2Metrics := metrics.NewInmemSink(time.Second, 5*time.Minute)

	ts1, err := NewTransport(&TransportConfig{
		TlsConfig:  tcN1,
		BindAddr:   "127.0.0.1",
		LocalID:    node1ID,
		MetricSink: node1Metrics,
		LogHandler: testLogHandler("node1"),
	})
	if err != nil {
		t.Fatalf("failed to start node1: %s", err)
		return
	}

	ts2, err := NewTransport(&TransportConfig{
		TlsConfig:  tcN2,
		BindAddr:   "127.0.0.1",
		LocalID:    node2ID,
		MetricSink: node2Metrics,
		LogHandler: testLogHandler("node2"),
	})
	if err != nil {
		t.Fatalf("failed to start node2: %s", err)
		return
	}

	frames := make(chan receivedFrame, 16)
	ts1.serve(nil)
	ts2.serve(func(peer PeerID, tag streamTag, body []byte) error {
		frames <- receivedFrame{peer: peer, tag: tag, body: string(body)}
		return nil
	})

	addr1 := ts1.LocalAddr().String()
	addr2 := ts2.LocalAddr().String()
	require.NotZero(t, ts1.LocalAddr().Port, "an ephemeral port was picked")

	t.Run("write datagram from n1 to n2", func(t *testing.T) {
		_, err = ts1.WriteTo([]byte("hello"), addr2)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		select {
		case packet := <-ts2.PacketCh():
			t.Logf("received %s from peer %s", packet.Buf, packet.From)
			require.Equal(t, "hello", string(packet.Buf), "unexpected packet data")
		case <-ctx.Done():
			t.Fatalf("timed out")
		}
	})

	t.Run("both sides saw the connection", func(t *testing.T) {
		require.Eventually(t, func() bool {
			return ts1.isConnected(node2ID) && ts2.isConnected(node1ID)
		}, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, []PeerID{node2ID}, ts1.connectedPeers())

		ev := <-ts1.peerEvents()
		assert.Equal(t, peerEvent{peer: node2ID, addr: addr2, connected: true}, ev)
		ev = <-ts2.peerEvents()
		assert.Equal(t, node1ID, ev.peer)
		assert.True(t, ev.connected)
	})

	t.Run("open stream from n2 to n1", func(t *testing.T) {
		ts := time.Now()
		conn, err := ts2.DialTimeout(addr1, 1*time.Minute)
		ts2 := time.Now()
		require.NoError(t, err)
		t.Logf("dialing took %s", ts2.Sub(ts).String())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		select {
		case stream := <-ts1.StreamCh():
			t.Logf("stream found from n1")
			conn.Write([]byte("a"))
			conn.Write([]byte("b"))
			conn.Write([]byte("c"))

			var n int
			var hasAppended bool
			buf := make([]byte, 1500)
			require.Eventually(t, func() bool {
				m, err := readStreamSkipEmpty(t, ctx, stream, buf[n:])
				n = m + n
				if !hasAppended {
					conn.Write([]byte("d"))
					hasAppended = true
				}
				current := string(buf[:n])
				t.Logf("currently the buffer contains: %s", current)
				return err == nil && current == "abcd"
			}, 2*time.Second, 100*time.Millisecond)
		case <-ctx.Done():
			t.Fatalf("timed out")
		}
	})

	t.Run("frames from n1 to n2", func(t *testing.T) {
		require.NoError(t, ts1.sendFrame(node2ID, tagGossip, []byte("g1")))
		require.NoError(t, ts1.sendFrame(node2ID, tagRPC, []byte("r1")))
		require.NoError(t, ts1.sendFrame(node2ID, tagGossip, []byte("g2")))

		var gossip, rpc []string
		for len(gossip)+len(rpc) < 3 {
			select {
			case f := <-frames:
				require.Equal(t, node1ID, f.peer)
				if f.tag == tagGossip {
					gossip = append(gossip, f.body)
				} else {
					rpc = append(rpc, f.body)
				}
			case <-time.After(10 * time.Second):
				t.Fatalf("timed out")
			}
		}
		assert.Equal(t, []string{"g1", "g2"}, gossip, "a stream keeps its frames in order")
		assert.Equal(t, []string{"r1"}, rpc)

		require.ErrorIs(t, ts1.sendFrame("stranger", tagGossip, []byte("x")), ErrNotConnected)
		require.ErrorIs(t, ts1.sendFrame(node2ID, tagGossip, make([]byte, MaxFrameSize+1)), ErrTooLargeFrame)
	})

	t.Run("connect reuses the connection", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		id, err := ts1.Connect(ctx, addr2, node2ID)
		require.NoError(t, err)
		assert.Equal(t, node2ID, id)

		_, err = ts1.Connect(ctx, addr1, node1ID)
		require.ErrorIs(t, err, ErrSelfDial)
	})

	t.Run("metrics", func(t *testing.T) {
		intervals := node1Metrics.Data()
		require.NotEmpty(t, intervals)
		var names []string
		for _, interval := range intervals {
			interval.RLock()
			for name := range interval.Counters {
				names = append(names, name)
			}
			interval.RUnlock()
		}
		assert.NotEmpty(t, names)
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		ts1.Shutdown()
		wg.Done()
	}()
	go func() {
		ts2.Shutdown()
		wg.Done()
	}()
	wg.Wait()

	_, err = ts1.Connect(context.Background(), addr2, "")
	require.ErrorIs(t, err, ErrShutdown)
	require.ErrorIs(t, ts1.sendFrame(node2ID, tagGossip, []byte("late")), ErrShutdown)
	require.NoError(t, ts1.Shutdown(), "shutting down twice is harmless")
}

func TestTransportIdentity(t *testing.T) {
	tr1, _ := newSelfSignedTransport(t, "node1")
	tr2, id2 := newSelfSignedTransport(t, "node2")
	tr1.serve(nil)
	tr2.serve(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.Run("mismatch", func(t *testing.T) {
		_, err := tr1.Connect(ctx, tr2.LocalAddr().String(), testPeerID)
		require.ErrorIs(t, err, ErrConnect)
		require.ErrorIs(t, err, ErrIdentityMismatch)
		assert.False(t, tr1.isConnected(id2))
	})

	t.Run("self", func(t *testing.T) {
		_, err := tr1.Connect(ctx, tr1.LocalAddr().String(), "")
		require.ErrorIs(t, err, ErrSelfDial)
	})

	t.Run("resolved", func(t *testing.T) {
		id, err := tr1.Connect(ctx, tr2.LocalAddr().String(), "")
		require.NoError(t, err)
		assert.Equal(t, id2, id)
	})

	t.Run("close peer", func(t *testing.T) {
		require.True(t, tr1.isConnected(id2))
		tr1.ClosePeer(id2, QErrEvicted, "test")
		require.Eventually(t, func() bool {
			return !tr1.isConnected(id2)
		}, 5*time.Second, 10*time.Millisecond)
	})
}

func TestTransportMalformedFrame(t *testing.T) {
	tr1, id1 := newSelfSignedTransport(t, "node1")
	tr2, id2 := newSelfSignedTransport(t, "node2")
	tr3, id3 := newSelfSignedTransport(t, "node3")

	frames := make(chan receivedFrame, 16)
	tr1.serve(nil)
	tr3.serve(nil)
	tr2.serve(func(peer PeerID, tag streamTag, body []byte) error {
		if string(body) == "bad" {
			return fmt.Errorf("%w: topic length exceeds the buffer", ErrMalformedFrame)
		}
		frames <- receivedFrame{peer: peer, tag: tag, body: string(body)}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, tr := range []*Transport{tr1, tr3} {
		_, err := tr.Connect(ctx, tr2.LocalAddr().String(), id2)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		return tr2.isConnected(id1) && tr2.isConnected(id3)
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, tr1.sendFrame(id2, tagGossip, []byte("bad")))
	require.Eventually(t, func() bool {
		return !tr2.isConnected(id1)
	}, 5*time.Second, 10*time.Millisecond, "the offending connection is closed")

	require.NoError(t, tr3.sendFrame(id2, tagGossip, []byte("good")))
	select {
	case f := <-frames:
		assert.Equal(t, receivedFrame{peer: id3, tag: tagGossip, body: "good"}, f)
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out")
	}
	assert.True(t, tr2.isConnected(id3), "other connections are unaffected")
	assert.Empty(t, frames)
}

func TestServeFrames(t *testing.T) {
	var stream []byte
	stream = appendFrame(stream, []byte("one"))
	stream = appendFrame(stream, []byte("two"))

	var got []string
	handler := func(peer PeerID, tag streamTag, body []byte) error {
		assert.Equal(t, testPeerID, peer)
		assert.Equal(t, tagGossip, tag)
		got = append(got, string(body))
		return nil
	}

	err := serveFrames(bufio.NewReader(bytes.NewReader(stream)), testPeerID, tagGossip, handler)
	require.NoError(t, err, "clean end of stream")
	assert.Equal(t, []string{"one", "two"}, got)

	truncated := append(appendFrame(nil, []byte("ok")), 0x05, 'a')
	err = serveFrames(bufio.NewReader(bytes.NewReader(truncated)), testPeerID, tagGossip, handler)
	require.ErrorIs(t, err, ErrMalformedFrame)

	rejecting := func(PeerID, streamTag, []byte) error { return ErrMalformedFrame }
	err = serveFrames(bufio.NewReader(bytes.NewReader(stream)), testPeerID, tagGossip, rejecting)
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func readStreamSkipEmpty(t *testing.T, ctx context.Context, stream net.Conn, buf []byte) (int, error) {
	var n int
	var err error
	dl, ok := ctx.Deadline()
	if ok {
		stream.SetReadDeadline(dl)
	}

	for {
		n, err = stream.Read(buf)
		if err != nil {
			return 0, err
		}

		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		if n > 0 {
			return n, nil
		} else {
			t.Log("received an empty frame from the stream")
		}
	}
}
