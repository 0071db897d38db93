package mothra

import (
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// streamWrapper exposes a membership stream as a `net.Conn` to memberlist.
type streamWrapper struct {
	localAddr  net.Addr
	remoteAddr net.Addr

	// NB(raskyld): It is not clear from the go-quic docs and interface comments
	// whether the stream is thread-safe, it states that Close MUST NOT
	// be called concurrently with write, but looking at the implementation,
	// it does use a mutex to sync Write/Close/Read operations, so I don't
	// think we need to make it thread-safe ourselves.
	quic.Stream
}

func (gs *streamWrapper) LocalAddr() net.Addr {
	return gs.localAddr
}

func (gs *streamWrapper) RemoteAddr() net.Addr {
	return gs.remoteAddr
}

func (gs *streamWrapper) garbageCollector(closer <-chan struct{}) {
	select {
	case <-gs.Context().Done():
		// already closed, can't clean-up.
	case <-closer:
		// graceful termination requested.
		gs.Close()
	}
}

// frameWriter is the outbound side of a gossip or rpc stream. Frames from
// concurrent senders are never interleaved.
type frameWriter struct {
	tag     streamTag
	timeout time.Duration
	lk      sync.Mutex
	stream  quic.SendStream
}

func newFrameWriter(tag streamTag, stream quic.SendStream, timeout time.Duration) (*frameWriter, error) {
	w := &frameWriter{
		tag:     tag,
		timeout: timeout,
		stream:  stream,
	}

	w.lk.Lock()
	defer w.lk.Unlock()
	if err := w.stream.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
		return nil, err
	}
	if _, err := w.stream.Write([]byte{byte(tag)}); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *frameWriter) write(body []byte) error {
	w.lk.Lock()
	defer w.lk.Unlock()
	if err := w.stream.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
		return err
	}
	return writeFrame(w.stream, body)
}

func (w *frameWriter) garbageCollector(closer <-chan struct{}) {
	select {
	case <-w.stream.Context().Done():
	case <-closer:
		w.lk.Lock()
		w.stream.Close()
		w.lk.Unlock()
	}
}
