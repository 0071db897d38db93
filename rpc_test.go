package mothra

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcRecorder struct {
	lk     sync.Mutex
	events []RPCEvent
	handle func(RPCEvent) ([]byte, error)
}

func (rec *rpcRecorder) deliver(ev RPCEvent, reply func([]byte, error)) {
	rec.lk.Lock()
	rec.events = append(rec.events, ev)
	handle := rec.handle
	rec.lk.Unlock()
	if reply != nil && handle != nil {
		reply(handle(ev))
	}
}

func (rec *rpcRecorder) received() []RPCEvent {
	rec.lk.Lock()
	defer rec.lk.Unlock()
	return slices.Clone(rec.events)
}

func newTestDispatcher(local PeerID, tr frameSender, clk clock.Clock, rec *rpcRecorder) *dispatcher {
	return newDispatcher(dispatcherConfig{
		local:    local,
		timeout:  5 * time.Second,
		metadata: []byte("meta"),
		clk:      clk,
		logger:   slog.Default(),
	}, tr, rec.deliver)
}

func waitCall(t *testing.T, call *Call) ([]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	payload, err := call.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "call was never resolved")
	return payload, err
}

func lastRPCFrame(t *testing.T, tr *recordingSender) *rpcFrame {
	t.Helper()
	frames := tr.frames()
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	require.Equal(t, tagRPC, last.tag)
	frame, err := unmarshalRPCFrame(last.body)
	require.NoError(t, err)
	return frame
}

func responseFrame(id uint64, method string, payload []byte) []byte {
	return (&rpcFrame{id: id, kind: rpcResponse, method: method, payload: payload}).marshal()
}

func TestDispatcherSendRequest(t *testing.T) {
	clk := clock.NewMock()
	tr := &recordingSender{peers: []PeerID{"b", "c"}}
	rec := &rpcRecorder{}
	d := newTestDispatcher("a", tr, clk, rec)

	t.Run("response", func(t *testing.T) {
		call, err := d.SendRequest("b", "ping", []byte("ping"), 0)
		require.NoError(t, err)
		_, err = call.Result()
		require.ErrorIs(t, err, ErrCallPending)

		req := lastRPCFrame(t, tr)
		assert.Equal(t, rpcRequest, req.kind)
		assert.Equal(t, call.ID, req.id)
		assert.Equal(t, "ping", req.method)

		require.NoError(t, d.handleFrame("b", responseFrame(req.id, "ping", []byte("pong"))))
		payload, err := waitCall(t, call)
		require.NoError(t, err)
		assert.Equal(t, "pong", string(payload))

		events := rec.received()
		require.Len(t, events, 1)
		assert.Equal(t, RPCResponse, events[0].Kind)
		assert.Equal(t, call.ID, events[0].RequestID)
		assert.Equal(t, PeerID("b"), events[0].Peer)
		assert.Zero(t, d.pendingCount())
	})

	t.Run("request ids increase", func(t *testing.T) {
		first, err := d.SendRequest("b", "ping", nil, 0)
		require.NoError(t, err)
		second, err := d.SendRequest("c", "ping", nil, 0)
		require.NoError(t, err)
		assert.Greater(t, second.ID, first.ID)
		d.peerDisconnected("b")
		d.peerDisconnected("c")
	})

	t.Run("remote error", func(t *testing.T) {
		call, err := d.SendRequest("b", "explode", nil, 0)
		require.NoError(t, err)
		errFrame := (&rpcFrame{id: call.ID, kind: rpcError, method: "explode", err: "boom"}).marshal()
		require.NoError(t, d.handleFrame("b", errFrame))

		_, err = waitCall(t, call)
		var rerr *RemoteError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, "boom", rerr.Message)
		assert.Equal(t, "explode", rerr.Method)
	})

	t.Run("response from another peer", func(t *testing.T) {
		call, err := d.SendRequest("b", "ping", nil, 0)
		require.NoError(t, err)
		require.NoError(t, d.handleFrame("c", responseFrame(call.ID, "ping", []byte("spoofed"))))
		_, err = call.Result()
		require.ErrorIs(t, err, ErrCallPending)

		require.NoError(t, d.handleFrame("b", responseFrame(call.ID, "ping", []byte("pong"))))
		payload, err := waitCall(t, call)
		require.NoError(t, err)
		assert.Equal(t, "pong", string(payload))
	})

	t.Run("invalid arguments", func(t *testing.T) {
		_, err := d.SendRequest("b", "", nil, 0)
		require.ErrorIs(t, err, ErrInvalidMethod)
		_, err = d.SendRequest("b", strings.Repeat("m", MaxMethodLength+1), nil, 0)
		require.ErrorIs(t, err, ErrInvalidMethod)
		_, err = d.SendRequest("a", "ping", nil, 0)
		require.ErrorIs(t, err, ErrNoRoute)
	})

	t.Run("not connected", func(t *testing.T) {
		_, err := d.SendRequest("stranger", "ping", nil, 0)
		require.ErrorIs(t, err, ErrNoRoute)
		assert.Zero(t, d.pendingCount())
	})
}

func TestDispatcherTimeout(t *testing.T) {
	clk := clock.NewMock()
	tr := &recordingSender{peers: []PeerID{"b"}}
	rec := &rpcRecorder{}
	d := newTestDispatcher("a", tr, clk, rec)

	call, err := d.SendRequest("b", "slow", nil, time.Second)
	require.NoError(t, err)
	other, err := d.SendRequest("b", "slow", nil, 0)
	require.NoError(t, err)

	clk.Add(time.Second)
	_, err = waitCall(t, call)
	require.ErrorIs(t, err, ErrTimeout)

	_, err = other.Result()
	require.ErrorIs(t, err, ErrCallPending, "the default timeout is longer")

	t.Run("late response is discarded", func(t *testing.T) {
		require.NoError(t, d.handleFrame("b", responseFrame(call.ID, "slow", []byte("late"))))
		payload, err := call.Result()
		require.ErrorIs(t, err, ErrTimeout)
		assert.Nil(t, payload)
		assert.Empty(t, rec.received(), "late responses are not delivered")
	})

	t.Run("default timeout", func(t *testing.T) {
		clk.Add(5 * time.Second)
		_, err := waitCall(t, other)
		require.ErrorIs(t, err, ErrTimeout)
		assert.Zero(t, d.pendingCount())
	})
}

func TestDispatcherDisconnect(t *testing.T) {
	clk := clock.NewMock()
	tr := &recordingSender{peers: []PeerID{"b", "c"}}
	d := newTestDispatcher("a", tr, clk, &rpcRecorder{})

	toB, err := d.SendRequest("b", "ping", nil, 0)
	require.NoError(t, err)
	toC, err := d.SendRequest("c", "ping", nil, 0)
	require.NoError(t, err)

	d.peerDisconnected("b")
	_, err = waitCall(t, toB)
	require.ErrorIs(t, err, ErrPeerDisconnected)
	_, err = toC.Result()
	require.ErrorIs(t, err, ErrCallPending)

	// the timer of a resolved call does nothing.
	clk.Add(time.Minute)
	_, err = waitCall(t, toC)
	require.ErrorIs(t, err, ErrTimeout)
	_, err = toB.Result()
	require.ErrorIs(t, err, ErrPeerDisconnected)
}

func TestDispatcherClose(t *testing.T) {
	tr := &recordingSender{peers: []PeerID{"b"}}
	d := newTestDispatcher("a", tr, clock.NewMock(), &rpcRecorder{})

	call, err := d.SendRequest("b", "ping", nil, 0)
	require.NoError(t, err)

	d.close()
	d.close()
	_, err = waitCall(t, call)
	require.ErrorIs(t, err, ErrShutdown)

	_, err = d.SendRequest("b", "ping", nil, 0)
	require.ErrorIs(t, err, ErrShutdown)
}

func TestDispatcherInbound(t *testing.T) {
	clk := clock.NewMock()
	tr := &recordingSender{peers: []PeerID{"b"}}
	rec := &rpcRecorder{
		handle: func(ev RPCEvent) ([]byte, error) {
			switch ev.Method {
			case "ping":
				return []byte("pong"), nil
			case "defer":
				return nil, ErrDeferResponse
			default:
				return nil, errors.New("unknown method")
			}
		},
	}
	d := newTestDispatcher("a", tr, clk, rec)

	request := func(id uint64, method string) []byte {
		return (&rpcFrame{id: id, kind: rpcRequest, method: method, payload: []byte("in")}).marshal()
	}

	t.Run("handler answers", func(t *testing.T) {
		require.NoError(t, d.handleFrame("b", request(1, "ping")))
		events := rec.received()
		require.NotEmpty(t, events)
		ev := events[len(events)-1]
		assert.Equal(t, RPCRequest, ev.Kind)
		assert.Equal(t, uint64(1), ev.RequestID)
		assert.Equal(t, "in", string(ev.Payload))

		resp := lastRPCFrame(t, tr)
		assert.Equal(t, rpcResponse, resp.kind)
		assert.Equal(t, uint64(1), resp.id)
		assert.Equal(t, "pong", string(resp.payload))
	})

	t.Run("handler fails", func(t *testing.T) {
		require.NoError(t, d.handleFrame("b", request(2, "nope")))
		resp := lastRPCFrame(t, tr)
		assert.Equal(t, rpcError, resp.kind)
		assert.Equal(t, "unknown method", resp.err)
	})

	t.Run("metadata is answered by the core", func(t *testing.T) {
		before := len(rec.received())
		require.NoError(t, d.handleFrame("b", request(3, MetadataMethod)))
		resp := lastRPCFrame(t, tr)
		assert.Equal(t, uint64(3), resp.id)
		assert.Equal(t, "meta", string(resp.payload))
		assert.Len(t, rec.received(), before)
	})

	t.Run("ping is answered by the core", func(t *testing.T) {
		before := len(rec.received())
		frame := &rpcFrame{id: 30, kind: rpcRequest, method: PingMethod, payload: []byte("hi")}
		require.NoError(t, d.handleFrame("b", frame.marshal()))
		resp := lastRPCFrame(t, tr)
		assert.Equal(t, uint64(30), resp.id)
		assert.Equal(t, rpcResponse, resp.kind)
		assert.Equal(t, "hi", string(resp.payload))
		assert.Len(t, rec.received(), before)
	})

	t.Run("deferred response", func(t *testing.T) {
		tr.reset()
		require.NoError(t, d.handleFrame("b", request(4, "defer")))
		assert.Empty(t, tr.frames())

		require.NoError(t, d.Respond("b", 4, []byte("later")))
		resp := lastRPCFrame(t, tr)
		assert.Equal(t, rpcResponse, resp.kind)
		assert.Equal(t, "defer", resp.method)
		assert.Equal(t, "later", string(resp.payload))

		require.ErrorIs(t, d.Respond("b", 4, nil), ErrUnknownRequest)
		require.ErrorIs(t, d.Respond("c", 4, nil), ErrUnknownRequest)
	})

	t.Run("deferred request expires", func(t *testing.T) {
		require.NoError(t, d.handleFrame("b", request(5, "defer")))
		clk.Add(5 * time.Second)
		require.Eventually(t, func() bool {
			d.deferredLk.Lock()
			defer d.deferredLk.Unlock()
			return len(d.deferred) == 0
		}, 2*time.Second, 10*time.Millisecond)
		require.ErrorIs(t, d.Respond("b", 5, nil), ErrUnknownRequest)
	})

	t.Run("malformed", func(t *testing.T) {
		require.ErrorIs(t, d.handleFrame("b", []byte{0xff}), ErrMalformedFrame)
	})
}

// pairLink hands frames to the dispatcher on the other end.
type pairLink struct {
	self   PeerID
	remote PeerID
	other  *dispatcher
}

func (l *pairLink) sendFrame(peer PeerID, _ streamTag, body []byte) error {
	if peer != l.remote || l.other == nil {
		return ErrNotConnected
	}
	return l.other.handleFrame(l.self, slices.Clone(body))
}

func (l *pairLink) connectedPeers() []PeerID {
	return []PeerID{l.remote}
}

func TestDispatcherPing(t *testing.T) {
	clk := clock.NewMock()
	aLink := &pairLink{self: "a", remote: "b"}
	bLink := &pairLink{self: "b", remote: "a"}

	aRec := &rpcRecorder{}
	bRec := &rpcRecorder{handle: func(ev RPCEvent) ([]byte, error) {
		return append([]byte("pong:"), ev.Payload...), nil
	}}
	a := newTestDispatcher("a", aLink, clk, aRec)
	b := newTestDispatcher("b", bLink, clk, bRec)
	aLink.other = b
	bLink.other = a

	call, err := a.SendRequest("b", "ping", []byte("1"), 0)
	require.NoError(t, err)
	payload, err := waitCall(t, call)
	require.NoError(t, err)
	assert.Equal(t, "pong:1", string(payload))

	bEvents := bRec.received()
	require.Len(t, bEvents, 1)
	assert.Equal(t, RPCRequest, bEvents[0].Kind)
	assert.Equal(t, PeerID("a"), bEvents[0].Peer)

	aEvents := aRec.received()
	require.Len(t, aEvents, 1)
	assert.Equal(t, RPCResponse, aEvents[0].Kind)
	assert.Equal(t, "pong:1", string(aEvents[0].Payload))
}
