package mothra

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func frameReader(b []byte) *bufio.Reader {
	return bufio.NewReader(bytes.NewReader(b))
}

func TestReadFrame(t *testing.T) {
	t.Run("frames back to back", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeFrame(&buf, []byte("first")))
		require.NoError(t, writeFrame(&buf, nil))
		require.NoError(t, writeFrame(&buf, []byte("third")))

		r := frameReader(buf.Bytes())
		body, err := readFrame(r, MaxFrameSize)
		require.NoError(t, err)
		assert.Equal(t, "first", string(body))

		body, err = readFrame(r, MaxFrameSize)
		require.NoError(t, err)
		assert.Empty(t, body)

		body, err = readFrame(r, MaxFrameSize)
		require.NoError(t, err)
		assert.Equal(t, "third", string(body))

		_, err = readFrame(r, MaxFrameSize)
		require.ErrorIs(t, err, io.EOF)
	})

	t.Run("truncated length prefix", func(t *testing.T) {
		_, err := readFrame(frameReader([]byte{0x80}), MaxFrameSize)
		require.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("length prefix overflows", func(t *testing.T) {
		_, err := readFrame(frameReader(bytes.Repeat([]byte{0xff}, 11)), MaxFrameSize)
		require.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("announced length exceeds the buffer", func(t *testing.T) {
		b := appendFrame(nil, []byte("short"))
		_, err := readFrame(frameReader(b[:len(b)-2]), MaxFrameSize)
		require.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("frame larger than allowed", func(t *testing.T) {
		b := appendFrame(nil, make([]byte, 64))
		_, err := readFrame(frameReader(b), 32)
		require.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("refuse to write a too large frame", func(t *testing.T) {
		err := writeFrame(io.Discard, make([]byte, MaxFrameSize+1))
		require.ErrorIs(t, err, ErrTooLargeFrame)
	})
}

func TestGossipFrame(t *testing.T) {
	publish := &gossipFrame{
		kind:    gossipPublish,
		topics:  []string{"/mothra/topic1"},
		id:      computeMessageID("origin", 42, "/mothra/topic1", []byte("hello")),
		origin:  "origin",
		seqno:   42,
		payload: []byte("hello"),
	}

	t.Run("publish", func(t *testing.T) {
		decoded, err := unmarshalGossipFrame(publish.marshal())
		require.NoError(t, err)
		assert.Equal(t, publish, decoded)
	})

	t.Run("subscribe carries many topics", func(t *testing.T) {
		announce := &gossipFrame{kind: gossipSubscribe, topics: []string{"a", "b"}}
		decoded, err := unmarshalGossipFrame(announce.marshal())
		require.NoError(t, err)
		assert.Equal(t, gossipSubscribe, decoded.kind)
		assert.Equal(t, []string{"a", "b"}, decoded.topics)
	})

	t.Run("unknown fields are skipped", func(t *testing.T) {
		b := publish.marshal()
		b = protowire.AppendTag(b, 99, protowire.BytesType)
		b = protowire.AppendString(b, "from the future")
		b = protowire.AppendTag(b, 100, protowire.VarintType)
		b = protowire.AppendVarint(b, 7)

		decoded, err := unmarshalGossipFrame(b)
		require.NoError(t, err)
		assert.Equal(t, publish, decoded)
	})

	t.Run("topic length exceeds the buffer", func(t *testing.T) {
		var b []byte
		b = protowire.AppendTag(b, gossipFieldKind, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(gossipSubscribe))
		b = protowire.AppendTag(b, gossipFieldTopic, protowire.BytesType)
		b = protowire.AppendVarint(b, 200)
		b = append(b, "way too short"...)

		_, err := unmarshalGossipFrame(b)
		require.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("publish without id", func(t *testing.T) {
		var b []byte
		b = protowire.AppendTag(b, gossipFieldKind, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(gossipPublish))
		b = protowire.AppendTag(b, gossipFieldTopic, protowire.BytesType)
		b = protowire.AppendString(b, "topic")
		b = protowire.AppendTag(b, gossipFieldOrigin, protowire.BytesType)
		b = protowire.AppendString(b, "origin")

		_, err := unmarshalGossipFrame(b)
		require.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("message id of the wrong size", func(t *testing.T) {
		var b []byte
		b = protowire.AppendTag(b, gossipFieldKind, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(gossipPublish))
		b = protowire.AppendTag(b, gossipFieldID, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte{1, 2, 3})

		_, err := unmarshalGossipFrame(b)
		require.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("unknown kind", func(t *testing.T) {
		announce := &gossipFrame{kind: 9, topics: []string{"a"}}
		_, err := unmarshalGossipFrame(announce.marshal())
		require.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := unmarshalGossipFrame([]byte{0xff, 0xff, 0xff})
		require.ErrorIs(t, err, ErrMalformedFrame)
	})
}

func TestRPCFrame(t *testing.T) {
	t.Run("request", func(t *testing.T) {
		req := &rpcFrame{id: 7, kind: rpcRequest, method: "ping", payload: []byte("p")}
		decoded, err := unmarshalRPCFrame(req.marshal())
		require.NoError(t, err)
		assert.Equal(t, req, decoded)
	})

	t.Run("error", func(t *testing.T) {
		resp := &rpcFrame{id: 7, kind: rpcError, method: "ping", err: "boom"}
		decoded, err := unmarshalRPCFrame(resp.marshal())
		require.NoError(t, err)
		assert.Equal(t, "boom", decoded.err)
		assert.Nil(t, decoded.payload)
	})

	t.Run("missing method", func(t *testing.T) {
		req := &rpcFrame{id: 7, kind: rpcRequest}
		_, err := unmarshalRPCFrame(req.marshal())
		require.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("unknown kind", func(t *testing.T) {
		req := &rpcFrame{id: 7, kind: 12, method: "ping"}
		_, err := unmarshalRPCFrame(req.marshal())
		require.ErrorIs(t, err, ErrMalformedFrame)
	})
}
