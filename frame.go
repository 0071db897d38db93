package mothra

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize is the largest frame body a peer may send us.
const MaxFrameSize = 1 << 20

// streamTag is the first byte of every stream, it tells the receiver
// which component consumes the frames that follow.
type streamTag byte

const (
	tagMembership streamTag = 0x01
	tagGossip     streamTag = 0x02
	tagRPC        streamTag = 0x03
)

func (tag streamTag) String() string {
	switch tag {
	case tagMembership:
		return "membership"
	case tagGossip:
		return "gossip"
	case tagRPC:
		return "rpc"
	default:
		return fmt.Sprintf("unknown(%#x)", byte(tag))
	}
}

// appendFrame prefixes body with its varint encoded length.
func appendFrame(dst, body []byte) []byte {
	dst = protowire.AppendVarint(dst, uint64(len(body)))
	return append(dst, body...)
}

func writeFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return ErrTooLargeFrame
	}
	buf := appendFrame(make([]byte, 0, protowire.SizeVarint(uint64(len(body)))+len(body)), body)
	_, err := w.Write(buf)
	return err
}

// readFrame returns `io.EOF` only when the stream ended cleanly between two
// frames, any other truncation is reported as `ErrMalformedFrame`.
func readFrame(r *bufio.Reader, max int) ([]byte, error) {
	var prefix [maxVarintLen]byte
	n := 0
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && n == 0 {
				return nil, io.EOF
			}
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: truncated length prefix", ErrMalformedFrame)
			}
			return nil, err
		}
		prefix[n] = b
		n++
		if b < 0x80 {
			break
		}
		if n == len(prefix) {
			return nil, fmt.Errorf("%w: length prefix overflows", ErrMalformedFrame)
		}
	}

	length, m := protowire.ConsumeVarint(prefix[:n])
	if m < 0 {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(m))
	}
	if length > uint64(max) {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrMalformedFrame, length, max)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated body", ErrMalformedFrame)
		}
		return nil, err
	}
	return body, nil
}

// maxVarintLen is the maximum size of a varint encoded uint64.
const maxVarintLen = 10

type gossipKind uint64

const (
	gossipPublish gossipKind = iota + 1
	gossipSubscribe
	gossipUnsubscribe
)

func (kind gossipKind) String() string {
	switch kind {
	case gossipPublish:
		return "publish"
	case gossipSubscribe:
		return "subscribe"
	case gossipUnsubscribe:
		return "unsubscribe"
	default:
		return "unknown"
	}
}

// gossipFrame is either a published message or an interest announcement.
type gossipFrame struct {
	kind    gossipKind
	topics  []string
	id      MessageID
	origin  PeerID
	seqno   uint64
	payload []byte
}

const (
	gossipFieldKind    protowire.Number = 1
	gossipFieldTopic   protowire.Number = 2
	gossipFieldID      protowire.Number = 3
	gossipFieldOrigin  protowire.Number = 4
	gossipFieldSeqno   protowire.Number = 5
	gossipFieldPayload protowire.Number = 6
)

func (f *gossipFrame) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, gossipFieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.kind))
	for _, topic := range f.topics {
		b = protowire.AppendTag(b, gossipFieldTopic, protowire.BytesType)
		b = protowire.AppendString(b, topic)
	}
	if f.kind != gossipPublish {
		return b
	}
	b = protowire.AppendTag(b, gossipFieldID, protowire.BytesType)
	b = protowire.AppendBytes(b, f.id[:])
	b = protowire.AppendTag(b, gossipFieldOrigin, protowire.BytesType)
	b = protowire.AppendString(b, string(f.origin))
	b = protowire.AppendTag(b, gossipFieldSeqno, protowire.VarintType)
	b = protowire.AppendVarint(b, f.seqno)
	b = protowire.AppendTag(b, gossipFieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, f.payload)
	return b
}

func unmarshalGossipFrame(b []byte) (*gossipFrame, error) {
	f := &gossipFrame{}
	hasID := false
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == gossipFieldKind && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			f.kind = gossipKind(v)
		case num == gossipFieldTopic && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			f.topics = append(f.topics, string(v))
		case num == gossipFieldID && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				if len(v) != len(f.id) {
					return nil, fmt.Errorf("%w: message id is %d bytes", ErrMalformedFrame, len(v))
				}
				copy(f.id[:], v)
				hasID = true
			}
		case num == gossipFieldOrigin && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			f.origin = PeerID(v)
		case num == gossipFieldSeqno && typ == protowire.VarintType:
			f.seqno, n = protowire.ConsumeVarint(b)
		case num == gossipFieldPayload && typ == protowire.BytesType:
			f.payload, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}

		if n < 0 {
			return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]
	}

	switch f.kind {
	case gossipPublish:
		if len(f.topics) != 1 || !hasID || f.origin == "" {
			return nil, fmt.Errorf("%w: incomplete publish frame", ErrMalformedFrame)
		}
	case gossipSubscribe, gossipUnsubscribe:
		if len(f.topics) == 0 {
			return nil, fmt.Errorf("%w: announcement without topic", ErrMalformedFrame)
		}
	default:
		return nil, fmt.Errorf("%w: unknown gossip kind %d", ErrMalformedFrame, f.kind)
	}
	return f, nil
}

type rpcKind uint64

const (
	rpcRequest rpcKind = iota + 1
	rpcResponse
	rpcError
)

type rpcFrame struct {
	id      uint64
	kind    rpcKind
	method  string
	payload []byte
	err     string
}

const (
	rpcFieldID      protowire.Number = 1
	rpcFieldKind    protowire.Number = 2
	rpcFieldMethod  protowire.Number = 3
	rpcFieldPayload protowire.Number = 4
	rpcFieldError   protowire.Number = 5
)

func (f *rpcFrame) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, rpcFieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, f.id)
	b = protowire.AppendTag(b, rpcFieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.kind))
	b = protowire.AppendTag(b, rpcFieldMethod, protowire.BytesType)
	b = protowire.AppendString(b, f.method)
	if len(f.payload) > 0 {
		b = protowire.AppendTag(b, rpcFieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.payload)
	}
	if f.err != "" {
		b = protowire.AppendTag(b, rpcFieldError, protowire.BytesType)
		b = protowire.AppendString(b, f.err)
	}
	return b
}

func unmarshalRPCFrame(b []byte) (*rpcFrame, error) {
	f := &rpcFrame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == rpcFieldID && typ == protowire.VarintType:
			f.id, n = protowire.ConsumeVarint(b)
		case num == rpcFieldKind && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			f.kind = rpcKind(v)
		case num == rpcFieldMethod && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			f.method = string(v)
		case num == rpcFieldPayload && typ == protowire.BytesType:
			f.payload, n = protowire.ConsumeBytes(b)
		case num == rpcFieldError && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			f.err = string(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}

		if n < 0 {
			return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]
	}

	if f.kind < rpcRequest || f.kind > rpcError {
		return nil, fmt.Errorf("%w: unknown rpc kind %d", ErrMalformedFrame, f.kind)
	}
	if f.method == "" {
		return nil, fmt.Errorf("%w: rpc frame without method", ErrMalformedFrame)
	}
	return f, nil
}
