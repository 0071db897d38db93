package mothra

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricDatagramInBytes represents how much bytes have been received
	// as QUIC datagrams.
	MetricDatagramInBytes        = []string{"mothra", "datagram", "in", "bytes"}
	MetricDatagramInErrorCount   = []string{"mothra", "datagram", "in", "error", "count"}
	MetricDatagramOutBytes       = []string{"mothra", "datagram", "out", "bytes"}
	MetricDatagramOutErrorCount  = []string{"mothra", "datagram", "out", "error", "count"}
	MetricStreamEstInCount       = []string{"mothra", "stream", "establishment", "in", "count"}
	MetricStreamEstInErrorCount  = []string{"mothra", "stream", "establishment", "in", "error", "count"}
	MetricStreamEstOutCount      = []string{"mothra", "stream", "establishment", "out", "count"}
	MetricStreamEstOutErrorCount = []string{"mothra", "stream", "establishment", "out", "error", "count"}
	MetricUDPBufferSizeBytes     = []string{"mothra", "udp", "buffer", "size", "bytes"}
	MetricConnErrorCount         = []string{"mothra", "connection", "error", "count"}
	MetricConnEstCount           = []string{"mothra", "connection", "established", "count"}
	MetricFrameMalformedCount    = []string{"mothra", "frame", "malformed", "count"}

	MetricPeerDiscoveredCount  = []string{"mothra", "peer", "discovered", "count"}
	MetricPeerEvictedCount     = []string{"mothra", "peer", "evicted", "count"}
	MetricPeerConnected        = []string{"mothra", "peer", "connected"}
	MetricDialAttemptCount     = []string{"mothra", "dial", "attempt", "count"}
	MetricDialErrorCount       = []string{"mothra", "dial", "error", "count"}
	MetricGossipPublishCount   = []string{"mothra", "gossip", "publish", "count"}
	MetricGossipDeliverCount   = []string{"mothra", "gossip", "deliver", "count"}
	MetricGossipForwardCount   = []string{"mothra", "gossip", "forward", "count"}
	MetricGossipDuplicateCount = []string{"mothra", "gossip", "duplicate", "count"}
	MetricRPCRequestCount      = []string{"mothra", "rpc", "request", "count"}
	MetricRPCOutcomeCount      = []string{"mothra", "rpc", "outcome", "count"}
	MetricRPCDiscardedCount    = []string{"mothra", "rpc", "response", "discarded", "count"}
	MetricRPCLatency           = []string{"mothra", "rpc", "latency"}
	MetricCallbackPanicCount   = []string{"mothra", "callback", "panic", "count"}
	MetricCallbackQueueDepth   = []string{"mothra", "callback", "queue", "depth"}
)

type TelemetryLabel string

var (
	LabelError     TelemetryLabel = "error"
	LabelPeerAddr  TelemetryLabel = "peer_addr"
	LabelPeerID    TelemetryLabel = "peer_id"
	LabelStreamID  TelemetryLabel = "stream_id"
	LabelStreamTag TelemetryLabel = "stream_tag"
	LabelTopic     TelemetryLabel = "topic"
	LabelMessageID TelemetryLabel = "message_id"
	LabelOrigin    TelemetryLabel = "origin"
	LabelMethod    TelemetryLabel = "method"
	LabelRequestID TelemetryLabel = "request_id"
	LabelOutcome   TelemetryLabel = "outcome"
	LabelCallback  TelemetryLabel = "callback"
	LabelReason    TelemetryLabel = "reason"
	LabelStrategy  TelemetryLabel = "strategy"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
