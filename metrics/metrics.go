// Package metrics declares the Prometheus collectors of data distribution.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values of collectors.
const (
	Fail = "fail"
	Ok   = "ok"

	// Loss reasons.
	LossGapTimeout     = "gap-timeout"
	LossWriterDropped  = "writer-dropped"
	LossRetryExhausted = "retry-exhausted"
	LossBestEffort     = "best-effort"
	LossDecode         = "decode"
)

// Collectors of session frames and reliability.
var (
	FramesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dds_session_frames_sent_total",
		Help: "Cumulative number of frames sent by sessions, by kind.",
	}, []string{"kind"})
	FramesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dds_session_frames_received_total",
		Help: "Cumulative number of frames received by sessions, by kind.",
	}, []string{"kind"})
	BytesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dds_session_sent_bytes_total",
		Help: "Cumulative number of bytes sent by sessions.",
	})
	BytesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dds_session_received_bytes_total",
		Help: "Cumulative number of bytes received by sessions.",
	})
	RetransmitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dds_session_retransmits_total",
		Help: "Cumulative number of frames retransmitted by writer sessions.",
	})
	DuplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dds_session_duplicates_total",
		Help: "Cumulative number of duplicate frames discarded by reader sessions.",
	})
	LostSequencesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dds_session_lost_sequences_total",
		Help: "Cumulative number of sequenced frames lost, by reason.",
	}, []string{"reason"})
	Sessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dds_sessions",
		Help: "Number of sessions, by state.",
	}, []string{"state"})
	HandshakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dds_session_handshakes_total",
		Help: "Cumulative number of session handshakes, by role and outcome.",
	}, []string{"role", "status"})
	AckLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dds_session_ack_latency_seconds",
		Help:    "Latency from first transmission of a frame to its acknowledgement.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 100us to ~3s
	})
)

// Collectors of writers and readers.
var (
	WritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dds_writer_writes_total",
		Help: "Cumulative number of writer operations, by kind and status.",
	}, []string{"kind", "status"})
	SamplesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dds_reader_samples_received_total",
		Help: "Cumulative number of samples enqueued by readers.",
	})
	QueueDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dds_reader_queue_drops_total",
		Help: "Cumulative number of samples evicted from full drop-oldest reader queues.",
	})
	QueueRejectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dds_reader_queue_rejects_total",
		Help: "Cumulative number of samples rejected by full reject-newest reader queues.",
	})
	MatchedPairs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dds_matched_pairs",
		Help: "Number of matched writer and reader pairs.",
	})
	AnnouncedEndpoints = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dds_announced_endpoints",
		Help: "Number of endpoints known to the matcher, by kind.",
	}, []string{"kind"})
)
