// Package metrics holds the prometheus collectors shared by the batching engine and the checkpoint client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "health_events"

	LabelPartition = "partition"
	LabelTrigger   = "trigger"
	LabelPrefix    = "prefix"
)

// Batching engine metrics
var (
	// EventsConsumed counts the stream events buffered by the engine
	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "batching",
		Name:      "events_consumed_total",
		Help:      "Total number of stream events buffered",
	}, []string{LabelPartition})

	// IdleWatermarks counts the idle watermarks received
	IdleWatermarks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "batching",
		Name:      "idle_watermarks_total",
		Help:      "Total number of idle watermarks received",
	}, []string{LabelPartition})

	// BatchesFlushed counts the batches handed downstream, by the trigger which caused them
	BatchesFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "batching",
		Name:      "batches_flushed_total",
		Help:      "Total number of batches forwarded downstream",
	}, []string{LabelPartition, LabelTrigger})

	// BatchSize observes the number of events per forwarded batch
	BatchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "batching",
		Name:      "batch_size",
		Help:      "Number of events per forwarded batch",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{LabelTrigger})

	// ForwardErrors counts batches the downstream consumers failed to accept
	ForwardErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "batching",
		Name:      "forward_error_total",
		Help:      "Total number of batches which failed downstream and were re-queued",
	}, []string{LabelPartition})

	// QueueDepth is the number of events buffered per partition
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "batching",
		Name:      "queue_depth",
		Help:      "Number of events buffered per partition",
	}, []string{LabelPartition})
)

// Checkpoint metrics
var (
	// CheckpointsPublished counts checkpoints durably written
	CheckpointsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "checkpoint",
		Name:      "published_total",
		Help:      "Total number of checkpoints written to durable storage",
	}, []string{LabelPrefix})

	// CheckpointPublishErrors counts checkpoint writes which failed and were deferred to the next cycle
	CheckpointPublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "checkpoint",
		Name:      "publish_error_total",
		Help:      "Total number of failed checkpoint writes",
	}, []string{LabelPrefix})

	// CheckpointLastProcessed is the unix time of the in-memory checkpoint per partition
	CheckpointLastProcessed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "checkpoint",
		Name:      "last_processed_seconds",
		Help:      "Enqueued time of the last event forwarded per partition, in unix seconds",
	}, []string{LabelPrefix, LabelPartition})
)

// Upstream receiver metrics
var (
	// ReceiverRestarts counts partition receivers restarted after they stopped with an error
	ReceiverRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "processor",
		Name:      "receiver_restarts_total",
		Help:      "Total number of partition receivers restarted after failing",
	}, []string{LabelPartition})
)
