// Package metrics holds the Prometheus collectors for the chat pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChatsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamchat_chats_created_total",
		Help: "Number of chats created.",
	})

	MessagesSaved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamchat_messages_saved_total",
		Help: "Number of messages persisted, by role.",
	}, []string{"role"})

	StreamsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamchat_streams_started_total",
		Help: "Number of generations started.",
	})

	StreamsResumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamchat_streams_resumed_total",
		Help: "Number of resume attempts, by mode (replay or regenerate).",
	}, []string{"mode"})

	StreamsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamchat_streams_failed_total",
		Help: "Number of generations that ended in a provider or persistence error.",
	})

	StreamDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "streamchat_stream_duration_seconds",
		Help:    "Wall-clock duration of generations from provider call to final persistence.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamchat_active_streams",
		Help: "Number of generations currently in flight.",
	})
)
