// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "team_copilot"

var (
	// IngestionsTotal counts finished ingestions by final status.
	IngestionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingestions_total",
		Help:      "Document ingestions by final status.",
	}, []string{"status"})

	IngestionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ingestion_duration_seconds",
		Help:      "Wall time of a document ingestion.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	OCRFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ocr_failures_total",
		Help:      "Images whose OCR failed and were treated as empty.",
	})

	EmbeddingRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "embedding_requests_total",
		Help:      "Embedding API calls by outcome.",
	}, []string{"outcome"})

	AnswersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "answers_total",
		Help:      "Answer streams by outcome.",
	}, []string{"outcome"})
)

// Answer outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)
