// Package metrics exposes Prometheus counters for the chunk pipeline. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "octo"

// Metrics groups the pipeline collectors
type Metrics struct {
	ChunksUploaded     prometheus.Counter
	ChunksDownloaded   prometheus.Counter
	TransportRetries   *prometheus.CounterVec
	BytesIngested      prometheus.Counter
	BytesExported      prometheus.Counter
	ChecksumMismatches prometheus.Counter
	IngestDuration     *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which tests use to avoid global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChunksUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_uploaded_total",
			Help:      "Chunks uploaded to the blob endpoint.",
		}),
		ChunksDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_downloaded_total",
			Help:      "Chunks downloaded and verified.",
		}),
		TransportRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_retries_total",
			Help:      "Blob transport attempts that were retried.",
		}, []string{"op"}),
		BytesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_ingested_total",
			Help:      "Source bytes committed by successful ingests.",
		}),
		BytesExported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_exported_total",
			Help:      "Verified bytes written to sinks.",
		}),
		ChecksumMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checksum_mismatches_total",
			Help:      "Downloaded chunks that failed verification.",
		}),
		IngestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Wall time of ingest calls by outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"outcome"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ChunksUploaded,
			m.ChunksDownloaded,
			m.TransportRetries,
			m.BytesIngested,
			m.BytesExported,
			m.ChecksumMismatches,
			m.IngestDuration,
		)
	}
	return m
}

// ChunkUploaded counts one uploaded chunk
func (m *Metrics) ChunkUploaded() {
	if m == nil {
		return
	}
	m.ChunksUploaded.Inc()
}

// ChunkDownloaded counts one verified chunk and its bytes
func (m *Metrics) ChunkDownloaded(size int) {
	if m == nil {
		return
	}
	m.ChunksDownloaded.Inc()
	m.BytesExported.Add(float64(size))
}

// Retry counts one retried transport attempt
func (m *Metrics) Retry(op string) {
	if m == nil {
		return
	}
	m.TransportRetries.WithLabelValues(op).Inc()
}

// Mismatch counts one failed verification
func (m *Metrics) Mismatch() {
	if m == nil {
		return
	}
	m.ChecksumMismatches.Inc()
}

// IngestFinished records the outcome of one ingest
func (m *Metrics) IngestFinished(seconds float64, size int64, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	} else {
		m.BytesIngested.Add(float64(size))
	}
	m.IngestDuration.WithLabelValues(outcome).Observe(seconds)
}
