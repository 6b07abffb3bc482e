package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for chunk storage. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	ChunksStored    prometheus.Counter     // telefile_storage_chunks_stored_total
	ChunksDeduped   prometheus.Counter     // telefile_storage_chunks_deduplicated_total
	FilesFinalized  prometheus.Counter     // telefile_storage_files_finalized_total
	BytesUploaded   prometheus.Counter     // telefile_storage_bytes_uploaded_total
	BytesDownloaded prometheus.Counter     // telefile_storage_bytes_downloaded_total
	ChunkFetches    *prometheus.CounterVec // telefile_storage_chunk_fetches_total{source}
	Purges          *prometheus.CounterVec // telefile_storage_purges_total{result}
	DeleteWarnings  prometheus.Counter     // telefile_storage_delete_warnings_total
	StreamFailures  prometheus.Counter     // telefile_storage_stream_failures_total
}

// NewMetrics registers the storage metrics with registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)
	return &Metrics{
		ChunksStored: f.NewCounter(prometheus.CounterOpts{
			Name: "telefile_storage_chunks_stored_total",
			Help: "Chunks uploaded to the blob backend and recorded",
		}),
		ChunksDeduped: f.NewCounter(prometheus.CounterOpts{
			Name: "telefile_storage_chunks_deduplicated_total",
			Help: "Chunk submissions answered without storing a second copy",
		}),
		FilesFinalized: f.NewCounter(prometheus.CounterOpts{
			Name: "telefile_storage_files_finalized_total",
			Help: "Files whose last chunk completed the upload",
		}),
		BytesUploaded: f.NewCounter(prometheus.CounterOpts{
			Name: "telefile_storage_bytes_uploaded_total",
			Help: "Chunk payload bytes uploaded",
		}),
		BytesDownloaded: f.NewCounter(prometheus.CounterOpts{
			Name: "telefile_storage_bytes_downloaded_total",
			Help: "Bytes yielded to readers",
		}),
		ChunkFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "telefile_storage_chunk_fetches_total",
			Help: "Chunk reads by source (backend or cache)",
		}, []string{"source"}),
		Purges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "telefile_storage_purges_total",
			Help: "Permanent deletes by result",
		}, []string{"result"}),
		DeleteWarnings: f.NewCounter(prometheus.CounterOpts{
			Name: "telefile_storage_delete_warnings_total",
			Help: "Chunk deletes that failed during permanent delete",
		}),
		StreamFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "telefile_storage_stream_failures_total",
			Help: "Streams aborted after output had begun",
		}),
	}
}

func (m *Metrics) chunkStored(n int) {
	if m == nil {
		return
	}
	m.ChunksStored.Inc()
	m.BytesUploaded.Add(float64(n))
}

func (m *Metrics) chunkDeduped() {
	if m == nil {
		return
	}
	m.ChunksDeduped.Inc()
}

func (m *Metrics) fileFinalized() {
	if m == nil {
		return
	}
	m.FilesFinalized.Inc()
}

func (m *Metrics) chunkFetched(source string, n int) {
	if m == nil {
		return
	}
	m.ChunkFetches.WithLabelValues(source).Inc()
	m.BytesDownloaded.Add(float64(n))
}

func (m *Metrics) purge(result string, warnings int) {
	if m == nil {
		return
	}
	m.Purges.WithLabelValues(result).Inc()
	m.DeleteWarnings.Add(float64(warnings))
}

func (m *Metrics) streamFailed() {
	if m == nil {
		return
	}
	m.StreamFailures.Inc()
}
