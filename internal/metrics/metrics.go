// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package metrics exposes Prometheus counters, histograms and gauges for
// the ingestion subsystem: per-state transition counts, embedding
// outcomes, lock contention, change-queue depth, and per-stage
// durations. It generalizes a prior ingestion metrics registry (delta
// counts, function/embedding counters, batch counts, stage durations)
// from a single Go-parsing pipeline's vocabulary to this package's
// batch/state/lock/queue vocabulary, keeping the same
// sync.Once-guarded lazy registration idiom.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// registry holds every metric this subsystem reports. The zero value is
// usable; metrics register themselves on first use via init().
type registry struct {
	once sync.Once

	batchesProcessed prometheus.Counter
	batchesFailed    prometheus.Counter

	filesParsed  prometheus.Counter
	filesDeleted prometheus.Counter

	stateTransitions *prometheus.CounterVec // label: state

	embedComputed prometheus.Counter
	embedSkipped  prometheus.Counter
	embedErrors   prometheus.Counter
	embedRetries  prometheus.Counter

	lockWaitSeconds prometheus.Histogram
	lockTimeouts    prometheus.Counter

	queueDepth *prometheus.GaugeVec // label: project

	parseDuration prometheus.Histogram
	linkDuration  prometheus.Histogram
	embedDuration prometheus.Histogram
	batchDuration prometheus.Histogram
}

var m registry

func (m *registry) init() {
	m.once.Do(func() {
		m.batchesProcessed = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cie_ingest_batches_processed_total", Help: "Batches de ingesta completados",
		})
		m.batchesFailed = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cie_ingest_batches_failed_total", Help: "Batches de ingesta con al menos un archivo en error",
		})

		m.filesParsed = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cie_ingest_files_parsed_total", Help: "Archivos parseados con éxito",
		})
		m.filesDeleted = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cie_ingest_files_deleted_total", Help: "Archivos eliminados (cascade delete)",
		})

		m.stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cie_ingest_state_transitions_total", Help: "Transiciones de estado por nodo, agrupadas por estado destino",
		}, []string{"state"})

		m.embedComputed = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cie_ingest_embeddings_computed_total", Help: "Embeddings calculados",
		})
		m.embedSkipped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cie_ingest_embeddings_skipped_total", Help: "Embeddings reutilizados desde el preservador de metadatos",
		})
		m.embedErrors = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cie_ingest_embeddings_errors_total", Help: "Errores de proveedor de embeddings tras agotar reintentos",
		})
		m.embedRetries = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cie_ingest_embeddings_retries_total", Help: "Reintentos de llamadas al proveedor de embeddings",
		})

		m.lockWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "cie_ingest_lock_wait_seconds", Help: "Tiempo de espera para adquirir el lock de proyecto",
			Buckets: prometheus.DefBuckets,
		})
		m.lockTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cie_ingest_lock_timeouts_total", Help: "Adquisiciones de lock que excedieron su deadline",
		})

		m.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cie_ingest_queue_depth", Help: "Eventos pendientes en la cola de cambios por proyecto",
		}, []string{"project"})

		buckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
		m.parseDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "cie_ingest_parse_seconds", Help: "Duración de parseo por batch", Buckets: buckets,
		})
		m.linkDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "cie_ingest_link_seconds", Help: "Duración de resolución de referencias por batch", Buckets: buckets,
		})
		m.embedDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "cie_ingest_embed_seconds", Help: "Duración de embeddings por batch", Buckets: buckets,
		})
		m.batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "cie_ingest_batch_seconds", Help: "Duración total de un batch de ingesta", Buckets: buckets,
		})

		prometheus.MustRegister(
			m.batchesProcessed, m.batchesFailed,
			m.filesParsed, m.filesDeleted,
			m.stateTransitions,
			m.embedComputed, m.embedSkipped, m.embedErrors, m.embedRetries,
			m.lockWaitSeconds, m.lockTimeouts,
			m.queueDepth,
			m.parseDuration, m.linkDuration, m.embedDuration, m.batchDuration,
		)
	})
}

// RecordBatchProcessed increments the completed-batch counter.
func RecordBatchProcessed() { m.init(); m.batchesProcessed.Inc() }

// RecordBatchFailed increments the failed-batch counter.
func RecordBatchFailed() { m.init(); m.batchesFailed.Inc() }

// RecordFilesParsed adds n to the parsed-files counter.
func RecordFilesParsed(n int) { m.init(); m.filesParsed.Add(float64(n)) }

// RecordFilesDeleted adds n to the cascade-deleted-files counter.
func RecordFilesDeleted(n int) { m.init(); m.filesDeleted.Add(float64(n)) }

// RecordStateTransition increments the transition counter for the
// destination state.
func RecordStateTransition(state string) { m.init(); m.stateTransitions.WithLabelValues(state).Inc() }

// RecordEmbedComputed adds n to the computed-embeddings counter.
func RecordEmbedComputed(n int) { m.init(); m.embedComputed.Add(float64(n)) }

// RecordEmbedSkipped adds n to the restored/skipped-embeddings counter.
func RecordEmbedSkipped(n int) { m.init(); m.embedSkipped.Add(float64(n)) }

// RecordEmbedError increments the embedding-error counter.
func RecordEmbedError() { m.init(); m.embedErrors.Inc() }

// RecordEmbedRetry increments the embedding-retry counter.
func RecordEmbedRetry() { m.init(); m.embedRetries.Inc() }

// ObserveLockWait records how long a caller waited to acquire the
// project lock.
func ObserveLockWait(d time.Duration) { m.init(); m.lockWaitSeconds.Observe(d.Seconds()) }

// RecordLockTimeout increments the lock-timeout counter.
func RecordLockTimeout() { m.init(); m.lockTimeouts.Inc() }

// SetQueueDepth reports the current number of pending events in a
// project's change queue.
func SetQueueDepth(project string, depth int) {
	m.init()
	m.queueDepth.WithLabelValues(project).Set(float64(depth))
}

// ObserveParseDuration records one batch's parse-stage duration.
func ObserveParseDuration(d time.Duration) { m.init(); m.parseDuration.Observe(d.Seconds()) }

// ObserveLinkDuration records one batch's link-stage duration.
func ObserveLinkDuration(d time.Duration) { m.init(); m.linkDuration.Observe(d.Seconds()) }

// ObserveEmbedDuration records one batch's embed-stage duration.
func ObserveEmbedDuration(d time.Duration) { m.init(); m.embedDuration.Observe(d.Seconds()) }

// ObserveBatchDuration records one batch's total duration.
func ObserveBatchDuration(d time.Duration) { m.init(); m.batchDuration.Observe(d.Seconds()) }
