// Package metrics provides Prometheus metrics for sync runs.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"patchsync/internal/logging"
)

var (
	filesDownloadedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patchsync_files_downloaded_total",
			Help: "Total number of file downloads",
		},
		[]string{"status"},
	)

	bytesDownloadedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "patchsync_bytes_downloaded_total",
			Help: "Total bytes written by downloads",
		},
	)

	filesDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patchsync_files_deleted_total",
			Help: "Total number of stale local files deleted",
		},
		[]string{"status"},
	)

	archivesExtractedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patchsync_archives_extracted_total",
			Help: "Total number of archives extracted",
		},
		[]string{"status"},
	)

	filesHashedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "patchsync_files_hashed_total",
			Help: "Total number of local files fingerprinted",
		},
	)

	syncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "patchsync_sync_duration_seconds",
			Help:    "Duration of sync and install runs",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"operation", "status"},
	)

	remoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "patchsync_remote_request_duration_seconds",
			Help:    "Remote manifest and file request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source", "operation"},
	)

	remoteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patchsync_remote_requests_total",
			Help: "Total remote requests",
		},
		[]string{"source", "operation", "status"},
	)
)

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is done. An empty addr does
// nothing.
func Serve(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	go func() {
		logging.L().Info("metrics listening", logging.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.L().Error("metrics server stopped", logging.Err(err))
		}
	}()
}

// RecordDownload records one finished file download.
func RecordDownload(bytes int64, success bool) {
	bytesDownloadedTotal.Add(float64(bytes))
	filesDownloadedTotal.WithLabelValues(status(success)).Inc()
}

func RecordDelete(success bool) {
	filesDeletedTotal.WithLabelValues(status(success)).Inc()
}

func RecordExtract(success bool) {
	archivesExtractedTotal.WithLabelValues(status(success)).Inc()
}

func RecordHashed(n int) {
	filesHashedTotal.Add(float64(n))
}

// RecordSync records the duration of a sync or install run.
func RecordSync(operation string, duration time.Duration, success bool) {
	syncDuration.WithLabelValues(operation, status(success)).Observe(duration.Seconds())
}

// RecordRemoteRequest records a manifest or file request against a source.
func RecordRemoteRequest(source, operation string, duration time.Duration, success bool) {
	remoteRequestDuration.WithLabelValues(source, operation).Observe(duration.Seconds())
	remoteRequestsTotal.WithLabelValues(source, operation, status(success)).Inc()
}
