// Package metrics defines the Prometheus collectors exported by chronicler.
// Collectors register on the default registry at init.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FramesTotal counts frames leaving the pipeline by outcome
	// (persisted, duplicate, dropped, failed).
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronicler_frames_total",
			Help: "Frames processed by the pipeline, by outcome",
		},
		[]string{"kind", "outcome"},
	)

	// FrameDuration observes end-to-end pipeline latency per frame.
	FrameDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chronicler_frame_duration_seconds",
			Help:    "Time from pipeline entry to persisted or failed",
			Buckets: prometheus.DefBuckets,
		},
	)

	// AttachmentsTotal counts attachment writes by result (written, existing, conflict).
	AttachmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronicler_attachments_total",
			Help: "Attachment store puts, by result",
		},
		[]string{"result"},
	)

	// IndexLookupsTotal counts message-id index lookups by cache result (hit, miss).
	IndexLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronicler_index_lookups_total",
			Help: "Message id index lookups, by cache result",
		},
		[]string{"result"},
	)

	// CommitAttempts observes how many attempts each successful commit needed.
	CommitAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chronicler_commit_attempts",
			Help:    "Attempts needed per git commit",
			Buckets: []float64{1, 2, 3, 5, 8},
		},
	)

	// PushesTotal counts pushes by result (ok, rejected, failed, skipped).
	PushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronicler_pushes_total",
			Help: "Git pushes, by result",
		},
		[]string{"result"},
	)

	// SpoolFilesTotal counts spool envelopes by result (done, failed, ignored).
	SpoolFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronicler_spool_files_total",
			Help: "Spool envelopes handled, by result",
		},
		[]string{"result"},
	)
)

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
