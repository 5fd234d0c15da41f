// Package metrics exposes player counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zsiec/prism-player/internal/audio"
	"github.com/zsiec/prism-player/internal/worker"
	"github.com/zsiec/prism-player/ringbuf"
)

const namespace = "player"

// PipelineSource reports per-track pipeline counters.
type PipelineSource interface {
	Stats() worker.Stats
}

// SinkSource reports audio output counters.
type SinkSource interface {
	Stats() audio.SinkStats
}

// Metrics holds the player's Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry
}

// New creates an empty registry. Attach sources with the Watch methods.
func New() *Metrics {
	return &Metrics{registry: prometheus.NewRegistry()}
}

// WatchRing registers gauges and counters over the shared audio ring.
func (m *Metrics) WatchRing(ring *ringbuf.Buffer) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ring_fill_frames",
			Help:      "Frames written to the audio ring but not yet read",
		},
		func() float64 { return float64(ring.Len()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ring_capacity_frames",
			Help:      "Per-channel capacity of the audio ring",
		},
		func() float64 { return float64(ring.Capacity()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ring_written_frames_total",
			Help:      "Frames written to the audio ring",
		},
		func() float64 { return float64(ring.Stats().Written) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ring_overflow_frames_total",
			Help:      "Frames discarded because the audio ring was full",
		},
		func() float64 { return float64(ring.Stats().Overflow) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ring_underrun_frames_total",
			Help:      "Frames requested from the audio ring that were not available",
		},
		func() float64 { return float64(ring.Stats().Underrun) },
	))
}

// WatchSink registers counters over the audio output.
func (m *Metrics) WatchSink(sink SinkSource) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_output_frames_total",
			Help:      "Frames handed to the audio output",
		},
		func() float64 { return float64(sink.Stats().Frames) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_silence_frames_total",
			Help:      "Frames of silence substituted for missing audio",
		},
		func() float64 { return float64(sink.Stats().Silence) },
	))
}

// WatchPipelines registers per-track counters read from src on each scrape.
func (m *Metrics) WatchPipelines(src PipelineSource) {
	m.registry.MustRegister(newPipelineCollector(src))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve serves /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
