package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "datalogger"

// Drop reasons and eviction states used as label values.
const (
	ReasonOverflow  = "overflow"
	StateDelivered  = "delivered"
	StatePending    = "pending"
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultPermanent = "permanent"
)

// Pipeline holds every metric the acquisition and shipping loops update.
// All methods are safe for concurrent use.
type Pipeline struct {
	registry *prometheus.Registry

	Samples         prometheus.Counter
	SampleErrors    *prometheus.CounterVec
	Persisted       prometheus.Counter
	FlushFailures   prometheus.Counter
	Dropped         *prometheus.CounterVec
	Published       prometheus.Counter
	PublishAttempts *prometheus.CounterVec
	Evicted         *prometheus.CounterVec
	MemoryBatch     prometheus.Gauge
	Pending         prometheus.Gauge
	Delivered       prometheus.Gauge
	FreeFraction    prometheus.Gauge
}

// New creates a Pipeline registered on a fresh registry that also carries
// the Go runtime and process collectors.
func New() *Pipeline {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return newPipeline(reg)
}

func newPipeline(reg *prometheus.Registry) *Pipeline {
	p := &Pipeline{
		registry: reg,
		Samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "acquire", Name: "samples_total",
			Help: "Successful instrument reads.",
		}),
		SampleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "acquire", Name: "sample_errors_total",
			Help: "Failed instrument reads by kind.",
		}, []string{"kind"}),
		Persisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "acquire", Name: "persisted_total",
			Help: "Readings committed to the buffer.",
		}),
		FlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "acquire", Name: "flush_failures_total",
			Help: "Failed batch appends.",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "acquire", Name: "dropped_total",
			Help: "Samples dropped before they were persisted.",
		}, []string{"reason"}),
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "shipper", Name: "published_total",
			Help: "Readings acknowledged by the upstream endpoint.",
		}),
		PublishAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "shipper", Name: "publish_attempts_total",
			Help: "Publish attempts by result.",
		}, []string{"result"}),
		Evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "buffer", Name: "evicted_total",
			Help: "Rows deleted by eviction, by delivery state.",
		}, []string{"state"}),
		MemoryBatch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "acquire", Name: "memory_batch",
			Help: "Samples held in memory awaiting a flush.",
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "buffer", Name: "pending_rows",
			Help: "Rows not yet delivered.",
		}),
		Delivered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "buffer", Name: "delivered_rows",
			Help: "Delivered rows still retained.",
		}),
		FreeFraction: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "buffer", Name: "free_fraction",
			Help: "Lower of row headroom and disk free fraction.",
		}),
	}
	reg.MustRegister(
		p.Samples, p.SampleErrors, p.Persisted, p.FlushFailures, p.Dropped,
		p.Published, p.PublishAttempts, p.Evicted,
		p.MemoryBatch, p.Pending, p.Delivered, p.FreeFraction,
	)
	return p
}

// Registry returns the registry the metrics are registered on.
func (p *Pipeline) Registry() *prometheus.Registry { return p.registry }

// Handler returns a mux serving /metrics and /healthz.
func (p *Pipeline) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// Serve listens on addr until ctx is cancelled. An empty addr disables the
// listener and Serve blocks until ctx is done.
func (p *Pipeline) Serve(ctx context.Context, addr string) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics: listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           p.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("metrics: listening", "addr", lis.Addr().String())
		errc <- srv.Serve(lis)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("metrics: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: shutdown: %w", err)
	}
	return nil
}
