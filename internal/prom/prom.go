// Package prom exposes the orchestrator's Prometheus collectors and the
// optional scrape endpoint.
package prom

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const (
	promNamespace = "sweepline"
	promSubsystem = "scheduler"
)

var (
	// JobsByState tracks how many jobs currently sit in each lifecycle state.
	JobsByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystem,
		Name:      "jobs",
		Help:      "number of jobs per lifecycle state",
	}, []string{"state"})

	// SubmissionsTotal counts backend submissions, including retries.
	SubmissionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystem,
		Name:      "submissions_total",
		Help:      "backend job submissions",
	})

	// CancelsTotal counts best-effort backend cancellations.
	CancelsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystem,
		Name:      "cancels_total",
		Help:      "backend job cancellations",
	})

	// MessagesTotal counts received report-channel datagrams by kind.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Subsystem: "comms",
		Name:      "messages_total",
		Help:      "report channel datagrams received",
	}, []string{"kind"})

	// MessagesDroppedTotal counts datagrams discarded as malformed or stale.
	MessagesDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Subsystem: "comms",
		Name:      "messages_dropped_total",
		Help:      "report channel datagrams discarded",
	})

	// PollSeconds observes the duration of batched backend status queries.
	PollSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystem,
		Name:      "poll_seconds",
		Help:      "duration of batched backend status queries",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(JobsByState)
	prometheus.MustRegister(SubmissionsTotal)
	prometheus.MustRegister(CancelsTotal)
	prometheus.MustRegister(MessagesTotal)
	prometheus.MustRegister(MessagesDroppedTotal)
	prometheus.MustRegister(PollSeconds)
}

// Time returns a function observing the elapsed time since the call, for use
// as `defer prom.Time(obs)()`.
func Time(obs prometheus.Observer) func() {
	start := time.Now()
	return func() {
		obs.Observe(time.Since(start).Seconds())
	}
}

// Serve exposes the default registry on the given address until the context is
// canceled. Serve failures are logged, not fatal: metrics are an observer.
func Serve(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).WithField("addr", addr).Warn("prometheus endpoint failed")
	}
}
