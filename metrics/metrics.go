// Package metrics exposes simulation counters over prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "vaultsim"

const (
	StatusSuccess   = "success"
	StatusTimeout   = "timeout"
	StatusFailure   = "failure"
	StatusCancelled = "cancelled"
)

const (
	PhaseDeploy  = "deploy"
	PhasePropose = "propose"
)

// Metric holds the collectors of one run on its own registry.
type Metric struct {
	registry        *prometheus.Registry
	deployCounter   *prometheus.CounterVec
	proposeCounter  *prometheus.CounterVec
	proposeTime     prometheus.Gauge
	phaseDuration   *prometheus.HistogramVec
	transferred     prometheus.Counter
	mismatches      prometheus.Gauge
	expectedBalance *prometheus.GaugeVec
}

// NewMetric creates and registers the collectors.
func NewMetric() *Metric {
	m := &Metric{
		registry: prometheus.NewRegistry(),
		deployCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "user",
			Name:      "deploys_total",
			Help:      "transfer deploys by outcome",
		}, []string{"status"}),
		proposeCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "proposes_total",
			Help:      "proposes by outcome",
		}, []string{"status"}),
		proposeTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "propose_time_seconds",
			Help:      "duration of the last successful propose in seconds",
		}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "phase_seconds",
			Help:      "elapsed time of deploy and propose phases",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"phase"}),
		transferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "user",
			Name:      "transferred_total",
			Help:      "sum of confirmed transfer amounts",
		}),
		mismatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "world",
			Name:      "reconcile_mismatches",
			Help:      "users whose ledger balance differs from the expected balance",
		}),
		expectedBalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "user",
			Name:      "expected_balance",
			Help:      "locally tracked balance",
		}, []string{"user"}),
	}
	m.registry.MustRegister(
		m.deployCounter,
		m.proposeCounter,
		m.proposeTime,
		m.phaseDuration,
		m.transferred,
		m.mismatches,
		m.expectedBalance,
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metric) Registry() *prometheus.Registry {
	return m.registry
}

// UpdateDeploy counts one deploy and, on success, its amount.
func (m *Metric) UpdateDeploy(status string, amount int64) {
	m.deployCounter.WithLabelValues(status).Inc()
	if status == StatusSuccess && amount > 0 {
		m.transferred.Add(float64(amount))
	}
}

// UpdatePropose counts one propose.
func (m *Metric) UpdatePropose(elapsed time.Duration, status string) {
	m.proposeCounter.WithLabelValues(status).Inc()
	if status == StatusSuccess {
		m.proposeTime.Set(elapsed.Seconds())
	}
}

// ObservePhase records the elapsed time of a phase.
func (m *Metric) ObservePhase(phase string, elapsed time.Duration) {
	m.phaseDuration.WithLabelValues(phase).Observe(elapsed.Seconds())
}

// SetExpectedBalance records the local balance of a user.
func (m *Metric) SetExpectedBalance(user string, balance int64) {
	m.expectedBalance.WithLabelValues(user).Set(float64(balance))
}

// SetMismatches records the mismatch count of the last reconciliation.
func (m *Metric) SetMismatches(n int) {
	m.mismatches.Set(float64(n))
}

// Handler serves the registry at /metrics.
func (m *Metric) Handler() http.Handler {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return router
}

// Serve serves the metrics endpoint until ctx is done.
func (m *Metric) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("fail to shutdown metrics server")
		}
	}()
	log.Info().Str("addr", addr).Msg("serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
