// Package metrics exposes the cache core's prometheus counters and
// histograms. Each field comment gives the matching stat name in the "*.n"
// (count) / "*.ns" (latency) style; the exported prometheus names use the
// "_total" and "_seconds" suffixes, and latencies are observed in seconds.
/*
 * Copyright (c) 2024, IRS Cache Core contributors.
 */
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "irscache"

// Metrics holds every counter/histogram the core reports. It implements
// casengine.Observer so the CAS engine can report retries and collisions
// without importing this package's prometheus dependency.
type Metrics struct {
	CacheHits   *prometheus.CounterVec // cache_hit.n{op}
	CacheMisses *prometheus.CounterVec // cache_miss.n{op}

	HSSCallLatency *prometheus.HistogramVec // hss_call.ns{op}
	HSSCallErrors  *prometheus.CounterVec   // hss_call_err.n{op}

	CASRetries  *prometheus.CounterVec // cas_retry.n{store}
	Collisions  *prometheus.CounterVec // impu_collision.n{store}
	PartialWrites prometheus.Counter   // partial_write.n
}

func New() *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_hit_total", Help: "Cache hits by operation.",
		}, []string{"op"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_miss_total", Help: "Cache misses by operation.",
		}, []string{"op"}),
		HSSCallLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "hss_call_duration_seconds", Help: "HSS collaborator call latency by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		HSSCallErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "hss_call_errors_total", Help: "HSS collaborator call failures by operation.",
		}, []string{"op"}),
		CASRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cas_retries_total", Help: "CAS retry attempts by store.",
		}, []string{"store"}),
		Collisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "impu_collisions_total", Help: "IMPU-ownership collisions observed by store.",
		}, []string{"store"}),
		PartialWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "partial_writes_total", Help: "Writes that succeeded locally but failed on at least one remote.",
		}),
	}
	return m
}

// Register adds every metric to reg.
func (m *Metrics) Register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.CacheHits, m.CacheMisses,
		m.HSSCallLatency, m.HSSCallErrors,
		m.CASRetries, m.Collisions, m.PartialWrites,
	)
}

func (m *Metrics) CacheHit(op string)  { m.CacheHits.WithLabelValues(op).Inc() }
func (m *Metrics) CacheMiss(op string) { m.CacheMisses.WithLabelValues(op).Inc() }

func (m *Metrics) ObserveHSSCall(op string, d time.Duration, err error) {
	m.HSSCallLatency.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		m.HSSCallErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) PartialWrite() { m.PartialWrites.Inc() }

// CASRetry implements casengine.Observer.
func (m *Metrics) CASRetry(store string) { m.CASRetries.WithLabelValues(store).Inc() }

// Collision implements casengine.Observer.
func (m *Metrics) Collision(store, _, _ string) { m.Collisions.WithLabelValues(store).Inc() }
