// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package reconciler

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the Reconciler's Prometheus surface, registered on its own
// registry so tests and multiple daemon instances in one process never
// collide on the global default registry.
type Metrics struct {
	Registry *prometheus.Registry

	ReconcileTotal     *prometheus.CounterVec
	ReconcileErrors    *prometheus.CounterVec
	DriverOpsTotal     *prometheus.CounterVec
	SweepDuration      prometheus.Histogram
	LedgerRules        *prometheus.GaugeVec
}

// NewMetrics constructs and registers the Reconciler's metric families.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		ReconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_total",
			Help: "Reconcile passes run, by owner kind.",
		}, []string{"owner_kind"}),
		ReconcileErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_errors_total",
			Help: "Reconcile failures, by error kind.",
		}, []string{"kind"}),
		DriverOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driver_ops_total",
			Help: "Filter Driver invocations, by operation, address family and result.",
		}, []string{"op", "family", "result"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sweep_duration_seconds",
			Help:    "Wall-clock time spent in one periodic sweep pass.",
			Buckets: prometheus.DefBuckets,
		}),
		LedgerRules: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ledger_rules",
			Help: "Rules currently tracked in the Ledger, by rule kind (forward, service).",
		}, []string{"rule_kind"}),
	}

	reg.MustRegister(m.ReconcileTotal, m.ReconcileErrors, m.DriverOpsTotal, m.SweepDuration, m.LedgerRules)
	return m
}
