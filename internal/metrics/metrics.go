// Package metrics holds the prometheus collectors of the query and
// migration layers. They register with the default registry on import.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Statement kinds.
const (
	KindBatch    = "batch"
	KindMutation = "mutation"
	KindDDL      = "ddl"
	KindQuota    = "quota"
)

var BatchFlushes = promauto.NewCounter(prometheus.CounterOpts{
	Name: "strata_batch_flushes_total",
	Help: "The total number of batch flushes sent to the database",
})

var BatchPlans = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "strata_batch_plans",
	Help:    "The number of distinct plans merged into one batch statement",
	Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
})

var BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "strata_batch_duration_seconds",
	Help:    "The duration of batch statements",
	Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
})

var Statements = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "strata_statements_total",
	Help: "The total number of statements executed, by kind",
}, []string{"kind"})

var MigrationActions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "strata_migration_actions_total",
	Help: "The total number of migration actions applied, by phase",
}, []string{"phase"})
