// Package metrics provides Prometheus metrics for the host router and
// container agent (spec.md §1.4 of the expanded design: observability
// is an ambient concern even though the core spec treats it as out of
// scope for the rule/protocol semantics themselves).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cdevd",
		Name:      "clients_connected",
		Help:      "Number of container agents currently connected to the host router.",
	})

	UeventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cdevd",
		Name:      "uevents_total",
		Help:      "Uevents processed, by source and action.",
	}, []string{"source", "action"})

	RuleTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cdevd",
		Name:      "rule_timeouts_total",
		Help:      "Rule evaluations that exceeded the rule-execution timeout bound.",
	})

	DevnodesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cdevd",
		Name:      "devnodes_active",
		Help:      "Device nodes currently materialized under the container's /dev.",
	})

	CgroupUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cdevd",
		Name:      "cgroup_updates_total",
		Help:      "Cgroup device-access arbitration calls, by controller and result.",
	}, []string{"controller", "result"})
)
