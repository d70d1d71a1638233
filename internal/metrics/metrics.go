// Package metrics collects the prometheus counters and gauges the core
// exposes for observability, grounded the way arzzra-soft_phone and
// livekit-sip register their own collectors: a small struct of
// pre-registered vectors handed to the components that increment them,
// rather than package-level globals reached for from anywhere.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups every metric the core components emit. Callers
// construct one and pass it down to the fork engine, registrar,
// authentication module and account pool.
type Registry struct {
	ForksStarted  prometheus.Counter
	ForksFinished prometheus.Counter
	Branches      *prometheus.CounterVec
	AuthOutcomes  *prometheus.CounterVec
	Registrations prometheus.Gauge
	AccountsInUse prometheus.Gauge
}

// NewRegistry builds and registers every metric against reg. Passing a
// fresh prometheus.NewRegistry() keeps tests hermetic.
func NewRegistry(reg prometheus.Registerer) *Registry {
	m := &Registry{
		ForksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flexisip",
			Subsystem: "fork",
			Name:      "contexts_started_total",
			Help:      "Number of fork contexts created.",
		}),
		ForksFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flexisip",
			Subsystem: "fork",
			Name:      "contexts_finished_total",
			Help:      "Number of fork contexts that reached a terminal response.",
		}),
		Branches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flexisip",
			Subsystem: "fork",
			Name:      "branch_outcomes_total",
			Help:      "Branch terminal outcomes by status.",
		}, []string{"status"}),
		AuthOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flexisip",
			Subsystem: "auth",
			Name:      "outcomes_total",
			Help:      "Authentication module outcomes.",
		}, []string{"outcome"}),
		Registrations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flexisip",
			Subsystem: "registrar",
			Name:      "bindings",
			Help:      "Current number of live contact bindings.",
		}),
		AccountsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flexisip",
			Subsystem: "accounts",
			Name:      "in_use",
			Help:      "Accounts currently holding at least one call.",
		}),
	}
	reg.MustRegister(m.ForksStarted, m.ForksFinished, m.Branches, m.AuthOutcomes, m.Registrations, m.AccountsInUse)
	return m
}

// Noop returns a Registry wired to a private, unregistered prometheus
// registry, handy for components constructed without an observability
// backend in tests.
func Noop() *Registry {
	return NewRegistry(prometheus.NewRegistry())
}
