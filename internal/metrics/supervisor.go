// Package metrics provides Prometheus metrics for supervised processes.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	supervisorState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "forker",
		Subsystem: "supervisor",
		Name:      "state",
		Help:      "Current supervisor state (1 for the current state, 0 otherwise)",
	}, []string{"supervisor", "state"})

	supervisorStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forker",
		Subsystem: "supervisor",
		Name:      "starts_total",
		Help:      "Total start attempts",
	}, []string{"supervisor"})

	supervisorStartFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forker",
		Subsystem: "supervisor",
		Name:      "start_failures_total",
		Help:      "Total start attempts that failed to launch the process",
	}, []string{"supervisor"})

	supervisorExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forker",
		Subsystem: "supervisor",
		Name:      "exits_total",
		Help:      "Total process exits by outcome",
	}, []string{"supervisor", "outcome"})

	supervisorEscalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forker",
		Subsystem: "supervisor",
		Name:      "escalations_total",
		Help:      "Total graceful stops that timed out and were force-killed",
	}, []string{"supervisor"})

	// Local cache for status reporting without scraping.
	snapshotCache   = make(map[string]*Snapshot)
	snapshotCacheMu sync.RWMutex
)

// Snapshot holds current metric values for a supervisor.
type Snapshot struct {
	State       string
	Starts      int
	Failures    int
	Exits       map[string]int
	Escalations int
}

// SetState marks current as the supervisor's state and clears the others.
func SetState(supervisor, current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		supervisorState.WithLabelValues(supervisor, s).Set(v)
	}
	updateCache(supervisor, func(s *Snapshot) { s.State = current })
}

// IncStarts counts a start attempt.
func IncStarts(supervisor string) {
	supervisorStarts.WithLabelValues(supervisor).Inc()
	updateCache(supervisor, func(s *Snapshot) { s.Starts++ })
}

// IncStartFailures counts a start attempt that failed to launch.
func IncStartFailures(supervisor string) {
	supervisorStartFailures.WithLabelValues(supervisor).Inc()
	updateCache(supervisor, func(s *Snapshot) { s.Failures++ })
}

// IncExits counts a process exit with the given outcome (terminal state).
func IncExits(supervisor, outcome string) {
	supervisorExits.WithLabelValues(supervisor, outcome).Inc()
	updateCache(supervisor, func(s *Snapshot) { s.Exits[outcome]++ })
}

// IncEscalations counts a graceful stop escalated to a kill.
func IncEscalations(supervisor string) {
	supervisorEscalations.WithLabelValues(supervisor).Inc()
	updateCache(supervisor, func(s *Snapshot) { s.Escalations++ })
}

// DeleteSupervisorMetrics removes all series for a supervisor.
func DeleteSupervisorMetrics(supervisor string) {
	labels := prometheus.Labels{"supervisor": supervisor}
	supervisorState.DeletePartialMatch(labels)
	supervisorStarts.DeletePartialMatch(labels)
	supervisorStartFailures.DeletePartialMatch(labels)
	supervisorExits.DeletePartialMatch(labels)
	supervisorEscalations.DeletePartialMatch(labels)

	snapshotCacheMu.Lock()
	delete(snapshotCache, supervisor)
	snapshotCacheMu.Unlock()
}

// GetSnapshot returns the current values for a supervisor, or nil.
func GetSnapshot(supervisor string) *Snapshot {
	snapshotCacheMu.RLock()
	defer snapshotCacheMu.RUnlock()
	s, ok := snapshotCache[supervisor]
	if !ok {
		return nil
	}
	dup := *s
	dup.Exits = make(map[string]int, len(s.Exits))
	for k, v := range s.Exits {
		dup.Exits[k] = v
	}
	return &dup
}

func updateCache(supervisor string, update func(*Snapshot)) {
	snapshotCacheMu.Lock()
	defer snapshotCacheMu.Unlock()
	s, ok := snapshotCache[supervisor]
	if !ok {
		s = &Snapshot{Exits: make(map[string]int)}
		snapshotCache[supervisor] = s
	}
	update(s)
}
