// Package metrics exposes the daemon's prometheus instrumentation: active
// session and run gauges, plus a counter of completed runs broken down by
// terminal kind (exited, timed_out, cancelled, error).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TerminalKind labels a completed run by how it ended.
type TerminalKind string

const (
	TerminalExited    TerminalKind = "exited"
	TerminalTimedOut  TerminalKind = "timed_out"
	TerminalCancelled TerminalKind = "cancelled"
	TerminalError     TerminalKind = "error"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kernel",
		Name:      "sessions_active",
		Help:      "Number of currently connected peer sessions.",
	})

	RunsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kernel",
		Name:      "runs_active",
		Help:      "Number of runs currently executing (0 or 1 per session).",
	})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kernel",
		Name:      "runs_total",
		Help:      "Total completed runs, labeled by terminal kind.",
	}, []string{"kind"})

	SafetyRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kernel",
		Name:      "safety_rejections_total",
		Help:      "Total exec submissions rejected by the safety checker.",
	})

	OOMDetectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kernel",
		Name:      "oom_detected_total",
		Help:      "Total runs in which an out-of-memory pattern was observed on stderr.",
	})
)

// ObserveDone increments RunsTotal with the kind implied by a run's outcome.
func ObserveDone(timedOut, cancelled bool, hadError bool) {
	switch {
	case hadError:
		RunsTotal.WithLabelValues(string(TerminalError)).Inc()
	case cancelled:
		RunsTotal.WithLabelValues(string(TerminalCancelled)).Inc()
	case timedOut:
		RunsTotal.WithLabelValues(string(TerminalTimedOut)).Inc()
	default:
		RunsTotal.WithLabelValues(string(TerminalExited)).Inc()
	}
}
