// Package metrics re-exports rcrowley/go-metrics under the names the
// teacher's own "metrics" package uses (metrics.NewRegisteredMeter,
// etc.), grounded directly in eth/protocols/trust/metrics.go
// ("metrics.NewRegisteredMeter(name, nil)") and triedb/pathdb/buffer.go
// (commitBytesMeter, commitNodesMeter, commitTimeTimer). Instrumentation
// is ambient: nothing in the engine reads a meter back to make a
// decision.
package metrics

import gometrics "github.com/rcrowley/go-metrics"

// Meter counts events and their rate.
type Meter = gometrics.Meter

// Timer records durations.
type Timer = gometrics.Timer

// Counter counts occurrences.
type Counter = gometrics.Counter

// DefaultRegistry is the process-wide registry, matching go-ethereum's
// metrics.DefaultRegistry.
var DefaultRegistry = gometrics.DefaultRegistry

// NewRegisteredMeter creates and registers a new meter, or returns the
// existing one if name is already registered. A nil registry registers
// against DefaultRegistry.
func NewRegisteredMeter(name string, r gometrics.Registry) Meter {
	if r == nil {
		r = DefaultRegistry
	}
	return gometrics.GetOrRegisterMeter(name, r)
}

// NewRegisteredTimer creates and registers a new timer.
func NewRegisteredTimer(name string, r gometrics.Registry) Timer {
	if r == nil {
		r = DefaultRegistry
	}
	return gometrics.GetOrRegisterTimer(name, r)
}

// NewRegisteredCounter creates and registers a new counter.
func NewRegisteredCounter(name string, r gometrics.Registry) Counter {
	if r == nil {
		r = DefaultRegistry
	}
	return gometrics.GetOrRegisterCounter(name, r)
}
