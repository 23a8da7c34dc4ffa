package authkit

import (
	"sync"
	"sync/atomic"
)

// Metric event names recorded by the issuance service and the admission layer.
const (
	MetricLoginSuccess           = "auth.login.success"
	MetricLoginFailure           = "auth.login.failure"
	MetricGoogleSuccess          = "auth.google.success"
	MetricGoogleFailure          = "auth.google.failure"
	MetricRegisterSuccess        = "auth.register.success"
	MetricRegisterFailure        = "auth.register.failure"
	MetricRefreshSuccess         = "auth.refresh.success"
	MetricRefreshFailure         = "auth.refresh.failure"
	MetricLogoutSuccess          = "auth.logout.success"
	MetricLogoutAllSuccess       = "auth.logout_all.success"
	MetricRateLimitRejected      = "ratelimit.rejected"
	MetricRateLimitStoreDegraded = "ratelimit.store_unavailable"
)

// knownMetrics are always present in a snapshot, zero until first recorded.
var knownMetrics = []string{
	MetricLoginSuccess, MetricLoginFailure,
	MetricGoogleSuccess, MetricGoogleFailure,
	MetricRegisterSuccess, MetricRegisterFailure,
	MetricRefreshSuccess, MetricRefreshFailure,
	MetricLogoutSuccess, MetricLogoutAllSuccess,
	MetricRateLimitRejected, MetricRateLimitStoreDegraded,
}

// MetricsRecorder increments counters for auth events.
type MetricsRecorder interface {
	Increment(event string)
}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	counters sync.Map
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	recorder := &CounterMetrics{}
	for _, event := range knownMetrics {
		recorder.counters.Store(event, new(atomic.Int64))
	}
	return recorder
}

func (recorder *CounterMetrics) Increment(event string) {
	counter, _ := recorder.counters.LoadOrStore(event, new(atomic.Int64))
	counter.(*atomic.Int64).Add(1)
}

// Count returns the current value for event.
func (recorder *CounterMetrics) Count(event string) int64 {
	counter, found := recorder.counters.Load(event)
	if !found {
		return 0
	}
	return counter.(*atomic.Int64).Load()
}

// Snapshot copies every counter, including known events that never fired.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	snapshot := make(map[string]int64, len(knownMetrics))
	recorder.counters.Range(func(key, value any) bool {
		snapshot[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})
	return snapshot
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}

func metricsOrNoop(recorder MetricsRecorder) MetricsRecorder {
	if recorder == nil {
		return noopMetrics{}
	}
	return recorder
}
