package models

import "time"

// PerformanceMetrics accumulates for the lifetime of a loaded package.
type PerformanceMetrics struct {
	LoadLatency        time.Duration `json:"load_latency"`
	InstantiateLatency time.Duration `json:"instantiate_latency"`
	Invocations        int64         `json:"invocations"`
	Errors             int64         `json:"errors"`
	AverageLatency     time.Duration `json:"average_latency"`
	LastUsed           time.Time     `json:"last_used"`
}

// WithInvocation returns a copy that accounts for one more call.
func (m PerformanceMetrics) WithInvocation(d time.Duration, failed bool, at time.Time) PerformanceMetrics {
	total := m.AverageLatency*time.Duration(m.Invocations) + d
	m.Invocations++
	m.AverageLatency = total / time.Duration(m.Invocations)
	if failed {
		m.Errors++
	}
	m.LastUsed = at
	return m
}
