// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Emir Aganovic

package softphone

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports call lifecycle counters. Pass via WithMetrics if you want
// them, core works fine without.
type Metrics struct {
	CallsStarted *prometheus.CounterVec
	CallsEnded   *prometheus.CounterVec
	MissedCalls  prometheus.Counter
	ActiveCalls  prometheus.Gauge
	CallDuration prometheus.Histogram
	Signals      *prometheus.CounterVec
}

// NewMetrics builds and registers metrics. reg may be
// prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CallsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "softphone",
			Name:      "calls_started_total",
			Help:      "Calls created, by direction.",
		}, []string{"direction"}),
		CallsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "softphone",
			Name:      "calls_ended_total",
			Help:      "Calls terminated, by final status.",
		}, []string{"final_status"}),
		MissedCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "softphone",
			Name:      "calls_missed_total",
			Help:      "Incoming calls that were never answered.",
		}),
		ActiveCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "softphone",
			Name:      "active_calls",
			Help:      "Calls currently in active set.",
		}),
		CallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "softphone",
			Name:      "call_duration_seconds",
			Help:      "Talk time of answered calls.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "softphone",
			Name:      "session_signals_total",
			Help:      "Normalized session signals processed.",
		}, []string{"signal"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.CallsStarted, m.CallsEnded, m.MissedCalls,
			m.ActiveCalls, m.CallDuration, m.Signals,
		)
	}
	return m
}

func (m *Metrics) callStarted(dir CallDirection) {
	if m == nil {
		return
	}
	m.CallsStarted.WithLabelValues(string(dir)).Inc()
}

func (m *Metrics) callEnded(rec CallRecord) {
	if m == nil {
		return
	}
	m.CallsEnded.WithLabelValues(rec.FinalStatus).Inc()
	if rec.Missed() {
		m.MissedCalls.Inc()
	}
	if rec.FinalStatus == FinalAnswered {
		m.CallDuration.Observe(float64(rec.DurationSeconds))
	}
}

func (m *Metrics) setActive(n int) {
	if m == nil {
		return
	}
	m.ActiveCalls.Set(float64(n))
}

func (m *Metrics) signal(sig CallSignal) {
	if m == nil {
		return
	}
	m.Signals.WithLabelValues(string(sig)).Inc()
}
