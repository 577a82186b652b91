// Copyright 2025 The Loopd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus collectors for the scheduler and
// per-run loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loopd/loopd/internal/model"
)

// Collector is the reporting surface the scheduler and runloop call into;
// narrower than the concrete *Metrics type so tests can substitute a no-op.
type Collector interface {
	RecordRunStart(workspace string)
	RecordRunComplete(workspace string, status model.RunStatus)
	RecordStepDuration(phase model.Phase, seconds float64)
	RecordWatchdogRewrite(signal string)
	RecordVerificationFailure()
	SetQueueDepth(n int)
	SetInFlight(workspace string, n int)
}

// Metrics is the Prometheus-backed Collector implementation.
type Metrics struct {
	inFlight          *prometheus.GaugeVec
	queueDepth        prometheus.Gauge
	stepDuration      *prometheus.HistogramVec
	watchdogRewrites  *prometheus.CounterVec
	verificationFails prometheus.Counter
	runsStarted       *prometheus.CounterVec
	runsCompleted     *prometheus.CounterVec
}

// New registers loopd's collectors against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "loopd",
			Name:      "runs_in_flight",
			Help:      "Number of runs currently RUNNING, by workspace.",
		}, []string{"workspace"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loopd",
			Name:      "queue_depth",
			Help:      "Number of runs currently PENDING.",
		}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "loopd",
			Name:      "step_duration_seconds",
			Help:      "Step execution duration by phase.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"phase"}),
		watchdogRewrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loopd",
			Name:      "watchdog_rewrites_total",
			Help:      "Watchdog rewrites by signal.",
		}, []string{"signal"}),
		verificationFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loopd",
			Name:      "verification_failures_total",
			Help:      "Total verification failures across all runs.",
		}),
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loopd",
			Name:      "runs_started_total",
			Help:      "Total runs started, by workspace.",
		}, []string{"workspace"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loopd",
			Name:      "runs_completed_total",
			Help:      "Total runs reaching a terminal status, by workspace and status.",
		}, []string{"workspace", "status"}),
	}

	reg.MustRegister(m.inFlight, m.queueDepth, m.stepDuration, m.watchdogRewrites,
		m.verificationFails, m.runsStarted, m.runsCompleted)
	return m
}

func (m *Metrics) RecordRunStart(workspace string) {
	m.runsStarted.WithLabelValues(workspace).Inc()
}

func (m *Metrics) RecordRunComplete(workspace string, status model.RunStatus) {
	m.runsCompleted.WithLabelValues(workspace, string(status)).Inc()
}

func (m *Metrics) RecordStepDuration(phase model.Phase, seconds float64) {
	m.stepDuration.WithLabelValues(string(phase)).Observe(seconds)
}

func (m *Metrics) RecordWatchdogRewrite(signal string) {
	m.watchdogRewrites.WithLabelValues(signal).Inc()
}

func (m *Metrics) RecordVerificationFailure() {
	m.verificationFails.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) SetInFlight(workspace string, n int) {
	m.inFlight.WithLabelValues(workspace).Set(float64(n))
}
