// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry exposes the server's Prometheus metrics. All
// collectors live on a private registry so the /metrics endpoint serves
// exactly the notehive series and nothing inherited from the global
// default registry.
//
// A nil *Metrics is valid everywhere one is accepted: every record
// method is a no-op on a nil receiver, so components and their tests can
// run unmetered.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors the server updates at runtime.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive       prometheus.Gauge
	sessionsStarted      prometheus.Counter
	sessionsExpired      prometheus.Counter
	commitsAttempted     prometheus.Counter
	commitsSucceeded     prometheus.Counter
	pushesFailed         prometheus.Counter
	tokensIssued         prometheus.Counter
	authorizationDenials prometheus.Counter
}

// NewMetrics creates the collectors on a fresh private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	return &Metrics{
		registry: reg,
		sessionsActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "notehive_sessions_active",
			Help: "Transport sessions currently open",
		}),
		sessionsStarted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "notehive_sessions_started_total",
			Help: "Total transport sessions created",
		}),
		sessionsExpired: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "notehive_sessions_expired_total",
			Help: "Total transport sessions closed by the idle sweeper",
		}),
		commitsAttempted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "notehive_commits_attempted_total",
			Help: "Total commit sequences started by the coordinator",
		}),
		commitsSucceeded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "notehive_commits_succeeded_total",
			Help: "Total commit sequences that committed and pushed",
		}),
		pushesFailed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "notehive_pushes_failed_total",
			Help: "Total pushes to the remote that failed",
		}),
		tokensIssued: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "notehive_tokens_issued_total",
			Help: "Total access/refresh token pairs issued",
		}),
		authorizationDenials: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "notehive_authorization_denials_total",
			Help: "Total federated logins rejected by the user allowlist",
		}),
	}
}

// Handler serves the private registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetSessionsActive records the current number of open sessions.
func (m *Metrics) SetSessionsActive(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

// RecordSessionStarted counts a newly created transport session.
func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
}

// RecordSessionExpired counts a session closed for idleness.
func (m *Metrics) RecordSessionExpired() {
	if m == nil {
		return
	}
	m.sessionsExpired.Inc()
}

// RecordCommitAttempted counts a started commit sequence.
func (m *Metrics) RecordCommitAttempted() {
	if m == nil {
		return
	}
	m.commitsAttempted.Inc()
}

// RecordCommitSucceeded counts a commit sequence that reached the remote.
func (m *Metrics) RecordCommitSucceeded() {
	if m == nil {
		return
	}
	m.commitsSucceeded.Inc()
}

// RecordPushFailed counts a failed push.
func (m *Metrics) RecordPushFailed() {
	if m == nil {
		return
	}
	m.pushesFailed.Inc()
}

// RecordTokenIssued counts an issued token pair.
func (m *Metrics) RecordTokenIssued() {
	if m == nil {
		return
	}
	m.tokensIssued.Inc()
}

// RecordAuthorizationDenied counts an allowlist rejection.
func (m *Metrics) RecordAuthorizationDenied() {
	if m == nil {
		return
	}
	m.authorizationDenials.Inc()
}
