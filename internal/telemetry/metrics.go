package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics — Prometheus метрики оркестратора.
//
// Все методы безопасны для nil receiver, поэтому компоненты
// можно собирать без метрик (например, в тестах).
type Metrics struct {
	jobsFinished   *prometheus.CounterVec
	tenantOutcomes *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	proposals      *prometheus.CounterVec
}

// NewMetrics создаёт и регистрирует метрики в reg.
// Если reg nil — используется prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollout_jobs_finished_total",
			Help: "Jobs that reached a terminal status",
		}, []string{"kind", "status"}),
		tenantOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollout_tenant_outcomes_total",
			Help: "Per-tenant results of fan-out executions",
		}, []string{"kind", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rollout_job_duration_seconds",
			Help:    "Wall time of job fan-out",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"kind"}),
		proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollout_proposals_total",
			Help: "Proposal lifecycle decisions",
		}, []string{"kind", "decision"}),
	}

	reg.MustRegister(m.jobsFinished, m.tenantOutcomes, m.jobDuration, m.proposals)
	return m
}

// JobFinished учитывает задание в терминальном статусе.
func (m *Metrics) JobFinished(kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(kind, status).Inc()
	if d > 0 {
		m.jobDuration.WithLabelValues(kind).Observe(d.Seconds())
	}
}

// TenantOutcome учитывает результат по одному тенанту: succeeded или failed.
func (m *Metrics) TenantOutcome(kind, result string) {
	if m == nil {
		return
	}
	m.tenantOutcomes.WithLabelValues(kind, result).Inc()
}

// ProposalDecision учитывает proposed, approved или rejected.
func (m *Metrics) ProposalDecision(kind, decision string) {
	if m == nil {
		return
	}
	m.proposals.WithLabelValues(kind, decision).Inc()
}
