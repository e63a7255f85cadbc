// Package telemetry provides Prometheus metrics, logging setup and
// correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values shared by the counter vectors below.
const (
	OutcomeSuccess      = "success"
	OutcomeRoleError    = "role_error"
	OutcomeChannelError = "channel_error"
	OutcomeFailed       = "failed"
	OutcomeSkipped      = "skipped"
)

var (
	once sync.Once

	// Counters
	ProvisionAttempts prometheus.Counter
	ProvisionOutcomes *prometheus.CounterVec // outcome
	Compensations     prometheus.Counter
	RoleAssignments   *prometheus.CounterVec // outcome
	MemberJoins       *prometheus.CounterVec // outcome
	ReconcileCycles   prometheus.Counter

	// Histograms (seconds)
	ProvisionDuration prometheus.Observer

	// Gauges
	PendingRecords prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ProvisionAttempts = promauto.NewCounter(prometheus.CounterOpts{Name: "guildsync_provision_attempts_total", Help: "Number of group provisioning attempts"})
		ProvisionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "guildsync_provision_outcomes_total", Help: "Provisioning attempts by outcome"}, []string{"outcome"})
		Compensations = promauto.NewCounter(prometheus.CounterOpts{Name: "guildsync_provision_compensations_total", Help: "Number of provisioning records given up and cleaned up"})
		RoleAssignments = promauto.NewCounterVec(prometheus.CounterOpts{Name: "guildsync_role_assignments_total", Help: "Role assignments by outcome"}, []string{"outcome"})
		MemberJoins = promauto.NewCounterVec(prometheus.CounterOpts{Name: "guildsync_member_joins_total", Help: "Guild member joins by outcome"}, []string{"outcome"})
		ReconcileCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "guildsync_reconcile_cycles_total", Help: "Number of reconciliation passes"})
		ProvisionDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "guildsync_provision_duration_seconds", Help: "Provisioning duration seconds", Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}})
		PendingRecords = promauto.NewGauge(prometheus.GaugeOpts{Name: "guildsync_pending_records", Help: "Provisioning records not yet complete or failed"})
	})
}

// ObserveProvision counts one provisioning attempt and its outcome.
func ObserveProvision(outcome string, d time.Duration) {
	if ProvisionAttempts == nil {
		return
	}
	ProvisionAttempts.Inc()
	ProvisionOutcomes.WithLabelValues(outcome).Inc()
	ProvisionDuration.Observe(d.Seconds())
}

// IncCompensation counts a record moved to failed.
func IncCompensation() {
	if Compensations != nil {
		Compensations.Inc()
	}
}

// IncRoleAssignment counts one role assignment by outcome.
func IncRoleAssignment(outcome string) {
	if RoleAssignments != nil {
		RoleAssignments.WithLabelValues(outcome).Inc()
	}
}

// IncMemberJoin counts one handled member join by outcome.
func IncMemberJoin(outcome string) {
	if MemberJoins != nil {
		MemberJoins.WithLabelValues(outcome).Inc()
	}
}

// IncReconcileCycle counts one reconciliation pass.
func IncReconcileCycle() {
	if ReconcileCycles != nil {
		ReconcileCycles.Inc()
	}
}

// SetPendingRecords records the current number of non-terminal records.
func SetPendingRecords(n int) {
	if PendingRecords != nil {
		PendingRecords.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
