// Package metrics registers the controller's Prometheus instruments. Init is
// idempotent and optional: every helper no-ops until it runs, so unit tests
// and CLI verbs never touch the default registry.
package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"siterelay/internal/log"
)

const metricPrefix = "siterelay_"

// Admission results.
const (
	AdmissionAdmitted         = "admitted"
	AdmissionInvalidSignature = "invalid_signature"
	AdmissionExpiredToken     = "expired_token"
	AdmissionPlanNotAllowed   = "plan_not_allowed"
	AdmissionCooldownActive   = "cooldown_active"
	AdmissionError            = "error"
)

// Dispatch outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
)

var (
	registerOnce sync.Once

	admissionsTotal  *prometheus.CounterVec
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	reclaimedTotal   *prometheus.CounterVec
	retentionDeleted prometheus.Counter
)

// Init registers the instruments, plus queue-depth gauges read straight from
// the database when db is non-nil.
func Init(db *sql.DB) {
	registerOnce.Do(func() {
		admissionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "admissions_total",
				Help: "Admission decisions by result",
			},
			[]string{"result"},
		)
		dispatchTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "dispatch_total",
				Help: "Dispatch attempts by command type and outcome",
			},
			[]string{"command_type", "outcome"},
		)
		dispatchDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "dispatch_duration_seconds",
				Help:    "Remote execution call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"command_type"},
		)
		reclaimedTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "watchdog_reclaimed_total",
				Help: "Stuck processing commands reclaimed by the watchdog, by disposition",
			},
			[]string{"disposition"},
		)
		retentionDeleted = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "retention_deleted_total",
				Help: "Terminal commands removed by the retention sweeper",
			},
		)

		prometheus.MustRegister(
			admissionsTotal,
			dispatchTotal,
			dispatchDuration,
			reclaimedTotal,
			retentionDeleted,
		)

		if db != nil {
			registerQueueGauges(db)
		}
	})
}

func registerQueueGauges(db *sql.DB) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "commands_pending",
			Help: "Commands waiting for a worker",
		},
		func() float64 {
			return queryCount(db, "SELECT COUNT(*) FROM commands WHERE status = 'pending'")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "commands_processing",
			Help: "Commands currently in flight",
		},
		func() float64 {
			return queryCount(db, "SELECT COUNT(*) FROM commands WHERE status = 'processing'")
		},
	))
}

func queryCount(db *sql.DB, query string) float64 {
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		log.Warn("metrics query failed", "error", err)
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}

// IncAdmission counts one admission decision.
func IncAdmission(result string) {
	if result == "" {
		result = AdmissionError
	}
	if admissionsTotal != nil {
		admissionsTotal.WithLabelValues(result).Inc()
	}
}

// ObserveDispatch records one delivery attempt.
func ObserveDispatch(commandType, outcome string, duration time.Duration) {
	if outcome == "" {
		outcome = OutcomeFailed
	}
	if dispatchTotal != nil {
		dispatchTotal.WithLabelValues(commandType, outcome).Inc()
	}
	if dispatchDuration != nil {
		dispatchDuration.WithLabelValues(commandType).Observe(duration.Seconds())
	}
}

// AddReclaimed counts watchdog reclaims by disposition.
func AddReclaimed(disposition string, count int64) {
	if count <= 0 {
		return
	}
	if reclaimedTotal != nil {
		reclaimedTotal.WithLabelValues(disposition).Add(float64(count))
	}
}

// AddRetentionDeleted counts sweeper deletions.
func AddRetentionDeleted(count int64) {
	if count <= 0 {
		return
	}
	if retentionDeleted != nil {
		retentionDeleted.Add(float64(count))
	}
}
