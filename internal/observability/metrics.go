package observability

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/healingcredits/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultOK           = "ok"
	resultError        = "error"
	resultInsufficient = "insufficient_credits"
	resultConflict     = "conflict"
)

// Metrics implements ledger.OperationLogger using Prometheus and exposes HTTP request metrics.
type Metrics struct {
	operationsTotal  *prometheus.CounterVec
	creditsDeducted  prometheus.Counter
	creditsRefunded  prometheus.Counter
	creditsGranted   prometheus.Counter
	auditErrorsTotal prometheus.Counter
	eventErrorsTotal prometheus.Counter
	requestDuration  *prometheus.HistogramVec
	requestsTotal    *prometheus.CounterVec
}

// NewMetrics registers every collector on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		operationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Total number of ledger operations by outcome.",
		}, []string{"operation", "result"}),

		creditsDeducted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_credits_deducted_total",
			Help:      "Credits deducted from tracked balances.",
		}),

		creditsRefunded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_credits_refunded_total",
			Help:      "Credits returned by refunds after capping.",
		}),

		creditsGranted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_credits_granted_total",
			Help:      "Credits granted by bonuses.",
		}),

		auditErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_audit_errors_total",
			Help:      "Transaction log writes that failed without rolling back the balance.",
		}),

		eventErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_event_errors_total",
			Help:      "Balance change events that could not be published.",
		}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by status code.",
		}, []string{"method", "route", "code"}),
	}
}

// LogOperation records the outcome of a ledger operation.
func (metrics *Metrics) LogOperation(_ context.Context, entry ledger.OperationLog) {
	metrics.operationsTotal.WithLabelValues(entry.Operation, operationResult(entry.Error)).Inc()
	if entry.AuditError != nil {
		metrics.auditErrorsTotal.Inc()
	}
	if entry.EventError != nil {
		metrics.eventErrorsTotal.Inc()
	}
	if entry.Error != nil || entry.Unlimited {
		return
	}
	applied := float64(entry.AppliedCredits.Int64())
	if applied <= 0 {
		return
	}
	switch entry.Operation {
	case ledger.OperationDeduct:
		metrics.creditsDeducted.Add(applied)
	case ledger.OperationRefund:
		metrics.creditsRefunded.Add(applied)
	case ledger.OperationBonus:
		metrics.creditsGranted.Add(applied)
	}
}

// Middleware measures request latency per matched route.
func (metrics *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.requestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(started).Seconds())
		metrics.requestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

func operationResult(err error) string {
	switch {
	case err == nil:
		return resultOK
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return resultInsufficient
	case errors.Is(err, ledger.ErrWriteConflict):
		return resultConflict
	default:
		return resultError
	}
}
