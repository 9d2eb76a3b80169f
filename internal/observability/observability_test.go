package observability_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarkoPoloResearchLab/healingcredits/internal/observability"
	"github.com/MarkoPoloResearchLab/healingcredits/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func mustUserID(t *testing.T, raw string) ledger.UserID {
	t.Helper()
	userID, err := ledger.NewUserID(raw)
	require.NoError(t, err)
	return userID
}

func TestZapOperationLoggerLevels(t *testing.T) {
	testCases := []struct {
		name          string
		entry         ledger.OperationLog
		expectedLevel zapcore.Level
		expectedKey   string
	}{
		{
			name:          "success",
			entry:         ledger.OperationLog{Operation: ledger.OperationDeduct, Status: "ok", Amount: 75, AppliedCredits: 75, Balance: 225},
			expectedLevel: zapcore.InfoLevel,
		},
		{
			name:          "failure",
			entry:         ledger.OperationLog{Operation: ledger.OperationDeduct, Status: "error", Error: ledger.InsufficientCreditsError{Required: 50, Available: 40}},
			expectedLevel: zapcore.ErrorLevel,
			expectedKey:   "error",
		},
		{
			name:          "audit degraded",
			entry:         ledger.OperationLog{Operation: ledger.OperationRefund, Status: "ok", AuditError: errors.New("log table locked")},
			expectedLevel: zapcore.WarnLevel,
			expectedKey:   "audit_error",
		},
		{
			name:          "event degraded",
			entry:         ledger.OperationLog{Operation: ledger.OperationBonus, Status: "ok", EventError: errors.New("broker down")},
			expectedLevel: zapcore.WarnLevel,
			expectedKey:   "event_error",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			core, recorded := observer.New(zapcore.DebugLevel)
			logger := observability.NewZapOperationLogger(zap.New(core))
			entry := testCase.entry
			entry.UserID = mustUserID(t, "user-7")
			entry.Reference = ledger.NewReference("session-1", "")

			logger.LogOperation(context.Background(), entry)

			entries := recorded.All()
			require.Len(t, entries, 1)
			assert.Equal(t, testCase.expectedLevel, entries[0].Level)
			fields := entries[0].ContextMap()
			assert.Equal(t, "user-7", fields["user_id"])
			assert.Equal(t, testCase.entry.Operation, fields["operation"])
			assert.Equal(t, "session-1", fields["session_id"])
			assert.NotContains(t, fields, "track_id")
			if testCase.expectedKey != "" {
				assert.Contains(t, fields, testCase.expectedKey)
			}
		})
	}
}

func TestZapOperationLoggerAcceptsNilLogger(t *testing.T) {
	logger := observability.NewZapOperationLogger(nil)
	assert.NotPanics(t, func() {
		logger.LogOperation(context.Background(), ledger.OperationLog{Operation: ledger.OperationProvision})
	})
}

func TestMetricsRecordOperations(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry, "test")
	ctx := context.Background()

	metrics.LogOperation(ctx, ledger.OperationLog{Operation: ledger.OperationDeduct, AppliedCredits: 75})
	metrics.LogOperation(ctx, ledger.OperationLog{Operation: ledger.OperationDeduct, AppliedCredits: 50})
	metrics.LogOperation(ctx, ledger.OperationLog{Operation: ledger.OperationDeduct, Amount: 500, Error: ledger.InsufficientCreditsError{Required: 500, Available: 10}})
	metrics.LogOperation(ctx, ledger.OperationLog{Operation: ledger.OperationDeduct, AppliedCredits: 900, Unlimited: true})
	metrics.LogOperation(ctx, ledger.OperationLog{Operation: ledger.OperationRefund, AppliedCredits: 30, AuditError: errors.New("audit")})
	metrics.LogOperation(ctx, ledger.OperationLog{Operation: ledger.OperationBonus, AppliedCredits: 100, EventError: errors.New("event")})

	assert.Equal(t, float64(125), counterValue(t, registry, "test_ledger_credits_deducted_total"))
	assert.Equal(t, float64(30), counterValue(t, registry, "test_ledger_credits_refunded_total"))
	assert.Equal(t, float64(100), counterValue(t, registry, "test_ledger_credits_granted_total"))
	assert.Equal(t, float64(1), counterValue(t, registry, "test_ledger_audit_errors_total"))
	assert.Equal(t, float64(1), counterValue(t, registry, "test_ledger_event_errors_total"))
}

func counterValue(t *testing.T, registry *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		var total float64
		for _, metric := range family.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
		return total
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}

func TestMetricsOperationResultLabels(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry, "labels")
	ctx := context.Background()

	metrics.LogOperation(ctx, ledger.OperationLog{Operation: ledger.OperationDeduct})
	metrics.LogOperation(ctx, ledger.OperationLog{Operation: ledger.OperationDeduct, Error: ledger.InsufficientCreditsError{Required: 2, Available: 1}})
	metrics.LogOperation(ctx, ledger.OperationLog{Operation: ledger.OperationDeduct, Error: ledger.ErrWriteConflict})
	metrics.LogOperation(ctx, ledger.OperationLog{Operation: ledger.OperationDeduct, Error: ledger.PersistenceFailure(errors.New("down"))})

	expected := `
# HELP labels_ledger_operations_total Total number of ledger operations by outcome.
# TYPE labels_ledger_operations_total counter
labels_ledger_operations_total{operation="deduct",result="conflict"} 1
labels_ledger_operations_total{operation="deduct",result="error"} 1
labels_ledger_operations_total{operation="deduct",result="insufficient_credits"} 1
labels_ledger_operations_total{operation="deduct",result="ok"} 1
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "labels_ledger_operations_total"))
}

func TestMetricsMiddlewareCountsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry, "http")
	router := gin.New()
	router.Use(metrics.Middleware())
	router.GET("/api/plans", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/api/plans", "/api/plans", "/missing"} {
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, nil))
	}

	count, err := testutil.GatherAndCount(registry, "http_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
