package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sfirelab/coinledger/pkg/coinledger"
)

type recordingLogger struct {
	entries []coinledger.OperationLog
}

func (logger *recordingLogger) LogOperation(_ context.Context, entry coinledger.OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func TestOperationLoggerCountsByOperationAndStatus(test *testing.T) {
	test.Parallel()
	metrics := New(prometheus.NewRegistry())
	logger := metrics.NewOperationLogger(nil)

	logger.LogOperation(context.Background(), coinledger.OperationLog{Operation: "freeze", Status: "ok"})
	logger.LogOperation(context.Background(), coinledger.OperationLog{Operation: "freeze", Status: "ok"})
	logger.LogOperation(context.Background(), coinledger.OperationLog{Operation: "settle", Status: "clamped"})

	if got := testutil.ToFloat64(metrics.operations.WithLabelValues("freeze", "ok")); got != 2 {
		test.Fatalf("expected 2 ok freezes, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.operations.WithLabelValues("settle", "clamped")); got != 1 {
		test.Fatalf("expected 1 clamped settle, got %v", got)
	}
}

func TestOperationLoggerDerivesStatusFromError(test *testing.T) {
	test.Parallel()
	metrics := New(prometheus.NewRegistry())
	logger := metrics.NewOperationLogger(nil)

	logger.LogOperation(context.Background(), coinledger.OperationLog{
		Operation: "freeze",
		Error:     &coinledger.InsufficientBalanceError{},
	})

	if got := testutil.ToFloat64(metrics.operations.WithLabelValues("freeze", "error")); got != 1 {
		test.Fatalf("expected 1 errored freeze, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.insufficientBalance); got != 1 {
		test.Fatalf("expected insufficient balance counter 1, got %v", got)
	}
}

func TestOperationLoggerForwardsToInnerLogger(test *testing.T) {
	test.Parallel()
	metrics := New(prometheus.NewRegistry())
	inner := &recordingLogger{}
	logger := metrics.NewOperationLogger(inner)

	logger.LogOperation(context.Background(), coinledger.OperationLog{Operation: "recharge", Status: "ok"})

	if len(inner.entries) != 1 || inner.entries[0].Operation != "recharge" {
		test.Fatalf("inner logger did not receive the entry: %+v", inner.entries)
	}
}
