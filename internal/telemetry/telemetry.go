package telemetry

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sfirelab/coinledger/pkg/coinledger"
)

// Metrics holds the prometheus instruments exported by the service.
type Metrics struct {
	operations          *prometheus.CounterVec
	insufficientBalance prometheus.Counter
	requestDuration     *prometheus.HistogramVec
}

// New registers the ledger metrics on the given registerer.
func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coinledger",
			Name:      "operations_total",
			Help:      "Ledger operations by operation name and outcome status.",
		}, []string{"operation", "status"}),
		insufficientBalance: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coinledger",
			Name:      "insufficient_balance_total",
			Help:      "Operations rejected because the available balance could not cover the request.",
		}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coinledger",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method, route and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
	}
}

// OperationLogger decorates an inner coinledger.OperationLogger with metric
// collection. The inner logger may be nil.
type OperationLogger struct {
	metrics *Metrics
	next    coinledger.OperationLogger
}

// NewOperationLogger wires the metric-collecting logger.
func (metrics *Metrics) NewOperationLogger(next coinledger.OperationLogger) *OperationLogger {
	return &OperationLogger{metrics: metrics, next: next}
}

// LogOperation counts the operation outcome and forwards to the inner logger.
func (logger *OperationLogger) LogOperation(ctx context.Context, entry coinledger.OperationLog) {
	status := entry.Status
	if status == "" {
		if entry.Error != nil {
			status = "error"
		} else {
			status = "ok"
		}
	}
	logger.metrics.operations.WithLabelValues(entry.Operation, status).Inc()
	if errors.Is(entry.Error, coinledger.ErrInsufficientBalance) {
		logger.metrics.insufficientBalance.Inc()
	}
	if logger.next != nil {
		logger.next.LogOperation(ctx, entry)
	}
}

// GinMiddleware records request latency per route.
func (metrics *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(ginContext *gin.Context) {
		startedAt := time.Now()
		ginContext.Next()
		route := ginContext.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.requestDuration.WithLabelValues(
			ginContext.Request.Method,
			route,
			strconv.Itoa(ginContext.Writer.Status()),
		).Observe(time.Since(startedAt).Seconds())
	}
}
