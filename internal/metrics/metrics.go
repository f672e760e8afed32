package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	complianceDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_compliance_decisions_total",
			Help: "Compliance evaluations by channel, intent, outcome and denial reason",
		},
		[]string{"channel", "intent", "outcome", "reason"},
	)

	tierDowngrades = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_tier_downgrades_total",
			Help: "WhatsApp messaging tier downgrades by the tier that was left",
		},
		[]string{"from_tier"},
	)

	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_jobs_enqueued_total",
			Help: "Scheduled jobs enqueued by channel",
		},
		[]string{"channel"},
	)

	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_jobs_processed_total",
			Help: "Scheduled jobs that reached a terminal status",
		},
		[]string{"status", "channel"},
	)

	dispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_dispatch_latency_seconds",
			Help:    "Time from scheduled_at to terminal status",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"channel"},
	)

	retryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_retry_attempts_total",
			Help: "Retries performed after a retryable failure",
		},
		[]string{"operation"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_circuit_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	lockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_lock_acquisitions_total",
			Help: "Resource lock acquisition attempts by outcome",
		},
		[]string{"outcome"},
	)

	auditRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_audit_records_total",
			Help: "Audit records by write result",
		},
		[]string{"result"},
	)

	inboundEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_inbound_events_total",
			Help: "Inbound provider events ingested",
		},
		[]string{"channel", "kind"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_idempotency_hits_total",
			Help: "Enqueue requests served from the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_rate_limit_rejections_total",
			Help: "API requests rejected by the tenant rate limiter",
		},
		[]string{"tenant_id"},
	)

	auditVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_audit_verifications_total",
			Help: "Per-tenant audit chain verifications by result (intact, tampered, error)",
		},
		[]string{"result"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_db_connections_active",
			Help: "Active database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDecision records one compliance evaluation. reason is empty when allowed.
func RecordDecision(channel, intent string, allowed bool, reason string) {
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	complianceDecisions.WithLabelValues(channel, intent, outcome, reason).Inc()
}

// RecordTierDowngrade records a tier moving down from fromTier.
func RecordTierDowngrade(fromTier int) {
	tierDowngrades.WithLabelValues(strconv.Itoa(fromTier)).Inc()
}

// RecordJobEnqueued records a job entering the dispatch queue
func RecordJobEnqueued(channel string) {
	jobsEnqueued.WithLabelValues(channel).Inc()
}

// RecordJobProcessed records a job reaching a terminal status, or "lost" for
// a job dropped after its claim ran out
func RecordJobProcessed(status, channel string) {
	jobsProcessed.WithLabelValues(status, channel).Inc()
}

// RecordDispatchLatency records the delay between scheduled_at and completion
func RecordDispatchLatency(channel string, latency time.Duration) {
	dispatchLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordRetry records one retry of operation
func RecordRetry(operation string) {
	retryAttempts.WithLabelValues(operation).Inc()
}

// SetCircuitState publishes the numeric state of a circuit breaker
func SetCircuitState(name string, state int) {
	circuitState.WithLabelValues(name).Set(float64(state))
}

// RecordLockAcquisition records a lock attempt outcome: acquired, busy, timeout
// or lost (an extension found the claim gone)
func RecordLockAcquisition(outcome string) {
	lockAcquisitions.WithLabelValues(outcome).Inc()
}

// RecordAudit records an audit write result: written, dropped or failed
func RecordAudit(result string) {
	auditRecords.WithLabelValues(result).Inc()
}

// RecordInbound records an ingested inbound event
func RecordInbound(channel, kind string) {
	inboundEvents.WithLabelValues(channel, kind).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(tenantID string) {
	rateLimitRejections.WithLabelValues(tenantID).Inc()
}

// RecordAuditVerification records the result of one tenant chain check
func RecordAuditVerification(result string) {
	auditVerifications.WithLabelValues(result).Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		// Label by route pattern so ids in the path do not explode cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
