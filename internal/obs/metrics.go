package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Доменные метрики: верификация, синхронизация ролей, ротация ключей.
var (
	verificationAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verification_attempts_total",
			Help: "Verification code checks by outcome.",
		},
		[]string{"outcome"}, // success|invalid|malformed|replay|expired|throttled|conflict
	)

	syncPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "role_sync_passes_total",
			Help: "Role sync passes by result.",
		},
		[]string{"result"}, // clean|partial|coalesced|cooldown|facts_unavailable|error
	)

	syncRoleChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "role_sync_changes_total",
			Help: "Role additions and removals applied by the sync engine.",
		},
		[]string{"op"}, // add|remove
	)

	ruleParseFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rule_parse_failures_total",
		Help: "Rule conditions that failed to parse during sync.",
	})

	keyRotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verification_key_rotations_total",
			Help: "Verification key rotations by reason.",
		},
		[]string{"reason"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service reports ready, 0 otherwise.",
	})
)

// Регистрация метрик в default-регистре.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		verificationAttempts, syncPasses, syncRoleChanges,
		ruleParseFailures, keyRotations, readyGauge,
	)
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveVerification records a single verification attempt outcome.
func ObserveVerification(outcome string) {
	verificationAttempts.WithLabelValues(outcome).Inc()
}

// ObserveSyncPass records the result of one role sync pass.
func ObserveSyncPass(result string) {
	syncPasses.WithLabelValues(result).Inc()
}

// ObserveRoleChanges records applied diff sizes for one sync pass.
func ObserveRoleChanges(added, removed int) {
	if added > 0 {
		syncRoleChanges.WithLabelValues("add").Add(float64(added))
	}
	if removed > 0 {
		syncRoleChanges.WithLabelValues("remove").Add(float64(removed))
	}
}

// ObserveRuleParseFailure counts a rule condition that failed to parse.
func ObserveRuleParseFailure() {
	ruleParseFailures.Inc()
}

// ObserveKeyRotation counts a key rotation by reason.
func ObserveKeyRotation(reason string) {
	keyRotations.WithLabelValues(reason).Inc()
}

// SetReady reflects readiness into the service_ready gauge.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
	} else {
		readyGauge.Set(0)
	}
}

// Обёртка для измерения RPS/latency/в полёте.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path) // схлопываем идентификаторы в шаблон
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter — локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
