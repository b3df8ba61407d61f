package service

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the trust core.
// All methods are nil-safe so components can run uninstrumented in tests.
type MetricsService struct {
	registry *prometheus.Registry
	handler  http.Handler

	requestDuration *prometheus.HistogramVec
	tokensIssued    *prometheus.CounterVec
	tokenConsumes   *prometheus.CounterVec
	sessionRotates  *prometheus.CounterVec
	sessionsOpened  prometheus.Counter
	sessionsRevoked prometheus.Counter
	keyRotations    prometheus.Counter
	validations     *prometheus.CounterVec
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	tokensIssued := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "verification_tokens_issued_total",
		Help: "Verification tokens issued, by purpose",
	}, []string{"purpose"})

	tokenConsumes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "verification_token_consume_total",
		Help: "Verification token consume attempts, by result",
	}, []string{"result"})

	sessionRotates := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "session_rotations_total",
		Help: "Session refresh rotations, by result",
	}, []string{"result"})

	sessionsOpened := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessions_opened_total",
		Help: "Sessions opened",
	})

	sessionsRevoked := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessions_revoked_total",
		Help: "Sessions revoked",
	})

	keyRotations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signing_key_rotations_total",
		Help: "Signing key rotations completed",
	})

	validations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "access_token_validations_total",
		Help: "Access token validations, by result",
	}, []string{"result"})

	registry.MustRegister(requestDuration, tokensIssued, tokenConsumes, sessionRotates, sessionsOpened, sessionsRevoked, keyRotations, validations)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		tokensIssued:    tokensIssued,
		tokenConsumes:   tokenConsumes,
		sessionRotates:  sessionRotates,
		sessionsOpened:  sessionsOpened,
		sessionsRevoked: sessionsRevoked,
		keyRotations:    keyRotations,
		validations:     validations,
	}
}

// Handler exposes the Prometheus scrape endpoint.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics for the operational surface.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, path, httpStatusLabel(status)).Observe(duration.Seconds())
}

func (m *MetricsService) IncTokenIssued(purpose string) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(purpose).Inc()
}

func (m *MetricsService) IncTokenConsume(result string) {
	if m == nil {
		return
	}
	m.tokenConsumes.WithLabelValues(result).Inc()
}

func (m *MetricsService) IncSessionRotate(result string) {
	if m == nil {
		return
	}
	m.sessionRotates.WithLabelValues(result).Inc()
}

func (m *MetricsService) IncSessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpened.Inc()
}

func (m *MetricsService) IncSessionRevoked() {
	if m == nil {
		return
	}
	m.sessionsRevoked.Inc()
}

func (m *MetricsService) IncKeyRotation() {
	if m == nil {
		return
	}
	m.keyRotations.Inc()
}

func (m *MetricsService) IncValidation(result string) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(result).Inc()
}

func httpStatusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
