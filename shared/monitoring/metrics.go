package monitoring

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by route, method and status",
		},
		[]string{"route", "method", "status"},
	)
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route and method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
	businessEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "business_events_total",
			Help: "Business events by action and outcome",
		},
		[]string{"action", "outcome"},
	)
)

var (
	// routesMu protects routes and routeTemplates
	routesMu sync.RWMutex
	// routes is a set of static routes that should be preserved as-is
	routes = make(map[string]bool)
	// routeTemplates holds route templates (e.g. "/api/v1/persons/:id")
	// that are matched against incoming paths
	routeTemplates = make([]string, 0)
)

// RegisterRoutes registers routes for normalization. Supports static routes
// and templates with :id or {id} placeholders. Call during service
// initialization.
//
// Example: RegisterRoutes([]string{"/health", "/api/v1/persons/:id"})
func RegisterRoutes(routesList []string) {
	routesMu.Lock()
	defer routesMu.Unlock()

	for _, route := range routesList {
		normalizedRoute := strings.ReplaceAll(route, "{id}", ":id")
		if strings.Contains(normalizedRoute, ":id") {
			routeTemplates = append(routeTemplates, normalizedRoute)
		} else {
			routes[route] = true
		}
	}
}

// Handler returns the Prometheus metrics endpoint handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordBusinessEvent records a business event
func RecordBusinessEvent(action, outcome string) {
	businessEventsTotal.WithLabelValues(action, outcome).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware wraps an HTTP handler to record request count and
// latency with normalized route labels
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		route := normalizeRoute(r.URL.Path)
		httpRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rw.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// normalizeRoute normalizes a request path for metrics by matching it against
// the registered routes and templates. Unrecognized paths collapse to
// "unknown" to keep label cardinality bounded.
func normalizeRoute(path string) string {
	if path == "" || path == "/" {
		return "/"
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	fullPath := "/" + strings.Join(parts, "/")

	routesMu.RLock()
	defer routesMu.RUnlock()

	if routes[fullPath] {
		return fullPath
	}
	for _, template := range routeTemplates {
		if matchesTemplate(parts, template) {
			return template
		}
	}
	return "unknown"
}

// matchesTemplate checks if path segments match a route template with :id
// placeholders.
func matchesTemplate(pathParts []string, template string) bool {
	templateParts := strings.Split(strings.Trim(template, "/"), "/")
	if len(pathParts) != len(templateParts) {
		return false
	}
	for i := range pathParts {
		if templateParts[i] == ":id" {
			continue
		}
		if pathParts[i] != templateParts[i] {
			return false
		}
	}
	return true
}
