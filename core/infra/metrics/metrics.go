package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// UpdateMetrics counts the submission / approval / publish pipeline.
type UpdateMetrics interface {
	IncSubmissions(contentType, outcome string)
	IncApprovals(outcome string)
	IncPublishes(outcome string)
	ObservePublishDuration(seconds float64)
}

// GatewayMetrics captures request metrics for the HTTP surface.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements UpdateMetrics without emitting anything.
type Noop struct{}

func (Noop) IncSubmissions(string, string)  {}
func (Noop) IncApprovals(string)            {}
func (Noop) IncPublishes(string)            {}
func (Noop) ObservePublishDuration(float64) {}

// Prom implements UpdateMetrics backed by Prometheus collectors.
type Prom struct {
	submissions     *prometheus.CounterVec
	approvals       *prometheus.CounterVec
	publishes       *prometheus.CounterVec
	publishDuration prometheus.Histogram
	once            sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Update submissions by content type and outcome",
		}, []string{"content_type", "outcome"}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Approval attempts by outcome",
		}, []string{"outcome"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Publish transactions by outcome",
		}, []string{"outcome"}),
		publishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Wall time of the clone/mutate/push transaction",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.submissions, p.approvals, p.publishes, p.publishDuration)
	})
}

func (p *Prom) IncSubmissions(contentType, outcome string) {
	p.submissions.WithLabelValues(contentType, outcome).Inc()
}

func (p *Prom) IncApprovals(outcome string) {
	p.approvals.WithLabelValues(outcome).Inc()
}

func (p *Prom) IncPublishes(outcome string) {
	p.publishes.WithLabelValues(outcome).Inc()
}

func (p *Prom) ObservePublishDuration(seconds float64) {
	p.publishDuration.Observe(seconds)
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(route).Observe(durationSeconds)
}

// NoopGateway implements GatewayMetrics without emitting anything.
type NoopGateway struct{}

func (NoopGateway) ObserveRequest(string, string, string, float64) {}
