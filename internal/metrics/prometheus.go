package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	ConnectionsActive  prometheus.Gauge
	ConnectionsTotal   *prometheus.CounterVec
	Resolutions        *prometheus.CounterVec
	ResolverCache      *prometheus.CounterVec
	MessagesTotal      *prometheus.CounterVec
	BroadcastFanout    prometheus.Histogram
	ModerationTotal    *prometheus.CounterVec
	DroppedClients     prometheus.Counter
	CrossTenantRejects prometheus.Counter
	HTTPRequests       *prometheus.CounterVec
}

// New registers the chat metrics on reg. Tests pass a fresh
// prometheus.NewRegistry(); main passes prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connections_active",
			Help: "Currently registered chat connections",
		}),
		ConnectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_connections_total",
			Help: "Connection attempts by outcome",
		}, []string{"outcome"}),
		Resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_resolutions_total",
			Help: "Tenant resolutions by matching method",
		}, []string{"method"}),
		ResolverCache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_resolver_cache_total",
			Help: "Resolver cache lookups by result",
		}, []string{"result"}),
		MessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Inbound chat messages by outcome",
		}, []string{"outcome"}),
		BroadcastFanout: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat_broadcast_recipients",
			Help:    "Recipients per room broadcast",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		ModerationTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_moderation_total",
			Help: "Moderation delete requests by outcome",
		}, []string{"outcome"}),
		DroppedClients: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_dropped_clients_total",
			Help: "Clients disconnected because their send buffer was full",
		}),
		CrossTenantRejects: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_cross_tenant_rejections_total",
			Help: "Rejected attempts to cross a tenant boundary",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"route", "status"}),
	}
}

// NewNop returns metrics bound to a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
