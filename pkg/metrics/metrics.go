package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LoaderBatches counts bulk calls issued by request loaders, per partition
	LoaderBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_loader_batches_total",
			Help: "Total number of bulk calls dispatched by batch loaders",
		},
		[]string{"partition"},
	)

	// LoaderBatchSize tracks distinct keys per bulk call
	LoaderBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_loader_batch_size",
			Help:    "Distinct keys per dispatched batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		},
	)

	// UpstreamCalls tracks calls made to the indexer
	UpstreamCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_calls_total",
			Help: "Total number of indexer calls",
		},
		[]string{"method"},
	)

	// UpstreamErrors tracks failed indexer calls by error code
	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_errors_total",
			Help: "Total number of failed indexer calls",
		},
		[]string{"method", "code"},
	)

	// CacheHits counts metadata served from cache
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Metadata lookups served from cache",
		},
	)

	// CacheMisses counts metadata that had to be fetched
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_cache_misses_total",
			Help: "Metadata lookups that required an upstream fetch",
		},
	)

	// HubSubscriptions is the number of registered subscriptions
	HubSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_hub_subscriptions",
			Help: "Subscriptions currently registered with the hub",
		},
	)

	// HubDelivered counts envelopes enqueued to subscribers
	HubDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_hub_delivered_total",
			Help: "Envelopes enqueued to subscriber queues",
		},
	)

	// HubOverflows counts subscriptions terminated for being too slow
	HubOverflows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_hub_overflows_total",
			Help: "Subscriptions terminated with an overflow",
		},
	)

	// HubUpstreamState mirrors the hub connection state (0 disconnected, 1 connected, 2 reconnecting, 3 closed)
	HubUpstreamState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_hub_upstream_state",
			Help: "Current upstream connection state of the hub",
		},
	)
)
