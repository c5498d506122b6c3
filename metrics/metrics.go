// Package metrics records gateway health signals. The Engine interface keeps the
// hot path decoupled from the backend; the Prometheus implementation is served
// from the admin port.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Engine is implemented by every metrics backend.
type Engine interface {
	RecordBidRequest(format string)
	RecordAuction(latency time.Duration, eligibleBids int)
	RecordConnectorLatency(connector string, latency time.Duration)
	RecordConnectorBid(connector string, price float64)
	RecordConnectorNoBid(connector string)
	RecordConnectorError(connector string)
	RecordConfigReload(success bool)
	RecordRateLimited()
	RecordEventDropped()
}

// PrometheusEngine registers and serves gateway metrics on a dedicated registry.
type PrometheusEngine struct {
	Registry *prometheus.Registry

	bidRequests      *prometheus.CounterVec
	auctionLatency   prometheus.Histogram
	auctionBids      prometheus.Histogram
	connectorLatency *prometheus.HistogramVec
	connectorBids    *prometheus.CounterVec
	connectorPrices  *prometheus.HistogramVec
	connectorNoBids  *prometheus.CounterVec
	connectorErrors  *prometheus.CounterVec
	configReloads    *prometheus.CounterVec
	rateLimited      prometheus.Counter
	eventsDropped    prometheus.Counter
}

func NewPrometheusEngine() *PrometheusEngine {
	registry := prometheus.NewRegistry()
	engine := &PrometheusEngine{
		Registry: registry,
		bidRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bidgate_bid_requests_total",
			Help: "Count of inbound bid requests by placement format.",
		}, []string{"format"}),
		auctionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bidgate_auction_latency_seconds",
			Help:    "End-to-end auction latency.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.15, 0.2, 0.3, 0.5, 1},
		}),
		auctionBids: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bidgate_auction_eligible_bids",
			Help:    "Eligible bids per auction.",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 10},
		}),
		connectorLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bidgate_connector_latency_seconds",
			Help:    "Per-connector bid call latency.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.15, 0.2, 0.3},
		}, []string{"connector"}),
		connectorBids: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bidgate_connector_bids_total",
			Help: "Count of eligible bids per connector.",
		}, []string{"connector"}),
		connectorPrices: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bidgate_connector_bid_price_usd",
			Help:    "Bid prices per connector.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 25},
		}, []string{"connector"}),
		connectorNoBids: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bidgate_connector_nobids_total",
			Help: "Count of no-bid outcomes per connector.",
		}, []string{"connector"}),
		connectorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bidgate_connector_errors_total",
			Help: "Count of connector transport errors and timeouts.",
		}, []string{"connector"}),
		configReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bidgate_config_reloads_total",
			Help: "Count of demand-source reloads by outcome.",
		}, []string{"outcome"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bidgate_rate_limited_total",
			Help: "Count of requests rejected by the rate limiter.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bidgate_tracker_events_dropped_total",
			Help: "Count of telemetry events dropped from a full queue.",
		}),
	}

	registry.MustRegister(
		engine.bidRequests,
		engine.auctionLatency,
		engine.auctionBids,
		engine.connectorLatency,
		engine.connectorBids,
		engine.connectorPrices,
		engine.connectorNoBids,
		engine.connectorErrors,
		engine.configReloads,
		engine.rateLimited,
		engine.eventsDropped,
	)
	return engine
}

func (e *PrometheusEngine) RecordBidRequest(format string) {
	e.bidRequests.WithLabelValues(format).Inc()
}

func (e *PrometheusEngine) RecordAuction(latency time.Duration, eligibleBids int) {
	e.auctionLatency.Observe(latency.Seconds())
	e.auctionBids.Observe(float64(eligibleBids))
}

func (e *PrometheusEngine) RecordConnectorLatency(connector string, latency time.Duration) {
	e.connectorLatency.WithLabelValues(connector).Observe(latency.Seconds())
}

func (e *PrometheusEngine) RecordConnectorBid(connector string, price float64) {
	e.connectorBids.WithLabelValues(connector).Inc()
	e.connectorPrices.WithLabelValues(connector).Observe(price)
}

func (e *PrometheusEngine) RecordConnectorNoBid(connector string) {
	e.connectorNoBids.WithLabelValues(connector).Inc()
}

func (e *PrometheusEngine) RecordConnectorError(connector string) {
	e.connectorErrors.WithLabelValues(connector).Inc()
}

func (e *PrometheusEngine) RecordConfigReload(success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	e.configReloads.WithLabelValues(outcome).Inc()
}

func (e *PrometheusEngine) RecordRateLimited() {
	e.rateLimited.Inc()
}

func (e *PrometheusEngine) RecordEventDropped() {
	e.eventsDropped.Inc()
}
