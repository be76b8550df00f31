package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Collector owns a private registry so tests and both binaries can build
// one without clashing on the global default.
type Collector struct {
	reg *prometheus.Registry

	PositionsAccepted *prometheus.CounterVec // source
	PositionsRejected *prometheus.CounterVec // source, reason

	LiveVehicles    prometheus.Gauge
	Subscribers     prometheus.Gauge
	EventsDelivered prometheus.Counter
	VehiclesExpired prometheus.Counter

	ProviderRequests *prometheus.CounterVec // provider, result
	ProviderDuration *prometheus.HistogramVec
	EstimatesServed  *prometheus.CounterVec // tier, stale

	RouteRefreshes *prometheus.CounterVec // result
	RoutesLoaded   prometheus.Gauge

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	ActiveVehicles prometheus.Gauge // simulator walkers
	ReportsSent    *prometheus.CounterVec
	TickDuration   prometheus.Histogram

	Settings *prometheus.GaugeVec // name
}

func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		PositionsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_accepted_total",
			Help:      "Position reports applied to the fleet.",
		}, []string{"source"}),
		PositionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_rejected_total",
			Help:      "Position reports rejected by validation or ordering policy.",
		}, []string{"source", "reason"}),
		LiveVehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_vehicles",
			Help:      "Vehicles currently in the live set.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fleet_subscribers",
			Help:      "Open fleet subscriptions.",
		}),
		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fleet_events_delivered_total",
			Help:      "Fleet events handed to subscribers after coalescing.",
		}),
		VehiclesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vehicles_expired_total",
			Help:      "Vehicles dropped by the staleness sweep.",
		}),
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eta_provider_requests_total",
			Help:      "Routing provider batches by result.",
		}, []string{"provider", "result"}),
		ProviderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "eta_provider_duration_seconds",
			Help:      "Routing provider batch latency.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"provider"}),
		EstimatesServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eta_estimates_total",
			Help:      "ETA estimates served by tier.",
		}, []string{"tier", "stale"}),
		RouteRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_refreshes_total",
			Help:      "Route registry refreshes by result.",
		}, []string{"result"}),
		RoutesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "routes_loaded",
			Help:      "Routes in the current registry generation.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_published_total",
			Help:      "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_publish_errors_total",
			Help:      "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nats_connected",
			Help:      "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Duration to marshal and publish a NATS message.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		ActiveVehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_vehicles",
			Help:      "Simulated vehicles currently reporting.",
		}),
		ReportsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_sent_total",
			Help:      "Position reports sent by result.",
		}, []string{"result"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of one report tick.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		Settings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "setting",
			Help:      "Effective configuration values.",
		}, []string{"name"}),
	}

	reg.MustRegister(
		c.PositionsAccepted, c.PositionsRejected,
		c.LiveVehicles, c.Subscribers, c.EventsDelivered, c.VehiclesExpired,
		c.ProviderRequests, c.ProviderDuration, c.EstimatesServed,
		c.RouteRefreshes, c.RoutesLoaded,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.ActiveVehicles, c.ReportsSent, c.TickDuration,
		c.Settings,
	)
	return c
}

// SetDuration records a configured duration in seconds.
func (c *Collector) SetDuration(name string, d time.Duration) {
	c.Settings.WithLabelValues(name + "_seconds").Set(d.Seconds())
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server error: %v", err)
		}
	}()
	log.Infof("metrics listening on %s", addr)
	return srv
}

func (c *Collector) PositionAccepted(source string) { c.PositionsAccepted.WithLabelValues(source).Inc() }
func (c *Collector) PositionRejected(source, reason string) {
	c.PositionsRejected.WithLabelValues(source, reason).Inc()
}

func (c *Collector) LiveVehicleCount(n int)   { c.LiveVehicles.Set(float64(n)) }
func (c *Collector) SubscriberCount(n int)    { c.Subscribers.Set(float64(n)) }
func (c *Collector) EventsDeliveredAdd(n int) { c.EventsDelivered.Add(float64(n)) }
func (c *Collector) VehiclesExpiredAdd(n int) { c.VehiclesExpired.Add(float64(n)) }

func (c *Collector) ProviderRequest(provider string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.ProviderRequests.WithLabelValues(provider, result).Inc()
	if d > 0 {
		c.ProviderDuration.WithLabelValues(provider).Observe(d.Seconds())
	}
}

func (c *Collector) EstimateServed(tier string, stale bool) {
	s := "false"
	if stale {
		s = "true"
	}
	c.EstimatesServed.WithLabelValues(tier, s).Inc()
}

func (c *Collector) RoutesRefreshed(routes int, err error) {
	if err != nil {
		c.RouteRefreshes.WithLabelValues("error").Inc()
		return
	}
	c.RouteRefreshes.WithLabelValues("ok").Inc()
	c.RoutesLoaded.Set(float64(routes))
}

func (c *Collector) ReportSent(err error) {
	if err != nil {
		c.ReportsSent.WithLabelValues("error").Inc()
		return
	}
	c.ReportsSent.WithLabelValues("ok").Inc()
}

func (c *Collector) ActiveVehicleCount(n int)    { c.ActiveVehicles.Set(float64(n)) }
func (c *Collector) TickObserve(d time.Duration) { c.TickDuration.Observe(d.Seconds()) }

// NATS adapts the collector to the bus publisher metrics. A nil collector
// yields nil.
func (c *Collector) NATS() *NATSMetrics {
	if c == nil {
		return nil
	}
	return &NATSMetrics{c: c}
}

type NATSMetrics struct{ c *Collector }

func (p *NATSMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *NATSMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *NATSMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *NATSMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
