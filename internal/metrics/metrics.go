package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"livebus/internal/motion"
)

type Collector struct {
	reg *prometheus.Registry

	Entities         prometheus.Gauge
	UpdatesPerSecond prometheus.Gauge

	FramesReceived  prometheus.Counter
	FramesMalformed *prometheus.CounterVec // reason label: text|trailing|invalid_record
	RecordsDecoded  prometheus.Counter

	Samples   *prometheus.CounterVec // kind label: created|teleported|smoothed
	Sweeps    prometheus.Counter
	Evictions prometheus.Counter

	FeedConnected   prometheus.Gauge
	ConnectAttempts prometheus.Counter
	Disconnects     prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	ApplyDuration   prometheus.Histogram
	PublishDuration prometheus.Histogram

	EvictProbability  prometheus.Gauge
	TeleportThreshold prometheus.Gauge
	TransitionSeconds prometheus.Gauge
}

func NewCollector(params motion.Params, evictProbability float64) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Entities: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livebus_entities",
			Help: "Number of buses currently tracked.",
		}),
		UpdatesPerSecond: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livebus_updates_per_second",
			Help: "Frames received during the last full sampling window.",
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livebus_frames_received_total",
			Help: "Total feed messages received.",
		}),
		FramesMalformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livebus_frames_malformed_total",
			Help: "Feed messages that were dropped or only partially decoded.",
		}, []string{"reason"}),
		RecordsDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livebus_records_decoded_total",
			Help: "Total bus samples decoded from frames.",
		}),
		Samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livebus_samples_applied_total",
			Help: "Samples applied to the table by outcome.",
		}, []string{"kind"}),
		Sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livebus_sweeps_total",
			Help: "Staleness sweeps run.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livebus_evictions_total",
			Help: "Buses removed by staleness sweeps.",
		}),
		FeedConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livebus_feed_connected",
			Help: "1 if the feed socket is open, 0 otherwise.",
		}),
		ConnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livebus_feed_connect_attempts_total",
			Help: "Total feed dial attempts.",
		}),
		Disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livebus_feed_disconnects_total",
			Help: "Total feed connections lost after being established.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livebus_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livebus_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livebus_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		ApplyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "livebus_apply_duration_seconds",
			Help:    "Duration of applying one frame to the table.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "livebus_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		EvictProbability: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livebus_evict_probability",
			Help: "Per-frame probability of a staleness sweep.",
		}),
		TeleportThreshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livebus_teleport_threshold_degrees",
			Help: "L1 distance above which a sample snaps instead of animating.",
		}),
		TransitionSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livebus_transition_seconds",
			Help: "Animation window of a smooth transition.",
		}),
	}

	reg.MustRegister(
		c.Entities, c.UpdatesPerSecond,
		c.FramesReceived, c.FramesMalformed, c.RecordsDecoded,
		c.Samples, c.Sweeps, c.Evictions,
		c.FeedConnected, c.ConnectAttempts, c.Disconnects,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.ApplyDuration, c.PublishDuration,
		c.EvictProbability, c.TeleportThreshold, c.TransitionSeconds,
	)

	c.EvictProbability.Set(evictProbability)
	c.TeleportThreshold.Set(params.TeleportThreshold)
	c.TransitionSeconds.Set(params.Transition.Seconds())

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Register mounts /metrics on mux.
func (c *Collector) Register(mux *http.ServeMux) {
	mux.Handle("/metrics", c.Handler())
}

// Serve starts an HTTP server on addr for the given mux.
func Serve(addr string, mux *http.ServeMux) *http.Server {
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
		}
	}()
	log.Printf("http listening on %s", addr)
	return srv
}

// tracker.Metrics

func (c *Collector) ApplyObserve(d time.Duration) { c.ApplyDuration.Observe(d.Seconds()) }
func (c *Collector) EntitiesSet(n int)            { c.Entities.Set(float64(n)) }
func (c *Collector) SampleApplied(k motion.Kind) {
	switch k {
	case motion.Created:
		c.Samples.WithLabelValues("created").Inc()
	case motion.Teleported:
		c.Samples.WithLabelValues("teleported").Inc()
	default:
		c.Samples.WithLabelValues("smoothed").Inc()
	}
}
func (c *Collector) SweepRan(evicted int) {
	c.Sweeps.Inc()
	c.Evictions.Add(float64(evicted))
}

// publisher.PublisherMetrics

func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }
func (c *Collector) NATSSetConnected(b bool)        { setBool(c.NATSConnected, b) }

// feed.Metrics

func (c *Collector) FrameReceived()                { c.FramesReceived.Inc() }
func (c *Collector) FrameMalformed(reason string)  { c.FramesMalformed.WithLabelValues(reason).Inc() }
func (c *Collector) RecordsDecodedAdd(n int)       { c.RecordsDecoded.Add(float64(n)) }
func (c *Collector) ConnectAttempt()               { c.ConnectAttempts.Inc() }
func (c *Collector) FeedSetConnected(b bool)       { setBool(c.FeedConnected, b) }
func (c *Collector) Disconnected()                 { c.Disconnects.Inc() }
func (c *Collector) UpdatesPerSecondSet(ups int64) { c.UpdatesPerSecond.Set(float64(ups)) }

func setBool(g prometheus.Gauge, b bool) {
	if b {
		g.Set(1)
	} else {
		g.Set(0)
	}
}
