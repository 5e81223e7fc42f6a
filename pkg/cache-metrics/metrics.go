package cachemetrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/always-cache/responsecache"
)

const (
	Namespace = "responsecache"
	Subsystem = "middleware"
)

// Collector counts cache decisions of a response cache.
type Collector struct {
	Hits        *prometheus.CounterVec
	Misses      *prometheus.CounterVec
	Stores      *prometheus.CounterVec
	StoreErrors prometheus.Counter
}

// New creates the collector and registers it with reg.
// A nil reg leaves the collector unregistered.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		Hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "hits_total",
			Help:      "Total number of responses served from the cache.",
		}, []string{"method", "status"}),
		Misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "misses_total",
			Help:      "Total number of eligible requests not found in the cache.",
		}, []string{"method"}),
		Stores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "stores_total",
			Help:      "Total number of responses written to the cache.",
		}, []string{"method", "status"}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "store_errors_total",
			Help:      "Total number of responses that could not be written to the cache.",
		}),
	}
	if reg == nil {
		return c, nil
	}
	for _, collector := range []prometheus.Collector{c.Hits, c.Misses, c.Stores, c.StoreErrors} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Observe subscribes the collector to the notifications of rc.
func (c *Collector) Observe(rc *responsecache.ResponseCache) {
	rc.OnHit(func(e responsecache.Event) {
		c.Hits.WithLabelValues(e.Method, strconv.Itoa(e.StatusCode)).Inc()
	})
	rc.OnMiss(func(e responsecache.Event) {
		c.Misses.WithLabelValues(e.Method).Inc()
	})
	rc.OnStore(func(e responsecache.Event) {
		c.Stores.WithLabelValues(e.Method, strconv.Itoa(e.StatusCode)).Inc()
	})
	rc.OnStoreError(func(e responsecache.Event) {
		c.StoreErrors.Inc()
	})
}
