// Package metrics exposes the counters and gauges already required by
// spec.md §3 ("Cache state: ... counters {hits, miss, lru_replacements}",
// "Server record: ... srtt, weight") through a Prometheus collector. It
// formats nothing `/proc`-shaped and adds no counters beyond what the core
// already tracks; spec.md §1 only excludes `/proc` statistics formatting
// as external glue, not the underlying data.
//
// The collector shape (a struct holding Desc/supplier pairs, implementing
// Describe/Collect directly rather than promauto) is grounded on
// pkg/exporter/exporter.go's TCPInfoCollector in the tcpinfo pack.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/netblockd/dnbd/pkg/cache"
	"github.com/netblockd/dnbd/pkg/queue"
	"github.com/netblockd/dnbd/pkg/servertable"
)

// Collector reports the live state of a client pipeline's cache, server
// table and queues.
type Collector struct {
	cache   *cache.Cache
	servers *servertable.Table
	tx, rx  *queue.Queue

	cacheHits       *prometheus.Desc
	cacheMisses     *prometheus.Desc
	cacheEvictions  *prometheus.Desc
	serverWeight    *prometheus.Desc
	serverSRTT      *prometheus.Desc
	serverState     *prometheus.Desc
	queueDepth      *prometheus.Desc
}

// NewCollector builds a Collector over the given client-side components.
func NewCollector(c *cache.Cache, st *servertable.Table, tx, rx *queue.Queue) *Collector {
	return &Collector{
		cache:   c,
		servers: st,
		tx:      tx,
		rx:      rx,
		cacheHits:      prometheus.NewDesc("dnbd_cache_hits_total", "Cache hits.", nil, nil),
		cacheMisses:    prometheus.NewDesc("dnbd_cache_misses_total", "Cache misses.", nil, nil),
		cacheEvictions: prometheus.NewDesc("dnbd_cache_evictions_total", "LRU evictions.", nil, nil),
		serverWeight:   prometheus.NewDesc("dnbd_server_weight", "Current selector weight.", []string{"server_id"}, nil),
		serverSRTT:     prometheus.NewDesc("dnbd_server_srtt_microseconds", "Smoothed RTT.", []string{"server_id"}, nil),
		serverState:    prometheus.NewDesc("dnbd_server_state", "0=inactive 1=active 2=stalled.", []string{"server_id"}, nil),
		queueDepth:     prometheus.NewDesc("dnbd_queue_depth", "In-flight requests.", []string{"queue"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cacheHits
	ch <- c.cacheMisses
	ch <- c.cacheEvictions
	ch <- c.serverWeight
	ch <- c.serverSRTT
	ch <- c.serverState
	ch <- c.queueDepth
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.cache != nil {
		hits, misses, evictions := c.cache.Stats()
		ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(hits))
		ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.CounterValue, float64(misses))
		ch <- prometheus.MustNewConstMetric(c.cacheEvictions, prometheus.CounterValue, float64(evictions))
	}
	if c.servers != nil {
		for _, srv := range c.servers.Snapshot() {
			if srv.State == servertable.Inactive {
				continue
			}
			id := strconv.Itoa(int(srv.ID))
			ch <- prometheus.MustNewConstMetric(c.serverWeight, prometheus.GaugeValue, float64(srv.Weight), id)
			ch <- prometheus.MustNewConstMetric(c.serverSRTT, prometheus.GaugeValue, float64(srv.SRTT)/(1<<servertable.SRTTShift), id)
			ch <- prometheus.MustNewConstMetric(c.serverState, prometheus.GaugeValue, float64(srv.State), id)
		}
	}
	if c.tx != nil {
		ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(c.tx.Len()), "tx")
	}
	if c.rx != nil {
		ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(c.rx.Len()), "rx")
	}
}
