package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modkit_cache_hits_total",
	Help: "Cache lookups served from a live entry",
}, []string{"domain"})

var cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modkit_cache_misses_total",
	Help: "Cache lookups that fell through to the loader",
}, []string{"domain"})

var loadsCoalesced = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modkit_cache_loads_coalesced_total",
	Help: "Loads that shared another caller's in-flight result",
}, []string{"domain"})

var loadTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modkit_cache_load_timeouts_total",
	Help: "Loads abandoned after exceeding the load timeout",
}, []string{"domain"})

var sweepEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modkit_cache_sweep_evictions_total",
	Help: "Expired entries removed by the periodic sweep",
}, []string{"domain"})

var cacheSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "modkit_cache_size",
	Help: "Current number of entries per cache domain",
}, []string{"domain"})
