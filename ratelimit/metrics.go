package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestsAllowed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modkit_ratelimit_allowed_total",
	Help: "Requests admitted by the sliding-window limiter",
}, []string{"limiter"})

var requestsDenied = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modkit_ratelimit_denied_total",
	Help: "Requests denied by the sliding-window limiter",
}, []string{"limiter"})
