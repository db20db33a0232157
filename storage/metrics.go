package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var txCommits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modkit_storage_tx_commits_total",
	Help: "Write transactions committed",
})

var txRollbacks = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modkit_storage_tx_rollbacks_total",
	Help: "Write transactions rolled back",
})
