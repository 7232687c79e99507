// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package metrics holds prometheus collectors of the daemon. They are
// registered into the default registry and served next to the profiler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "syncobj"

var (
	// Applied mutations by source, "local" or "remote".
	Mutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mutations_total",
		Help:      "Mutations applied to the synchronized mapping.",
	}, []string{"source"})

	Duplicates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicate_mutations_total",
		Help:      "Replicated mutations dropped because they were already applied.",
	})

	Flushes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flushes_total",
		Help:      "Snapshots written to the durable medium.",
	})

	FlushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flush_failures_total",
		Help:      "Failed attempts to write a snapshot to the durable medium.",
	})

	Peers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peers",
		Help:      "Currently connected replication peers.",
	})

	DroppedPeers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dropped_peers_total",
		Help:      "Peers disconnected because they could not keep up.",
	})
)

// Handler serves all registered collectors.
func Handler() http.Handler {
	return promhttp.Handler()
}
