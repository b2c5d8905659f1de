// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry holds the coordinator's Prometheus metrics.
//
// Metrics are package-level promauto variables registered against the
// default registry and served by the HTTP server's /metrics endpoint.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsTotal counts client connections by terminal outcome.
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "permsearch_client_connections_total",
		Help: "Client connections by outcome (ok, protocol_error, validation_error, channel_error)",
	}, []string{"outcome"})

	// ActiveConnections tracks currently open client sessions.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "permsearch_active_connections",
		Help: "Currently open client sessions",
	})

	// ActivePermuters tracks registry size.
	ActivePermuters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "permsearch_active_permuters",
		Help: "Permuters currently registered",
	})

	// WorkEnqueued counts work items accepted from clients.
	WorkEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "permsearch_work_enqueued_total",
		Help: "Work items appended to permuter work queues",
	})

	// WorkDispatched counts work items handed to worker dispatch.
	WorkDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "permsearch_work_dispatched_total",
		Help: "Work items taken by worker dispatch",
	})

	// StaleWorkDiscarded counts queued items dropped because their permuter's
	// task data was superseded before dispatch reached them.
	StaleWorkDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "permsearch_stale_work_discarded_total",
		Help: "Queued work items discarded as stale at dispatch time",
	})

	// ResultsReceived counts results appended to result queues.
	ResultsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "permsearch_results_received_total",
		Help: "Results appended to permuter result queues",
	})

	// ResultsForwarded counts result notifications streamed back to clients.
	ResultsForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "permsearch_results_forwarded_total",
		Help: "Result notifications forwarded to owning clients",
	})

	// BlockBytesIn observes decompressed sizes of received blocks.
	BlockBytesIn = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "permsearch_block_bytes_in",
		Help:    "Decompressed size of received blocks",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
	})
)
