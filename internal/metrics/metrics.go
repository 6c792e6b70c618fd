// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exposes operator-only counters for the router and
// worker actors: how many workers are alive, how often clients were
// told Busy, and how many batches committed. It is deliberately not a
// client-facing surface; the HTTP listener it sets up binds the
// configured address, which defaults to loopback.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	activeWorkers      atomic.Int64
	execBatchTotal     atomic.Uint64
	execBatchErrors    atomic.Uint64
	busyRejectionTotal atomic.Uint64
	revisionBumpTotal  atomic.Uint64
)

// RecordWorkerSpawn increments the active worker gauge.
func RecordWorkerSpawn() { activeWorkers.Add(1) }

// RecordWorkerExit decrements the active worker gauge.
func RecordWorkerExit() { activeWorkers.Add(-1) }

// RecordExecBatch increments the batch counter, split by outcome.
func RecordExecBatch(ok bool) {
	execBatchTotal.Add(1)
	if !ok {
		execBatchErrors.Add(1)
	}
}

// RecordBusyRejection increments the count of requests rejected
// because a worker's inbox was full.
func RecordBusyRejection() { busyRejectionTotal.Add(1) }

// RecordRevisionBump increments the count of committed revision
// advances across every database.
func RecordRevisionBump() { revisionBumpTotal.Add(1) }

// Collector adapts the package's atomic counters to a
// prometheus.Collector: one prometheus.Desc per series, populated on
// each scrape from an atomic snapshot.
type Collector struct {
	activeWorkersDesc      *prometheus.Desc
	execBatchTotalDesc     *prometheus.Desc
	execBatchErrorsDesc    *prometheus.Desc
	busyRejectionTotalDesc *prometheus.Desc
	revisionBumpTotalDesc  *prometheus.Desc
}

// NewCollector constructs a Collector ready to register with a
// prometheus.Registry.
func NewCollector() *Collector {
	return &Collector{
		activeWorkersDesc: prometheus.NewDesc(
			"sqlited_active_workers",
			"Number of database worker actors currently running.",
			nil, nil,
		),
		execBatchTotalDesc: prometheus.NewDesc(
			"sqlited_exec_batch_total",
			"Total ExecBatch requests processed across all workers.",
			nil, nil,
		),
		execBatchErrorsDesc: prometheus.NewDesc(
			"sqlited_exec_batch_errors_total",
			"Total ExecBatch requests that returned an error response.",
			nil, nil,
		),
		busyRejectionTotalDesc: prometheus.NewDesc(
			"sqlited_busy_rejections_total",
			"Total requests rejected with Busy because a worker's inbox was full.",
			nil, nil,
		),
		revisionBumpTotalDesc: prometheus.NewDesc(
			"sqlited_revision_bumps_total",
			"Total committed revision counter advances across all databases.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeWorkersDesc
	ch <- c.execBatchTotalDesc
	ch <- c.execBatchErrorsDesc
	ch <- c.busyRejectionTotalDesc
	ch <- c.revisionBumpTotalDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.activeWorkersDesc, prometheus.GaugeValue, float64(activeWorkers.Load()))
	ch <- prometheus.MustNewConstMetric(c.execBatchTotalDesc, prometheus.CounterValue, float64(execBatchTotal.Load()))
	ch <- prometheus.MustNewConstMetric(c.execBatchErrorsDesc, prometheus.CounterValue, float64(execBatchErrors.Load()))
	ch <- prometheus.MustNewConstMetric(c.busyRejectionTotalDesc, prometheus.CounterValue, float64(busyRejectionTotal.Load()))
	ch <- prometheus.MustNewConstMetric(c.revisionBumpTotalDesc, prometheus.CounterValue, float64(revisionBumpTotal.Load()))
}
