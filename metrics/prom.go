// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package metrics adapts an Endpoint's expvar counters to
// github.com/prometheus/client_golang, for callers who want them scraped
// alongside the rest of an application's metrics rather than served from
// expvar's own handler. Installing this adapter is optional; an Endpoint
// never requires it.
package metrics

import (
	"github.com/kellnerd/shareproto"
	"github.com/prometheus/client_golang/prometheus"
)

// counterNames names every gauge Collector exports, matching the keys of
// endpointMetrics.Snapshot (see shareproto/metrics.go). Declared once here
// so Describe and Collect iterate the same set.
var counterNames = []string{
	"packets_received", "packets_sent", "packets_dropped",
	"calls_out", "calls_out_failed", "calls_pending",
	"calls_in", "calls_in_failed", "calls_active",
	"unreliable_sent", "unreliable_received", "unreliable_dropped",
	"objects_held", "proxies_live", "releases_sent", "releases_received",
	"overflow_faults",
}

// Collector implements prometheus.Collector over one Endpoint's metrics.
// Unlike a promauto-registered counter, it reads the Endpoint's live expvar
// state on every scrape rather than requiring every increment to also touch
// a parallel set of Prometheus instruments.
type Collector struct {
	ep    *shareproto.Endpoint
	descs map[string]*prometheus.Desc
}

// NewCollector builds a Collector for ep. namespace and subsystem follow the
// usual client_golang convention and may be empty.
func NewCollector(ep *shareproto.Endpoint, namespace, subsystem string) *Collector {
	descs := make(map[string]*prometheus.Desc, len(counterNames))
	for _, name := range counterNames {
		descs[name] = prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, name),
			"shareproto Endpoint counter "+name,
			nil, nil,
		)
	}
	return &Collector{ep: ep, descs: descs}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.ep.Metrics().Snapshot()
	for _, name := range counterNames {
		ch <- prometheus.MustNewConstMetric(c.descs[name], prometheus.GaugeValue, float64(snap[name]))
	}
}

var _ prometheus.Collector = (*Collector)(nil)
