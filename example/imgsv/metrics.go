// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tunabay/go-imagecache"
)

// statusSource is the part of imagecache.Manager read by the collector.
type statusSource interface {
	Status() *imagecache.Status
}

// cacheCollector exports the cache status as Prometheus metrics. The values
// are read from the Manager on each scrape.
type cacheCollector struct {
	src statusSource

	requested *prometheus.Desc
	hit       *prometheus.Desc
	fetched   *prometheus.Desc
	failed    *prometheus.Desc
	removed   *prometheus.Desc
	written   *prometheus.Desc
	queued    *prometheus.Desc
	inFlight  *prometheus.Desc
	sizeLimit *prometheus.Desc
}

func newCacheCollector(src statusSource) *cacheCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc("imagecache_"+name, help, labels, nil)
	}
	return &cacheCollector{
		src:       src,
		requested: desc("requests_total", "Total number of images requested."),
		hit:       desc("hits_total", "Total number of cache hits."),
		fetched:   desc("fetched_total", "Total number of downloaded and stored images."),
		failed:    desc("failures_total", "Total number of failed requests."),
		removed:   desc("evictions_total", "Total number of images removed by housekeeping."),
		written:   desc("written_bytes_total", "Total size of stored images."),
		queued:    desc("queued_requests", "Number of queued requests, including the one in flight."),
		inFlight:  desc("fetch_in_flight", "1 if a download is in progress."),
		sizeLimit: desc("size_limit", "Upper limit on the number of cached images.", "identity"),
	}
}

// Describe implements prometheus.Collector.
func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.requested, c.hit, c.fetched, c.failed, c.removed,
		c.written, c.queued, c.inFlight, c.sizeLimit,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Status()

	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(c.requested, st.NumRequested)
	counter(c.hit, st.NumHit)
	counter(c.fetched, st.NumFetched)
	counter(c.failed, st.NumFailed)
	counter(c.removed, st.NumRemoved)
	counter(c.written, uint64(st.TotalWritten))

	inFlight := 0.0
	if st.InFlight {
		inFlight = 1
	}
	ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(st.NumQueued))
	ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, inFlight)
	ch <- prometheus.MustNewConstMetric(c.sizeLimit, prometheus.GaugeValue, float64(st.SizeLimit), st.Identity)
}
