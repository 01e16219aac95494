// Copyright 2024 The Erigon Authors
// This file is part of tsbucket.
//
// tsbucket is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// tsbucket is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with tsbucket. If not, see <http://www.gnu.org/licenses/>.

package bucketcatalog

import "github.com/prometheus/client_golang/prometheus"

// NumOpenBuckets sums the open-bucket count across every stripe.
func (c *Catalog) NumOpenBuckets() int {
	total := 0
	for _, s := range c.stripes {
		s.Lock()
		total += s.NumOpen()
		s.Unlock()
	}
	return total
}

// NumIdleBuckets sums the idle-bucket count across every stripe.
func (c *Catalog) NumIdleBuckets() int {
	total := 0
	for _, s := range c.stripes {
		s.Lock()
		total += s.NumIdle()
		s.Unlock()
	}
	return total
}

// NumArchivedBuckets sums the archived-bucket count across every stripe.
func (c *Catalog) NumArchivedBuckets() int {
	total := 0
	for _, s := range c.stripes {
		s.Lock()
		total += s.NumArchived()
		s.Unlock()
	}
	return total
}

// ApproxMemoryUsage sums the approximate tracked size of every open and
// archived bucket across every stripe.
func (c *Catalog) ApproxMemoryUsage() int64 {
	var total int64
	for _, s := range c.stripes {
		s.Lock()
		total += s.ApproxMemoryUsage()
		s.Unlock()
	}
	return total
}

var statDescs = map[string]*prometheus.Desc{
	"inserts":           prometheus.NewDesc("tsbucket_inserts_total", "Commits that wrote a brand new bucket.", nil, nil),
	"updates":           prometheus.NewDesc("tsbucket_updates_total", "Commits that extended an already-committed bucket.", nil, nil),
	"opened":            prometheus.NewDesc("tsbucket_buckets_opened_total", "Buckets opened.", nil, nil),
	"closedCount":       prometheus.NewDesc("tsbucket_buckets_closed_count_total", "Buckets closed because they hit the measurement count limit.", nil, nil),
	"closedSchema":      prometheus.NewDesc("tsbucket_buckets_closed_schema_total", "Buckets closed because of an incompatible schema change.", nil, nil),
	"closedSize":        prometheus.NewDesc("tsbucket_buckets_closed_size_total", "Buckets closed because they hit the size limit.", nil, nil),
	"closedForward":     prometheus.NewDesc("tsbucket_buckets_closed_time_forward_total", "Buckets closed because of a time-forward measurement outside the bucket's span.", nil, nil),
	"closedBackward":    prometheus.NewDesc("tsbucket_buckets_closed_time_backward_total", "Buckets closed because of a time-backward measurement.", nil, nil),
	"archivedForward":   prometheus.NewDesc("tsbucket_buckets_archived_time_forward_total", "Buckets archived (instead of closed) because of a time-forward measurement outside the bucket's span.", nil, nil),
	"archivedBackward":  prometheus.NewDesc("tsbucket_buckets_archived_time_backward_total", "Buckets archived (instead of closed) because of a time-backward measurement.", nil, nil),
	"reopened":          prometheus.NewDesc("tsbucket_buckets_reopened_total", "Buckets reopened from storage or from the archived index.", nil, nil),
	"keptOpenLarge":     prometheus.NewDesc("tsbucket_buckets_kept_open_large_measurements_total", "Buckets kept open past the size limit under the large-measurements grace window.", nil, nil),
	"closedMemory":      prometheus.NewDesc("tsbucket_buckets_closed_memory_total", "Idle buckets closed to relieve memory pressure.", nil, nil),
	"archivedDropped":   prometheus.NewDesc("tsbucket_buckets_archived_dropped_total", "Archived buckets dropped to relieve memory pressure.", nil, nil),
	"commits":           prometheus.NewDesc("tsbucket_commits_total", "Completed prepare/finish commit cycles.", nil, nil),
	"measurements":      prometheus.NewDesc("tsbucket_measurements_committed_total", "Measurements durably committed.", nil, nil),
	"openBuckets":       prometheus.NewDesc("tsbucket_open_buckets", "Currently open buckets.", nil, nil),
	"idleBuckets":       prometheus.NewDesc("tsbucket_idle_buckets", "Currently open buckets with no in-flight batch.", nil, nil),
	"archivedBuckets":   prometheus.NewDesc("tsbucket_archived_buckets", "Currently archived buckets.", nil, nil),
	"memoryUsageBytes":  prometheus.NewDesc("tsbucket_memory_usage_bytes", "Approximate memory tracked across all open and archived buckets.", nil, nil),
}

// Collector adapts a Catalog's ExecutionStats and live gauges into a
// prometheus.Collector, following the same collector-wraps-a-live-object
// pattern the rest of the pack uses for runtime metrics.
type Collector struct {
	catalog *Catalog
}

// NewCollector returns a prometheus.Collector reporting catalog's stats.
func NewCollector(catalog *Catalog) *Collector {
	return &Collector{catalog: catalog}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range statDescs {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.catalog.GlobalStats()

	counter := func(key string, v int64) {
		ch <- prometheus.MustNewConstMetric(statDescs[key], prometheus.CounterValue, float64(v))
	}
	counter("inserts", snap.NumBucketInserts)
	counter("updates", snap.NumBucketUpdates)
	counter("opened", snap.NumBucketsOpened)
	counter("closedCount", snap.NumBucketsClosedDueToCount)
	counter("closedSchema", snap.NumBucketsClosedDueToSchemaChange)
	counter("closedSize", snap.NumBucketsClosedDueToSize)
	counter("closedForward", snap.NumBucketsClosedDueToTimeForward)
	counter("closedBackward", snap.NumBucketsClosedDueToTimeBackward)
	counter("archivedForward", snap.NumBucketsArchivedDueToTimeForward)
	counter("archivedBackward", snap.NumBucketsArchivedDueToTimeBackward)
	counter("reopened", snap.NumBucketsReopened)
	counter("keptOpenLarge", snap.NumBucketsKeptOpenForLargeMeasurements)
	counter("closedMemory", snap.NumBucketsClosedDueToMemoryThreshold)
	counter("archivedDropped", snap.NumBucketsArchivedDueToMemoryThreshold)
	counter("commits", snap.NumCommits)
	counter("measurements", snap.NumMeasurementsCommitted)

	gauge := func(key string, v float64) {
		ch <- prometheus.MustNewConstMetric(statDescs[key], prometheus.GaugeValue, v)
	}
	gauge("openBuckets", float64(c.catalog.NumOpenBuckets()))
	gauge("idleBuckets", float64(c.catalog.NumIdleBuckets()))
	gauge("archivedBuckets", float64(c.catalog.NumArchivedBuckets()))
	gauge("memoryUsageBytes", float64(c.catalog.ApproxMemoryUsage()))
}
