// Package collectors implements prometheus collectors for dbvirt driver and connector statistics.
package collectors

import (
	"fmt"
	"strings"

	"github.com/dbvirt/go-dbvirt/driver"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "go_dbvirt"

type stats interface {
	Stats() *driver.Stats
}

var statsTimeTexts = driver.StatsTimeTexts()

type collector struct {
	s stats

	openConnections  *prometheus.Desc
	openTransactions *prometheus.Desc
	openStatements   *prometheus.Desc
	readBytes        *prometheus.Desc
	writtenBytes     *prometheus.Desc
	requests         *prometheus.Desc
	cancels          *prometheus.Desc
	timeouts         *prometheus.Desc
	times            *prometheus.Desc
}

func newCollector(s stats, subsystem string, labels prometheus.Labels) *collector {
	desc := func(name, help string, variableLabels ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			strings.Join([]string{namespace, subsystem, name}, "_"),
			fmt.Sprintf(help, subsystem),
			variableLabels,
			labels,
		)
	}
	return &collector{
		s:                s,
		openConnections:  desc("open_connections", "The number of open %s connections."),
		openTransactions: desc("open_transactions", "The number of open %s transactions."),
		openStatements:   desc("open_statements", "The number of open %s statements."),
		readBytes:        desc("bytes_read", "The total bytes read from remote %s connections."),
		writtenBytes:     desc("bytes_written", "The total bytes written to remote %s connections."),
		requests:         desc("requests_total", "The total number of %s execution requests."),
		cancels:          desc("cancels_total", "The total number of cancelled %s requests."),
		timeouts:         desc("timeouts_total", "The total number of timed out %s requests."),
		times:            desc("time_stats", "The time in milliseconds spent per %s time category.", "time"),
	}
}

// Describe implements the prometheus.Collector interface.
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.openConnections
	ch <- c.openTransactions
	ch <- c.openStatements
	ch <- c.readBytes
	ch <- c.writtenBytes
	ch <- c.requests
	ch <- c.cancels
	ch <- c.timeouts
	ch <- c.times
}

func buckets(h *driver.StatsHistogram) map[float64]uint64 {
	buckets := make(map[float64]uint64, len(h.Buckets))
	for k, v := range h.Buckets {
		buckets[float64(k)] = v
	}
	return buckets
}

// Collect implements the prometheus.Collector interface.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.s.Stats()
	ch <- prometheus.MustNewConstMetric(c.openConnections, prometheus.GaugeValue, float64(stats.OpenConnections))
	ch <- prometheus.MustNewConstMetric(c.openTransactions, prometheus.GaugeValue, float64(stats.OpenTransactions))
	ch <- prometheus.MustNewConstMetric(c.openStatements, prometheus.GaugeValue, float64(stats.OpenStatements))
	ch <- prometheus.MustNewConstMetric(c.readBytes, prometheus.CounterValue, float64(stats.BytesRead))
	ch <- prometheus.MustNewConstMetric(c.writtenBytes, prometheus.CounterValue, float64(stats.BytesWritten))
	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(stats.Requests))
	ch <- prometheus.MustNewConstMetric(c.cancels, prometheus.CounterValue, float64(stats.Cancels))
	ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(stats.Timeouts))
	for i, h := range stats.Times {
		ch <- prometheus.MustNewConstHistogram(c.times, h.Count, float64(h.Sum), buckets(h), statsTimeTexts[i])
	}
}

// NewDriverCollector returns a collector exporting the statistics of all connections of d.
func NewDriverCollector(d *driver.Driver, vdb string) prometheus.Collector {
	return newCollector(d, "driver", prometheus.Labels{"vdb": vdb})
}

// NewConnectorCollector returns a collector exporting the statistics of the connections opened by c.
func NewConnectorCollector(c *driver.Connector, vdb string) prometheus.Collector {
	return newCollector(c, "connector", prometheus.Labels{"vdb": vdb})
}
