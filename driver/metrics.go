package driver

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dbvirt/go-dbvirt/driver/dqp/wire"
	"github.com/dbvirt/go-dbvirt/driver/internal/assert"
)

// Constants for time statistics.
const (
	timeQuery = iota
	timeExec
	timeFetch
	timeCommit
	timeRollback
	timeCancel
	timeRead
	timeWrite
	NumStatsTime // Number of time statistics.
)

var statsTimeTexts = [NumStatsTime]string{"query", "exec", "fetch", "commit", "rollback", "cancel", "read", "write"}

// StatsTimeTexts returns the texts of the time statistic categories.
func StatsTimeTexts() []string { return statsTimeTexts[:] }

// StatsTimeUpperBounds are the upper bounds of the time statistic buckets in milliseconds.
var StatsTimeUpperBounds = []uint64{1, 10, 100, 1000, 10000, 100000}

const (
	counterBytesRead = iota
	counterBytesWritten
	counterRequests
	counterCancels
	counterTimeouts
	numCounter
)

const (
	gaugeConn = iota
	gaugeTx
	gaugeStmt
	numGauge
)

type counter struct{ n atomic.Uint64 }

func (c *counter) add(n uint64)  { c.n.Add(n) }
func (c *counter) value() uint64 { return c.n.Load() }

type gauge struct{ v atomic.Int64 }

func (g *gauge) add(n int64)  { g.v.Add(n) }
func (g *gauge) value() int64 { return g.v.Load() }

type histogram struct {
	mu          sync.Mutex
	count       uint64
	sum         uint64
	upperBounds []uint64
	buckets     []uint64
}

func newHistogram(upperBounds []uint64) *histogram {
	assert.True("histogram needs upper bounds", len(upperBounds) != 0)
	return &histogram{upperBounds: upperBounds, buckets: make([]uint64, len(upperBounds))}
}

func (h *histogram) stats() *StatsHistogram {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := &StatsHistogram{Count: h.count, Sum: h.sum, Buckets: make(map[uint64]uint64, len(h.buckets))}
	for i, upperBound := range h.upperBounds {
		s.Buckets[upperBound] = h.buckets[i]
	}
	return s
}

func (h *histogram) add(ms uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += ms
	// buckets are cumulative
	for i := sort.Search(len(h.upperBounds), func(i int) bool { return h.upperBounds[i] >= ms }); i < len(h.upperBounds); i++ {
		h.buckets[i]++
	}
}

// metrics are collected per connector and aggregated in the parent (driver) metrics.
type metrics struct {
	parent     *metrics
	counters   [numCounter]counter
	gauges     [numGauge]gauge
	histograms [NumStatsTime]*histogram
}

var _ wire.IOObserver = (*metrics)(nil)

func newMetrics(parent *metrics) *metrics {
	m := &metrics{parent: parent}
	for i := range m.histograms {
		m.histograms[i] = newHistogram(StatsTimeUpperBounds)
	}
	return m
}

func (m *metrics) addCounter(idx int, v uint64) {
	for ; m != nil; m = m.parent {
		m.counters[idx].add(v)
	}
}

func (m *metrics) addGauge(idx int, v int64) {
	for ; m != nil; m = m.parent {
		m.gauges[idx].add(v)
	}
}

func (m *metrics) addTime(idx int, d time.Duration) {
	ms := uint64(max(d.Milliseconds(), 0))
	for ; m != nil; m = m.parent {
		m.histograms[idx].add(ms)
	}
}

// ObserveRead implements the wire.IOObserver interface.
func (m *metrics) ObserveRead(n int, d time.Duration) {
	m.addCounter(counterBytesRead, uint64(n))
	m.addTime(timeRead, d)
}

// ObserveWrite implements the wire.IOObserver interface.
func (m *metrics) ObserveWrite(n int, d time.Duration) {
	m.addCounter(counterBytesWritten, uint64(n))
	m.addTime(timeWrite, d)
}

func (m *metrics) stats() *Stats {
	s := &Stats{
		OpenConnections:  int(m.gauges[gaugeConn].value()),
		OpenTransactions: int(m.gauges[gaugeTx].value()),
		OpenStatements:   int(m.gauges[gaugeStmt].value()),
		BytesRead:        m.counters[counterBytesRead].value(),
		BytesWritten:     m.counters[counterBytesWritten].value(),
		Requests:         m.counters[counterRequests].value(),
		Cancels:          m.counters[counterCancels].value(),
		Timeouts:         m.counters[counterTimeouts].value(),
		Times:            make([]*StatsHistogram, NumStatsTime),
	}
	for i, h := range m.histograms {
		s.Times[i] = h.stats()
	}
	return s
}
