package driver

import (
	"fmt"
	"strings"
)

// StatsHistogram represents a histogram of spent times.
type StatsHistogram struct {
	// Count holds the number of measurements.
	Count uint64
	// Sum holds the sum of the measurements in milliseconds.
	Sum uint64
	// Buckets maps the upper time limit in milliseconds to the cumulative number of measurements
	// less or equal to the limit.
	Buckets map[uint64]uint64
}

func (h *StatsHistogram) String() string {
	return fmt.Sprintf("count %d sum %d values %v", h.Count, h.Sum, h.Buckets)
}

// Stats contains driver statistics.
type Stats struct {
	// Gauges
	OpenConnections  int // The number of established driver connections.
	OpenTransactions int // The number of open driver transactions (local and XA).
	OpenStatements   int // The number of open driver statements.
	// Counter
	BytesRead    uint64 // Total bytes read by remote connections.
	BytesWritten uint64 // Total bytes written by remote connections.
	Requests     uint64 // Total number of submitted requests.
	Cancels      uint64 // Total number of cancelled requests.
	Timeouts     uint64 // Total number of timed out requests.
	// Times holds the time statistics indexed like StatsTimeTexts.
	Times []*StatsHistogram
}

func (s *Stats) String() string {
	sb := strings.Builder{}
	fmt.Fprintf(&sb, "\nopenConnections  %d", s.OpenConnections)
	fmt.Fprintf(&sb, "\nopenTransactions %d", s.OpenTransactions)
	fmt.Fprintf(&sb, "\nopenStatements   %d", s.OpenStatements)
	fmt.Fprintf(&sb, "\nbytesRead        %d", s.BytesRead)
	fmt.Fprintf(&sb, "\nbytesWritten     %d", s.BytesWritten)
	fmt.Fprintf(&sb, "\nrequests         %d", s.Requests)
	fmt.Fprintf(&sb, "\ncancels          %d", s.Cancels)
	fmt.Fprintf(&sb, "\ntimeouts         %d", s.Timeouts)
	sb.WriteString("\ntimes")
	for i, h := range s.Times {
		fmt.Fprintf(&sb, "\n  %-8s %s", statsTimeTexts[i], h)
	}
	return sb.String()
}
