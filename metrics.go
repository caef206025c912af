package admem

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    commitCounter   prometheus.Counter
//	    commitHistogram prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordCommit(mutations int, duration time.Duration, err error) {
//	    p.commitCounter.Inc()
//	    p.commitHistogram.Observe(duration.Seconds())
//	}
type MetricsCollector interface {
	// RecordReserve is called after each reservation attempt.
	// unit is the reserved unit size, or 0 when the blob is out of space.
	RecordReserve(unit uint32)

	// RecordCancel is called after each successful Cancel with the number of
	// returned reservations.
	RecordCancel(count int)

	// RecordCommit is called after each non-empty Tx.End.
	RecordCommit(mutations int, duration time.Duration, err error)

	// RecordFree is called after each Tx.Free.
	RecordFree(err error)

	// RecordFlush is called after each metadata flush.
	// arenas is the number of arena headers written.
	RecordFlush(arenas int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordReserve(uint32)                   {}
func (NoopMetricsCollector) RecordCancel(int)                       {}
func (NoopMetricsCollector) RecordCommit(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordFree(error)                       {}
func (NoopMetricsCollector) RecordFlush(int, time.Duration, error)  {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	ReserveCount     atomic.Int64
	OutOfSpaceCount  atomic.Int64
	ReservedBytes    atomic.Int64
	CancelCount      atomic.Int64
	CommitCount      atomic.Int64
	CommitErrors     atomic.Int64
	CommitMutations  atomic.Int64
	CommitTotalNanos atomic.Int64
	FreeCount        atomic.Int64
	FreeErrors       atomic.Int64
	FlushCount       atomic.Int64
	FlushErrors      atomic.Int64
	FlushArenas      atomic.Int64
	FlushTotalNanos  atomic.Int64
}

// RecordReserve implements MetricsCollector.
func (b *BasicMetricsCollector) RecordReserve(unit uint32) {
	b.ReserveCount.Add(1)
	if unit == 0 {
		b.OutOfSpaceCount.Add(1)
		return
	}
	b.ReservedBytes.Add(int64(unit))
}

// RecordCancel implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCancel(count int) {
	b.CancelCount.Add(int64(count))
}

// RecordCommit implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCommit(mutations int, duration time.Duration, err error) {
	b.CommitCount.Add(1)
	b.CommitTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.CommitErrors.Add(1)
		return
	}
	b.CommitMutations.Add(int64(mutations))
}

// RecordFree implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFree(err error) {
	b.FreeCount.Add(1)
	if err != nil {
		b.FreeErrors.Add(1)
	}
}

// RecordFlush implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFlush(arenas int, duration time.Duration, err error) {
	b.FlushCount.Add(1)
	b.FlushTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.FlushErrors.Add(1)
		return
	}
	b.FlushArenas.Add(int64(arenas))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		ReserveCount:    b.ReserveCount.Load(),
		OutOfSpaceCount: b.OutOfSpaceCount.Load(),
		ReservedBytes:   b.ReservedBytes.Load(),
		CancelCount:     b.CancelCount.Load(),
		CommitCount:     b.CommitCount.Load(),
		CommitErrors:    b.CommitErrors.Load(),
		CommitMutations: b.CommitMutations.Load(),
		CommitAvgNanos:  avg(b.CommitTotalNanos.Load(), b.CommitCount.Load()),
		FreeCount:       b.FreeCount.Load(),
		FreeErrors:      b.FreeErrors.Load(),
		FlushCount:      b.FlushCount.Load(),
		FlushErrors:     b.FlushErrors.Load(),
		FlushArenas:     b.FlushArenas.Load(),
		FlushAvgNanos:   avg(b.FlushTotalNanos.Load(), b.FlushCount.Load()),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	ReserveCount    int64
	OutOfSpaceCount int64
	ReservedBytes   int64
	CancelCount     int64
	CommitCount     int64
	CommitErrors    int64
	CommitMutations int64
	CommitAvgNanos  int64
	FreeCount       int64
	FreeErrors      int64
	FlushCount      int64
	FlushErrors     int64
	FlushArenas     int64
	FlushAvgNanos   int64
}
