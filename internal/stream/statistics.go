package stream

import "time"

// Statistics is a point-in-time snapshot of a [Service]'s counters. It is a
// plain value; reading it has no effect on the service.
type Statistics struct {
	ChunksQueued       int64         `json:"chunks_queued"`
	ChunksSent         int64         `json:"chunks_sent"`
	TotalBytesSent     int64         `json:"total_bytes_sent"`
	BackpressureEvents int64         `json:"backpressure_events"`
	SendErrors         int64         `json:"send_errors"`
	AverageLatency     time.Duration `json:"average_latency"`

	// BufferUtilization is the fraction of buffer capacity in use, in [0,1].
	BufferUtilization float64 `json:"buffer_utilization"`
}

// SuccessRate is ChunksSent/ChunksQueued clamped to [0,1], or 0 before any
// chunk has been queued.
func (s Statistics) SuccessRate() float64 {
	if s.ChunksQueued <= 0 {
		return 0
	}
	r := float64(s.ChunksSent) / float64(s.ChunksQueued)
	if r > 1 {
		return 1
	}
	return r
}

// Throughput is TotalBytesSent / (ChunksSent * AverageLatency) in bytes per
// second, or 0 when either factor is not positive.
func (s Statistics) Throughput() float64 {
	if s.ChunksSent <= 0 || s.AverageLatency <= 0 {
		return 0
	}
	return float64(s.TotalBytesSent) / (float64(s.ChunksSent) * s.AverageLatency.Seconds())
}

// counters is the mutable state behind [Statistics]. Callers must hold the
// service mutex.
type counters struct {
	chunksQueued       int64
	chunksSent         int64
	totalBytesSent     int64
	backpressureEvents int64
	sendErrors         int64
	averageLatency     time.Duration
}

// recordSent folds one successful send into the running mean latency.
func (c *counters) recordSent(bytes int, latency time.Duration) {
	c.chunksSent++
	c.totalBytesSent += int64(bytes)
	c.averageLatency += (latency - c.averageLatency) / time.Duration(c.chunksSent)
}

func (c *counters) snapshot(buffered, capacity int) Statistics {
	s := Statistics{
		ChunksQueued:       c.chunksQueued,
		ChunksSent:         c.chunksSent,
		TotalBytesSent:     c.totalBytesSent,
		BackpressureEvents: c.backpressureEvents,
		SendErrors:         c.sendErrors,
		AverageLatency:     c.averageLatency,
	}
	if capacity > 0 {
		s.BufferUtilization = float64(buffered) / float64(capacity)
	}
	return s
}
