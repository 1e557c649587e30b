package arrow

import "sync/atomic"

// Metrics tracks connection-level counters a caller can expose however it
// likes (expvar, Prometheus, logs). The engine and driver call Increment*
// as frames move; a caller reads via Get*.
type Metrics interface {
	IncrementFramesSent()
	IncrementFramesReceived()
	IncrementBytesSent(n int64)
	IncrementBytesReceived(n int64)
	IncrementReconnects()
	IncrementAckTimeouts()

	GetFramesSent() int64
	GetFramesReceived() int64
	GetBytesSent() int64
	GetBytesReceived() int64
	GetReconnects() int64
	GetAckTimeouts() int64
}

// DefaultMetrics implements Metrics with atomic counters, safe for
// concurrent use by the engine's reactor goroutine and the driver's
// read/write pumps at once.
type DefaultMetrics struct {
	framesSent     int64
	framesReceived int64
	bytesSent      int64
	bytesReceived  int64
	reconnects     int64
	ackTimeouts    int64
}

// NewDefaultMetrics returns a zeroed counter set.
func NewDefaultMetrics() *DefaultMetrics { return &DefaultMetrics{} }

func (m *DefaultMetrics) IncrementFramesSent() { atomic.AddInt64(&m.framesSent, 1) }
func (m *DefaultMetrics) IncrementFramesReceived() { atomic.AddInt64(&m.framesReceived, 1) }
func (m *DefaultMetrics) IncrementBytesSent(n int64) { atomic.AddInt64(&m.bytesSent, n) }
func (m *DefaultMetrics) IncrementBytesReceived(n int64) { atomic.AddInt64(&m.bytesReceived, n) }
func (m *DefaultMetrics) IncrementReconnects() { atomic.AddInt64(&m.reconnects, 1) }
func (m *DefaultMetrics) IncrementAckTimeouts() { atomic.AddInt64(&m.ackTimeouts, 1) }

func (m *DefaultMetrics) GetFramesSent() int64     { return atomic.LoadInt64(&m.framesSent) }
func (m *DefaultMetrics) GetFramesReceived() int64 { return atomic.LoadInt64(&m.framesReceived) }
func (m *DefaultMetrics) GetBytesSent() int64      { return atomic.LoadInt64(&m.bytesSent) }
func (m *DefaultMetrics) GetBytesReceived() int64  { return atomic.LoadInt64(&m.bytesReceived) }
func (m *DefaultMetrics) GetReconnects() int64     { return atomic.LoadInt64(&m.reconnects) }
func (m *DefaultMetrics) GetAckTimeouts() int64    { return atomic.LoadInt64(&m.ackTimeouts) }

// noopMetrics discards everything; it is the zero-cost default when a
// caller doesn't supply its own Metrics.
type noopMetrics struct{}

func (noopMetrics) IncrementFramesSent() {}
func (noopMetrics) IncrementFramesReceived() {}
func (noopMetrics) IncrementBytesSent(int64) {}
func (noopMetrics) IncrementBytesReceived(int64) {}
func (noopMetrics) IncrementReconnects() {}
func (noopMetrics) IncrementAckTimeouts() {}
func (noopMetrics) GetFramesSent() int64           { return 0 }
func (noopMetrics) GetFramesReceived() int64       { return 0 }
func (noopMetrics) GetBytesSent() int64            { return 0 }
func (noopMetrics) GetBytesReceived() int64        { return 0 }
func (noopMetrics) GetReconnects() int64           { return 0 }
func (noopMetrics) GetAckTimeouts() int64          { return 0 }
