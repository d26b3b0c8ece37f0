package gridnet

import (
	"sync/atomic"
	"time"

	metrics "github.com/armon/go-metrics"
)

// Metrics tracks connection statistics. The frame I/O paths call the
// Increment methods; collectors read via the Get methods.
type Metrics interface {
	IncrementBytesSent(n int64)
	IncrementBytesReceived(n int64)
	IncrementMessagesSent()
	IncrementMessagesReceived()

	GetBytesSent() int64
	GetBytesReceived() int64
	GetMessagesSent() int64
	GetMessagesReceived() int64

	// Reset zeroes the counters and records the reset wall-clock time.
	Reset()
	// ResetTime returns the wall-clock time of the last reset.
	ResetTime() time.Time
}

// DefaultMetrics implements Metrics with atomic counters and mirrors each
// update into the process go-metrics sink.
type DefaultMetrics struct {
	bytesSent    atomic.Int64
	bytesRecv    atomic.Int64
	messagesSent atomic.Int64
	messagesRecv atomic.Int64
	resetNanos   atomic.Int64
}

// NewDefaultMetrics creates a DefaultMetrics with the reset time set to now.
func NewDefaultMetrics() *DefaultMetrics {
	m := &DefaultMetrics{}
	m.resetNanos.Store(time.Now().UnixNano())
	return m
}

func (m *DefaultMetrics) IncrementBytesSent(n int64) {
	m.bytesSent.Add(n)
	metrics.IncrCounter([]string{"gridnet", "bytes_sent"}, float32(n))
}

func (m *DefaultMetrics) IncrementBytesReceived(n int64) {
	m.bytesRecv.Add(n)
	metrics.IncrCounter([]string{"gridnet", "bytes_received"}, float32(n))
}

func (m *DefaultMetrics) IncrementMessagesSent() {
	m.messagesSent.Add(1)
	metrics.IncrCounter([]string{"gridnet", "messages_sent"}, 1)
}

func (m *DefaultMetrics) IncrementMessagesReceived() {
	m.messagesRecv.Add(1)
	metrics.IncrCounter([]string{"gridnet", "messages_received"}, 1)
}

func (m *DefaultMetrics) GetBytesSent() int64        { return m.bytesSent.Load() }
func (m *DefaultMetrics) GetBytesReceived() int64    { return m.bytesRecv.Load() }
func (m *DefaultMetrics) GetMessagesSent() int64     { return m.messagesSent.Load() }
func (m *DefaultMetrics) GetMessagesReceived() int64 { return m.messagesRecv.Load() }

func (m *DefaultMetrics) Reset() {
	m.bytesSent.Store(0)
	m.bytesRecv.Store(0)
	m.messagesSent.Store(0)
	m.messagesRecv.Store(0)
	m.resetNanos.Store(time.Now().UnixNano())
}

func (m *DefaultMetrics) ResetTime() time.Time {
	return time.Unix(0, m.resetNanos.Load())
}
