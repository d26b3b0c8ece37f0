package gridnet

import "time"

// Clock provides monotonic milliseconds for deadlines, expiry and ping
// accounting. Wall-clock time is used only for statistics timestamps.
type Clock interface {
	// Millis returns a monotonic millisecond reading.
	Millis() int64
}

type systemClock struct {
	origin time.Time
}

// NewSystemClock returns the default monotonic clock.
func NewSystemClock() Clock {
	return &systemClock{origin: time.Now()}
}

func (c *systemClock) Millis() int64 {
	return time.Since(c.origin).Milliseconds()
}
