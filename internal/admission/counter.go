package admission

import "sync/atomic"

// Counter tracks requests in flight. It never goes below zero.
type Counter struct {
	n atomic.Int64
}

func (c *Counter) Start() {
	c.n.Add(1)
}

// Finish decrements the counter unless it is already zero.
func (c *Counter) Finish() {
	for {
		cur := c.n.Load()
		if cur <= 0 {
			return
		}
		if c.n.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Current implements metrics.ConnectionGauge.
func (c *Counter) Current() int64 {
	return c.n.Load()
}

// Reset sets the counter back to zero.
func (c *Counter) Reset() {
	c.n.Store(0)
}
