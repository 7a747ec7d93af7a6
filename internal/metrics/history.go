package metrics

import (
	"math"
	"sync"
)

// History is a bounded FIFO of snapshots. Once full, each Add evicts the oldest entry.
type History struct {
	mu    sync.RWMutex
	buf   []Snapshot
	start int
	size  int
}

func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}

	return &History{buf: make([]Snapshot, capacity)}
}

func (h *History) Add(s Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = s
		h.size++
		return
	}

	h.buf[h.start] = s
	h.start = (h.start + 1) % len(h.buf)
}

// Snapshot returns a copy of the stored entries, oldest first.
func (h *History) Snapshot() []Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Snapshot, h.size)
	for i := range out {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}

	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.size
}

func (h *History) Cap() int {
	return len(h.buf)
}

// Summary returns peak and average readings over the stored window.
func (h *History) Summary() Summary {
	entries := h.Snapshot()
	if len(entries) == 0 {
		return Summary{}
	}

	sum := Summary{
		Samples: len(entries),
		From:    entries[0].Timestamp,
		To:      entries[len(entries)-1].Timestamp,
	}

	var total Reading
	for _, e := range entries {
		sum.Peak.CPU = math.Max(sum.Peak.CPU, e.CPU)
		sum.Peak.Memory = math.Max(sum.Peak.Memory, e.Memory)
		sum.Peak.Load = math.Max(sum.Peak.Load, e.Load)

		total.CPU += e.CPU
		total.Memory += e.Memory
		total.Load += e.Load
	}

	n := float64(len(entries))
	sum.Average = Reading{
		CPU:    total.CPU / n,
		Memory: total.Memory / n,
		Load:   total.Load / n,
	}

	return sum
}
