package metrics

import (
	"context"
	"time"
)

// Source reads raw host signals.
type Source interface {
	Sample(ctx context.Context) (Reading, error)
}

// ConnectionGauge reports the number of requests currently in flight.
type ConnectionGauge interface {
	Current() int64
}

// Reading is one raw host signal reading.
type Reading struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
	Load   float64 `json:"load"`
}

// Snapshot is the smoothed state produced by one sampling cycle. Connections is the live
// gauge value and is not smoothed.
type Snapshot struct {
	CPU         float64   `json:"cpu"`
	Memory      float64   `json:"memory"`
	Load        float64   `json:"load"`
	Connections int64     `json:"connections"`
	Timestamp   time.Time `json:"timestamp"`
}

// Reading returns the smoothed signals without connection count or timestamp.
func (s Snapshot) Reading() Reading {
	return Reading{CPU: s.CPU, Memory: s.Memory, Load: s.Load}
}

// Summary aggregates the history window.
type Summary struct {
	Samples int       `json:"samples"`
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	Peak    Reading   `json:"peak"`
	Average Reading   `json:"average"`
}
