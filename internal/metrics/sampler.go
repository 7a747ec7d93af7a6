// Package metrics samples host resource pressure, smooths it with an exponential moving
// average and keeps a bounded history of the smoothed values.
package metrics

import (
	"context"
	"math"
	"sync"
	"time"

	"codeberg.org/mutker/loadguard/internal/errors"
	"codeberg.org/mutker/loadguard/internal/logger"
)

const DefaultHistorySize = 60

type Config struct {
	// Alpha is the smoothing factor in [0,1]. 1 disables smoothing.
	Alpha       float64
	HistorySize int
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.Alpha < 0 || c.Alpha > 1 || math.IsNaN(c.Alpha) {
		return errFactory.WithData(ErrInvalidConfig, "smoothing factor must be between 0 and 1")
	}
	if c.HistorySize < 1 {
		return errFactory.WithData(ErrInvalidConfig, "history size must be at least 1")
	}

	return nil
}

// Sampler owns the smoothing state and history. Sample is expected to be driven by a
// single-flight runner, but is safe for concurrent use.
type Sampler struct {
	source  Source
	gauge   ConnectionGauge
	alpha   float64
	history *History
	now     func() time.Time

	mu     sync.RWMutex
	state  Snapshot
	primed bool
}

type SamplerOption func(*Sampler)

// WithClock sets the time source used to stamp snapshots.
func WithClock(now func() time.Time) SamplerOption {
	return func(s *Sampler) {
		s.now = now
	}
}

// NewSampler creates a Sampler. gauge may be nil, in which case connections read as zero.
func NewSampler(source Source, gauge ConnectionGauge, cfg Config, opts ...SamplerOption) (*Sampler, error) {
	errFactory := errors.New()

	if source == nil {
		return nil, errFactory.WithMessage(ErrInvalidConfig, "metrics source is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Sampler{
		source:  source,
		gauge:   gauge,
		alpha:   cfg.Alpha,
		history: NewHistory(cfg.HistorySize),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Sample reads the source once, folds the reading into the smoothing state and appends
// the result to the history. On error neither state nor history changes.
func (s *Sampler) Sample(ctx context.Context) (Snapshot, error) {
	errFactory := errors.New()

	raw, err := s.source.Sample(ctx)
	if err != nil {
		if errors.HasCode(err, ErrOperationTimeout) {
			return Snapshot{}, err
		}
		if ctx.Err() != nil {
			return Snapshot{}, errFactory.Wrap(ErrOperationTimeout, err)
		}
		return Snapshot{}, errFactory.Wrap(ErrCollection, err)
	}
	if !valid(raw) {
		return Snapshot{}, errFactory.WithData(ErrInvalidSample, raw)
	}

	var conns int64
	if s.gauge != nil {
		conns = s.gauge.Current()
	}

	s.mu.Lock()
	next := Snapshot{
		CPU:         raw.CPU,
		Memory:      raw.Memory,
		Load:        raw.Load,
		Connections: conns,
		Timestamp:   s.now(),
	}
	if s.primed {
		next.CPU = EMA(raw.CPU, s.state.CPU, s.alpha)
		next.Memory = EMA(raw.Memory, s.state.Memory, s.alpha)
		next.Load = EMA(raw.Load, s.state.Load, s.alpha)
	}
	s.state = next
	s.primed = true
	s.history.Add(next)
	s.mu.Unlock()

	logger.Debug().
		Float64("cpu", next.CPU).
		Float64("memory", next.Memory).
		Float64("load", next.Load).
		Int64("connections", next.Connections).
		Msg("Metrics sampled")

	return next, nil
}

// Latest returns the most recent smoothed snapshot. ok is false before the first
// successful sample.
func (s *Sampler) Latest() (snap Snapshot, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state, s.primed
}

func (s *Sampler) History() *History {
	return s.history
}

func valid(r Reading) bool {
	for _, v := range []float64{r.CPU, r.Memory, r.Load} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return false
		}
	}

	return true
}
