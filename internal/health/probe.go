// Package health polls the protected backend and keeps a debounced healthy flag.
package health

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/loadguard/internal/errors"
	"codeberg.org/mutker/loadguard/internal/logger"
)

const DefaultTimeout = 3 * time.Second

// Status is a read-only view of the probe state.
type Status struct {
	Healthy     bool      `json:"healthy"`
	LastChecked time.Time `json:"last_checked,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// ChangeFunc is called after the healthy flag flips.
type ChangeFunc func(healthy bool, cause error)

// Probe tracks backend liveness. The flag starts healthy and only changes when a check
// disagrees with it.
type Probe struct {
	url     string
	timeout time.Duration
	prober  Prober
	now     func() time.Time

	mu          sync.RWMutex
	healthy     bool
	lastChecked time.Time
	lastErr     error
	listeners   []ChangeFunc
}

type Option func(*Probe)

func WithClock(now func() time.Time) Option {
	return func(p *Probe) {
		p.now = now
	}
}

func New(url string, timeout time.Duration, prober Prober, opts ...Option) (*Probe, error) {
	errFactory := errors.New()

	if url == "" {
		return nil, errFactory.WithMessage(ErrInvalidConfig, "health URL is required")
	}
	if prober == nil {
		prober = NewHTTPProber(nil)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	p := &Probe{
		url:     url,
		timeout: timeout,
		prober:  prober,
		now:     time.Now,
		healthy: true,
	}
	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// OnChange registers fn for healthy/unhealthy transitions.
func (p *Probe) OnChange(fn ChangeFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.listeners = append(p.listeners, fn)
}

// Check runs one bounded liveness check and returns the resulting flag.
func (p *Probe) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.prober.Probe(ctx, p.url)
	healthy := err == nil

	p.mu.Lock()
	p.lastChecked = p.now()
	p.lastErr = err
	changed := healthy != p.healthy
	p.healthy = healthy
	var listeners []ChangeFunc
	if changed {
		listeners = append(listeners, p.listeners...)
	}
	p.mu.Unlock()

	if !changed {
		return healthy
	}

	if healthy {
		logger.Info().Str("url", p.url).Msg("Backend recovered")
	} else {
		logger.Warn().Str("url", p.url).Err(err).Msg("Backend became unhealthy")
	}

	for _, fn := range listeners {
		fn(healthy, err)
	}

	return healthy
}

func (p *Probe) Healthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.healthy
}

func (p *Probe) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Status{
		Healthy:     p.healthy,
		LastChecked: p.lastChecked,
	}
	if p.lastErr != nil {
		s.LastError = p.lastErr.Error()
	}

	return s
}
