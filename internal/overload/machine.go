// Package overload decides whether the protected backend is overloaded, with hysteresis:
// once triggered the overloaded state holds for a cooldown period regardless of metrics.
package overload

import (
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"codeberg.org/mutker/loadguard/internal/errors"
	"codeberg.org/mutker/loadguard/internal/logger"
	"codeberg.org/mutker/loadguard/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	ForcedViolation     = "Forced by admin"
	UnhealthyViolation  = "Backend: Unhealthy"
	cooldownLogInterval = 30 * time.Second
)

type Machine struct {
	cfg          Config
	now          func() time.Time
	historyDepth func() int
	cooldownLog  rate.Sometimes

	mu             sync.RWMutex
	overloaded     bool
	lastTriggered  time.Time
	violations     []string
	snapshot       metrics.Snapshot
	backendHealthy bool
	listeners      []func(Event)
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

// WithHistoryDepth reports the sampler history length in Status.
func WithHistoryDepth(depth func() int) Option {
	return func(m *Machine) {
		m.historyDepth = depth
	}
}

func New(cfg Config, opts ...Option) (*Machine, error) {
	errFactory := errors.New()

	if _, err := ParseFailMode(string(cfg.FailMode)); err != nil {
		return nil, err
	}
	if cfg.Cooldown < 0 {
		return nil, errFactory.WithData(ErrInvalidConfig, "cooldown must not be negative")
	}

	m := &Machine{
		cfg:            cfg,
		now:            time.Now,
		cooldownLog:    rate.Sometimes{First: 1, Interval: cooldownLogInterval},
		backendHealthy: true,
	}
	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// Subscribe registers fn for overload and recovery events. Callbacks run synchronously
// after the state lock has been released, in registration order.
func (m *Machine) Subscribe(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, fn)
}

// SetBackendHealth records the latest backend liveness flag. It takes effect on the
// next evaluation and immediately in ShouldRedirect.
func (m *Machine) SetBackendHealth(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.backendHealthy = healthy
}

// Evaluate folds one successful sampling result into the state.
func (m *Machine) Evaluate(snap metrics.Snapshot) Result {
	m.mu.Lock()

	now := m.now()
	m.snapshot = snap

	if remaining := m.cooldownRemaining(now); m.overloaded && remaining > 0 {
		res := Result{
			Overloaded:     true,
			InCooldown:     true,
			Violations:     []string{fmt.Sprintf("In cooldown (%ds remaining)", remaining)},
			Metrics:        snap,
			BackendHealthy: m.backendHealthy,
		}
		m.mu.Unlock()

		m.cooldownLog.Do(func() {
			logger.Info().Int("remaining_seconds", remaining).Msg("Overload cooldown in effect")
		})

		return res
	}

	violations := m.violationsFor(snap)

	var ev *Event
	switch {
	case len(violations) > 0 && !m.overloaded:
		m.overloaded = true
		m.lastTriggered = now
		m.violations = violations
		ev = &Event{Kind: KindOverload, Violations: violations}
	case len(violations) == 0 && m.overloaded:
		m.overloaded = false
		m.lastTriggered = time.Time{}
		m.violations = nil
		ev = &Event{Kind: KindRecovery}
	default:
		m.violations = violations
	}

	res := Result{
		Overloaded:     m.overloaded,
		Violations:     violations,
		Metrics:        snap,
		BackendHealthy: m.backendHealthy,
	}

	listeners := m.prepare(ev, now)
	m.mu.Unlock()

	notify(listeners, ev)

	return res
}

// Fail applies the fail-mode policy to a sampling error. Stored state is not touched and
// no event is emitted.
func (m *Machine) Fail(err error) Result {
	m.mu.RLock()
	healthy := m.backendHealthy
	m.mu.RUnlock()

	logger.Error().Err(err).Str("fail_mode", string(m.cfg.FailMode)).Msg("System check failed")

	return Result{
		Overloaded:     m.cfg.FailMode == FailClosed,
		Violations:     []string{"Error: " + err.Error()},
		BackendHealthy: healthy,
		Err:            err,
	}
}

// ForceOverload sets or clears the overloaded state unconditionally and always emits an
// event, even when the state does not change.
func (m *Machine) ForceOverload(on bool) Status {
	m.mu.Lock()

	now := m.now()
	was := m.overloaded

	var ev *Event
	if on {
		m.overloaded = true
		m.lastTriggered = now
		m.violations = []string{ForcedViolation}
		ev = &Event{Kind: KindOverload, Violations: m.violations, Forced: true}
	} else {
		m.overloaded = false
		m.lastTriggered = time.Time{}
		m.violations = nil
		ev = &Event{Kind: KindRecovery, Forced: true}
	}

	listeners := m.prepare(ev, now)
	status := m.status(now)
	m.mu.Unlock()

	logger.Info().
		Bool("overloaded", on).
		Bool("was_overloaded", was).
		Msg("Overload state forced by admin")

	notify(listeners, ev)

	return status
}

// Status returns a consistent snapshot of the machine.
func (m *Machine) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.status(m.now())
}

// ShouldRedirect reports whether non-exempt traffic must be diverted, and the number of
// whole seconds of cooldown left.
func (m *Machine) ShouldRedirect() (redirect bool, retryAfter int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.overloaded || !m.backendHealthy, m.cooldownRemaining(m.now())
}

func (m *Machine) Config() Config {
	return m.cfg
}

func (m *Machine) status(now time.Time) Status {
	s := Status{
		IsOverloaded:      m.overloaded,
		ShouldRedirect:    m.overloaded || !m.backendHealthy,
		Metrics:           m.snapshot,
		Violations:        append([]string{}, m.violations...),
		CooldownRemaining: m.cooldownRemaining(now),
		Thresholds:        m.cfg.Thresholds,
		BackendHealthy:    m.backendHealthy,
		FailMode:          m.cfg.FailMode,
	}
	if !m.lastTriggered.IsZero() {
		t := m.lastTriggered
		s.LastTriggered = &t
	}
	if m.historyDepth != nil {
		s.HistorySize = m.historyDepth()
	}

	return s
}

// cooldownRemaining returns the whole seconds left, rounded up. Must hold m.mu.
func (m *Machine) cooldownRemaining(now time.Time) int {
	if m.lastTriggered.IsZero() {
		return 0
	}

	left := m.cfg.Cooldown - now.Sub(m.lastTriggered)
	if left <= 0 {
		return 0
	}

	return int(math.Ceil(left.Seconds()))
}

// violationsFor lists every threshold snap breaches. Must hold m.mu.
func (m *Machine) violationsFor(snap metrics.Snapshot) []string {
	t := m.cfg.Thresholds
	var v []string

	if snap.CPU >= t.CPU {
		v = append(v, fmt.Sprintf("CPU: %.1f%% >= %s%%", snap.CPU, formatLimit(t.CPU)))
	}
	if snap.Memory >= t.Memory {
		v = append(v, fmt.Sprintf("Memory: %.1f%% >= %s%%", snap.Memory, formatLimit(t.Memory)))
	}
	if snap.Load >= t.Load {
		v = append(v, fmt.Sprintf("Load: %.2f >= %s", snap.Load, formatLimit(t.Load)))
	}
	if t.MaxConnections > 0 && snap.Connections >= t.MaxConnections {
		v = append(v, fmt.Sprintf("Connections: %d >= %d", snap.Connections, t.MaxConnections))
	}
	if !m.backendHealthy {
		v = append(v, UnhealthyViolation)
	}

	return v
}

// prepare completes ev and copies the listener list. Must hold m.mu.
func (m *Machine) prepare(ev *Event, now time.Time) []func(Event) {
	if ev == nil {
		return nil
	}

	ev.Metrics = m.snapshot
	ev.BackendHealthy = m.backendHealthy
	ev.Timestamp = now

	return append([]func(Event){}, m.listeners...)
}

func notify(listeners []func(Event), ev *Event) {
	if ev == nil {
		return
	}
	for _, fn := range listeners {
		fn(*ev)
	}
}

func formatLimit(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
