// Package monitor drives the sampling and probing loops and feeds their results into the
// overload state machine.
package monitor

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/loadguard/internal/errors"
	"codeberg.org/mutker/loadguard/internal/health"
	"codeberg.org/mutker/loadguard/internal/logger"
	"codeberg.org/mutker/loadguard/internal/metrics"
	"codeberg.org/mutker/loadguard/internal/overload"
	"codeberg.org/mutker/loadguard/internal/schedule"
	"codeberg.org/mutker/loadguard/internal/telemetry"
)

const recordTimeout = 2 * time.Second

type Config struct {
	CheckInterval time.Duration
	ProbeInterval time.Duration
	// SampleTimeout bounds one sampling cycle. Zero means CheckInterval.
	SampleTimeout time.Duration
}

type Monitor struct {
	sampler  *metrics.Sampler
	probe    *health.Probe
	machine  *overload.Machine
	recorder telemetry.Recorder

	sampleRunner *schedule.Runner
	probeRunner  *schedule.Runner

	sampleTimeout time.Duration

	mu         sync.RWMutex
	lastResult overload.Result
	running    bool
}

// New wires the components together. recorder may be nil.
func New(cfg Config, sampler *metrics.Sampler, probe *health.Probe, machine *overload.Machine, recorder telemetry.Recorder) (*Monitor, error) {
	errFactory := errors.New()

	if sampler == nil || probe == nil || machine == nil {
		return nil, errFactory.WithMessage(errors.ErrInvalidArgument, "sampler, probe and machine are required")
	}
	if cfg.CheckInterval <= 0 || cfg.ProbeInterval <= 0 || cfg.SampleTimeout < 0 {
		return nil, errFactory.New(errors.ErrInvalidInterval)
	}
	if cfg.SampleTimeout == 0 {
		cfg.SampleTimeout = cfg.CheckInterval
	}

	m := &Monitor{
		sampler:  sampler,
		probe:    probe,
		machine:  machine,
		recorder: recorder,

		sampleTimeout: cfg.SampleTimeout,
	}
	m.sampleRunner = schedule.New("metrics", cfg.CheckInterval, func(ctx context.Context) {
		m.Check(ctx)
	})
	m.probeRunner = schedule.New("backend", cfg.ProbeInterval, func(ctx context.Context) {
		m.probe.Check(ctx)
	})

	probe.OnChange(func(healthy bool, _ error) {
		machine.SetBackendHealth(healthy)
	})
	machine.SetBackendHealth(probe.Healthy())

	machine.Subscribe(LogEvent)
	if recorder != nil && recorder.Enabled() {
		machine.Subscribe(m.recordEvent)
	}

	return m, nil
}

// Start runs both loops until Stop. Each loop runs an immediate first cycle.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		logger.Warn().Msg("Monitor is already running")
		return
	}
	m.running = true
	m.mu.Unlock()

	m.probeRunner.Start(ctx)
	m.sampleRunner.Start(ctx)

	logger.Info().Msg("System monitor started")
}

// Stop halts both loops and waits for in-flight cycles to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.sampleRunner.Stop()
	m.probeRunner.Stop()

	logger.Info().Msg("System monitor stopped")
}

// Check runs one sampling cycle and evaluates the result. A sample that does not
// finish within the sample timeout is handled as a collection failure.
func (m *Monitor) Check(ctx context.Context) overload.Result {
	var res overload.Result

	sampleCtx, cancel := context.WithTimeout(ctx, m.sampleTimeout)
	snap, err := m.sampler.Sample(sampleCtx)
	cancel()
	if err != nil {
		res = m.machine.Fail(err)
	} else {
		res = m.machine.Evaluate(snap)
		m.recordSnapshot(ctx, snap)
	}

	m.mu.Lock()
	m.lastResult = res
	m.mu.Unlock()

	return res
}

// LastResult returns the outcome of the most recent sampling cycle.
func (m *Monitor) LastResult() overload.Result {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.lastResult
}

func (m *Monitor) Status() overload.Status {
	return m.machine.Status()
}

func (m *Monitor) Machine() *overload.Machine {
	return m.machine
}

func (m *Monitor) Probe() *health.Probe {
	return m.probe
}

func (m *Monitor) History() []metrics.Snapshot {
	return m.sampler.History().Snapshot()
}

func (m *Monitor) Summary() metrics.Summary {
	return m.sampler.History().Summary()
}

func (m *Monitor) recordSnapshot(ctx context.Context, snap metrics.Snapshot) {
	if m.recorder == nil || !m.recorder.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()

	if err := m.recorder.RecordSnapshot(ctx, snap); err != nil {
		logger.Warn().Err(err).Msg("Failed to record telemetry snapshot")
	}
}

func (m *Monitor) recordEvent(ev overload.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := m.recorder.RecordEvent(ctx, ev); err != nil {
		logger.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("Failed to record telemetry event")
	}
}
