package overload

import (
	"time"

	"codeberg.org/mutker/loadguard/internal/errors"
	"codeberg.org/mutker/loadguard/internal/metrics"
)

// FailMode decides what a failed sampling cycle reports.
type FailMode string

const (
	// FailOpen reports not overloaded when metrics cannot be collected.
	FailOpen FailMode = "open"
	// FailClosed reports overloaded when metrics cannot be collected.
	FailClosed FailMode = "closed"
)

func ParseFailMode(s string) (FailMode, error) {
	switch m := FailMode(s); m {
	case FailOpen, FailClosed:
		return m, nil
	default:
		return "", errors.New().WithData(ErrInvalidFailMode, s)
	}
}

type Thresholds struct {
	CPU            float64 `json:"cpu"`
	Memory         float64 `json:"memory"`
	Load           float64 `json:"load"`
	MaxConnections int64   `json:"max_connections"`
}

type Config struct {
	Thresholds Thresholds
	Cooldown   time.Duration
	FailMode   FailMode
}

type EventKind string

const (
	KindOverload EventKind = "overload"
	KindRecovery EventKind = "recovery"
)

// Event is emitted once per state transition, and on every forced change.
type Event struct {
	Kind           EventKind        `json:"kind"`
	Metrics        metrics.Snapshot `json:"metrics"`
	Violations     []string         `json:"violations,omitempty"`
	BackendHealthy bool             `json:"backend_healthy"`
	Forced         bool             `json:"forced"`
	Timestamp      time.Time        `json:"timestamp"`
}

// Result is the outcome of one evaluation.
type Result struct {
	Overloaded     bool
	InCooldown     bool
	Violations     []string
	Metrics        metrics.Snapshot
	BackendHealthy bool
	// Err is set when the result was produced by fail-mode policy.
	Err error
}

// Status is a consistent read-only snapshot of the machine.
type Status struct {
	IsOverloaded      bool             `json:"is_overloaded"`
	ShouldRedirect    bool             `json:"should_redirect"`
	Metrics           metrics.Snapshot `json:"metrics"`
	Violations        []string         `json:"violations"`
	LastTriggered     *time.Time       `json:"last_triggered"`
	CooldownRemaining int              `json:"cooldown_remaining_seconds"`
	Thresholds        Thresholds       `json:"thresholds"`
	BackendHealthy    bool             `json:"backend_healthy"`
	FailMode          FailMode         `json:"fail_mode"`
	HistorySize       int              `json:"history_size"`
}
