package telemetry

import (
	"context"

	"codeberg.org/mutker/loadguard/internal/metrics"
	"codeberg.org/mutker/loadguard/internal/overload"
)

// Recorder is the write-only audit log of snapshots and state transitions.
type Recorder interface {
	RecordSnapshot(ctx context.Context, snap metrics.Snapshot) error
	RecordEvent(ctx context.Context, ev overload.Event) error
	Close() error
	Enabled() bool
}

// Repository defines the interface for telemetry storage
type Repository interface {
	Record(e *Entry) error
	Close() error
}

// Entry is one buffered row. Exactly one of Snapshot and Event is set.
type Entry struct {
	Snapshot *metrics.Snapshot
	Event    *overload.Event
}
