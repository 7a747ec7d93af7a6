// Package telemetry keeps an optional SQLite audit log of smoothed snapshots and
// overload transitions. Nothing is read back at startup.
package telemetry

import (
	"context"

	"codeberg.org/mutker/loadguard/internal/errors"
	"codeberg.org/mutker/loadguard/internal/logger"
	"codeberg.org/mutker/loadguard/internal/metrics"
	"codeberg.org/mutker/loadguard/internal/overload"
)

type service struct {
	repo Repository
	cfg  Config
}

// No-op implementation
type noopRecorder struct{}

func NewService(cfg Config, log logger.Logger) (Recorder, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	// If telemetry is disabled, return a no-op recorder
	if !cfg.Enabled {
		log.Debug().Msg("Telemetry disabled, using no-op recorder")
		return &noopRecorder{}, nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to create telemetry repository")
		return nil, err
	}

	log.Debug().
		Str("db_path", cfg.DBPath).
		Bool("enabled", cfg.Enabled).
		Msg("Telemetry service initialized successfully")

	return &service{
		repo: repo,
		cfg:  cfg,
	}, nil
}

func (s *service) RecordSnapshot(ctx context.Context, snap metrics.Snapshot) error {
	return s.record(ctx, &Entry{Snapshot: &snap})
}

func (s *service) RecordEvent(ctx context.Context, ev overload.Event) error {
	return s.record(ctx, &Entry{Event: &ev})
}

func (s *service) record(ctx context.Context, e *Entry) error {
	errFactory := errors.New()

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
		if err := s.repo.Record(e); err != nil {
			return errFactory.Wrap(ErrRecordFailed, err)
		}
	}

	return nil
}

func (s *service) Close() error {
	errFactory := errors.New()

	if err := s.repo.Close(); err != nil {
		return errFactory.Wrap(ErrStorageClose, err)
	}
	return nil
}

func (*service) Enabled() bool {
	return true
}

// No-op implementation
func (*noopRecorder) RecordSnapshot(_ context.Context, _ metrics.Snapshot) error {
	return nil
}

func (*noopRecorder) RecordEvent(_ context.Context, _ overload.Event) error {
	return nil
}

func (*noopRecorder) Close() error {
	return nil
}

func (*noopRecorder) Enabled() bool {
	return false
}
