package health

import "codeberg.org/mutker/loadguard/internal/errors"

const (
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrProbeFailed   = errors.ErrorCode("health_probe_failed")
	ErrBadStatus     = errors.ErrorCode("health_bad_status")
	ErrProbeTimeout  = errors.ErrTimeout
	ErrBuildRequest  = errors.ErrorCode("health_build_request_failed")
)
