package overload

import "codeberg.org/mutker/loadguard/internal/errors"

const (
	ErrInvalidConfig   = errors.ErrInvalidConfig
	ErrInvalidFailMode = errors.ErrorCode("overload_invalid_fail_mode")
)
