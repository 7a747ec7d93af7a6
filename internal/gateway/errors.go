package gateway

import "codeberg.org/mutker/loadguard/internal/errors"

const (
	ErrInvalidConfig   = errors.ErrInvalidConfig
	ErrInvalidTarget   = errors.ErrorCode("gateway_invalid_proxy_target")
	ErrReservedPath    = errors.ErrorCode("gateway_reserved_holding_path")
	ErrServe           = errors.ErrServe
	ErrShutdown        = errors.ErrShutdownFailed
	ErrUnauthorized    = errors.ErrUnauthorize
	ErrHoldingNotFound = errors.ErrResourceNotFound
)
