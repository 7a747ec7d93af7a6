package metrics

import "codeberg.org/mutker/loadguard/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig

	// Collection Errors
	ErrCollection    = errors.ErrorCode("metrics_collection_failed")
	ErrCPUSample     = errors.ErrorCode("metrics_cpu_sample_failed")
	ErrMemorySample  = errors.ErrorCode("metrics_memory_sample_failed")
	ErrLoadSample    = errors.ErrorCode("metrics_load_sample_failed")
	ErrInvalidSample = errors.ErrorCode("metrics_invalid_sample")

	// Operation Errors
	ErrOperationTimeout = errors.ErrTimeout
)
