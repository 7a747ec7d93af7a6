// Package errors provides the coded errors shared by every loadguard package. Each
// package declares its own ErrorCode constants in an errors.go file and builds values
// through a Factory.
package errors

// ErrorCode identifies a failure class, for example "operation_timeout". It is logged as
// the error_code field.
type ErrorCode string

// Error is a coded error. WithMessage and WithData return copies.
type Error interface {
	error
	Code() ErrorCode
	WithMessage(msg string) Error
	WithData(data any) Error
	GetData() any
	Unwrap() error
}

// Factory builds Error values. Wrap keeps the cause reachable through Unwrap.
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
