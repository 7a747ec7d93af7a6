package logger

import (
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"codeberg.org/mutker/loadguard/internal/errors"
	"github.com/rs/zerolog"
)

var log = zerolog.Nop()

type LogLevel int8

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

type LogEvent struct {
	*zerolog.Event
}

func (e *LogEvent) Msg(msg string) {
	e.Event.Msg(msg)
}

func (e *LogEvent) Send() {
	e.Event.Send()
}

// Options controls where and how log lines are written.
type Options struct {
	Level     string
	JSON      bool
	IsService bool
	Output    io.Writer
}

// Init initializes the logger based on the given configuration
func Init(opts Options) {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	if opts.JSON {
		log = zerolog.New(out).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}

		// journald stamps lines itself
		if opts.IsService {
			output.TimeFormat = ""
			output.FormatTimestamp = func(_ interface{}) string {
				return ""
			}
			output.NoColor = true
		}

		log = zerolog.New(output).With().Timestamp().Logger()
	}

	SetLogLevel(ParseLevel(opts.Level))
}

// ParseLevel maps a configured level name to a LogLevel. Unknown names map to InfoLevel.
func ParseLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// SetLogLevel sets the global log level
func SetLogLevel(level LogLevel) {
	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// IsService checks if the application is running as a service
func IsService() bool {
	if _, err := os.Stdin.Stat(); err != nil {
		return true
	}
	if os.Getenv("SERVICE_NAME") != "" || os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getppid() == 1 {
		return true
	}

	return syscall.Getpgrp() == syscall.Getpid()
}

// Debug logs a debug message
func Debug() *LogEvent {
	return &LogEvent{log.Debug()}
}

// Info logs an info message
func Info() *LogEvent {
	return &LogEvent{log.Info()}
}

// Warn logs a warning message
func Warn() *LogEvent {
	return &LogEvent{log.Warn()}
}

// Error logs an error message
func Error() *LogEvent {
	return &LogEvent{log.Error()}
}

// ErrorWithCode logs an error message with a specific error code
func ErrorWithCode(err errors.Error) *LogEvent {
	return &LogEvent{log.Error().
		Str("error_code", string(err.Code())).
		AnErr("error", err)}
}

// Fatal logs a fatal message and exits the program
func Fatal() *LogEvent {
	return &LogEvent{log.Fatal()}
}

// FatalWithCode logs a fatal message with a specific error code and exits the program
func FatalWithCode(err errors.Error) *LogEvent {
	return &LogEvent{log.Fatal().
		Str("error_code", string(err.Code())).
		AnErr("error", err)}
}

type std struct{}

// Default returns a Logger backed by the package-level logger.
func Default() Logger {
	return std{}
}

func (std) Debug() *LogEvent                         { return Debug() }
func (std) Info() *LogEvent                          { return Info() }
func (std) Warn() *LogEvent                          { return Warn() }
func (std) Error() *LogEvent                         { return Error() }
func (std) ErrorWithCode(err errors.Error) *LogEvent { return ErrorWithCode(err) }
