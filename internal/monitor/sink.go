package monitor

import (
	"strings"

	"codeberg.org/mutker/loadguard/internal/logger"
	"codeberg.org/mutker/loadguard/internal/overload"
)

// LogEvent is the logging notification sink for overload transitions.
func LogEvent(ev overload.Event) {
	switch ev.Kind {
	case overload.KindOverload:
		logger.Warn().
			Float64("cpu", ev.Metrics.CPU).
			Float64("memory", ev.Metrics.Memory).
			Float64("load", ev.Metrics.Load).
			Int64("connections", ev.Metrics.Connections).
			Str("violations", strings.Join(ev.Violations, ", ")).
			Bool("backend_healthy", ev.BackendHealthy).
			Bool("forced", ev.Forced).
			Msg("System overload")
	case overload.KindRecovery:
		logger.Info().
			Float64("cpu", ev.Metrics.CPU).
			Float64("memory", ev.Metrics.Memory).
			Float64("load", ev.Metrics.Load).
			Int64("connections", ev.Metrics.Connections).
			Bool("forced", ev.Forced).
			Msg("System recovered")
	}
}
