// Package logging bootstraps FlowSync's global slog logger.
package logging

import (
	"log/slog"
	"os"
	"strings"

	"github.com/SoumadeepCh/FlowSync/internal/metrics"
)

// Init configures a global slog logger. JSON if FLOWSYNC_JSON_LOG=1/true,
// otherwise text.
func Init(service string) *slog.Logger {
	logger, _ := InitWithRing(service, 500)
	return logger
}

// InitWithRing configures the global slog logger and additionally taps its
// output into a bounded in-memory ring, returned for a diagnostics
// endpoint to read.
func InitWithRing(service string, ringSize int) (*slog.Logger, *metrics.RingHandler) {
	mode := strings.ToLower(os.Getenv("FLOWSYNC_JSON_LOG"))
	var handler slog.Handler
	opts := &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()}
	if mode == "1" || mode == "true" || mode == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	ring := metrics.NewRingHandler(handler, ringSize)
	logger := slog.New(ring).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", mode == "1" || mode == "true" || mode == "json")
	return logger, ring
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("FLOWSYNC_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
