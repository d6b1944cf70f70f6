// Package logger provides structured loggers for the different components of
// trafficd. It wraps logrus and exposes category-specific log entries such as
// MainLog, CfgLog, UpstreamLog, etc. The logging level and caller reporting can
// be adjusted at runtime via InitLog.
package logger

import (
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

const (
	moduleNameTrafficd = "TRAFFICD"
)

var (
	formatterOnce sync.Once

	// MainLog is the primary logger for high-level lifecycle events
	// (startup, shutdown, major state transitions).
	MainLog = newCategoryLogger("MAIN")

	// CfgLog is used for configuration loading, validation, and printing.
	CfgLog = newCategoryLogger("CFG")

	// UpstreamLog is for calls toward the registry downloads API
	// (attempts, retries, circuit breaker transitions).
	UpstreamLog = newCategoryLogger("UPSTREAM")

	// CacheLog is for the two-tier in-memory cache.
	CacheLog = newCategoryLogger("CACHE")

	// AggregatorLog is for series normalization and derived metrics.
	AggregatorLog = newCategoryLogger("AGGREGATOR")

	// TrafficLog is for the traffic orchestrator (fetch, cache, fallback policy).
	TrafficLog = newCategoryLogger("TRAFFIC")

	// CompareLog is for multi-package comparisons.
	CompareLog = newCategoryLogger("COMPARE")

	// ContextLog is for runtime state changes (health snapshot, shutdown flag).
	ContextLog = newCategoryLogger("CONTEXT")

	// SchedulerLog is for periodic tasks such as cache sweeps and warm-up.
	SchedulerLog = newCategoryLogger("SCHEDULER")

	// ServerLog is for the HTTP API exposed to dashboards.
	ServerLog = newCategoryLogger("SERVER")
)

func newCategoryLogger(category string) *log.Entry {
	return log.WithFields(log.Fields{
		"module":   moduleNameTrafficd,
		"category": category,
	})
}

// InitLog configures the global logrus settings. It is safe to call multiple
// times; the formatter is installed once and every call updates the log level
// and the reportCaller flag.
func InitLog(levelString string, reportCaller bool) error {
	var initErr error

	formatterOnce.Do(func() {
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	})

	parsedLevel, parseErr := parseLogLevel(levelString)
	if parseErr != nil {
		// Fall back to info, but still report the problem to the caller.
		log.SetLevel(log.InfoLevel)
		CfgLog.Warnf("invalid log level %q, falling back to info: %v", levelString, parseErr)
		initErr = parseErr
	} else {
		log.SetLevel(parsedLevel)
	}

	log.SetReportCaller(reportCaller)

	return initErr
}

// parseLogLevel converts a string log level (case-insensitive) into a logrus.Level.
func parseLogLevel(levelString string) (log.Level, error) {
	normalized := strings.ToLower(strings.TrimSpace(levelString))

	switch normalized {
	case "trace":
		return log.TraceLevel, nil
	case "debug":
		return log.DebugLevel, nil
	case "info":
		return log.InfoLevel, nil
	case "warn", "warning":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	case "fatal":
		return log.FatalLevel, nil
	case "panic":
		return log.PanicLevel, nil
	default:
		return log.InfoLevel, fmt.Errorf("unknown log level: %s", levelString)
	}
}
