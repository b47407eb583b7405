// Package circlevote implements the signed-vote protocol of a savings-circle
// governance module. Members sign their votes off-ledger, the votes are
// ordered by an append-only log, and a batch of verified votes is later
// tallied by the ledger contract in a single transaction.
package circlevote

import (
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// EnvLogLevel is the name of the environment variable to change the logging
// level.
const EnvLogLevel = "LLVL"

const defaultLevel = zerolog.InfoLevel

func init() {
	lvl := os.Getenv(EnvLogLevel)

	var level zerolog.Level

	switch lvl {
	case "error":
		level = zerolog.ErrorLevel
	case "warn":
		level = zerolog.WarnLevel
	case "info":
		level = zerolog.InfoLevel
	case "debug":
		level = zerolog.DebugLevel
	case "trace":
		level = zerolog.TraceLevel
	case "":
		level = defaultLevel
	default:
		level = zerolog.TraceLevel
	}

	Logger = Logger.Level(level)
}

var logout = zerolog.ConsoleWriter{
	Out:        os.Stdout,
	TimeFormat: time.RFC3339,
}

// Logger is a globally available logger instance. By default, it only prints
// info and higher levels. It can be adjusted with the LLVL environment
// variable.
var Logger = zerolog.New(logout).With().Timestamp().Logger()

// PromCollectors exposes the Prometheus collectors created by the packages.
// They are registered by the command line when the metrics are served.
var PromCollectors []prometheus.Collector
