// Package httpclient builds the HTTP clients used to reach the log and its
// mirror.
package httpclient

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// Config is the retry configuration of a client.
type Config struct {
	// RetryMax is the number of retries after the first attempt. Zero disables
	// the retries.
	RetryMax int

	// RetryWait is the minimal delay between two attempts.
	RetryWait time.Duration

	// Timeout is the timeout of a single attempt.
	Timeout time.Duration
}

// New returns a retrying client that reports to the logger.
func New(cfg Config, logger zerolog.Logger) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = cfg.RetryWait
	client.RetryWaitMax = 2 * cfg.RetryWait
	client.Backoff = retryablehttp.LinearJitterBackoff
	client.Logger = leveledLogger{inner: logger}
	client.ResponseLogHook = func(_ retryablehttp.Logger, resp *http.Response) {
		logger.Trace().
			Stringer("url", resp.Request.URL).
			Int("status", resp.StatusCode).
			Msg("response received")
	}

	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}

	return client
}

// leveledLogger is a wrapper around the zerolog logger to make it compatible
// with retryablehttp.
//
// - implements retryablehttp.LeveledLogger
type leveledLogger struct {
	inner zerolog.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) {
	l.inner.Error().Fields(kv).Msg(msg)
}

func (l leveledLogger) Info(msg string, kv ...interface{}) {
	l.inner.Debug().Fields(kv).Msg(msg)
}

func (l leveledLogger) Warn(msg string, kv ...interface{}) {
	l.inner.Warn().Fields(kv).Msg(msg)
}

func (l leveledLogger) Debug(msg string, kv ...interface{}) {
	l.inner.Trace().Fields(kv).Msg(msg)
}
