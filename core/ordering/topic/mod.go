// Package topic implements a client of the append-only ordered log over HTTP.
//
// A message is submitted with a POST on the topic resource and the log
// answers with the sequence number it assigned. When the log can't be reached,
// the client falls back to a locally generated sequence number and returns a
// simulated receipt, so that degraded environments keep working.
package topic

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.dedis.ch/circlevote"
	"go.dedis.ch/circlevote/core/ordering"
	"go.dedis.ch/circlevote/internal/httpclient"
	"golang.org/x/xerrors"
)

const (
	submitPath = "/api/v1/topics/%s/messages"
	healthPath = "/api/v1/health"

	defaultTimeout = 10 * time.Second
)

// ErrRejected is returned when the log refuses a submission.
var ErrRejected = xerrors.New("submission rejected")

var (
	promSubmissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circlevote_log_submissions_total",
		Help: "number of submissions to the log by outcome",
	}, []string{"outcome"})
)

func init() {
	circlevote.PromCollectors = append(circlevote.PromCollectors, promSubmissions)
}

// SubmitRequest is the body of a submission.
type SubmitRequest struct {
	// Message is the base64 encoding of the UTF-8 JSON payload.
	Message string `json:"message"`
}

// SubmitResponse is the body returned by the log for an accepted submission.
type SubmitResponse struct {
	SequenceNumber uint64 `json:"sequence_number"`
}

// Client is an HTTP client of the log.
//
// - implements ordering.Log
type Client struct {
	sync.Mutex

	baseURL  *url.URL
	http     *retryablehttp.Client
	clock    clockwork.Clock
	fallback bool
	logger   zerolog.Logger

	// lastSimulated is the last sequence number generated locally.
	lastSimulated uint64
}

// Option is the type of the options to create a client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.http.HTTPClient = client
	}
}

// WithClock sets the clock used to seed the simulated sequence numbers.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

// WithoutFallback disables the simulated fallback: an unreachable log is then
// reported as an error wrapping ordering.ErrLogUnavailable.
func WithoutFallback() Option {
	return func(c *Client) {
		c.fallback = false
	}
}

// NewClient returns a client of the log served at the endpoint.
func NewClient(endpoint string, opts ...Option) (*Client, error) {
	baseURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, xerrors.Errorf("failed to parse endpoint: %v", err)
	}

	if baseURL.Scheme == "" {
		baseURL.Scheme = "http"
	}

	logger := circlevote.Logger.With().Str("component", "log").Logger()

	// Submissions are not idempotent: the client never retries them.
	httpClient := httpclient.New(httpclient.Config{Timeout: defaultTimeout}, logger)

	c := &Client{
		baseURL:  baseURL,
		http:     httpClient,
		clock:    clockwork.NewRealClock(),
		fallback: true,
		logger:   logger,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Submit implements ordering.Log. It posts the message to the topic and
// returns the sequence number assigned by the log. A transport failure is
// absorbed into a simulated receipt unless the fallback is disabled.
func (c *Client) Submit(ctx context.Context, topicID string, message []byte) (ordering.Receipt, error) {
	body, err := json.Marshal(SubmitRequest{
		Message: base64.StdEncoding.EncodeToString(message),
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to marshal request: %v", err)
	}

	endpoint := c.baseURL.JoinPath(fmt.Sprintf(submitPath, url.PathEscape(topicID)))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, xerrors.Errorf("failed to create request: %v", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Errorf("submission aborted: %v", ctx.Err())
		}

		return c.simulate(topicID, xerrors.Errorf("%v: %w", err, ordering.ErrLogUnavailable))
	}

	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return c.simulate(topicID, xerrors.Errorf("status %d: %w",
			resp.StatusCode, ordering.ErrLogUnavailable))
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		promSubmissions.WithLabelValues("rejected").Inc()

		return nil, xerrors.Errorf("status %d '%s': %w",
			resp.StatusCode, bytes.TrimSpace(msg), ErrRejected)
	}

	var res SubmitResponse

	err = json.NewDecoder(resp.Body).Decode(&res)
	if err != nil {
		return nil, xerrors.Errorf("failed to decode response: %v", err)
	}

	promSubmissions.WithLabelValues("accepted").Inc()

	c.logger.Debug().
		Str("topic", topicID).
		Uint64("sequence", res.SequenceNumber).
		Msg("message accepted")

	return ordering.NewAccepted(res.SequenceNumber), nil
}

// IsAvailable implements ordering.Log. It returns true if the health endpoint
// of the log answers.
func (c *Client) IsAvailable(ctx context.Context) bool {
	endpoint := c.baseURL.JoinPath(healthPath)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return false
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}

	resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// simulate returns a receipt with a sequence number generated locally. The
// numbers are seeded from the clock and strictly increasing for the lifetime
// of the client.
func (c *Client) simulate(topicID string, cause error) (ordering.Receipt, error) {
	if !c.fallback {
		promSubmissions.WithLabelValues("unavailable").Inc()
		return nil, xerrors.Errorf("failed to submit: %w", cause)
	}

	c.Lock()
	seed := uint64(c.clock.Now().Unix())
	if seed <= c.lastSimulated {
		seed = c.lastSimulated + 1
	}
	c.lastSimulated = seed
	c.Unlock()

	promSubmissions.WithLabelValues("simulated").Inc()

	c.logger.Warn().
		Err(cause).
		Str("topic", topicID).
		Uint64("sequence", seed).
		Msg("log unreachable, using a simulated sequence number")

	return ordering.NewSimulated(seed, cause), nil
}
