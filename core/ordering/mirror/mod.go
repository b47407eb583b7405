// Package mirror implements a reader of the read-only mirror of the log.
//
// The mirror is eventually consistent. Votes are read page by page in
// ascending sequence order and every message is verified before being
// returned: the digest is rebuilt from the decoded fields and the signature
// must recover to the claimed voter. A message that fails is dropped and
// logged, it never aborts the iteration.
package mirror

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hashicorp/go-retryablehttp"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.dedis.ch/circlevote"
	"go.dedis.ch/circlevote/internal/httpclient"
	"go.dedis.ch/circlevote/vote"
	"golang.org/x/xerrors"
)

const (
	messagesPath = "/api/v1/topics/%s/messages"
	messagePath  = "/api/v1/topics/%s/messages/%d"

	defaultPageSize  = 100
	defaultAttempts  = 10
	defaultDelay     = 2 * time.Second
	defaultCacheSize = 4096
	defaultRetryMax  = 3
	defaultRetryWait = 500 * time.Millisecond
	defaultTimeout   = 10 * time.Second
)

var (
	// ErrConfirmationTimeout is returned when a message is still not visible
	// in the mirror after the polling bound.
	ErrConfirmationTimeout = xerrors.New("confirmation timeout")

	// ErrUnexpectedStatus is returned when the mirror answers with an error.
	ErrUnexpectedStatus = xerrors.New("unexpected status")
)

var (
	promDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circlevote_mirror_dropped_messages_total",
		Help: "number of log messages dropped by the mirror reader by reason",
	}, []string{"reason"})

	promVerified = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "circlevote_mirror_verified_messages_total",
		Help: "number of log messages verified by the mirror reader",
	})
)

func init() {
	circlevote.PromCollectors = append(circlevote.PromCollectors, promDropped, promVerified)
}

// Message is a message of the log as served by the mirror.
type Message struct {
	SequenceNumber     uint64 `json:"sequence_number"`
	ConsensusTimestamp string `json:"consensus_timestamp"`
	TopicID            string `json:"topic_id"`

	// Message is the base64 encoding of the payload. It is decoded per message
	// so that a corrupted entry does not spoil the page.
	Message string `json:"message"`
}

// Links contains the pagination of a response.
type Links struct {
	Next *string `json:"next"`
}

// MessagesResponse is the body of a page of messages.
type MessagesResponse struct {
	Messages []Message `json:"messages"`
	Links    Links     `json:"links"`
}

type cacheKey struct {
	sequence uint64
	hash     common.Hash
}

// Reader reads votes from the mirror.
type Reader struct {
	baseURL  *url.URL
	http     *retryablehttp.Client
	clock    clockwork.Clock
	pageSize int
	attempts int
	delay    time.Duration
	cache    *lru.Cache[cacheKey, vote.Record]
	logger   zerolog.Logger
}

// Option is the type of options to create a reader.
type Option func(*Reader)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Reader) {
		r.http.HTTPClient = client
	}
}

// WithClock sets the clock used between two polling attempts.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Reader) {
		r.clock = clock
	}
}

// WithPageSize sets the number of messages requested per page.
func WithPageSize(size int) Option {
	return func(r *Reader) {
		r.pageSize = size
	}
}

// WithPolling sets the bound of the confirmation polling.
func WithPolling(attempts int, delay time.Duration) Option {
	return func(r *Reader) {
		r.attempts = attempts
		r.delay = delay
	}
}

// WithRetries sets the number of retries of a failed request.
func WithRetries(max int, wait time.Duration) Option {
	return func(r *Reader) {
		r.http.RetryMax = max
		r.http.RetryWaitMin = wait
		r.http.RetryWaitMax = 2 * wait
	}
}

// NewReader returns a reader of the mirror served at the endpoint.
func NewReader(endpoint string, opts ...Option) (*Reader, error) {
	baseURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, xerrors.Errorf("failed to parse endpoint: %v", err)
	}

	if baseURL.Scheme == "" {
		baseURL.Scheme = "http"
	}

	cache, err := lru.New[cacheKey, vote.Record](defaultCacheSize)
	if err != nil {
		return nil, xerrors.Errorf("failed to create cache: %v", err)
	}

	logger := circlevote.Logger.With().Str("component", "mirror").Logger()

	r := &Reader{
		baseURL: baseURL,
		http: httpclient.New(httpclient.Config{
			RetryMax:  defaultRetryMax,
			RetryWait: defaultRetryWait,
			Timeout:   defaultTimeout,
		}, logger),
		clock:    clockwork.NewRealClock(),
		pageSize: defaultPageSize,
		attempts: defaultAttempts,
		delay:    defaultDelay,
		cache:    cache,
		logger:   logger,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// FetchVotes returns an iterator over the verified votes of the topic in
// ascending sequence order. When the filter is set, only the votes of this
// proposal are returned. No request is made until the iterator is used.
func (r *Reader) FetchVotes(ctx context.Context, topicID string, filter *uint64) *VoteIterator {
	query := url.Values{}
	query.Set("order", "asc")
	query.Set("limit", strconv.Itoa(r.pageSize))

	first := r.baseURL.JoinPath(fmt.Sprintf(messagesPath, url.PathEscape(topicID)))
	first.RawQuery = query.Encode()

	it := &VoteIterator{
		reader:  r,
		ctx:     ctx,
		topicID: topicID,
		filter:  filter,
		first:   first.String(),
	}

	it.Restart()

	return it
}

// WaitForMessage polls the mirror until the message with the sequence number
// is visible, then returns its verified vote. The number of attempts and the
// delay between them are fixed.
func (r *Reader) WaitForMessage(ctx context.Context, topicID string, sequence uint64) (vote.Record, error) {
	endpoint := r.baseURL.JoinPath(fmt.Sprintf(messagePath, url.PathEscape(topicID), sequence))

	for i := 0; i < r.attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return vote.Record{}, xerrors.Errorf("polling aborted: %v", ctx.Err())
			case <-r.clock.After(r.delay):
			}
		}

		var msg Message

		found, err := r.get(ctx, endpoint.String(), &msg)
		if err != nil {
			r.logger.Debug().Err(err).Int("attempt", i+1).Msg("polling failed")
			continue
		}

		if found {
			return r.verify(msg)
		}
	}

	return vote.Record{}, xerrors.Errorf("message %d not visible after %d attempts: %w",
		sequence, r.attempts, ErrConfirmationTimeout)
}

// verify decodes and verifies a message of the mirror. The result of a
// successful verification is cached.
func (r *Reader) verify(msg Message) (vote.Record, error) {
	key := cacheKey{sequence: msg.SequenceNumber, hash: crypto.Keccak256Hash([]byte(msg.Message))}

	record, found := r.cache.Get(key)
	if found {
		return record, nil
	}

	data, err := base64.StdEncoding.DecodeString(msg.Message)
	if err != nil {
		return record, xerrors.Errorf("invalid base64 (%v): %w", err, vote.ErrInvalidMessage)
	}

	payload, err := vote.DecodeMessage(data)
	if err != nil {
		return record, err
	}

	record, err = payload.Verify(msg.SequenceNumber)
	if err != nil {
		return record, err
	}

	r.cache.Add(key, record)

	return record, nil
}

// get reads the JSON resource into the value. It returns false if the
// resource does not exist (yet).
func (r *Reader) get(ctx context.Context, endpoint string, v interface{}) (bool, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, xerrors.Errorf("failed to create request: %v", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return false, xerrors.Errorf("request failed: %v", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return false, xerrors.Errorf("status %d: %w", resp.StatusCode, ErrUnexpectedStatus)
	}

	err = json.NewDecoder(resp.Body).Decode(v)
	if err != nil {
		return false, xerrors.Errorf("failed to decode response: %v", err)
	}

	return true, nil
}

// resolve returns the absolute form of a link returned by the mirror.
func (r *Reader) resolve(link string) (string, error) {
	ref, err := url.Parse(link)
	if err != nil {
		return "", xerrors.Errorf("invalid link '%s': %v", link, err)
	}

	return r.baseURL.ResolveReference(ref).String(), nil
}
