package mirror

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/circlevote/crypto/secp256k1"
	"go.dedis.ch/circlevote/vote"
	"golang.org/x/xerrors"
)

func TestReader_FetchVotes(t *testing.T) {
	signer := makeSigner(t)

	messages := []Message{
		makeMessage(t, signer, 1, vote.For, 1),
		makeMessage(t, signer, 1, vote.Against, 2),
		makeMessage(t, signer, 2, vote.Abstain, 3),
		makeMessage(t, signer, 1, vote.For, 4),
		makeMessage(t, signer, 3, vote.For, 5),
	}

	srv, calls := makeServer(t, "0.0.7", messages, 2)
	defer srv.Close()

	reader, err := NewReader(srv.URL, WithPageSize(2))
	require.NoError(t, err)

	iter := reader.FetchVotes(context.Background(), "0.0.7", nil)
	require.Equal(t, int32(0), calls.Load())

	require.True(t, iter.HasNext())
	require.Equal(t, int32(1), calls.Load())

	sequences := []uint64{}
	for iter.HasNext() {
		record := iter.GetNext()
		require.Equal(t, signer.Address(), record.Voter.Address())
		require.True(t, record.IsFinal())

		sequences = append(sequences, record.Sequence)
	}

	require.NoError(t, iter.Err())
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, sequences)
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, vote.Record{}, iter.GetNext())

	iter.Restart()
	require.True(t, iter.HasNext())
	require.Equal(t, uint64(1), iter.GetNext().Sequence)
}

func TestReader_FetchVotes_Filter(t *testing.T) {
	signer := makeSigner(t)

	messages := []Message{
		makeMessage(t, signer, 1, vote.For, 1),
		makeMessage(t, signer, 2, vote.Against, 2),
		makeMessage(t, signer, 2, vote.Abstain, 3),
	}

	srv, _ := makeServer(t, "topic", messages, 10)
	defer srv.Close()

	reader, err := NewReader(srv.URL)
	require.NoError(t, err)

	filter := uint64(2)
	iter := reader.FetchVotes(context.Background(), "topic", &filter)

	count := 0
	for iter.HasNext() {
		require.Equal(t, uint64(2), iter.GetNext().ProposalID)
		count++
	}

	require.Equal(t, 2, count)
}

func TestReader_FetchVotes_PartialFailure(t *testing.T) {
	alice := makeSigner(t)
	bob := makeSigner(t)

	tampered := makeMessage(t, alice, 1, vote.For, 3)
	payload := decodePayload(t, tampered)
	payload.Support = vote.Against
	tampered.Message = encodePayload(t, payload)

	impersonated := makeMessage(t, alice, 1, vote.For, 4)
	payload = decodePayload(t, impersonated)
	payload.Voter = bob.Address().Hex()
	impersonated.Message = encodePayload(t, payload)

	messages := []Message{
		makeMessage(t, alice, 1, vote.For, 1),
		{SequenceNumber: 2, Message: encode("not a vote")},
		tampered,
		impersonated,
		makeMessage(t, bob, 1, vote.Against, 5),
		{SequenceNumber: 6, Message: encode(`{"proposalId":1,"voter":"0xabc","support":1,"version":1}`)},
		makeMessage(t, alice, 1, vote.Abstain, 7),
		{SequenceNumber: 8, Message: "!!not-base64!!"},
		makeMessage(t, bob, 1, vote.For, 9),
	}

	srv, _ := makeServer(t, "topic", messages, 3)
	defer srv.Close()

	reader, err := NewReader(srv.URL, WithPageSize(3))
	require.NoError(t, err)

	iter := reader.FetchVotes(context.Background(), "topic", nil)

	sequences := []uint64{}
	for iter.HasNext() {
		sequences = append(sequences, iter.GetNext().Sequence)
	}

	require.NoError(t, iter.Err())
	require.Equal(t, []uint64{1, 5, 7, 9}, sequences)
}

func TestReader_FetchVotes_OutOfOrder(t *testing.T) {
	signer := makeSigner(t)

	messages := []Message{
		makeMessage(t, signer, 1, vote.For, 2),
		makeMessage(t, signer, 1, vote.For, 1),
		makeMessage(t, signer, 1, vote.For, 3),
	}

	srv, _ := makeServer(t, "topic", messages, 10)
	defer srv.Close()

	reader, err := NewReader(srv.URL)
	require.NoError(t, err)

	iter := reader.FetchVotes(context.Background(), "topic", nil)

	sequences := []uint64{}
	for iter.HasNext() {
		sequences = append(sequences, iter.GetNext().Sequence)
	}

	require.Equal(t, []uint64{2, 3}, sequences)
}

func TestReader_FetchVotes_EmptyTopic(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	reader, err := NewReader(srv.URL)
	require.NoError(t, err)

	iter := reader.FetchVotes(context.Background(), "topic", nil)
	require.False(t, iter.HasNext())
	require.NoError(t, iter.Err())
}

func TestReader_FetchVotes_PageFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	reader, err := NewReader(srv.URL, WithRetries(0, time.Millisecond))
	require.NoError(t, err)

	iter := reader.FetchVotes(context.Background(), "topic", nil)
	require.False(t, iter.HasNext())
	require.True(t, xerrors.Is(iter.Err(), ErrUnexpectedStatus))

	srv.Close()

	iter.Restart()
	require.False(t, iter.HasNext())
	require.Error(t, iter.Err())
	require.Contains(t, iter.Err().Error(), "request failed: ")
}

func TestReader_FetchVotes_BadLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next := "%zz"
		json.NewEncoder(w).Encode(MessagesResponse{Links: Links{Next: &next}})
	}))
	defer srv.Close()

	reader, err := NewReader(srv.URL)
	require.NoError(t, err)

	iter := reader.FetchVotes(context.Background(), "topic", nil)
	require.False(t, iter.HasNext())
	require.EqualError(t, iter.Err(),
		`invalid link '%zz': parse "%zz": invalid URL escape "%zz"`)
}

func TestReader_WaitForMessage(t *testing.T) {
	signer := makeSigner(t)
	msg := makeMessage(t, signer, 1, vote.For, 8)

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/topics/topic/messages/8", r.URL.Path)

		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		json.NewEncoder(w).Encode(msg)
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()

	reader, err := NewReader(srv.URL, WithClock(clock), WithPolling(5, time.Second))
	require.NoError(t, err)

	done := make(chan error, 1)
	var record vote.Record

	go func() {
		var err error
		record, err = reader.WaitForMessage(context.Background(), "topic", 8)
		done <- err
	}()

	for i := 0; i < 2; i++ {
		clock.BlockUntil(1)
		clock.Advance(time.Second)
	}

	require.NoError(t, <-done)
	require.Equal(t, uint64(8), record.Sequence)
	require.Equal(t, int32(3), calls.Load())
}

func TestReader_WaitForMessage_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	clock := clockwork.NewFakeClock()

	reader, err := NewReader(srv.URL, WithClock(clock), WithPolling(3, time.Second))
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() {
		_, err := reader.WaitForMessage(context.Background(), "topic", 1)
		done <- err
	}()

	for i := 0; i < 2; i++ {
		clock.BlockUntil(1)
		clock.Advance(time.Second)
	}

	err = <-done
	require.True(t, xerrors.Is(err, ErrConfirmationTimeout))
	require.EqualError(t, err, "message 1 not visible after 3 attempts: confirmation timeout")
}

func TestReader_WaitForMessage_Canceled(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	reader, err := NewReader(srv.URL, WithPolling(3, time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = reader.WaitForMessage(ctx, "topic", 1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "polling aborted: ")
}

func TestReader_WaitForMessage_Invalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Message{SequenceNumber: 1, Message: encode("{}")})
	}))
	defer srv.Close()

	reader, err := NewReader(srv.URL)
	require.NoError(t, err)

	_, err = reader.WaitForMessage(context.Background(), "topic", 1)
	require.True(t, xerrors.Is(err, vote.ErrInvalidMessage))
}

func TestReader_Verify_Cache(t *testing.T) {
	signer := makeSigner(t)
	msg := makeMessage(t, signer, 1, vote.For, 3)

	reader, err := NewReader("http://localhost")
	require.NoError(t, err)

	record, err := reader.verify(msg)
	require.NoError(t, err)
	require.Equal(t, 1, reader.cache.Len())

	cached, err := reader.verify(msg)
	require.NoError(t, err)
	require.Equal(t, record, cached)
	require.Equal(t, 1, reader.cache.Len())

	_, err = reader.verify(Message{SequenceNumber: 4, Message: encode("{}")})
	require.Error(t, err)
	require.Equal(t, 1, reader.cache.Len())

	_, err = reader.verify(Message{SequenceNumber: 5, Message: "!!not-base64!!"})
	require.True(t, xerrors.Is(err, vote.ErrInvalidMessage))
	require.Equal(t, 1, reader.cache.Len())
}

func TestNewReader(t *testing.T) {
	reader, err := NewReader("localhost:5551")
	require.NoError(t, err)
	require.NotNil(t, reader.cache)

	_, err = NewReader(":bad")
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to parse endpoint: ")
}

// -----------------------------------------------------------------------------
// Utility functions

func makeSigner(t *testing.T) secp256k1.KeySigner {
	signer, err := secp256k1.GenerateKeySigner()
	require.NoError(t, err)

	return signer
}

// makeMessage returns a final vote stored at the sequence number, which binds
// the sequence number just before it.
func makeMessage(t *testing.T, signer secp256k1.KeySigner, proposal uint64,
	support vote.Support, seq uint64) Message {

	bound := seq - 1
	addr := signer.Address()

	digest := vote.Digest(proposal, addr, support, vote.MessageID(bound), bound)

	raw, err := signer.Sign(context.Background(), digest[:])
	require.NoError(t, err)

	sig, err := secp256k1.Normalize(raw)
	require.NoError(t, err)

	payload := vote.Message{
		ProposalID:        proposal,
		Voter:             addr.Hex(),
		Support:           support,
		Signature:         sig.String(),
		Timestamp:         int64(seq),
		Version:           vote.FinalVersion,
		LogSequenceNumber: &bound,
	}

	data, err := payload.Encode()
	require.NoError(t, err)

	return Message{
		SequenceNumber:     seq,
		ConsensusTimestamp: fmt.Sprintf("%d.000000000", seq),
		Message:            base64.StdEncoding.EncodeToString(data),
	}
}

// makeServer serves the messages of the topic by pages of the given size.
func makeServer(t *testing.T, topicID string, messages []Message, size int) (*httptest.Server, *atomic.Int32) {
	calls := new(atomic.Int32)
	path := fmt.Sprintf("/api/v1/topics/%s/messages", topicID)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		require.Equal(t, path, r.URL.Path)
		require.Equal(t, "asc", r.URL.Query().Get("order"))

		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

		end := offset + size
		if end > len(messages) {
			end = len(messages)
		}

		resp := MessagesResponse{Messages: messages[offset:end]}
		if end < len(messages) {
			next := fmt.Sprintf("%s?order=asc&limit=%d&offset=%d", path, size, end)
			resp.Links.Next = &next
		}

		json.NewEncoder(w).Encode(resp)
	}))

	return srv, calls
}

func encode(text string) string {
	return base64.StdEncoding.EncodeToString([]byte(text))
}

func decodePayload(t *testing.T, msg Message) vote.Message {
	data, err := base64.StdEncoding.DecodeString(msg.Message)
	require.NoError(t, err)

	payload, err := vote.DecodeMessage(data)
	require.NoError(t, err)

	return payload
}

func encodePayload(t *testing.T, payload vote.Message) string {
	data, err := payload.Encode()
	require.NoError(t, err)

	return base64.StdEncoding.EncodeToString(data)
}
