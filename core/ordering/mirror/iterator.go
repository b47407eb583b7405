package mirror

import (
	"context"

	"go.dedis.ch/circlevote/vote"
)

// VoteIterator is an iterator over the verified votes of a topic. Pages are
// requested lazily when the current one is exhausted.
//
// - implements vote.RecordIterator
type VoteIterator struct {
	reader  *Reader
	ctx     context.Context
	topicID string
	filter  *uint64
	first   string

	next  string
	page  []vote.Record
	index int
	last  uint64
	seen  bool
	err   error
}

// HasNext implements vote.RecordIterator. It returns true if a vote is
// available, which may require to fetch the next pages. It returns false
// at the end of the topic or when a page cannot be read, in which case Err
// returns the reason.
func (it *VoteIterator) HasNext() bool {
	for it.index >= len(it.page) {
		if it.err != nil || it.next == "" {
			return false
		}

		it.fetch()
	}

	return true
}

// GetNext implements vote.RecordIterator. It returns the next vote, or a zero
// record if there is none.
func (it *VoteIterator) GetNext() vote.Record {
	if !it.HasNext() {
		return vote.Record{}
	}

	record := it.page[it.index]
	it.index++

	return record
}

// Err returns the error that stopped the iteration, if any.
func (it *VoteIterator) Err() error {
	return it.err
}

// Restart moves the iterator back to the first vote of the topic.
func (it *VoteIterator) Restart() {
	it.next = it.first
	it.page = nil
	it.index = 0
	it.last = 0
	it.seen = false
	it.err = nil
}

// fetch reads the next page and keeps the votes that pass the verification.
func (it *VoteIterator) fetch() {
	var resp MessagesResponse

	found, err := it.reader.get(it.ctx, it.next, &resp)
	if err != nil {
		it.err = err
		return
	}

	it.next = ""
	it.page = it.page[:0]
	it.index = 0

	if !found {
		return
	}

	if resp.Links.Next != nil && *resp.Links.Next != "" {
		it.next, it.err = it.reader.resolve(*resp.Links.Next)
	}

	for _, msg := range resp.Messages {
		if it.seen && msg.SequenceNumber <= it.last {
			promDropped.WithLabelValues("order").Inc()
			it.reader.logger.Warn().
				Str("topic", it.topicID).
				Uint64("sequence", msg.SequenceNumber).
				Msg("out of order message dropped")
			continue
		}

		it.last = msg.SequenceNumber
		it.seen = true

		record, err := it.reader.verify(msg)
		if err != nil {
			promDropped.WithLabelValues("verification").Inc()
			it.reader.logger.Warn().
				Err(err).
				Str("topic", it.topicID).
				Uint64("sequence", msg.SequenceNumber).
				Msg("invalid message dropped")
			continue
		}

		promVerified.Inc()

		if it.filter != nil && record.ProposalID != *it.filter {
			continue
		}

		it.page = append(it.page, record)
	}
}
