// Package store persists the finalized votes of the member until they are
// tallied.
package store

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"go.dedis.ch/circlevote/core/ordering"
	"go.dedis.ch/circlevote/core/store/kv"
	"go.dedis.ch/circlevote/vote"
	"golang.org/x/xerrors"
)

var bucketName = []byte("votes")

const keyLength = 8 + common.AddressLength

// entry is the stored form of a vote.
type entry struct {
	Message   vote.Message `json:"message"`
	Simulated bool         `json:"simulated,omitempty"`
}

// Store is a persistent store of finalized votes indexed by proposal and
// voter. It is safe for concurrent use.
type Store struct {
	db kv.DB
}

// Open opens or creates the store at the path.
func Open(path string) (*Store, error) {
	err := os.MkdirAll(filepath.Dir(path), 0700)
	if err != nil {
		return nil, xerrors.Errorf("failed to create directory: %v", err)
	}

	db, err := kv.New(path)
	if err != nil {
		return nil, xerrors.Errorf("failed to open store: %v", err)
	}

	return NewStore(db), nil
}

// NewStore returns a store backed by the database.
func NewStore(db kv.DB) *Store {
	return &Store{db: db}
}

// Save stores the vote. A vote of the same voter for the same proposal is
// replaced only if the new one has a lower sequence number.
func (s *Store) Save(v vote.FinalizedVote) error {
	data, err := json.Marshal(entry{
		Message:   v.Message(),
		Simulated: !v.Authoritative(),
	})
	if err != nil {
		return xerrors.Errorf("failed to marshal vote: %v", err)
	}

	key := makeKey(v.ProposalID, v.Voter.Address())

	return s.db.Update(bucketName, func(b kv.Bucket) error {
		prev := b.Get(key)
		if prev != nil {
			stored, err := decode(prev)
			if err == nil && stored.LogSequenceNumber <= v.LogSequenceNumber {
				return nil
			}
		}

		err := b.Set(key, data)
		if err != nil {
			return xerrors.Errorf("failed to write vote: %v", err)
		}

		return nil
	})
}

// List returns the votes of the proposal in ascending sequence order. The
// stored votes are verified again.
func (s *Store) List(proposalID uint64) ([]vote.FinalizedVote, error) {
	votes := []vote.FinalizedVote{}

	err := s.db.View(bucketName, func(b kv.Bucket) error {
		return b.Scan(makePrefix(proposalID), func(k, v []byte) error {
			final, err := decode(v)
			if err != nil {
				return xerrors.Errorf("vote %x: %v", k, err)
			}

			votes = append(votes, final)

			return nil
		})
	})
	if err != nil && !xerrors.Is(err, kv.ErrBucketNotFound) {
		return nil, xerrors.Errorf("failed to read votes: %v", err)
	}

	sort.Slice(votes, func(i, j int) bool {
		return votes[i].LogSequenceNumber < votes[j].LogSequenceNumber
	})

	return votes, nil
}

// Proposals returns the identifiers of the proposals with at least one vote,
// in ascending order.
func (s *Store) Proposals() ([]uint64, error) {
	proposals := []uint64{}

	err := s.db.View(bucketName, func(b kv.Bucket) error {
		return b.ForEach(func(k, v []byte) error {
			if len(k) != keyLength {
				return nil
			}

			id := binary.BigEndian.Uint64(k)
			if len(proposals) == 0 || proposals[len(proposals)-1] != id {
				proposals = append(proposals, id)
			}

			return nil
		})
	})
	if err != nil && !xerrors.Is(err, kv.ErrBucketNotFound) {
		return nil, xerrors.Errorf("failed to read proposals: %v", err)
	}

	return proposals, nil
}

// Delete removes the votes of the proposal and returns how many were removed.
func (s *Store) Delete(proposalID uint64) (int, error) {
	keys := [][]byte{}

	err := s.db.Update(bucketName, func(b kv.Bucket) error {
		err := b.Scan(makePrefix(proposalID), func(k, v []byte) error {
			keys = append(keys, append([]byte{}, k...))
			return nil
		})
		if err != nil {
			return err
		}

		for _, key := range keys {
			err = b.Delete(key)
			if err != nil {
				return xerrors.Errorf("failed to delete %x: %v", key, err)
			}
		}

		return nil
	})
	if err != nil {
		return 0, xerrors.Errorf("failed to delete votes: %v", err)
	}

	return len(keys), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func decode(data []byte) (vote.FinalizedVote, error) {
	var e entry

	err := json.Unmarshal(data, &e)
	if err != nil {
		return vote.FinalizedVote{}, xerrors.Errorf("failed to unmarshal: %v", err)
	}

	var seq uint64
	if e.Message.LogSequenceNumber != nil {
		seq = *e.Message.LogSequenceNumber
	}

	var receipt ordering.Receipt = ordering.NewAccepted(seq)
	if e.Simulated {
		receipt = ordering.NewSimulated(seq, ordering.ErrLogUnavailable)
	}

	return e.Message.Finalized(receipt)
}

func makePrefix(proposalID uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, keyLength), proposalID)
}

func makeKey(proposalID uint64, voter common.Address) []byte {
	return append(makePrefix(proposalID), voter.Bytes()...)
}
