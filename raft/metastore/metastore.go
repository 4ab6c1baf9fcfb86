// Package metastore persists a small amount of durable server metadata —
// currentTerm, votedFor, lastConfigIndex — in one bbolt bucket of fixed
// keys, fsync-flushed on every change so term and vote survive a crash.
package metastore

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
	"github.com/quorumkit/raft/raftpb"
)

var bucketName = []byte("raft-meta")

var (
	keyCurrentTerm    = []byte("currentTerm")
	keyVotedFor       = []byte("votedFor")
	keyLastConfigIdx  = []byte("lastConfigIndex")
)

// Store is the persisted {currentTerm, votedFor, lastConfigIndex} record
// for one server, fsync-flushed on every change (bbolt commits call
// fdatasync by default).
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the metadata store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("metastore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// CurrentTerm returns the persisted term, or 0 if never set.
func (s *Store) CurrentTerm() (raftpb.Term, error) {
	var term raftpb.Term
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(keyCurrentTerm)
		if v != nil {
			term = raftpb.Term(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	return term, err
}

// VotedFor returns the persisted vote for the current term, or "" if none.
func (s *Store) VotedFor() (string, error) {
	var votedFor string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(keyVotedFor)
		votedFor = string(v)
		return nil
	})
	return votedFor, err
}

// LastConfigIndex returns the persisted last-known configuration index.
func (s *Store) LastConfigIndex() (raftpb.Index, error) {
	var idx raftpb.Index
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(keyLastConfigIdx)
		if v != nil {
			idx = raftpb.Index(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	return idx, err
}

// SetTermAndVote persists a new (currentTerm, votedFor) pair atomically.
// Every term change and every vote cast goes through here, and is
// persisted immediately.
func (s *Store) SetTermAndVote(term raftpb.Term, votedFor string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		var termBuf [8]byte
		binary.BigEndian.PutUint64(termBuf[:], uint64(term))
		if err := b.Put(keyCurrentTerm, termBuf[:]); err != nil {
			return err
		}
		return b.Put(keyVotedFor, []byte(votedFor))
	})
}

// SetLastConfigIndex persists the index of the last configuration entry
// this server has observed.
func (s *Store) SetLastConfigIndex(idx raftpb.Index) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(idx))
		return tx.Bucket(bucketName).Put(keyLastConfigIdx, buf[:])
	})
}
