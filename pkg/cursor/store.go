// Package cursor persists consumer positions outside the queue. The queue
// never reads them; a consumer saves the offset after processing and
// resumes from it.
package cursor

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/downfa11-org/mmq/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// Store keeps cursors in a bolt file, one bucket per queue id.
type Store struct {
	path string
	db   *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cursor store %s: %w", path, err)
	}
	return &Store{path: path, db: db}, nil
}

func (s *Store) Path() string { return s.path }

// Get returns the saved offset of consumer on queueID; ok is false when
// nothing was committed yet.
func (s *Store) Get(queueID, consumer string) (offset uint64, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(queueID))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(consumer))
		if v == nil {
			return nil
		}
		if len(v) != 8 {
			return &types.CorruptionError{Path: s.path, Reason: fmt.Sprintf("cursor %s/%s has %d bytes", queueID, consumer, len(v))}
		}
		offset, ok = binary.BigEndian.Uint64(v), true
		return nil
	})
	return offset, ok, err
}

func (s *Store) Commit(queueID, consumer string, offset uint64) error {
	if queueID == "" || consumer == "" {
		return fmt.Errorf("%w: cursor needs a queue id and a consumer name", types.ErrInvalidConfig)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(queueID))
		if err != nil {
			return err
		}
		return b.Put([]byte(consumer), binary.BigEndian.AppendUint64(nil, offset))
	})
}

func (s *Store) Delete(queueID, consumer string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if b := tx.Bucket([]byte(queueID)); b != nil {
			return b.Delete([]byte(consumer))
		}
		return nil
	})
}

// Consumers returns every saved cursor of queueID.
func (s *Store) Consumers(queueID string) (map[string]uint64, error) {
	out := make(map[string]uint64)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(queueID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if len(v) == 8 {
				out[string(k)] = binary.BigEndian.Uint64(v)
			}
			return nil
		})
	})
	return out, err
}

// Min is the lowest saved cursor of queueID, the bound for retention when
// every consumer commits here.
func (s *Store) Min(queueID string) (uint64, bool, error) {
	all, err := s.Consumers(queueID)
	if err != nil || len(all) == 0 {
		return 0, false, err
	}
	low := ^uint64(0)
	for _, off := range all {
		low = min(low, off)
	}
	return low, true, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
