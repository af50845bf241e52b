package queue

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

var boltMetaBucket = []byte("meta")

func portBucket(port uint8) []byte {
	return []byte(fmt.Sprintf("port-%d", port))
}

// boltDBQueue keeps one bucket per port. Keys come from a sequence shared by
// all ports, so the smallest first key across buckets is the oldest record.
type boltDBQueue struct {
	path string
	db   *bbolt.DB
}

// BoltDB constructs a persistent Queue on top of a BoltDB file at path.
func BoltDB(path string) Queue {
	return &boltDBQueue{path: path}
}

func (q *boltDBQueue) Begin() error {
	db, err := bbolt.Open(q.path, 0600, nil)
	if err != nil {
		return errors.Wrap(err, "open queue db")
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltMetaBucket); err != nil {
			return fmt.Errorf("failed to create bucket: %s", err)
		}
		for port := uint8(1); port <= MaxPort; port++ {
			if _, err := tx.CreateBucketIfNotExists(portBucket(port)); err != nil {
				return fmt.Errorf("failed to create bucket: %s", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close() // nolint: errcheck
		return err
	}
	q.db = db
	return nil
}

func (q *boltDBQueue) IsEmpty() bool {
	empty := true
	err := q.db.View(func(tx *bbolt.Tx) error {
		for port := uint8(1); port <= MaxPort; port++ {
			if k, _ := tx.Bucket(portBucket(port)).Cursor().First(); k != nil {
				empty = false
				return nil
			}
		}
		return nil
	})
	if err != nil {
		log.WithError(err).Warn("Failed to inspect queue db")
	}
	return empty
}

func (q *boltDBQueue) IsEmptyForPort(port uint8) bool {
	if checkPort(port) != nil {
		return true
	}
	empty := true
	err := q.db.View(func(tx *bbolt.Tx) error {
		k, _ := tx.Bucket(portBucket(port)).Cursor().First()
		empty = k == nil
		return nil
	})
	if err != nil {
		log.WithError(err).Warn("Failed to inspect queue db")
	}
	return empty
}

func (q *boltDBQueue) Push(port uint8, data []byte) error {
	if err := checkPush(port, data); err != nil {
		return err
	}
	return q.db.Update(func(tx *bbolt.Tx) error {
		seq, err := tx.Bucket(boltMetaBucket).NextSequence()
		if err != nil {
			return err
		}
		return tx.Bucket(portBucket(port)).Put(sequenceKey(seq), data)
	})
}

func (q *boltDBQueue) PopAny(buf []byte) (int, error) {
	var best uint8
	var bestKey []byte
	err := q.db.View(func(tx *bbolt.Tx) error {
		for port := uint8(1); port <= MaxPort; port++ {
			k, _ := tx.Bucket(portBucket(port)).Cursor().First()
			if k != nil && (bestKey == nil || bytes.Compare(k, bestKey) < 0) {
				best, bestKey = port, append([]byte(nil), k...)
			}
		}
		return nil
	})
	if err != nil || best == 0 {
		return 0, err
	}
	return q.PopForPort(best, buf)
}

func (q *boltDBQueue) PopForPort(port uint8, buf []byte) (int, error) {
	if err := checkPort(port); err != nil {
		return 0, err
	}
	var n int
	err := q.db.Update(func(tx *bbolt.Tx) error {
		c := tx.Bucket(portBucket(port)).Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		if len(v) > len(buf) {
			return ErrShortBuffer
		}
		n = copy(buf, v)
		return c.Delete()
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (q *boltDBQueue) PeekForPort(port uint8, buf []byte) (int, error) {
	if err := checkPort(port); err != nil {
		return 0, err
	}
	var n int
	err := q.db.View(func(tx *bbolt.Tx) error {
		k, v := tx.Bucket(portBucket(port)).Cursor().First()
		if k == nil {
			return nil
		}
		if len(v) > len(buf) {
			return ErrShortBuffer
		}
		n = copy(buf, v)
		return nil
	})
	return n, err
}

func (q *boltDBQueue) SkipForPort(port uint8) error {
	if err := checkPort(port); err != nil {
		return err
	}
	return q.db.Update(func(tx *bbolt.Tx) error {
		c := tx.Bucket(portBucket(port)).Cursor()
		if k, _ := c.First(); k == nil {
			return nil
		}
		return c.Delete()
	})
}

// Sync is a no-op as every update is committed in its own transaction.
func (q *boltDBQueue) Sync() error { return nil }

func (q *boltDBQueue) Clear() error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		for port := uint8(1); port <= MaxPort; port++ {
			if err := tx.DeleteBucket(portBucket(port)); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(portBucket(port)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes underlying BoltDB instance.
func (q *boltDBQueue) Close() error {
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

func sequenceKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
