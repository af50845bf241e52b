// Package nodeconfig persists the node configuration blob and serves the
// in-memory copy used by the runner and module manager.
package nodeconfig

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.etcd.io/bbolt"
)

// BlobName is the name of the persisted configuration blob.
const BlobName = "nodeconf"

// ErrNotFound is returned by Store.Load when nothing was saved yet.
var ErrNotFound = errors.New("node configuration not found")

// Store persists a single configuration blob. Save replaces the whole blob.
type Store interface {
	Load() ([]byte, error)
	Save(b []byte) error
	Close() error
}

var boltBucket = []byte("config")

type boltStore struct {
	db *bbolt.DB
}

// BoltStore opens a Store backed by a BoltDB file at path.
func BoltStore(path string) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltBucket); err != nil {
			return errors.Wrap(err, "failed to create bucket")
		}
		return nil
	})
	if err != nil {
		db.Close() // nolint: errcheck
		return nil, err
	}

	return &boltStore{db: db}, nil
}

func (s *boltStore) Load() ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(boltBucket).Get([]byte(BlobName))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *boltStore) Save(b []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(BlobName), b)
	})
}

func (s *boltStore) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

type fileStore struct {
	fs  afero.Fs
	dir string
}

// FileStore returns a Store keeping the blob as a file named BlobName in
// dir. Saves go through a temporary file and a rename.
func FileStore(fs afero.Fs, dir string) (Store, error) {
	if err := fs.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Wrap(err, "failed to create config dir")
	}
	return &fileStore{fs: fs, dir: dir}, nil
}

func (s *fileStore) path() string {
	return filepath.Join(s.dir, BlobName)
}

func (s *fileStore) Load() ([]byte, error) {
	b, err := afero.ReadFile(s.fs, s.path())
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read node configuration")
	}
	return b, nil
}

func (s *fileStore) Save(b []byte) error {
	tmp := s.path() + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, b, 0600); err != nil {
		return errors.Wrap(err, "failed to write node configuration")
	}
	if err := s.fs.Rename(tmp, s.path()); err != nil {
		return errors.Wrap(err, "failed to replace node configuration")
	}
	return nil
}

func (s *fileStore) Close() error { return nil }

type memoryStore struct {
	mu   sync.Mutex
	blob []byte
}

// MemoryStore returns a volatile Store.
func MemoryStore() Store {
	return &memoryStore{}
}

func (s *memoryStore) Load() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blob == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), s.blob...), nil
}

func (s *memoryStore) Save(b []byte) error {
	s.mu.Lock()
	s.blob = append([]byte{}, b...)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Close() error { return nil }
