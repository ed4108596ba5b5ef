package syncstore

import (
	"context"
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"go.trai.ch/zerr"
)

const levelPrefix = "s:"

type LevelDBStore struct {
	db *leveldb.DB
}

// OpenLevelDB opens (or creates) a file-backed store at path.
func OpenLevelDB(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to open sync storage"), "path", path)
	}
	return &LevelDBStore{db: db}, nil
}

// OpenMemLevelDB returns a store backed by an in-memory leveldb.
func OpenMemLevelDB() (*LevelDBStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, zerr.Wrap(err, "failed to open memory sync storage")
	}
	return &LevelDBStore{db: db}, nil
}

func (s *LevelDBStore) Get(_ context.Context, code string) ([]byte, bool, error) {
	b, err := s.db.Get([]byte(levelPrefix+code), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *LevelDBStore) Put(_ context.Context, code string, doc []byte) error {
	return s.db.Put([]byte(levelPrefix+code), doc, nil)
}

func (s *LevelDBStore) Close() error { return s.db.Close() }
