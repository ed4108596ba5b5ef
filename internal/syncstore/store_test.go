package syncstore_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offsync/internal/syncstore"
)

func backends(t *testing.T) map[string]func(t *testing.T) syncstore.Store {
	t.Helper()
	return map[string]func(t *testing.T) syncstore.Store{
		"memory": func(t *testing.T) syncstore.Store { return syncstore.NewMemoryStore() },
		"leveldb": func(t *testing.T) syncstore.Store {
			s, err := syncstore.OpenLevelDB(filepath.Join(t.TempDir(), "sync"))
			require.NoError(t, err)
			return s
		},
		"leveldb-mem": func(t *testing.T) syncstore.Store {
			s, err := syncstore.OpenMemLevelDB()
			require.NoError(t, err)
			return s
		},
		"redis": func(t *testing.T) syncstore.Store {
			mr := miniredis.RunT(t)
			return syncstore.NewRedisStore(syncstore.NewRedisPool(mr.Addr(), 2, 0), "offsync:")
		},
	}
}

func TestStores(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			_, ok, err := s.Get(ctx, "SMITH42")
			require.NoError(t, err)
			assert.False(t, ok)

			doc := []byte(`{ "tasks" : [1, 2] ,"z":null }`)
			require.NoError(t, s.Put(ctx, "SMITH42", doc))
			got, ok, err := s.Get(ctx, "SMITH42")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, doc, got)

			require.NoError(t, s.Put(ctx, "SMITH42", []byte(`[]`)))
			got, _, err = s.Get(ctx, "SMITH42")
			require.NoError(t, err)
			assert.Equal(t, `[]`, string(got))

			_, ok, err = s.Get(ctx, "OTHER")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStores_ConcurrentPutsLastWriteWins(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					assert.NoError(t, s.Put(ctx, "FAM", []byte(fmt.Sprintf(`{"n":%d}`, i))))
				}()
			}
			wg.Wait()

			got, ok, err := s.Get(ctx, "FAM")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Regexp(t, `^\{"n":\d+\}$`, string(got))
		})
	}
}

func TestRedisStore_UsesPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	s := syncstore.NewRedisStore(syncstore.NewRedisPool(mr.Addr(), 1, 0), "fam:")
	defer s.Close()

	require.NoError(t, s.Put(context.Background(), "ABC", []byte(`{"a":1}`)))
	v, err := mr.Get("fam:ABC")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, v)
}

func TestRedisStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	s := syncstore.NewRedisStore(syncstore.NewRedisPool(mr.Addr(), 1, 0), "")
	defer s.Close()
	mr.Close()

	_, _, err := s.Get(context.Background(), "ABC")
	require.Error(t, err)
	require.Error(t, s.Put(context.Background(), "ABC", []byte(`1`)))
}

func TestLevelDBStore_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync")
	s, err := syncstore.OpenLevelDB(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), "ABC", []byte(`{"kept":true}`)))
	require.NoError(t, s.Close())

	s, err = syncstore.OpenLevelDB(path)
	require.NoError(t, err)
	defer s.Close()
	got, ok, err := s.Get(context.Background(), "ABC")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"kept":true}`, string(got))
}
