package cachemgr

import (
	"bytes"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	lvlstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/vmihailenco/msgpack/v5"
	"go.trai.ch/zerr"

	"offsync/internal/logger"
)

// leveldb layout:
//
//	c:<gen>             generation registry
//	e:<gen>\x00<key>    msgpack Entry
//	m:<gen>\x00<key>    msgpack diskMeta
//	p:current           id of the generation serving traffic
const (
	prefixGen   = "c:"
	prefixEntry = "e:"
	prefixMeta  = "m:"
	keyCurrent  = "p:current"

	defaultQueueSize = 1024
)

type StorageOptions struct {
	RAMMax    int64
	DiskMax   int64
	QueueSize int
	Logger    *slog.Logger
}

type diskMeta struct {
	Size int64  `msgpack:"s"`
	Hash uint64 `msgpack:"x"`
}

type diskOp struct {
	gen   string
	key   string
	ent   *Entry
	flush chan struct{}
}

type keyedEntry struct {
	key string
	ent Entry
}

// Storage holds every cache generation in one leveldb database, with a RAM
// LRU tier in front. Reads never block on writes: opportunistic inserts go
// through a single background writer.
type Storage struct {
	db       *leveldb.DB
	ram      *ramCache
	diskMax  int64
	log      *slog.Logger
	queueLog *logger.RateLimited
	diskLog  *logger.RateLimited

	// wmu serializes leveldb mutations, so a queued write cannot resurrect
	// a generation deleted in the meantime.
	wmu sync.Mutex

	mu        sync.Mutex
	gens      map[string]struct{}
	index     map[string]diskMeta
	totalSize int64

	chMu   sync.RWMutex
	closed bool
	ops    chan diskOp
	done   chan struct{}
}

// OpenStorage opens (or creates) the leveldb database at path.
func OpenStorage(path string, opts StorageOptions) (*Storage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to open cache storage"), "path", path)
	}
	return newStorage(db, opts)
}

// OpenMemStorage returns a Storage backed by an in-memory leveldb.
func OpenMemStorage(opts StorageOptions) (*Storage, error) {
	db, err := leveldb.Open(lvlstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, zerr.Wrap(err, "failed to open memory cache storage")
	}
	return newStorage(db, opts)
}

func newStorage(db *leveldb.DB, opts StorageOptions) (*Storage, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	s := &Storage{
		db:       db,
		ram:      newRAMCache(opts.RAMMax),
		diskMax:  opts.DiskMax,
		log:      opts.Logger,
		queueLog: logger.NewRateLimited(opts.Logger, time.Minute),
		diskLog:  logger.NewRateLimited(opts.Logger, time.Minute),
		gens:     map[string]struct{}{},
		index:    map[string]diskMeta{},
		ops:      make(chan diskOp, opts.QueueSize),
		done:     make(chan struct{}),
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go s.writerLoop()
	return s, nil
}

func entryKey(gen, key string) string { return prefixEntry + gen + "\x00" + key }
func metaKey(gen, key string) string  { return prefixMeta + gen + "\x00" + key }

func validGeneration(gen string) error {
	if gen == "" || strings.ContainsRune(gen, 0) {
		return zerr.With(zerr.Wrap(ErrInvalidGeneration, "open generation"), "generation", gen)
	}
	return nil
}

func (s *Storage) loadIndex() error {
	gens := map[string]struct{}{}
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefixGen)), nil)
	for it.Next() {
		gens[string(bytes.TrimPrefix(it.Key(), []byte(prefixGen)))] = struct{}{}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return zerr.Wrap(err, "failed to load generation registry")
	}

	idx := map[string]diskMeta{}
	var total int64
	it = s.db.NewIterator(util.BytesPrefix([]byte(prefixMeta)), nil)
	for it.Next() {
		var meta diskMeta
		if err := msgpack.Unmarshal(it.Value(), &meta); err != nil {
			continue
		}
		k := prefixEntry + string(bytes.TrimPrefix(it.Key(), []byte(prefixMeta)))
		idx[k] = meta
		total += meta.Size
	}
	it.Release()
	if err := it.Error(); err != nil {
		return zerr.Wrap(err, "failed to load cache index")
	}

	s.mu.Lock()
	s.gens = gens
	s.index = idx
	s.totalSize = total
	s.mu.Unlock()
	return nil
}

// Close drains queued writes and closes the database.
func (s *Storage) Close() error {
	s.chMu.Lock()
	if s.closed {
		s.chMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ops)
	s.chMu.Unlock()

	<-s.done
	return s.db.Close()
}

// Flush blocks until every write queued before the call has been applied.
func (s *Storage) Flush() {
	s.chMu.RLock()
	if s.closed {
		s.chMu.RUnlock()
		return
	}
	ch := make(chan struct{})
	s.ops <- diskOp{flush: ch}
	s.chMu.RUnlock()
	<-ch
}

// Generations returns the registered generation ids, sorted.
func (s *Storage) Generations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.gens))
	for g := range s.gens {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

func (s *Storage) HasGeneration(gen string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.gens[gen]
	return ok
}

// Current returns the generation serving traffic, or "" if none was adopted.
func (s *Storage) Current() (string, error) {
	b, err := s.db.Get([]byte(keyCurrent), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", zerr.Wrap(err, "failed to read current generation")
	}
	return string(b), nil
}

// SetCurrent points the serving pointer at gen, which must be registered.
func (s *Storage) SetCurrent(gen string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if !s.HasGeneration(gen) {
		return zerr.With(zerr.Wrap(ErrNotInstalled, "set current"), "generation", gen)
	}
	if err := s.db.Put([]byte(keyCurrent), []byte(gen), nil); err != nil {
		return zerr.Wrap(err, "failed to write current generation")
	}
	return nil
}

// Install registers gen (creating it if absent) and writes all entries in a
// single batch: either every entry lands or none does.
func (s *Storage) Install(gen string, entries []keyedEntry) error {
	if err := validGeneration(gen); err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(prefixGen+gen), nil)
	metas := make(map[string]diskMeta, len(entries))
	for _, ke := range entries {
		b, err := msgpack.Marshal(ke.ent)
		if err != nil {
			return zerr.With(zerr.Wrap(err, "failed to encode cache entry"), "key", ke.key)
		}
		meta := diskMeta{Size: int64(len(b)), Hash: ke.ent.Hash}
		mb, err := msgpack.Marshal(meta)
		if err != nil {
			return zerr.Wrap(err, "failed to encode cache meta")
		}
		batch.Put([]byte(entryKey(gen, ke.key)), b)
		batch.Put([]byte(metaKey(gen, ke.key)), mb)
		metas[entryKey(gen, ke.key)] = meta
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.db.Write(batch, nil); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to write generation"), "generation", gen)
	}

	s.mu.Lock()
	s.gens[gen] = struct{}{}
	for k, m := range metas {
		s.setMetaLocked(k, m)
	}
	s.mu.Unlock()

	for _, ke := range entries {
		s.ram.Put(entryKey(gen, ke.key), ke.ent)
	}
	return nil
}

// Delete removes gen with all of its entries. Deleting an unknown
// generation is a no-op.
func (s *Storage) Delete(gen string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	batch := new(leveldb.Batch)
	batch.Delete([]byte(prefixGen + gen))
	for _, prefix := range []string{entryKey(gen, ""), metaKey(gen, "")} {
		it := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return zerr.With(zerr.Wrap(err, "failed to scan generation"), "generation", gen)
		}
	}
	if cur, err := s.Current(); err == nil && cur == gen {
		batch.Delete([]byte(keyCurrent))
	}
	if err := s.db.Write(batch, nil); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to delete generation"), "generation", gen)
	}

	prefix := entryKey(gen, "")
	s.mu.Lock()
	delete(s.gens, gen)
	for k, m := range s.index {
		if strings.HasPrefix(k, prefix) {
			s.totalSize -= m.Size
			delete(s.index, k)
		}
	}
	s.mu.Unlock()
	s.ram.DeletePrefix(prefix)
	return nil
}

// Match looks key up in gen. A missing entry is not an error.
func (s *Storage) Match(gen, key string) (Entry, bool, error) {
	k := entryKey(gen, key)
	if ent, ok := s.ram.Get(k); ok {
		return ent, true, nil
	}
	b, err := s.db.Get([]byte(k), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, zerr.With(zerr.Wrap(err, "failed to read cache entry"), "key", key)
	}
	var ent Entry
	if err := msgpack.Unmarshal(b, &ent); err != nil {
		return Entry{}, false, zerr.With(zerr.Wrap(err, "failed to decode cache entry"), "key", key)
	}
	if s.HasGeneration(gen) {
		s.ram.Put(k, ent)
	}
	return ent, true, nil
}

// PutAsync stores ent under key in gen without waiting for the disk write.
// The RAM tier is updated before returning. A full queue drops the disk
// write; callers never see an error.
func (s *Storage) PutAsync(gen, key string, ent Entry) {
	if !s.HasGeneration(gen) {
		return
	}
	s.ram.Put(entryKey(gen, key), ent)

	s.chMu.RLock()
	defer s.chMu.RUnlock()
	if s.closed {
		return
	}
	clone := ent
	select {
	case s.ops <- diskOp{gen: gen, key: key, ent: &clone}:
	default:
		s.queueLog.Warn("cache write queue full, dropping write", "generation", gen, "key", key)
	}
}

func (s *Storage) writerLoop() {
	defer close(s.done)
	for op := range s.ops {
		if op.flush != nil {
			close(op.flush)
			continue
		}
		s.applyPut(op)
	}
}

func (s *Storage) applyPut(op diskOp) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	k := entryKey(op.gen, op.key)
	s.mu.Lock()
	_, live := s.gens[op.gen]
	old, had := s.index[k]
	s.mu.Unlock()
	if !live {
		return
	}
	if had && old.Hash == op.ent.Hash {
		return
	}

	b, err := msgpack.Marshal(*op.ent)
	if err != nil {
		s.log.Warn("cache entry encode failed", "key", op.key, "error", err)
		return
	}
	meta := diskMeta{Size: int64(len(b)), Hash: op.ent.Hash}
	mb, err := msgpack.Marshal(meta)
	if err != nil {
		return
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(k), b)
	batch.Put([]byte(metaKey(op.gen, op.key)), mb)
	if err := s.db.Write(batch, nil); err != nil {
		s.log.Warn("cache write failed", "key", op.key, "error", err)
		return
	}

	s.mu.Lock()
	s.setMetaLocked(k, meta)
	total := s.totalSize
	s.mu.Unlock()

	if s.diskMax > 0 && total > s.diskMax {
		s.diskLog.Warn("cache disk usage above limit", "bytes", total, "limit", s.diskMax)
	}
}

func (s *Storage) setMetaLocked(k string, m diskMeta) {
	if old, ok := s.index[k]; ok {
		s.totalSize -= old.Size
	}
	s.index[k] = m
	s.totalSize += m.Size
}

// EntryCount returns the number of entries stored under gen.
func (s *Storage) EntryCount(gen string) int {
	prefix := entryKey(gen, "")
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.index {
		if strings.HasPrefix(k, prefix) {
			n++
		}
	}
	return n
}

func (s *Storage) DiskSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

func (s *Storage) RAMSize() int64 { return s.ram.TotalSize() }
