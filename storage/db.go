package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrKeyNotFound is returned by Get when the key has no value in the store.
var ErrKeyNotFound = errors.New("storage: key not found")

// Database is a generic key-value store shared by the state trie and the
// ledger's bookkeeping records (checkpoint, schema markers). Both
// implementations also satisfy go-ethereum's ethdb.KeyValueStore so a single
// handle can back the trie database and raw reads alike.
type Database interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Delete(key []byte) error
	// TrieDB returns the trie node database backed by this store. The handle
	// is created on first use and shared by every caller.
	TrieDB() *triedb.Database
	Close() error
}

var (
	_ ethdb.KeyValueStore = (*MemDB)(nil)
	_ ethdb.KeyValueStore = (*LevelDB)(nil)
	_ Database            = (*MemDB)(nil)
	_ Database            = (*LevelDB)(nil)
)

// --- In-memory store (tests and throwaway ledgers) ---

type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte

	trieOnce sync.Once
	trieDB   *triedb.Database
}

func NewMemDB() *MemDB {
	return &MemDB{
		data: make(map[string][]byte),
	}
}

func (db *MemDB) Put(key []byte, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (db *MemDB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	value, ok := db.data[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), value...), nil
}

func (db *MemDB) Has(key []byte) (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	_, ok := db.data[string(key)]
	return ok, nil
}

func (db *MemDB) Delete(key []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.data, string(key))
	return nil
}

// DeleteRange removes every key in [start, end).
func (db *MemDB) DeleteRange(start, end []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for key := range db.data {
		if key >= string(start) && (end == nil || key < string(end)) {
			delete(db.data, key)
		}
	}
	return nil
}

func (db *MemDB) Stat() (string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	size := 0
	for key, value := range db.data {
		size += len(key) + len(value)
	}
	return fmt.Sprintf("memdb: %d keys, %d bytes", len(db.data), size), nil
}

func (db *MemDB) Compact(start []byte, limit []byte) error {
	return nil
}

func (db *MemDB) SyncKeyValue() error {
	return nil
}

func (db *MemDB) Close() error {
	return nil
}

func (db *MemDB) TrieDB() *triedb.Database {
	db.trieOnce.Do(func() {
		db.trieDB = triedb.NewDatabase(rawdb.NewDatabase(db), triedb.HashDefaults)
	})
	return db.trieDB
}

func (db *MemDB) NewBatch() ethdb.Batch {
	return &memBatch{db: db}
}

func (db *MemDB) NewBatchWithSize(size int) ethdb.Batch {
	return &memBatch{db: db, ops: make([]memOp, 0, size)}
}

// NewIterator walks the keys with the given prefix, starting at prefix+start,
// over a point-in-time snapshot of the store.
func (db *MemDB) NewIterator(prefix []byte, start []byte) ethdb.Iterator {
	db.mu.RLock()
	defer db.mu.RUnlock()
	lower := string(prefix) + string(start)
	keys := make([]string, 0, len(db.data))
	for key := range db.data {
		if strings.HasPrefix(key, string(prefix)) && key >= lower {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	values := make([][]byte, len(keys))
	for i, key := range keys {
		values[i] = append([]byte(nil), db.data[key]...)
	}
	return &memIterator{keys: keys, values: values, index: -1}
}

type memOp struct {
	del   bool
	key   []byte
	value []byte
}

type memBatch struct {
	db   *MemDB
	ops  []memOp
	size int
}

func (b *memBatch) Put(key []byte, value []byte) error {
	b.ops = append(b.ops, memOp{key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
	b.size += len(key) + len(value)
	return nil
}

func (b *memBatch) Delete(key []byte) error {
	b.ops = append(b.ops, memOp{del: true, key: append([]byte(nil), key...)})
	b.size += len(key)
	return nil
}

func (b *memBatch) DeleteRange(start, end []byte) error {
	return errors.New("storage: range deletion not supported in batch")
}

func (b *memBatch) ValueSize() int {
	return b.size
}

func (b *memBatch) Write() error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	for _, op := range b.ops {
		if op.del {
			delete(b.db.data, string(op.key))
			continue
		}
		b.db.data[string(op.key)] = op.value
	}
	return nil
}

func (b *memBatch) Reset() {
	b.ops = b.ops[:0]
	b.size = 0
}

func (b *memBatch) Replay(w ethdb.KeyValueWriter) error {
	for _, op := range b.ops {
		if op.del {
			if err := w.Delete(op.key); err != nil {
				return err
			}
			continue
		}
		if err := w.Put(op.key, op.value); err != nil {
			return err
		}
	}
	return nil
}

type memIterator struct {
	keys   []string
	values [][]byte
	index  int
}

func (it *memIterator) Next() bool {
	if it.index >= len(it.keys) {
		return false
	}
	it.index++
	return it.index < len(it.keys)
}

func (it *memIterator) Error() error {
	return nil
}

func (it *memIterator) Key() []byte {
	if it.index < 0 || it.index >= len(it.keys) {
		return nil
	}
	return []byte(it.keys[it.index])
}

func (it *memIterator) Value() []byte {
	if it.index < 0 || it.index >= len(it.keys) {
		return nil
	}
	return it.values[it.index]
}

func (it *memIterator) Release() {
	it.keys = nil
	it.values = nil
	it.index = 0
}

// --- Persistent store (LevelDB) ---

// LevelDB is the durable backend used by the daemon. Trie nodes, the
// checkpoint, and any other bookkeeping all share the one handle.
type LevelDB struct {
	db *leveldb.DB

	trieOnce sync.Once
	trieDB   *triedb.Database
}

// NewLevelDB creates or opens a LevelDB database at the provided path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

func (ldb *LevelDB) Put(key []byte, value []byte) error {
	return ldb.db.Put(key, value, nil)
}

func (ldb *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := ldb.db.Get(key, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return value, nil
}

func (ldb *LevelDB) Has(key []byte) (bool, error) {
	return ldb.db.Has(key, nil)
}

func (ldb *LevelDB) Delete(key []byte) error {
	return ldb.db.Delete(key, nil)
}

// DeleteRange removes every key in [start, end) in a single batch.
func (ldb *LevelDB) DeleteRange(start, end []byte) error {
	it := ldb.db.NewIterator(&util.Range{Start: start, Limit: end}, nil)
	defer it.Release()
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	if err := it.Error(); err != nil {
		return err
	}
	return ldb.db.Write(batch, nil)
}

func (ldb *LevelDB) Stat() (string, error) {
	return ldb.db.GetProperty("leveldb.stats")
}

func (ldb *LevelDB) Compact(start []byte, limit []byte) error {
	return ldb.db.CompactRange(util.Range{Start: start, Limit: limit})
}

// SyncKeyValue forces the write-ahead log to disk via an empty synced batch.
func (ldb *LevelDB) SyncKeyValue() error {
	return ldb.db.Write(new(leveldb.Batch), &opt.WriteOptions{Sync: true})
}

func (ldb *LevelDB) Close() error {
	return ldb.db.Close()
}

func (ldb *LevelDB) TrieDB() *triedb.Database {
	ldb.trieOnce.Do(func() {
		ldb.trieDB = triedb.NewDatabase(rawdb.NewDatabase(ldb), triedb.HashDefaults)
	})
	return ldb.trieDB
}

func (ldb *LevelDB) NewBatch() ethdb.Batch {
	return &ldbBatch{db: ldb.db, batch: new(leveldb.Batch)}
}

func (ldb *LevelDB) NewBatchWithSize(size int) ethdb.Batch {
	return &ldbBatch{db: ldb.db, batch: leveldb.MakeBatch(size)}
}

func (ldb *LevelDB) NewIterator(prefix []byte, start []byte) ethdb.Iterator {
	r := util.BytesPrefix(prefix)
	r.Start = append(r.Start, start...)
	return ldb.db.NewIterator(r, nil)
}

type ldbBatch struct {
	db    *leveldb.DB
	batch *leveldb.Batch
	size  int
}

func (b *ldbBatch) Put(key []byte, value []byte) error {
	b.batch.Put(key, value)
	b.size += len(key) + len(value)
	return nil
}

func (b *ldbBatch) Delete(key []byte) error {
	b.batch.Delete(key)
	b.size += len(key)
	return nil
}

func (b *ldbBatch) DeleteRange(start, end []byte) error {
	return errors.New("storage: range deletion not supported in batch")
}

func (b *ldbBatch) ValueSize() int {
	return b.size
}

func (b *ldbBatch) Write() error {
	return b.db.Write(b.batch, nil)
}

func (b *ldbBatch) Reset() {
	b.batch.Reset()
	b.size = 0
}

func (b *ldbBatch) Replay(w ethdb.KeyValueWriter) error {
	replay := &ldbReplayer{writer: w}
	if err := b.batch.Replay(replay); err != nil {
		return err
	}
	return replay.err
}

// ldbReplayer adapts goleveldb's batch replay callbacks, which cannot return
// errors, onto an ethdb.KeyValueWriter that can.
type ldbReplayer struct {
	writer ethdb.KeyValueWriter
	err    error
}

func (r *ldbReplayer) Put(key, value []byte) {
	if r.err != nil {
		return
	}
	r.err = r.writer.Put(key, value)
}

func (r *ldbReplayer) Delete(key []byte) {
	if r.err != nil {
		return
	}
	r.err = r.writer.Delete(key)
}
