package storage

import (
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	lvstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	// ErrNotFound is returned by Get when the key is absent.
	ErrNotFound = errors.New("storage: key not found")
	// ErrReadOnly is returned by writes against a snapshot.
	ErrReadOnly = errors.New("storage: snapshot is read-only")
)

// IterFunc receives each key/value pair in ascending key order. Returning
// false stops the iteration. The slices are owned by the callee.
type IterFunc func(key, value []byte) (bool, error)

// Reader is the read half of a key-value store.
type Reader interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	// Iterate walks keys sharing prefix, starting at from (inclusive) when
	// from is non-nil.
	Iterate(prefix, from []byte, fn IterFunc) error
}

// Writer is the write half of a key-value store.
type Writer interface {
	Put(key []byte, value []byte) error
	Delete(key []byte) error
}

// Store combines reads and writes. Database, Transaction and Snapshot all
// satisfy it.
type Store interface {
	Reader
	Writer
}

// Transaction buffers writes until Commit. Only one transaction may be open
// against a database at a time; Begin blocks until the previous one finishes.
type Transaction interface {
	Store
	Commit() error
	Discard()
}

// Snapshot is a consistent read view of the database.
type Snapshot interface {
	Store
	Release()
}

// Database is a generic interface for a key-value store.
type Database interface {
	Store
	Begin() (Transaction, error)
	Snapshot() (Snapshot, error)
	Close() error
}

// levelReader is implemented by leveldb.DB, leveldb.Transaction and
// leveldb.Snapshot.
type levelReader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	Has(key []byte, ro *opt.ReadOptions) (bool, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

func get(r levelReader, key []byte) ([]byte, error) {
	value, err := r.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

func iterate(r levelReader, prefix, from []byte, fn IterFunc) error {
	rng := util.BytesPrefix(prefix)
	if from != nil && string(from) > string(rng.Start) {
		rng.Start = from
	}
	it := r.NewIterator(rng, nil)
	defer it.Release()
	for it.Next() {
		key := append([]byte(nil), it.Key()...)
		value := append([]byte(nil), it.Value()...)
		cont, err := fn(key, value)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return it.Error()
}

// --- Persistent DB ---

// LevelDB is a key-value store using LevelDB, either on disk or in memory.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

// NewMemDB opens a LevelDB instance backed by memory storage. It shares every
// code path with the on-disk database, including transactions.
func NewMemDB() *LevelDB {
	db, err := leveldb.Open(lvstorage.NewMemStorage(), nil)
	if err != nil {
		// Memory storage cannot fail to open.
		panic(err)
	}
	return &LevelDB{db: db}
}

func (ldb *LevelDB) Get(key []byte) ([]byte, error) {
	return get(ldb.db, key)
}

func (ldb *LevelDB) Has(key []byte) (bool, error) {
	return ldb.db.Has(key, nil)
}

func (ldb *LevelDB) Iterate(prefix, from []byte, fn IterFunc) error {
	return iterate(ldb.db, prefix, from, fn)
}

// Put inserts or updates a key-value pair.
func (ldb *LevelDB) Put(key []byte, value []byte) error {
	return ldb.db.Put(key, value, nil)
}

func (ldb *LevelDB) Delete(key []byte) error {
	return ldb.db.Delete(key, nil)
}

// Begin opens a write transaction.
func (ldb *LevelDB) Begin() (Transaction, error) {
	tr, err := ldb.db.OpenTransaction()
	if err != nil {
		return nil, err
	}
	return &levelTx{tr: tr}, nil
}

// Snapshot captures a read view of the current state.
func (ldb *LevelDB) Snapshot() (Snapshot, error) {
	snap, err := ldb.db.GetSnapshot()
	if err != nil {
		return nil, err
	}
	return &levelSnapshot{snap: snap}, nil
}

// Close closes the database connection.
func (ldb *LevelDB) Close() error {
	return ldb.db.Close()
}

type levelTx struct {
	tr *leveldb.Transaction
}

func (t *levelTx) Get(key []byte) ([]byte, error) { return get(t.tr, key) }

func (t *levelTx) Has(key []byte) (bool, error) { return t.tr.Has(key, nil) }

func (t *levelTx) Iterate(prefix, from []byte, fn IterFunc) error {
	return iterate(t.tr, prefix, from, fn)
}

func (t *levelTx) Put(key []byte, value []byte) error { return t.tr.Put(key, value, nil) }

func (t *levelTx) Delete(key []byte) error { return t.tr.Delete(key, nil) }

func (t *levelTx) Commit() error { return t.tr.Commit() }

func (t *levelTx) Discard() { t.tr.Discard() }

type levelSnapshot struct {
	snap *leveldb.Snapshot
}

func (s *levelSnapshot) Get(key []byte) ([]byte, error) { return get(s.snap, key) }

func (s *levelSnapshot) Has(key []byte) (bool, error) { return s.snap.Has(key, nil) }

func (s *levelSnapshot) Iterate(prefix, from []byte, fn IterFunc) error {
	return iterate(s.snap, prefix, from, fn)
}

func (s *levelSnapshot) Put([]byte, []byte) error { return ErrReadOnly }

func (s *levelSnapshot) Delete([]byte) error { return ErrReadOnly }

func (s *levelSnapshot) Release() { s.snap.Release() }
