package store

import (
	"errors"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

var (
	ErrClosed    = errors.New("store: database is closed")
	ErrNotFound  = errors.New("store: key not found")
	ErrBatchDone = errors.New("store: batch already committed or closed")
)

type Options struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
}

// KV is a pebble database shared by the ledger and the batch records.
type KV struct {
	db     *pebble.DB
	closed bool
	mu     sync.RWMutex
}

func Open(opts Options) (*KV, error) {
	pebbleOpts := &pebble.Options{
		Cache:                       pebble.NewCache(64 * 1024 * 1024), // 64MB
		MemTableSize:                32 * 1024 * 1024,                  // 32MB
		MemTableStopWritesThreshold: 4,                                 // 128MB of memtables
	}
	defer pebbleOpts.Cache.Unref()

	path := opts.Path
	if opts.InMemory {
		pebbleOpts.FS = vfs.NewMem()
		path = ""
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		return nil, err
	}
	return &KV{db: db}, nil
}

// OpenInMemory is shorthand for an in-memory database, mostly for tests.
func OpenInMemory() (*KV, error) {
	return Open(Options{InMemory: true})
}

func (s *KV) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

func (s *KV) Put(key, value []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}
	return s.db.Set(key, value, pebble.Sync)
}

// Iterate calls fn for every key with the given prefix, in key order. The
// slices passed to fn are only valid for the duration of the call.
func (s *KV) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return err
	}
	for valid := iter.First(); valid; valid = iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			iter.Close()
			return err
		}
		if err := fn(iter.Key(), value); err != nil {
			iter.Close()
			return err
		}
	}
	return iter.Close()
}

func (s *KV) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Batch is an atomic group of writes.
type Batch struct {
	kv    *KV
	batch *pebble.Batch
	done  bool
}

func (s *KV) NewBatch() *Batch {
	return &Batch{kv: s, batch: s.db.NewBatch()}
}

func (b *Batch) Put(key, value []byte) error {
	if b.done {
		return ErrBatchDone
	}
	return b.batch.Set(key, value, nil)
}

// Commit writes every staged operation durably, or none of them.
func (b *Batch) Commit() error {
	if b.done {
		return ErrBatchDone
	}
	b.kv.mu.RLock()
	defer b.kv.mu.RUnlock()
	if b.kv.closed {
		return ErrClosed
	}
	if err := b.batch.Commit(pebble.Sync); err != nil {
		return err
	}
	b.done = true
	return b.batch.Close()
}

// Close discards the batch if it was not committed.
func (b *Batch) Close() error {
	if b.done {
		return nil
	}
	b.done = true
	return b.batch.Close()
}

func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
