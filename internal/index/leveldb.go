package index

import (
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// levelStore is the default backend. LevelDB's table files are immutable
// once written, which is what makes hard-link snapshots of the index
// directory safe and cheap.
type levelStore struct {
	db *leveldb.DB
	ro *opt.ReadOptions
}

func openLevelDB(dir string, o Options) (Store, error) {
	opts := &opt.Options{
		BlockRestartInterval:   o.BlockRestartInterval,
		BlockSize:              o.BlockSize,
		WriteBuffer:            o.WriteBufferSize,
		OpenFilesCacheCapacity: o.MaxOpenFiles,
		BlockCacheCapacity:     int(o.CacheSize),
	}
	switch o.Compression {
	case "", "snappy":
		opts.Compression = opt.SnappyCompression
	case "none":
		opts.Compression = opt.NoCompression
	default:
		return nil, fmt.Errorf("leveldb: unknown compression %q", o.Compression)
	}
	if o.ParanoidChecks {
		opts.Strict = opt.StrictAll
	}

	db, err := leveldb.OpenFile(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("leveldb: open %s: %w", dir, err)
	}

	ro := &opt.ReadOptions{}
	if o.VerifyChecksums {
		ro.Strict = opt.StrictBlockChecksum
	}
	return &levelStore{db: db, ro: ro}, nil
}

func (s *levelStore) Get(key []byte) ([]byte, error) {
	v, err := s.db.Get(key, s.ro)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("leveldb: get: %w", err)
	}
	return v, nil
}

func (s *levelStore) Put(key, value []byte, sync bool) error {
	if err := s.db.Put(key, value, &opt.WriteOptions{Sync: sync}); err != nil {
		return fmt.Errorf("leveldb: put: %w", err)
	}
	return nil
}

func (s *levelStore) Delete(key []byte) error {
	if err := s.db.Delete(key, nil); err != nil {
		return fmt.Errorf("leveldb: delete: %w", err)
	}
	return nil
}

func (s *levelStore) Write(b *Batch, sync bool) error {
	lb := new(leveldb.Batch)
	for _, op := range b.ops {
		if op.del {
			lb.Delete(op.key)
		} else {
			lb.Put(op.key, op.value)
		}
	}
	if err := s.db.Write(lb, &opt.WriteOptions{Sync: sync}); err != nil {
		return fmt.Errorf("leveldb: write batch: %w", err)
	}
	return nil
}

func (s *levelStore) Snapshot() (Snapshot, error) {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, fmt.Errorf("leveldb: snapshot: %w", err)
	}
	return &levelSnapshot{snap: snap, ro: s.ro}, nil
}

func (s *levelStore) LinkSafe() bool { return true }

func (s *levelStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("leveldb: close: %w", err)
	}
	return nil
}

type levelSnapshot struct {
	snap *leveldb.Snapshot
	ro   *opt.ReadOptions
}

func (s *levelSnapshot) Get(key []byte) ([]byte, error) {
	v, err := s.snap.Get(key, s.ro)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("leveldb: snapshot get: %w", err)
	}
	return v, nil
}

func (s *levelSnapshot) PrefixScan(prefix []byte, fn func(key, value []byte) error) error {
	iter := s.snap.NewIterator(util.BytesPrefix(prefix), s.ro)
	defer iter.Release()
	for iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("leveldb: prefix scan: %w", err)
	}
	return nil
}

func (s *levelSnapshot) RangeScan(start, end []byte, fn func(key, value []byte) error) error {
	iter := s.snap.NewIterator(&util.Range{Start: start, Limit: end}, s.ro)
	defer iter.Release()
	for iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("leveldb: range scan: %w", err)
	}
	return nil
}

func (s *levelSnapshot) PrefixKeys(prefix []byte, fn func(key []byte) error) error {
	iter := s.snap.NewIterator(util.BytesPrefix(prefix), s.ro)
	defer iter.Release()
	for iter.Next() {
		if err := fn(iter.Key()); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("leveldb: prefix keys: %w", err)
	}
	return nil
}

func (s *levelSnapshot) LastKeyWithPrefix(prefix []byte) ([]byte, bool, error) {
	iter := s.snap.NewIterator(util.BytesPrefix(prefix), s.ro)
	defer iter.Release()
	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return nil, false, fmt.Errorf("leveldb: last key: %w", err)
		}
		return nil, false, nil
	}
	key := make([]byte, len(iter.Key()))
	copy(key, iter.Key())
	return key, true, nil
}

func (s *levelSnapshot) Release() { s.snap.Release() }
