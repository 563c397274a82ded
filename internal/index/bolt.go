package index

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"
)

// boltStore is the pure-Go fallback backend: a single bbolt file inside the
// index directory. bbolt rewrites pages in place, so its file is NOT safe to
// hard-link into a snapshot — LinkSafe reports false and snapshots copy.
type boltStore struct {
	db *bbolt.DB
}

const boltFileName = "index.db"

// boltInitialMmapSize is the address space mapped at open. A write that
// grows the file past it still waits for open snapshots to be released.
const boltInitialMmapSize = 1 << 30

var boltBucket = []byte("index")

func openBolt(dir string, o Options) (Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("bolt: create dir %s: %w", dir, err)
	}
	// A large initial mapping keeps writes from remapping the file, which
	// would wait for every open read transaction (Snapshot) to end.
	db, err := bbolt.Open(filepath.Join(dir, boltFileName), 0o640, &bbolt.Options{
		Timeout:         0,
		InitialMmapSize: boltInitialMmapSize,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: open: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: init bucket: %w", err)
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Get(key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(boltBucket).Get(key)
		if v == nil {
			return ErrNotFound
		}
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	return out, err
}

func (s *boltStore) Put(key, value []byte, sync bool) error {
	// bbolt transactions always reach disk before returning; sync is implied.
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltBucket).Put(key, value)
	}); err != nil {
		return fmt.Errorf("bolt: put: %w", err)
	}
	return nil
}

func (s *boltStore) Delete(key []byte) error {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltBucket).Delete(key)
	}); err != nil {
		return fmt.Errorf("bolt: delete: %w", err)
	}
	return nil
}

func (s *boltStore) Write(b *Batch, sync bool) error {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		for _, op := range b.ops {
			if op.del {
				if err := bucket.Delete(op.key); err != nil {
					return err
				}
			} else if err := bucket.Put(op.key, op.value); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("bolt: write batch: %w", err)
	}
	return nil
}

func (s *boltStore) Snapshot() (Snapshot, error) {
	tx, err := s.db.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("bolt: snapshot: %w", err)
	}
	return &boltSnapshot{tx: tx}, nil
}

func (s *boltStore) LinkSafe() bool { return false }

func (s *boltStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("bolt: close: %w", err)
	}
	return nil
}

// boltSnapshot holds a read transaction open until Release.
type boltSnapshot struct {
	tx *bbolt.Tx
}

func (s *boltSnapshot) Get(key []byte) ([]byte, error) {
	v := s.tx.Bucket(boltBucket).Get(key)
	if v == nil {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *boltSnapshot) PrefixScan(prefix []byte, fn func(key, value []byte) error) error {
	c := s.tx.Bucket(boltBucket).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *boltSnapshot) RangeScan(start, end []byte, fn func(key, value []byte) error) error {
	c := s.tx.Bucket(boltBucket).Cursor()
	for k, v := c.Seek(start); k != nil && (end == nil || bytes.Compare(k, end) < 0); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *boltSnapshot) PrefixKeys(prefix []byte, fn func(key []byte) error) error {
	return s.PrefixScan(prefix, func(k, _ []byte) error { return fn(k) })
}

func (s *boltSnapshot) LastKeyWithPrefix(prefix []byte) ([]byte, bool, error) {
	c := s.tx.Bucket(boltBucket).Cursor()

	var k []byte
	if end := prefixEnd(prefix); end != nil {
		k, _ = c.Seek(end)
		if k == nil {
			k, _ = c.Last()
		} else {
			k, _ = c.Prev()
		}
	} else {
		k, _ = c.Last()
	}
	if k == nil || !bytes.HasPrefix(k, prefix) {
		return nil, false, nil
	}
	out := make([]byte, len(k))
	copy(out, k)
	return out, true, nil
}

func (s *boltSnapshot) Release() { _ = s.tx.Rollback() }
