// Package index wraps an embedded ordered key/value library behind a small
// interface: point reads and writes, atomic batches, point-in-time
// snapshots, and prefix/range cursors. Backends are selected through a
// static factory table, tried in the order the configuration lists them.
package index

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a key has no value.
	ErrNotFound = errors.New("index: key not found")
	// ErrNoFactory is returned when no configured factory can open the index.
	ErrNoFactory = errors.New("index: no usable factory")
)

// Options are the tuning knobs passed through to the KV library. Backends
// ignore knobs they have no equivalent for.
type Options struct {
	VerifyChecksums      bool
	ParanoidChecks       bool
	MaxOpenFiles         int
	BlockRestartInterval int
	BlockSize            int
	WriteBufferSize      int
	Compression          string // "snappy" or "none"
	CacheSize            int64
}

// Store is an open ordered KV index.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(key []byte) ([]byte, error)
	// Put writes one key. sync forces the write to disk before returning.
	Put(key, value []byte, sync bool) error
	// Delete removes one key.
	Delete(key []byte) error
	// Write applies the batch atomically.
	Write(b *Batch, sync bool) error
	// Snapshot returns a point-in-time read view. The caller must Release it.
	Snapshot() (Snapshot, error)
	// LinkSafe reports whether the backend's files are immutable once
	// written, so an on-disk snapshot may hard-link them instead of copying.
	LinkSafe() bool
	Close() error
}

// Snapshot is a consistent read view unaffected by concurrent writes.
// Scan callbacks receive key/value slices that are only valid for the
// duration of the call.
type Snapshot interface {
	Get(key []byte) ([]byte, error)
	// PrefixScan visits every pair whose key starts with prefix, in key order.
	PrefixScan(prefix []byte, fn func(key, value []byte) error) error
	// RangeScan visits every pair with start <= key < end, in key order.
	RangeScan(start, end []byte, fn func(key, value []byte) error) error
	// PrefixKeys visits the keys under prefix without loading values.
	PrefixKeys(prefix []byte, fn func(key []byte) error) error
	// LastKeyWithPrefix returns the greatest key under prefix, if any.
	LastKeyWithPrefix(prefix []byte) ([]byte, bool, error)
	Release()
}

// Batch collects puts and deletes applied atomically by Store.Write.
type Batch struct {
	ops []batchOp
}

type batchOp struct {
	del   bool
	key   []byte
	value []byte
}

// Put stages an upsert.
func (b *Batch) Put(key, value []byte) {
	b.ops = append(b.ops, batchOp{key: key, value: value})
}

// Delete stages a delete.
func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{del: true, key: key})
}

// Len returns the number of staged operations.
func (b *Batch) Len() int { return len(b.ops) }

// openFunc opens a backend on dir (a directory; single-file backends place
// their file inside it).
type openFunc struct {
	open     func(dir string, o Options) (Store, error)
	linkSafe bool
}

// factories is the static table the index_factory option selects from.
var factories = map[string]openFunc{
	"leveldb": {open: openLevelDB, linkSafe: true},
	"bolt":    {open: openBolt, linkSafe: false},
}

// DefaultFactories is tried when no index_factory is configured.
const DefaultFactories = "leveldb,bolt"

// Open tries each comma-separated factory name in order and returns the
// first that opens successfully.
func Open(dir, factoryList string, o Options) (Store, error) {
	var firstErr error
	for _, name := range splitFactories(factoryList) {
		f, ok := factories[name]
		if !ok {
			if firstErr == nil {
				firstErr = fmt.Errorf("index: unknown factory %q", name)
			}
			continue
		}
		s, err := f.open(dir, o)
		if err == nil {
			return s, nil
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("index: factory %q: %w", name, err)
		}
	}
	if firstErr == nil {
		firstErr = ErrNoFactory
	}
	return nil, firstErr
}

// LinkSafeHint reports whether the factory Open would try first produces
// hard-linkable files. It is only a pre-open hint, for cloning a snapshot
// into the live index directory before any backend is open; once a Store is
// open, its own LinkSafe method is authoritative.
func LinkSafeHint(factoryList string) bool {
	for _, name := range splitFactories(factoryList) {
		if f, ok := factories[name]; ok {
			return f.linkSafe
		}
	}
	return false
}

func splitFactories(list string) []string {
	if strings.TrimSpace(list) == "" {
		list = DefaultFactories
	}
	var out []string
	for _, name := range strings.Split(list, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// prefixEnd returns the smallest key greater than every key under prefix,
// or nil if the prefix is all 0xff.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
