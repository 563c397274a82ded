package store

import (
	"errors"
	"fmt"

	"github.com/myluco/activemq-apollo/internal/index"
	"github.com/myluco/activemq-apollo/internal/types"
)

// MessageLoad asks for one message payload, by key, with an optional shared
// locator cell that lets the lookup skip the index.
type MessageLoad struct {
	MessageKey uint64
	Locator    *types.LocatorCell
}

// LoadedMessage is the result of one MessageLoad.
type LoadedMessage struct {
	MessageKey uint64
	Payload    []byte
	Err        error
}

// ErrMessageNotFound is set on a LoadedMessage whose key resolves to nothing.
var ErrMessageNotFound = errors.New("store: message not found")

// LoadMessages resolves each request to its payload: locator cell first,
// then the message index, then the journal. All index lookups share one
// snapshot; requests that miss are retried once under a fresh snapshot to
// tolerate racing an in-flight commit.
func (s *Store) LoadMessages(reqs []MessageLoad) ([]LoadedMessage, error) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()

	if s.idx == nil {
		return nil, ErrStopped
	}

	out := make([]LoadedMessage, len(reqs))
	misses, err := s.loadPass(reqs, out, nil)
	if err != nil {
		return nil, err
	}
	if len(misses) > 0 {
		s.metrics.LoadMisses.Add(int64(len(misses)))
		if _, err := s.loadPass(reqs, out, misses); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// loadPass fills out for the request indices in subset (nil = all) under a
// single index snapshot, returning the indices that missed.
func (s *Store) loadPass(reqs []MessageLoad, out []LoadedMessage, subset []int) ([]int, error) {
	snap, err := s.idx.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("store: load messages: %w", err)
	}
	defer snap.Release()

	indices := subset
	if indices == nil {
		indices = make([]int, len(reqs))
		for i := range reqs {
			indices[i] = i
		}
	}

	var misses []int
	for _, i := range indices {
		req := reqs[i]
		out[i] = LoadedMessage{MessageKey: req.MessageKey}

		loc, ok := s.resolveLoad(snap, req)
		if !ok {
			out[i].Err = ErrMessageNotFound
			misses = append(misses, i)
			continue
		}
		payload, err := s.journal.ReadPayload(loc.Position, loc.Length)
		if err != nil {
			out[i].Err = err
			misses = append(misses, i)
			continue
		}
		_, body, err := types.DecodeMessagePayload(payload)
		if err != nil {
			out[i].Err = err
			continue
		}
		out[i].Payload = body
		out[i].Err = nil
		s.metrics.MessagesLoaded.Add(1)
	}
	return misses, nil
}

func (s *Store) resolveLoad(snap index.Snapshot, req MessageLoad) (types.Locator, bool) {
	if req.Locator != nil {
		if loc, ok := req.Locator.Get(); ok {
			return loc, true
		}
	}
	val, err := snap.Get(types.MessageKey(req.MessageKey))
	if err != nil {
		return types.Locator{}, false
	}
	loc, err := types.DecodeLocator(val)
	if err != nil {
		return types.Locator{}, false
	}
	return loc, true
}

// ListQueues returns every queue record, in key order.
func (s *Store) ListQueues() ([]types.QueueRecord, error) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	if s.idx == nil {
		return nil, ErrStopped
	}

	snap, err := s.idx.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("store: list queues: %w", err)
	}
	defer snap.Release()

	var out []types.QueueRecord
	err = snap.PrefixScan([]byte{types.PrefixQueue}, func(_, value []byte) error {
		rec, err := types.DecodeQueueRecord(value)
		if err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: list queues: %w", err)
	}
	return out, nil
}

// GetQueue returns the record for queueKey, if the queue exists.
func (s *Store) GetQueue(queueKey uint64) (types.QueueRecord, bool, error) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	if s.idx == nil {
		return types.QueueRecord{}, false, ErrStopped
	}

	val, err := s.idx.Get(types.QueueKey(queueKey))
	if errors.Is(err, index.ErrNotFound) {
		return types.QueueRecord{}, false, nil
	}
	if err != nil {
		return types.QueueRecord{}, false, fmt.Errorf("store: get queue %d: %w", queueKey, err)
	}
	rec, err := types.DecodeQueueRecord(val)
	if err != nil {
		return types.QueueRecord{}, false, err
	}
	return rec, true, nil
}

// errStopScan aborts a cursor early without reporting failure.
var errStopScan = errors.New("stop scan")

// GetQueueEntries returns the entries of queueKey with first <= seq <= last,
// in sequence order.
func (s *Store) GetQueueEntries(queueKey, first, last uint64) ([]types.QueueEntryRecord, error) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	if s.idx == nil {
		return nil, ErrStopped
	}

	snap, err := s.idx.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("store: get queue entries: %w", err)
	}
	defer snap.Release()

	var out []types.QueueEntryRecord
	err = snap.RangeScan(types.EntryKey(queueKey, first), nil, func(key, value []byte) error {
		qk, seq := types.EntryKeyParts(key)
		if qk != queueKey || seq > last {
			return errStopScan
		}
		entry, err := types.DecodeQueueEntry(value)
		if err != nil {
			return err
		}
		out = append(out, entry)
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return nil, fmt.Errorf("store: get queue entries: %w", err)
	}
	return out, nil
}

// QueueEntryRange summarises a run of consecutive queue entries.
type QueueEntryRange struct {
	FirstSeq   uint64
	LastSeq    uint64
	Count      int
	Size       uint64
	Expiration int64 // earliest non-zero expiration in the range; 0 if none
}

// ListQueueEntryGroups walks a queue's entries and groups them into ranges
// of at most limit entries, accumulating count, total size, and the
// earliest non-zero expiration per group.
func (s *Store) ListQueueEntryGroups(queueKey uint64, limit int) ([]QueueEntryRange, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("store: list queue entry groups: limit must be positive, got %d", limit)
	}
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	if s.idx == nil {
		return nil, ErrStopped
	}

	snap, err := s.idx.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("store: list queue entry groups: %w", err)
	}
	defer snap.Release()

	var groups []QueueEntryRange
	var cur *QueueEntryRange
	err = snap.PrefixScan(types.EntryPrefix(queueKey), func(key, value []byte) error {
		_, seq := types.EntryKeyParts(key)
		entry, err := types.DecodeQueueEntry(value)
		if err != nil {
			return err
		}
		if cur == nil {
			groups = append(groups, QueueEntryRange{FirstSeq: seq})
			cur = &groups[len(groups)-1]
		}
		cur.LastSeq = seq
		cur.Count++
		cur.Size += uint64(entry.Size)
		if entry.Expiration != 0 && (cur.Expiration == 0 || entry.Expiration < cur.Expiration) {
			cur.Expiration = entry.Expiration
		}
		if cur.Count >= limit {
			cur = nil
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: list queue entry groups: %w", err)
	}
	return groups, nil
}

// LastMessageKey returns the highest message key ever indexed, or 0.
func (s *Store) LastMessageKey() (uint64, error) {
	return s.lastKeyU64([]byte{types.PrefixMessage})
}

// LastQueueKey returns the highest queue key ever indexed, or 0.
func (s *Store) LastQueueKey() (uint64, error) {
	return s.lastKeyU64([]byte{types.PrefixQueue})
}

func (s *Store) lastKeyU64(prefix []byte) (uint64, error) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	if s.idx == nil {
		return 0, ErrStopped
	}

	snap, err := s.idx.Snapshot()
	if err != nil {
		return 0, fmt.Errorf("store: last key: %w", err)
	}
	defer snap.Release()

	key, ok, err := snap.LastKeyWithPrefix(prefix)
	if err != nil {
		return 0, fmt.Errorf("store: last key: %w", err)
	}
	if !ok {
		return 0, nil
	}
	return types.KeySuffixU64(key), nil
}

// Get returns the value stored under an opaque user key, reporting whether
// it exists.
func (s *Store) Get(userKey []byte) ([]byte, bool, error) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	if s.idx == nil {
		return nil, false, ErrStopped
	}

	val, err := s.idx.Get(types.MapKey(userKey))
	if errors.Is(err, index.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get: %w", err)
	}
	return val, true, nil
}
