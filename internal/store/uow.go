package store

import (
	"github.com/myluco/activemq-apollo/internal/index"
	"github.com/myluco/activemq-apollo/internal/journal"
	"github.com/myluco/activemq-apollo/internal/types"
)

// UnitOfWork is an atomic batch of map, message, enqueue, and dequeue
// actions. Setting OnComplete registers a completion listener, which also
// requests durability: the journal is fsynced (when the store is configured
// sync) before the listener runs.
type UnitOfWork struct {
	MapActions []types.MapEntry
	Actions    []MessageAction
	OnComplete func(error)
}

// MessageAction groups the work around one message: an optional payload to
// persist, entries to add, and entries to remove.
type MessageAction struct {
	Message  *types.MessageRecord
	Enqueues []types.QueueEntryRecord
	Dequeues []types.QueueEntryRecord
}

// Store commits a batch of units of work through the serial writer. cb (and
// every OnComplete) runs on the writer goroutine after the batch is applied
// — and after the fsync, when one was requested.
func (s *Store) Store(uows []*UnitOfWork, cb func(error)) error {
	return s.enqueue(
		func() error { return s.commit(uows) },
		func(err error) {
			for _, uow := range uows {
				if uow.OnComplete != nil {
					uow.OnComplete(err)
				}
			}
			if cb != nil {
				cb(err)
			}
		},
	)
}

// StoreAndWait commits a batch synchronously.
func (s *Store) StoreAndWait(uows ...*UnitOfWork) error {
	done := make(chan error, 1)
	if err := s.Store(uows, func(err error) { done <- err }); err != nil {
		return err
	}
	return <-done
}

// commit applies a batch of units of work. Ordering contract: for each unit
// of work, journal appends happen in order (map actions, then per-action
// message / dequeues / enqueues); the index batch is applied atomically
// after all appends; the fsync, if requested, comes last. On crash, any
// index state visible after recovery is therefore a prefix of the journal.
func (s *Store) commit(uows []*UnitOfWork) error {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()

	b := &index.Batch{}
	syncNeeded := false

	for _, uow := range uows {
		for _, ma := range uow.MapActions {
			if err := s.appendRecord(journal.KindMapEntry, types.EncodeMapEntry(ma)); err != nil {
				return err
			}
			if ma.Value == nil {
				b.Delete(types.MapKey(ma.Key))
			} else {
				b.Put(types.MapKey(ma.Key), ma.Value)
			}
			s.metrics.MapActions.Add(1)
		}

		for ai := range uow.Actions {
			act := &uow.Actions[ai]

			var msgLoc types.Locator
			haveLoc := false
			if m := act.Message; m != nil {
				payload := types.EncodeMessagePayload(m.Key, m.Payload)
				pos, err := s.appendRecordPos(journal.KindAddMessage, payload)
				if err != nil {
					return err
				}
				msgLoc = types.Locator{Position: pos, Length: uint32(len(payload))}
				haveLoc = true
				b.Put(types.MessageKey(m.Key), msgLoc.Encode())
				if m.Locator != nil {
					m.Locator.Set(msgLoc)
				}
			}

			for di := range act.Dequeues {
				d := &act.Dequeues[di]
				key := types.EntryKey(d.QueueKey, d.EntrySeq)
				if err := s.appendRecord(journal.KindRemoveQueueEntry, key); err != nil {
					return err
				}
				b.Delete(key)
				if pos, ok := s.commitEntryPos(d, act.Message, msgLoc, haveLoc); ok {
					s.ledgerDecr(s.journal, pos)
				}
				s.metrics.Dequeues.Add(1)
			}

			for ei := range act.Enqueues {
				e := &act.Enqueues[ei]
				// Stamp the enqueue with the freshest locator for its
				// message so the indexed entry resolves without a lookup.
				if haveLoc && act.Message.Key == e.MessageKey {
					e.MessageLocator = msgLoc.Encode()
				} else if len(e.MessageLocator) == 0 && act.Message != nil && act.Message.Locator != nil {
					if loc, ok := act.Message.Locator.Get(); ok && act.Message.Key == e.MessageKey {
						e.MessageLocator = loc.Encode()
					}
				}
				payload := types.EncodeQueueEntry(*e)
				if err := s.appendRecord(journal.KindAddQueueEntry, payload); err != nil {
					return err
				}
				b.Put(types.EntryKey(e.QueueKey, e.EntrySeq), payload)
				if pos, ok := s.commitEntryPos(e, act.Message, msgLoc, haveLoc); ok {
					s.ledgerIncr(s.journal, pos)
				}
				s.metrics.Enqueues.Add(1)
			}
		}

		if uow.OnComplete != nil {
			syncNeeded = true
		}
		s.metrics.UnitsOfWork.Add(1)
	}

	if err := s.withRetry("index batch", func() error {
		return s.idx.Write(b, false)
	}); err != nil {
		return err
	}

	if syncNeeded && s.cfg.Sync {
		s.metrics.Syncs.Add(1)
		return s.withRetry("journal sync", s.journal.Sync)
	}
	return s.journal.Flush()
}

// commitEntryPos resolves the journal position of the message an entry
// references, at commit time: the just-written message wins, then the
// entry's own locator, then the message index.
func (s *Store) commitEntryPos(e *types.QueueEntryRecord, msg *types.MessageRecord, msgLoc types.Locator, haveLoc bool) (uint64, bool) {
	if e.MessageKey == 0 {
		return 0, false
	}
	if haveLoc && msg.Key == e.MessageKey {
		return msgLoc.Position, true
	}
	return s.resolveEntryPos(s.idx, *e)
}

// appendRecord appends one journal record through the retry wrapper.
func (s *Store) appendRecord(kind byte, payload []byte) error {
	_, err := s.appendRecordPos(kind, payload)
	return err
}

func (s *Store) appendRecordPos(kind byte, payload []byte) (uint64, error) {
	var pos uint64
	err := s.withRetry("journal append", func() error {
		var aerr error
		pos, aerr = s.journal.Append(kind, payload)
		return aerr
	})
	if err != nil {
		return 0, err
	}
	s.metrics.Appends.Add(1)
	s.metrics.AppendedBytes.Add(int64(len(payload)))
	return pos, nil
}

// AddQueue records a queue. cb runs on the writer goroutine.
func (s *Store) AddQueue(rec types.QueueRecord, cb func(error)) error {
	return s.enqueue(func() error {
		s.snapMu.RLock()
		defer s.snapMu.RUnlock()

		payload := types.EncodeQueueRecord(rec)
		if err := s.appendRecord(journal.KindAddQueue, payload); err != nil {
			return err
		}
		if err := s.withRetry("index put", func() error {
			return s.idx.Put(types.QueueKey(rec.Key), payload, false)
		}); err != nil {
			return err
		}
		if cb != nil && s.cfg.Sync {
			s.metrics.Syncs.Add(1)
			return s.withRetry("journal sync", s.journal.Sync)
		}
		return nil
	}, cb)
}

// RemoveQueue deletes a queue and cascades over its entries, releasing one
// ledger reference per entry. Only the removal record itself is journaled;
// replay re-derives the cascade.
func (s *Store) RemoveQueue(queueKey uint64, cb func(error)) error {
	return s.enqueue(func() error {
		s.snapMu.RLock()
		defer s.snapMu.RUnlock()

		if err := s.appendRecord(journal.KindRemoveQueue, types.EncodeQueueKeyPayload(queueKey)); err != nil {
			return err
		}
		if err := s.withRetry("remove queue", func() error {
			return s.applyRemoveQueue(s.idx, s.journal, queueKey)
		}); err != nil {
			return err
		}
		if cb != nil && s.cfg.Sync {
			s.metrics.Syncs.Add(1)
			return s.withRetry("journal sync", s.journal.Sync)
		}
		return nil
	}, cb)
}

// AddQueueAndWait / RemoveQueueAndWait are synchronous conveniences.
func (s *Store) AddQueueAndWait(rec types.QueueRecord) error {
	done := make(chan error, 1)
	if err := s.AddQueue(rec, func(err error) { done <- err }); err != nil {
		return err
	}
	return <-done
}

func (s *Store) RemoveQueueAndWait(queueKey uint64) error {
	done := make(chan error, 1)
	if err := s.RemoveQueue(queueKey, func(err error) { done <- err }); err != nil {
		return err
	}
	return <-done
}
