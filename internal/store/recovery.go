package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/myluco/activemq-apollo/internal/index"
	"github.com/myluco/activemq-apollo/internal/journal"
	"github.com/myluco/activemq-apollo/internal/types"
)

// openAndRecover implements the startup protocol: pick the newest intact
// snapshot, clone it into dirty.index, open the index and journal, and
// replay the journal suffix past the snapshot position. Any failure closes
// whatever was opened so the caller can retry the whole sequence.
func (s *Store) openAndRecover() (err error) {
	snapshotPos, err := s.cleanSnapshotDirs()
	if err != nil {
		return err
	}

	dirty := s.dirtyIndexPath()
	if err := os.RemoveAll(dirty); err != nil {
		return fmt.Errorf("remove %s: %w", dirty, err)
	}
	if err := os.MkdirAll(dirty, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", dirty, err)
	}

	// The backend is not open yet, so whether its files may be hard-linked
	// is only a hint here — the first factory Open will try. The opened
	// store's own LinkSafe answer is checked right after.
	cloned := snapshotPos > 0 || dirExists(s.snapshotPath(snapshotPos))
	linked := cloned && index.LinkSafeHint(s.cfg.IndexFactory)
	if cloned {
		if err := linkOrCopyDir(s.snapshotPath(snapshotPos), dirty, linked); err != nil {
			return fmt.Errorf("clone snapshot %016x: %w", snapshotPos, err)
		}
	}

	idx, err := index.Open(dirty, s.cfg.IndexFactory, s.indexOptions())
	if err != nil {
		return err
	}
	defer func() {
		if err != nil && idx != nil {
			_ = idx.Close()
		}
	}()

	if linked && !idx.LinkSafe() {
		// Open fell back to a backend that mutates files in place; leaving
		// the hard-linked clone would let it corrupt the snapshot. Redo the
		// clone with byte copies and reopen.
		_ = idx.Close()
		if err := os.RemoveAll(dirty); err != nil {
			return fmt.Errorf("remove %s: %w", dirty, err)
		}
		if err := os.MkdirAll(dirty, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dirty, err)
		}
		if err := linkOrCopyDir(s.snapshotPath(snapshotPos), dirty, false); err != nil {
			return fmt.Errorf("clone snapshot %016x: %w", snapshotPos, err)
		}
		idx, err = index.Open(dirty, s.cfg.IndexFactory, s.indexOptions())
		if err != nil {
			return err
		}
	}

	if refs, rerr := idx.Get(types.KeyLogRefs); rerr == nil {
		if derr := s.ledger.Decode(refs); derr != nil {
			return derr
		}
	} else if !errors.Is(rerr, index.ErrNotFound) {
		return rerr
	}
	if err := idx.Put(types.KeyDirty, []byte{1}, true); err != nil {
		return err
	}

	jnl, err := journal.Open(s.dir, journal.Config{
		FileSize:        s.cfg.LogSize,
		WriteBufferSize: s.cfg.LogWriteBufferSize,
		OnRotate: func(info journal.Info) {
			s.metrics.Rotations.Add(1)
			s.logger.Debug("journal rotated", "position", info.Position)
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = jnl.Close()
		}
	}()

	s.idx = idx
	s.journal = jnl
	if err := s.replay(idx, jnl, snapshotPos); err != nil {
		s.idx = nil
		s.journal = nil
		return err
	}
	s.lastSnapshotPos = snapshotPos
	return nil
}

func (s *Store) indexOptions() index.Options {
	return index.Options{
		VerifyChecksums:      s.cfg.VerifyChecksums,
		ParanoidChecks:       s.cfg.ParanoidChecks,
		MaxOpenFiles:         s.cfg.IndexMaxOpenFiles,
		BlockRestartInterval: s.cfg.IndexBlockRestartInterval,
		BlockSize:            s.cfg.IndexBlockSize,
		WriteBufferSize:      s.cfg.IndexWriteBufferSize,
		Compression:          s.cfg.IndexCompression,
		CacheSize:            s.cfg.IndexCacheSize,
	}
}

// cleanSnapshotDirs returns the position of the newest snapshot directory
// and deletes every other snapshot dir plus any leftover temp.index.
func (s *Store) cleanSnapshotDirs() (uint64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read dir %s: %w", s.dir, err)
	}

	var newest uint64
	var found bool
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pos, ok := snapshotDirPos(e.Name())
		if !ok {
			continue
		}
		if !found || pos > newest {
			newest = pos
			found = true
		}
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if e.Name() == tempIndexDir {
			if err := os.RemoveAll(s.snapshotPathByName(e.Name())); err != nil {
				return 0, fmt.Errorf("remove stale %s: %w", e.Name(), err)
			}
			continue
		}
		pos, ok := snapshotDirPos(e.Name())
		if !ok || pos == newest {
			continue
		}
		// An older (or partial) snapshot superseded by a newer one.
		if err := os.RemoveAll(s.snapshotPathByName(e.Name())); err != nil {
			return 0, fmt.Errorf("remove stale snapshot %s: %w", e.Name(), err)
		}
	}

	if !found {
		return 0, nil
	}
	return newest, nil
}

func (s *Store) snapshotPathByName(name string) string {
	return filepath.Join(s.dir, name)
}

// snapshotDirPos parses a "%016x.index" directory name.
func snapshotDirPos(name string) (uint64, bool) {
	if !strings.HasSuffix(name, indexSuffix) || name == dirtyIndexDir || name == tempIndexDir {
		return 0, false
	}
	pos, err := strconv.ParseUint(strings.TrimSuffix(name, indexSuffix), 16, 64)
	if err != nil {
		return 0, false
	}
	return pos, true
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// replay applies every journal record in [from, appender limit) to the
// index. A corrupt or unreadable record truncates replay: it and everything
// after it are discarded, which keeps the recovered index a prefix of the
// log. That is surfaced to operators as a warning, not an error.
func (s *Store) replay(idx index.Store, jnl *journal.Journal, from uint64) error {
	pos := from
	limit := jnl.AppenderLimit()
	if pos > limit {
		s.logger.Warn("snapshot is ahead of the journal, skipping replay",
			"snapshot_pos", pos, "appender_limit", limit)
		return nil
	}

	var applied int64
	for pos < limit {
		kind, payload, next, err := jnl.ReadRecord(pos)
		if err != nil {
			if errors.Is(err, journal.ErrCorrupted) || errors.Is(err, journal.ErrOutOfRange) {
				s.logger.Warn("journal tail truncated during recovery",
					"position", pos, "appender_limit", limit, "err", err)
				break
			}
			return err
		}
		if err := s.applyRecord(idx, jnl, kind, payload, pos); err != nil {
			return err
		}
		applied++
		pos = next
	}

	s.metrics.ReplayedRecords.Add(applied)
	if applied > 0 {
		s.logger.Info("journal replay complete", "records", applied, "from", from, "to", pos)
	}
	return nil
}

// applyRecord applies one journal record during replay.
func (s *Store) applyRecord(idx index.Store, jnl *journal.Journal, kind byte, payload []byte, pos uint64) error {
	switch kind {
	case journal.KindAddMessage:
		key, _, err := types.DecodeMessagePayload(payload)
		if err != nil {
			return err
		}
		loc := types.Locator{Position: pos, Length: uint32(len(payload))}
		return idx.Put(types.MessageKey(key), loc.Encode(), false)

	case journal.KindAddQueueEntry:
		entry, err := types.DecodeQueueEntry(payload)
		if err != nil {
			return err
		}
		if err := idx.Put(types.EntryKey(entry.QueueKey, entry.EntrySeq), payload, false); err != nil {
			return err
		}
		if msgPos, ok := s.resolveEntryPos(idx, entry); ok {
			s.ledgerIncr(jnl, msgPos)
		}
		return nil

	case journal.KindRemoveQueueEntry:
		// The payload is the entry's index key.
		val, err := idx.Get(payload)
		if errors.Is(err, index.ErrNotFound) {
			return nil // entry never made it into the replayed prefix
		}
		if err != nil {
			return err
		}
		entry, err := types.DecodeQueueEntry(val)
		if err != nil {
			return err
		}
		if msgPos, ok := s.resolveEntryPos(idx, entry); ok {
			s.ledgerDecr(jnl, msgPos)
		}
		return idx.Delete(payload)

	case journal.KindAddQueue:
		rec, err := types.DecodeQueueRecord(payload)
		if err != nil {
			return err
		}
		return idx.Put(types.QueueKey(rec.Key), payload, false)

	case journal.KindRemoveQueue:
		queueKey, err := types.DecodeQueueKeyPayload(payload)
		if err != nil {
			return err
		}
		return s.applyRemoveQueue(idx, jnl, queueKey)

	case journal.KindMapEntry:
		entry, err := types.DecodeMapEntry(payload)
		if err != nil {
			return err
		}
		if entry.Value == nil {
			return idx.Delete(types.MapKey(entry.Key))
		}
		return idx.Put(types.MapKey(entry.Key), entry.Value, false)

	default:
		// Unknown and reserved kinds (REMOVE_MESSAGE) are skipped.
		return nil
	}
}

// applyRemoveQueue deletes a queue record and cascades over its entries,
// releasing one ledger reference per entry.
func (s *Store) applyRemoveQueue(idx index.Store, jnl *journal.Journal, queueKey uint64) error {
	if err := idx.Delete(types.QueueKey(queueKey)); err != nil {
		return err
	}

	snap, err := idx.Snapshot()
	if err != nil {
		return err
	}
	type doomed struct {
		key   []byte
		entry types.QueueEntryRecord
	}
	var entries []doomed
	scanErr := snap.PrefixScan(types.EntryPrefix(queueKey), func(key, value []byte) error {
		entry, err := types.DecodeQueueEntry(value)
		if err != nil {
			return err
		}
		k := make([]byte, len(key))
		copy(k, key)
		entries = append(entries, doomed{key: k, entry: entry})
		return nil
	})
	snap.Release()
	if scanErr != nil {
		return scanErr
	}

	for _, d := range entries {
		if msgPos, ok := s.resolveEntryPos(idx, d.entry); ok {
			s.ledgerDecr(jnl, msgPos)
		}
		if err := idx.Delete(d.key); err != nil {
			return err
		}
	}
	return nil
}

// resolveEntryPos finds the journal position of the message an entry
// references: from the entry's embedded locator when present, otherwise
// from the message index. Entries with message key 0 reference nothing.
func (s *Store) resolveEntryPos(idx index.Store, entry types.QueueEntryRecord) (uint64, bool) {
	if entry.MessageKey == 0 {
		return 0, false
	}
	if len(entry.MessageLocator) > 0 {
		if loc, err := types.DecodeLocator(entry.MessageLocator); err == nil {
			return loc.Position, true
		}
	}
	val, err := idx.Get(types.MessageKey(entry.MessageKey))
	if err != nil {
		return 0, false
	}
	loc, err := types.DecodeLocator(val)
	if err != nil {
		return 0, false
	}
	return loc.Position, true
}

// ledgerIncr resolves a journal position to its file and counts a reference.
func (s *Store) ledgerIncr(jnl *journal.Journal, pos uint64) {
	if info, ok := jnl.InfoFor(pos); ok {
		s.ledger.Incr(info.Position)
	}
}

func (s *Store) ledgerDecr(jnl *journal.Journal, pos uint64) {
	if info, ok := jnl.InfoFor(pos); ok {
		s.ledger.Decr(info.Position)
	}
}
