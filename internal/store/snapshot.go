package store

import (
	"fmt"
	"os"

	"github.com/myluco/activemq-apollo/internal/index"
	"github.com/myluco/activemq-apollo/internal/types"
)

// SnapshotIndex produces a consistent on-disk copy of the index named by
// the journal position it covers. It takes the write side of the snapshot
// lock, so readers and the writer pause for the duration; the copy itself
// is hard-links when the backend allows it, so the pause is short.
//
// If anything fails after the index is closed, the temp directory is
// discarded and the prior snapshot is kept; the next attempt retries.
func (s *Store) SnapshotIndex() error {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	if s.idx == nil {
		return ErrStopped
	}

	// The snapshot is named by the position it covers; everything up to
	// that position must actually be on disk before the name is claimed.
	if err := s.journal.Sync(); err != nil {
		return fmt.Errorf("store: snapshot index: %w", err)
	}

	// Nothing appended since the last snapshot: keep it.
	pos := s.journal.AppenderLimit()
	if pos == s.lastSnapshotPos && dirExists(s.snapshotPath(pos)) {
		return nil
	}

	// Suspend: persist the ledger, clear the dirty marker, close. Whether
	// the copy may hard-link is the open backend's call — its files must be
	// immutable once written, or the reopened index would corrupt the
	// snapshot through the shared inodes.
	linkSafe := s.idx.LinkSafe()
	if err := s.writeCleanMarker(); err != nil {
		return err
	}
	if err := s.idx.Close(); err != nil {
		return fmt.Errorf("store: close index for snapshot: %w", err)
	}
	s.idx = nil

	err := s.copyDirtyIndexTo(pos, linkSafe)

	// Resume on dirty.index whether or not the copy succeeded.
	idx, openErr := index.Open(s.dirtyIndexPath(), s.cfg.IndexFactory, s.indexOptions())
	if openErr == nil {
		if perr := idx.Put(types.KeyDirty, []byte{1}, true); perr != nil && err == nil {
			err = perr
		}
		s.idx = idx
	} else if err == nil {
		err = openErr
	}

	if err != nil {
		return fmt.Errorf("store: snapshot index: %w", err)
	}

	prev := s.lastSnapshotPos
	s.lastSnapshotPos = pos
	s.metrics.Snapshots.Add(1)
	s.logger.Info("index snapshot taken", "position", pos, "previous", prev)
	return nil
}

// copyDirtyIndexTo clones dirty.index into a snapshot directory for pos and
// retires the previous snapshot. Called with the index closed.
func (s *Store) copyDirtyIndexTo(pos uint64, linkSafe bool) error {
	temp := s.tempIndexPath()
	if err := os.RemoveAll(temp); err != nil {
		return err
	}
	if err := os.MkdirAll(temp, 0o750); err != nil {
		return err
	}

	if err := linkOrCopyDir(s.dirtyIndexPath(), temp, linkSafe); err != nil {
		_ = os.RemoveAll(temp)
		return err
	}
	if err := os.Rename(temp, s.snapshotPath(pos)); err != nil {
		_ = os.RemoveAll(temp)
		return err
	}

	if prev := s.snapshotPath(s.lastSnapshotPos); s.lastSnapshotPos != pos && dirExists(prev) {
		if err := os.RemoveAll(prev); err != nil {
			s.logger.Warn("could not remove previous snapshot", "path", prev, "err", err)
		}
	}
	return nil
}

// Purge discards everything: journal files, the live index, and all
// snapshots. The store comes back empty and running.
func (s *Store) Purge() error {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	return s.purgeLocked()
}

func (s *Store) purgeLocked() error {
	if s.idx == nil {
		return ErrStopped
	}

	if err := s.idx.Close(); err != nil {
		return fmt.Errorf("store: purge: close index: %w", err)
	}
	s.idx = nil
	if err := s.journal.Close(); err != nil {
		return fmt.Errorf("store: purge: close journal: %w", err)
	}
	s.journal = nil

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("store: purge: %w", err)
	}
	for _, e := range entries {
		if e.Name() == "instance_id" {
			continue
		}
		if err := os.RemoveAll(s.snapshotPathByName(e.Name())); err != nil {
			return fmt.Errorf("store: purge %s: %w", e.Name(), err)
		}
	}

	s.ledger.Reset()
	s.lastSnapshotPos = 0
	if err := s.openAndRecover(); err != nil {
		return fmt.Errorf("store: purge: reopen: %w", err)
	}
	s.logger.Info("store purged", "dir", s.dir)
	return nil
}
