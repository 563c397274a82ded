package store

import (
	"fmt"
)

// GC deletes journal files that hold no live message references. It runs on
// the serial writer so it sees a quiescent ledger.
//
// Safety rule: a file is deleted only when its ledger counter is zero AND
// its position is below both the current append file and the file covered
// by the last index snapshot. A zero-reference file above the snapshot
// boundary must survive — its records have not been captured yet, and
// deleting it would strand live entries across a restart.
func (s *Store) GC() error {
	return s.run(func() error {
		s.snapMu.RLock()
		defer s.snapMu.RUnlock()

		boundary := s.lastSnapshotPos
		if info, ok := s.journal.InfoFor(boundary); ok {
			boundary = info.Position
		}
		if start := s.journal.AppenderStart(); start < boundary {
			boundary = start
		}

		var deleted int
		for _, info := range s.journal.Infos() {
			if info.Position >= boundary || s.ledger.Count(info.Position) != 0 {
				continue
			}
			if err := s.journal.Delete(info.Position); err != nil {
				return fmt.Errorf("store: gc: %w", err)
			}
			deleted++
			s.metrics.GCDeleted.Add(1)
			s.logger.Debug("journal file reclaimed", "position", info.Position, "limit", info.Limit)
		}
		if deleted > 0 {
			s.logger.Info("gc complete", "files_deleted", deleted)
		}
		return nil
	})
}
