// Package store implements the persistent message store engine: an
// append-only journal as the source of truth, a sorted key/value index for
// fast lookup, a per-file live-reference ledger, and the recovery, snapshot,
// and garbage-collection machinery that ties them together.
package store

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/myluco/activemq-apollo/internal/config"
	"github.com/myluco/activemq-apollo/internal/index"
	"github.com/myluco/activemq-apollo/internal/journal"
	"github.com/myluco/activemq-apollo/internal/ledger"
	"github.com/myluco/activemq-apollo/internal/metrics"
	"github.com/myluco/activemq-apollo/internal/node"
	"github.com/myluco/activemq-apollo/internal/types"
)

const (
	dirtyIndexDir = "dirty.index"
	tempIndexDir  = "temp.index"
	indexSuffix   = ".index"
)

// ErrStopped is returned by operations submitted after Stop (or before Start).
var ErrStopped = errors.New("store: not running")

// Store is the store engine client. All methods are safe for concurrent use
// once Start has returned.
//
// Concurrency model: every user operation (commits and reads) holds the read
// side of snapMu; only the snapshot/suspend path takes the write side, which
// guarantees the index file set is stable while it is being copied. Mutating
// operations additionally serialize through a single writer goroutine, so
// the ledger needs no lock of its own.
type Store struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics metrics.Registry

	dir        string
	instanceID node.ID

	snapMu sync.RWMutex

	journal *journal.Journal
	idx     index.Store
	ledger  *ledger.Ledger
	// lastSnapshotPos is the journal position covered by the current on-disk
	// snapshot directory (0 when none exists). Mutated only while holding
	// the write side of snapMu or during single-threaded startup.
	lastSnapshotPos uint64

	taskMu   sync.Mutex
	tasks    chan task
	started  bool
	stopping atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup

	retryLog *rate.Limiter
}

type task struct {
	fn func() error
	cb func(error)
}

// New builds a Store from cfg. Call Start to open it.
func New(cfg *config.Config, logger *slog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("store: invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cfg:      cfg,
		logger:   logger.With("component", "store"),
		dir:      cfg.Directory,
		ledger:   ledger.New(),
		retryLog: rate.NewLimiter(rate.Every(time.Second), 1),
	}, nil
}

// Metrics returns the engine's counter registry.
func (s *Store) Metrics() *metrics.Registry { return &s.metrics }

// Start opens the data directory, recovers the index from the last snapshot
// plus the journal tail, and starts the serial writer. Recovery retries
// transient failures; it returns only on success or once Stop is called.
func (s *Store) Start() error {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	if s.started {
		return nil
	}

	id, err := node.Load(s.dir)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	s.instanceID = id
	s.stopCh = make(chan struct{})
	s.stopping.Store(false)

	if err := s.withRetry("open", s.openAndRecover); err != nil {
		return fmt.Errorf("store: open: %w", err)
	}

	s.tasks = make(chan task, 64)
	s.started = true
	s.wg.Add(1)
	go s.writerLoop()

	s.logger.Info("store started",
		"instance_id", s.instanceID,
		"dir", s.dir,
		"snapshot_pos", s.lastSnapshotPos,
		"appender_limit", s.journal.AppenderLimit(),
	)
	return nil
}

// Stop drains the writer, marks the index clean, and closes everything.
func (s *Store) Stop() error {
	// Set before taking taskMu: a Start still retrying recovery holds it,
	// and gives up at its next failed attempt once it sees this flag.
	s.stopping.Store(true)
	s.taskMu.Lock()
	if !s.started {
		s.taskMu.Unlock()
		return nil
	}
	s.started = false
	s.stopping.Store(true)
	close(s.stopCh)
	close(s.tasks)
	s.taskMu.Unlock()

	s.wg.Wait()

	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	var firstErr error
	// A clean shutdown persists the ledger and clears the dirty marker in
	// dirty.index. The next open rebuilds dirty.index from the newest
	// snapshot either way. idx can be nil here if a failed snapshot could
	// not reopen it.
	if s.idx != nil {
		if err := s.writeCleanMarker(); err != nil {
			firstErr = err
		}
		if err := s.idx.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("store: close index: %w", err)
		}
		s.idx = nil
	}
	if err := s.journal.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("store: close journal: %w", err)
	}
	s.journal = nil

	s.logger.Info("store stopped", "instance_id", s.instanceID)
	return firstErr
}

// writeCleanMarker writes :log-refs and :dirty=false, synced.
func (s *Store) writeCleanMarker() error {
	enc, err := s.ledger.Encode()
	if err != nil {
		return err
	}
	b := &index.Batch{}
	b.Put(types.KeyLogRefs, enc)
	b.Put(types.KeyDirty, []byte{0})
	if err := s.idx.Write(b, true); err != nil {
		return fmt.Errorf("store: write clean marker: %w", err)
	}
	return nil
}

// writerLoop is the single consumer of the task queue. Arrival order here
// determines both journal order and index order across units of work.
func (s *Store) writerLoop() {
	defer s.wg.Done()
	for t := range s.tasks {
		err := t.fn()
		if t.cb != nil {
			t.cb(err)
		}
	}
}

// enqueue hands a task to the writer. cb runs on the writer goroutine.
func (s *Store) enqueue(fn func() error, cb func(error)) error {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	if !s.started || s.stopping.Load() {
		return ErrStopped
	}
	s.tasks <- task{fn: fn, cb: cb}
	return nil
}

// run submits fn to the writer and waits for it.
func (s *Store) run(fn func() error) error {
	done := make(chan error, 1)
	if err := s.enqueue(fn, func(err error) { done <- err }); err != nil {
		return err
	}
	return <-done
}

// withRetry runs fn until it succeeds, retrying transient failures once per
// second. It gives up only when the store is stopping. Log output is capped
// at one line per second so a long outage (disk full, say) does not flood.
func (s *Store) withRetry(op string, fn func() error) error {
	traceID := ""
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if s.stopping.Load() {
			return err
		}
		s.metrics.Retries.Add(1)
		if traceID == "" {
			traceID, _ = node.NewID()
		}
		if s.retryLog.Allow() {
			s.logger.Warn("store operation failed, will retry",
				"op", op, "trace_id", traceID, "err", err)
		}
		select {
		case <-time.After(time.Second):
		case <-s.stopCh:
			return err
		}
	}
}

// ─── directory helpers ────────────────────────────────────────────────────────

func (s *Store) dirtyIndexPath() string { return filepath.Join(s.dir, dirtyIndexDir) }
func (s *Store) tempIndexPath() string  { return filepath.Join(s.dir, tempIndexDir) }

func (s *Store) snapshotPath(pos uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%016x%s", pos, indexSuffix))
}

// osLink is swapped out by tests that assert whether the link path ran.
var osLink = os.Link

// linkOrCopyDir populates dst with the files of src. When allowLink is true
// it hard-links each file and falls back to a byte copy if the filesystem
// refuses; linking makes a snapshot O(#files) and space-free.
func linkOrCopyDir(src, dst string, allowLink bool) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		from := filepath.Join(src, e.Name())
		to := filepath.Join(dst, e.Name())
		if allowLink {
			if err := osLink(from, to); err == nil {
				continue
			}
		}
		if err := copyFile(from, to); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(from, to string) error {
	in, err := os.Open(from)
	if err != nil {
		return fmt.Errorf("copy %s: %w", from, err)
	}
	defer in.Close()

	out, err := os.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return fmt.Errorf("copy to %s: %w", to, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", from, err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fmt.Errorf("sync %s: %w", to, err)
	}
	return out.Close()
}
