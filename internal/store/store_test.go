package store_test

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/myluco/activemq-apollo/internal/config"
	"github.com/myluco/activemq-apollo/internal/journal"
	"github.com/myluco/activemq-apollo/internal/store"
	"github.com/myluco/activemq-apollo/internal/types"
)

// ---- helpers ----------------------------------------------------------------

func testConfig(dir string) *config.Config {
	cfg := config.Default()
	cfg.Directory = dir
	return cfg
}

func openStore(t *testing.T, cfg *config.Config) *store.Store {
	t.Helper()
	s, err := store.New(cfg, nil)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("store.Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

// enqueueMessage commits one message onto a queue at the given sequence.
func enqueueMessage(t *testing.T, s *store.Store, queue, seq, msgKey uint64, body []byte) {
	t.Helper()
	uow := &store.UnitOfWork{
		Actions: []store.MessageAction{{
			Message: &types.MessageRecord{Key: msgKey, Payload: body, Locator: &types.LocatorCell{}},
			Enqueues: []types.QueueEntryRecord{{
				QueueKey:   queue,
				EntrySeq:   seq,
				MessageKey: msgKey,
				Size:       uint32(len(body)),
			}},
		}},
	}
	if err := s.StoreAndWait(uow); err != nil {
		t.Fatalf("StoreAndWait(enqueue %d/%d): %v", queue, seq, err)
	}
}

func loadOne(t *testing.T, s *store.Store, msgKey uint64) store.LoadedMessage {
	t.Helper()
	out, err := s.LoadMessages([]store.MessageLoad{{MessageKey: msgKey}})
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	return out[0]
}

func countFiles(t *testing.T, dir, suffix string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	n := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), suffix) {
			n++
		}
	}
	return n
}

// ---- scenarios --------------------------------------------------------------

func TestWriteRead(t *testing.T) {
	s := openStore(t, testConfig(t.TempDir()))

	if err := s.AddQueueAndWait(types.QueueRecord{Key: 1}); err != nil {
		t.Fatalf("AddQueue: %v", err)
	}

	done := make(chan error, 1)
	uow := &store.UnitOfWork{
		Actions: []store.MessageAction{{
			Message: &types.MessageRecord{Key: 42, Payload: []byte("hi"), Locator: &types.LocatorCell{}},
			Enqueues: []types.QueueEntryRecord{{
				QueueKey: 1, EntrySeq: 0, MessageKey: 42, Size: 2,
			}},
		}},
		OnComplete: func(err error) { done <- err },
	}
	if err := s.Store([]*store.UnitOfWork{uow}, nil); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("commit: %v", err)
	}

	got := loadOne(t, s, 42)
	if got.Err != nil {
		t.Fatalf("load: %v", got.Err)
	}
	if string(got.Payload) != "hi" {
		t.Errorf("payload = %q, want %q", got.Payload, "hi")
	}

	// The commit published the locator into the message's shared cell.
	if _, ok := uow.Actions[0].Message.Locator.Get(); !ok {
		t.Error("locator cell was not published")
	}
}

func TestMapUpsertDelete_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	s := openStore(t, cfg)
	err := s.StoreAndWait(&store.UnitOfWork{
		MapActions: []types.MapEntry{
			{Key: []byte("a"), Value: []byte("1")},
			{Key: []byte("b"), Value: []byte("2")},
		},
	})
	if err != nil {
		t.Fatalf("StoreAndWait: %v", err)
	}
	err = s.StoreAndWait(&store.UnitOfWork{
		MapActions: []types.MapEntry{{Key: []byte("a"), Value: nil}},
	})
	if err != nil {
		t.Fatalf("StoreAndWait delete: %v", err)
	}

	check := func(s *store.Store) {
		t.Helper()
		if _, ok, err := s.Get([]byte("a")); err != nil || ok {
			t.Errorf(`Get("a") = (ok=%v, err=%v), want absent`, ok, err)
		}
		v, ok, err := s.Get([]byte("b"))
		if err != nil || !ok || string(v) != "2" {
			t.Errorf(`Get("b") = (%q, %v, %v), want "2"`, v, ok, err)
		}
	}
	check(s)

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	check(openStore(t, cfg))
}

func TestRemoveQueueCascade_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	s := openStore(t, cfg)
	if err := s.AddQueueAndWait(types.QueueRecord{Key: 7}); err != nil {
		t.Fatalf("AddQueue: %v", err)
	}
	for seq := uint64(0); seq < 3; seq++ {
		enqueueMessage(t, s, 7, seq, 100+seq, []byte("payload"))
	}
	if err := s.RemoveQueueAndWait(7); err != nil {
		t.Fatalf("RemoveQueue: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	s2 := openStore(t, cfg)
	queues, err := s2.ListQueues()
	if err != nil {
		t.Fatalf("ListQueues: %v", err)
	}
	for _, q := range queues {
		if q.Key == 7 {
			t.Error("queue 7 survived removal and restart")
		}
	}
	entries, err := s2.GetQueueEntries(7, 0, math.MaxUint64)
	if err != nil {
		t.Fatalf("GetQueueEntries: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("queue 7 still has %d entries", len(entries))
	}
}

func TestDequeueReleasesLogFile(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.LogSize = 1024 // force rotations with small payloads

	s := openStore(t, cfg)
	if err := s.AddQueueAndWait(types.QueueRecord{Key: 1}); err != nil {
		t.Fatalf("AddQueue: %v", err)
	}

	body := bytes.Repeat([]byte("m"), 200)
	var seq uint64
	for countFiles(t, dir, ".log") < 3 {
		enqueueMessage(t, s, 1, seq, 1000+seq, body)
		seq++
	}

	entries, err := s.GetQueueEntries(1, 0, math.MaxUint64)
	if err != nil {
		t.Fatalf("GetQueueEntries: %v", err)
	}
	if uint64(len(entries)) != seq {
		t.Fatalf("got %d entries, want %d", len(entries), seq)
	}
	err = s.StoreAndWait(&store.UnitOfWork{
		Actions: []store.MessageAction{{Dequeues: entries}},
	})
	if err != nil {
		t.Fatalf("dequeue all: %v", err)
	}

	if err := s.SnapshotIndex(); err != nil {
		t.Fatalf("SnapshotIndex: %v", err)
	}
	if err := s.GC(); err != nil {
		t.Fatalf("GC: %v", err)
	}

	// Everything but the append file is unreferenced and below the
	// snapshot boundary, so GC must have reclaimed it.
	if got := countFiles(t, dir, ".log"); got != 1 {
		t.Errorf("%d log files remain after gc, want 1", got)
	}
	if _, err := os.Stat(filepath.Join(dir, fmt.Sprintf("%016x.log", 0))); !os.IsNotExist(err) {
		t.Errorf("first log file still present (err=%v)", err)
	}
}

func TestRecovery_ReplaysJournalTail(t *testing.T) {
	// Simulate a crash after the journal writes but before any index state
	// existed: hand-append records, then let recovery rebuild the index.
	dir := t.TempDir()

	j, err := journal.Open(dir, journal.Config{})
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	if _, err := j.Append(journal.KindAddQueue, types.EncodeQueueRecord(types.QueueRecord{Key: 1})); err != nil {
		t.Fatalf("append queue: %v", err)
	}
	msgPayload := types.EncodeMessagePayload(42, []byte("hi"))
	msgPos, err := j.Append(journal.KindAddMessage, msgPayload)
	if err != nil {
		t.Fatalf("append message: %v", err)
	}
	entry := types.QueueEntryRecord{
		QueueKey: 1, EntrySeq: 0, MessageKey: 42, Size: 2,
		MessageLocator: types.Locator{Position: msgPos, Length: uint32(len(msgPayload))}.Encode(),
	}
	if _, err := j.Append(journal.KindAddQueueEntry, types.EncodeQueueEntry(entry)); err != nil {
		t.Fatalf("append entry: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("journal.Close: %v", err)
	}

	s := openStore(t, testConfig(dir))

	queues, err := s.ListQueues()
	if err != nil {
		t.Fatalf("ListQueues: %v", err)
	}
	if len(queues) != 1 || queues[0].Key != 1 {
		t.Fatalf("queues = %+v, want [queue 1]", queues)
	}
	got := loadOne(t, s, 42)
	if got.Err != nil || string(got.Payload) != "hi" {
		t.Errorf("load = (%q, %v), want %q", got.Payload, got.Err, "hi")
	}
	entries, err := s.GetQueueEntries(1, 0, math.MaxUint64)
	if err != nil {
		t.Fatalf("GetQueueEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].MessageKey != 42 {
		t.Errorf("entries = %+v", entries)
	}
}

func TestRecovery_IgnoresRecordsAfterCorruption(t *testing.T) {
	// Records past a corrupt one are discarded, leaving the longest intact
	// prefix of the log.
	dir := t.TempDir()

	j, err := journal.Open(dir, journal.Config{})
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	if _, err := j.Append(journal.KindMapEntry, types.EncodeMapEntry(types.MapEntry{Key: []byte("keep"), Value: []byte("1")})); err != nil {
		t.Fatalf("append: %v", err)
	}
	tearPos, err := j.Append(journal.KindMapEntry, types.EncodeMapEntry(types.MapEntry{Key: []byte("torn"), Value: []byte("2")}))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("journal.Close: %v", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%016x.log", 0))
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	if _, err := f.WriteAt([]byte{0xff}, int64(tearPos)+3); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s := openStore(t, testConfig(dir))
	if v, ok, err := s.Get([]byte("keep")); err != nil || !ok || string(v) != "1" {
		t.Errorf(`Get("keep") = (%q, %v, %v)`, v, ok, err)
	}
	if _, ok, err := s.Get([]byte("torn")); err != nil || ok {
		t.Errorf(`Get("torn") = (ok=%v, err=%v), want absent`, ok, err)
	}
}

func TestSnapshotDuringWrites(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	s := openStore(t, cfg)

	const n = 40
	writeDone := make(chan error, 1)
	go func() {
		for i := 0; i < n; i++ {
			err := s.StoreAndWait(&store.UnitOfWork{
				MapActions: []types.MapEntry{{
					Key:   []byte(fmt.Sprintf("k%03d", i)),
					Value: []byte("v"),
				}},
			})
			if err != nil {
				writeDone <- err
				return
			}
		}
		writeDone <- nil
	}()

	if err := s.SnapshotIndex(); err != nil {
		t.Fatalf("SnapshotIndex: %v", err)
	}
	if err := <-writeDone; err != nil {
		t.Fatalf("background writes: %v", err)
	}
	if err := s.SnapshotIndex(); err != nil {
		t.Fatalf("second SnapshotIndex: %v", err)
	}

	// Snapshot atomicity: exactly one snapshot dir besides dirty.index.
	snapshots := 0
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".index") && e.Name() != "dirty.index" && e.Name() != "temp.index" {
			snapshots++
		}
	}
	if snapshots != 1 {
		t.Errorf("%d snapshot dirs, want exactly 1", snapshots)
	}

	// No unit of work that completed before the snapshot may be lost.
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	s2 := openStore(t, cfg)
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%03d", i))
		if _, ok, err := s2.Get(key); err != nil || !ok {
			t.Errorf("Get(%s) after restart = (ok=%v, err=%v)", key, ok, err)
		}
	}
}

func TestExportImport_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, testConfig(dir))

	if err := s.AddQueueAndWait(types.QueueRecord{Key: 1, Metadata: []byte("orders")}); err != nil {
		t.Fatalf("AddQueue: %v", err)
	}
	enqueueMessage(t, s, 1, 0, 42, []byte("first"))
	enqueueMessage(t, s, 1, 1, 43, []byte("second"))
	err := s.StoreAndWait(&store.UnitOfWork{
		MapActions: []types.MapEntry{{Key: []byte("a"), Value: []byte("1")}},
	})
	if err != nil {
		t.Fatalf("StoreAndWait: %v", err)
	}

	var buf bytes.Buffer
	if err := s.Export(&buf); err != nil {
		t.Fatalf("Export: %v", err)
	}

	// Mutate past the export point; import must roll it back.
	err = s.StoreAndWait(&store.UnitOfWork{
		MapActions: []types.MapEntry{{Key: []byte("late"), Value: []byte("x")}},
	})
	if err != nil {
		t.Fatalf("StoreAndWait: %v", err)
	}

	if err := s.Import(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("Import: %v", err)
	}

	queues, err := s.ListQueues()
	if err != nil {
		t.Fatalf("ListQueues: %v", err)
	}
	if len(queues) != 1 || queues[0].Key != 1 || string(queues[0].Metadata) != "orders" {
		t.Errorf("queues = %+v", queues)
	}
	for key, want := range map[uint64]string{42: "first", 43: "second"} {
		got := loadOne(t, s, key)
		if got.Err != nil || string(got.Payload) != want {
			t.Errorf("message %d = (%q, %v), want %q", key, got.Payload, got.Err, want)
		}
	}
	entries, err := s.GetQueueEntries(1, 0, math.MaxUint64)
	if err != nil {
		t.Fatalf("GetQueueEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("%d entries after import, want 2", len(entries))
	}
	if v, ok, err := s.Get([]byte("a")); err != nil || !ok || string(v) != "1" {
		t.Errorf(`Get("a") = (%q, %v, %v)`, v, ok, err)
	}
	if _, ok, err := s.Get([]byte("late")); err != nil || ok {
		t.Errorf(`Get("late") survived import (ok=%v, err=%v)`, ok, err)
	}
}

func TestBoltFactory_SnapshotByCopy(t *testing.T) {
	// The pure-Go backend cannot hard-link its file; snapshots fall back to
	// byte copies and recovery must still come up from them.
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.IndexFactory = "bolt"

	s := openStore(t, cfg)
	err := s.StoreAndWait(&store.UnitOfWork{
		MapActions: []types.MapEntry{{Key: []byte("k"), Value: []byte("v")}},
	})
	if err != nil {
		t.Fatalf("StoreAndWait: %v", err)
	}
	if err := s.SnapshotIndex(); err != nil {
		t.Fatalf("SnapshotIndex: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	s2 := openStore(t, cfg)
	if v, ok, err := s2.Get([]byte("k")); err != nil || !ok || string(v) != "v" {
		t.Errorf("Get after bolt snapshot restart = (%q, %v, %v)", v, ok, err)
	}
}

func TestLastKeys(t *testing.T) {
	s := openStore(t, testConfig(t.TempDir()))

	lastMsg, err := s.LastMessageKey()
	if err != nil || lastMsg != 0 {
		t.Errorf("empty store LastMessageKey = (%d, %v)", lastMsg, err)
	}

	if err := s.AddQueueAndWait(types.QueueRecord{Key: 3}); err != nil {
		t.Fatalf("AddQueue: %v", err)
	}
	if err := s.AddQueueAndWait(types.QueueRecord{Key: 9}); err != nil {
		t.Fatalf("AddQueue: %v", err)
	}
	enqueueMessage(t, s, 3, 0, 77, []byte("x"))

	lastMsg, err = s.LastMessageKey()
	if err != nil || lastMsg != 77 {
		t.Errorf("LastMessageKey = (%d, %v), want 77", lastMsg, err)
	}
	lastQueue, err := s.LastQueueKey()
	if err != nil || lastQueue != 9 {
		t.Errorf("LastQueueKey = (%d, %v), want 9", lastQueue, err)
	}
}

func TestListQueueEntryGroups(t *testing.T) {
	s := openStore(t, testConfig(t.TempDir()))

	if err := s.AddQueueAndWait(types.QueueRecord{Key: 1}); err != nil {
		t.Fatalf("AddQueue: %v", err)
	}
	for seq := uint64(0); seq < 7; seq++ {
		uow := &store.UnitOfWork{
			Actions: []store.MessageAction{{
				Message: &types.MessageRecord{Key: 500 + seq, Payload: []byte("abcd")},
				Enqueues: []types.QueueEntryRecord{{
					QueueKey: 1, EntrySeq: seq, MessageKey: 500 + seq,
					Size:       4,
					Expiration: int64(1000 + seq),
				}},
			}},
		}
		if err := s.StoreAndWait(uow); err != nil {
			t.Fatalf("StoreAndWait: %v", err)
		}
	}

	groups, err := s.ListQueueEntryGroups(1, 3)
	if err != nil {
		t.Fatalf("ListQueueEntryGroups: %v", err)
	}
	if len(groups) != 3 {
		t.Fatalf("%d groups, want 3", len(groups))
	}
	if groups[0].FirstSeq != 0 || groups[0].LastSeq != 2 || groups[0].Count != 3 || groups[0].Size != 12 {
		t.Errorf("group 0 = %+v", groups[0])
	}
	if groups[0].Expiration != 1000 {
		t.Errorf("group 0 expiration = %d, want 1000", groups[0].Expiration)
	}
	if groups[2].FirstSeq != 6 || groups[2].Count != 1 {
		t.Errorf("group 2 = %+v", groups[2])
	}
}

func TestPurge(t *testing.T) {
	s := openStore(t, testConfig(t.TempDir()))

	if err := s.AddQueueAndWait(types.QueueRecord{Key: 1}); err != nil {
		t.Fatalf("AddQueue: %v", err)
	}
	enqueueMessage(t, s, 1, 0, 42, []byte("hi"))

	if err := s.Purge(); err != nil {
		t.Fatalf("Purge: %v", err)
	}

	queues, err := s.ListQueues()
	if err != nil {
		t.Fatalf("ListQueues: %v", err)
	}
	if len(queues) != 0 {
		t.Errorf("%d queues after purge", len(queues))
	}
	if got := loadOne(t, s, 42); got.Err == nil {
		t.Error("message 42 survived purge")
	}

	// The store keeps working after a purge.
	if err := s.AddQueueAndWait(types.QueueRecord{Key: 2}); err != nil {
		t.Fatalf("AddQueue after purge: %v", err)
	}
}
