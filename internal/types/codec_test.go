package types

import (
	"bytes"
	"errors"
	"sync"
	"testing"
)

func TestEntryKeys_SortBySequence(t *testing.T) {
	// Prefix cursors rely on lexicographic order equalling numeric order,
	// including across byte-width boundaries like 255 → 256.
	seqs := []uint64{0, 1, 2, 255, 256, 1 << 16, 1 << 32, 1<<63 + 5}
	var prev []byte
	for _, seq := range seqs {
		key := EntryKey(7, seq)
		if prev != nil && bytes.Compare(prev, key) >= 0 {
			t.Errorf("EntryKey(7, %d) does not sort after its predecessor", seq)
		}
		qk, s := EntryKeyParts(key)
		if qk != 7 || s != seq {
			t.Errorf("EntryKeyParts = (%d, %d), want (7, %d)", qk, s, seq)
		}
		prev = key
	}
}

func TestEntryPrefix_CoversOnlyOneQueue(t *testing.T) {
	prefix := EntryPrefix(7)
	if !bytes.HasPrefix(EntryKey(7, 0), prefix) {
		t.Error("entry of queue 7 does not match its own prefix")
	}
	if bytes.HasPrefix(EntryKey(8, 0), prefix) {
		t.Error("entry of queue 8 matches queue 7's prefix")
	}
}

func TestLocator_RoundTrip(t *testing.T) {
	loc := Locator{Position: 123456789, Length: 42}
	got, err := DecodeLocator(loc.Encode())
	if err != nil {
		t.Fatalf("DecodeLocator: %v", err)
	}
	if got != loc {
		t.Errorf("got %+v, want %+v", got, loc)
	}

	if _, err := DecodeLocator([]byte{1, 2, 3}); !errors.Is(err, ErrCorrupted) {
		t.Errorf("short locator: err = %v, want ErrCorrupted", err)
	}
}

func TestQueueEntry_RoundTrip(t *testing.T) {
	e := QueueEntryRecord{
		QueueKey:       7,
		EntrySeq:       3,
		MessageKey:     42,
		Size:           100,
		Expiration:     1700000000000,
		MessageLocator: Locator{Position: 512, Length: 10}.Encode(),
	}
	got, err := DecodeQueueEntry(EncodeQueueEntry(e))
	if err != nil {
		t.Fatalf("DecodeQueueEntry: %v", err)
	}
	if got.QueueKey != e.QueueKey || got.EntrySeq != e.EntrySeq || got.MessageKey != e.MessageKey ||
		got.Size != e.Size || got.Expiration != e.Expiration ||
		!bytes.Equal(got.MessageLocator, e.MessageLocator) {
		t.Errorf("got %+v, want %+v", got, e)
	}
}

func TestQueueEntry_NoLocator(t *testing.T) {
	e := QueueEntryRecord{QueueKey: 1, EntrySeq: 1, MessageKey: 9}
	got, err := DecodeQueueEntry(EncodeQueueEntry(e))
	if err != nil {
		t.Fatalf("DecodeQueueEntry: %v", err)
	}
	if len(got.MessageLocator) != 0 {
		t.Errorf("locator = %x, want empty", got.MessageLocator)
	}
}

func TestMapEntry_DeleteVsEmptyValue(t *testing.T) {
	del, err := DecodeMapEntry(EncodeMapEntry(MapEntry{Key: []byte("a")}))
	if err != nil {
		t.Fatalf("decode delete: %v", err)
	}
	if del.Value != nil {
		t.Errorf("delete entry decoded with value %q", del.Value)
	}

	empty, err := DecodeMapEntry(EncodeMapEntry(MapEntry{Key: []byte("a"), Value: []byte{}}))
	if err != nil {
		t.Fatalf("decode empty: %v", err)
	}
	if empty.Value == nil {
		t.Error("empty value decoded as delete")
	}
}

func TestMessagePayload_RoundTrip(t *testing.T) {
	key, body, err := DecodeMessagePayload(EncodeMessagePayload(42, []byte("hi")))
	if err != nil {
		t.Fatalf("DecodeMessagePayload: %v", err)
	}
	if key != 42 || string(body) != "hi" {
		t.Errorf("got (%d, %q), want (42, %q)", key, body, "hi")
	}
}

func TestQueueRecord_CorruptMetadataLength(t *testing.T) {
	b := EncodeQueueRecord(QueueRecord{Key: 1, Metadata: []byte("meta")})
	if _, err := DecodeQueueRecord(b[:len(b)-1]); !errors.Is(err, ErrCorrupted) {
		t.Errorf("truncated record: err = %v, want ErrCorrupted", err)
	}
}

func TestLocatorCell_Concurrent(t *testing.T) {
	var cell LocatorCell
	if _, ok := cell.Get(); ok {
		t.Fatal("fresh cell reports a locator")
	}

	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(n uint64) {
			defer wg.Done()
			cell.Set(Locator{Position: n, Length: 1})
		}(uint64(i))
	}
	wg.Wait()

	loc, ok := cell.Get()
	if !ok || loc.Position == 0 {
		t.Errorf("cell = (%+v, %v), want a published locator", loc, ok)
	}
}
