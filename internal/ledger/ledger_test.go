package ledger

import (
	"encoding/json"
	"testing"
)

func TestIncrDecr(t *testing.T) {
	l := New()

	l.Incr(100)
	l.Incr(100)
	l.Incr(200)
	if got := l.Count(100); got != 2 {
		t.Errorf("Count(100) = %d, want 2", got)
	}
	if got := l.Count(200); got != 1 {
		t.Errorf("Count(200) = %d, want 1", got)
	}

	l.Decr(100)
	if got := l.Count(100); got != 1 {
		t.Errorf("Count(100) after decr = %d, want 1", got)
	}

	// Hitting zero drops the entry entirely.
	l.Decr(100)
	if got := l.Count(100); got != 0 {
		t.Errorf("Count(100) = %d, want 0", got)
	}
	if l.Len() != 1 {
		t.Errorf("Len = %d, want 1", l.Len())
	}

	// Decrementing an absent entry is a no-op, never a negative counter.
	l.Decr(100)
	if got := l.Count(100); got != 0 {
		t.Errorf("Count(100) after extra decr = %d, want 0", got)
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	l := New()
	l.Incr(0)
	l.Incr(1 << 40)
	l.Incr(1 << 40)

	b, err := l.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got := New()
	if err := got.Decode(b); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Count(0) != 1 || got.Count(1<<40) != 2 {
		t.Errorf("decoded counts = (%d, %d), want (1, 2)", got.Count(0), got.Count(1<<40))
	}
}

func TestEncode_StringifiedKeys(t *testing.T) {
	// The on-disk form keys the map by the decimal string of the file
	// position; the u64 domain exists only in memory.
	l := New()
	l.Incr(12345)

	b, err := l.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var m map[string]int64
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if m["12345"] != 1 {
		t.Errorf("encoded map = %v", m)
	}
}

func TestDecode_DropsNonPositive(t *testing.T) {
	l := New()
	if err := l.Decode([]byte(`{"1":3,"2":0,"3":-4}`)); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if l.Count(1) != 3 || l.Count(2) != 0 || l.Count(3) != 0 || l.Len() != 1 {
		t.Errorf("counts = (%d, %d, %d), len = %d", l.Count(1), l.Count(2), l.Count(3), l.Len())
	}
}

func TestDecode_BadKey(t *testing.T) {
	l := New()
	if err := l.Decode([]byte(`{"not-a-number":1}`)); err == nil {
		t.Fatal("Decode accepted a non-numeric key")
	}
}
