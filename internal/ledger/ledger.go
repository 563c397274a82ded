// Package ledger tracks, per journal file, how many live queue entries
// still reference a message stored in that file. A file whose counter is
// zero and whose content is covered by an index snapshot is garbage.
package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Ledger maps a journal file's start position to its live-reference count.
// Only non-zero counters are held. The ledger is mutated exclusively from
// the serial writer context (commits, recovery, removal cascades), so it
// carries no lock of its own.
type Ledger struct {
	refs map[uint64]int64
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{refs: make(map[uint64]int64)}
}

// Incr adds one reference to the file at filePos.
func (l *Ledger) Incr(filePos uint64) {
	l.refs[filePos]++
}

// Decr drops one reference from the file at filePos, removing the entry
// when it reaches zero. Counters never go negative; a decrement on an
// absent entry is ignored.
func (l *Ledger) Decr(filePos uint64) {
	n, ok := l.refs[filePos]
	if !ok {
		return
	}
	if n <= 1 {
		delete(l.refs, filePos)
		return
	}
	l.refs[filePos] = n - 1
}

// Count returns the live-reference count for filePos.
func (l *Ledger) Count(filePos uint64) int64 {
	return l.refs[filePos]
}

// Len returns how many files carry a non-zero counter.
func (l *Ledger) Len() int { return len(l.refs) }

// Reset drops every counter.
func (l *Ledger) Reset() {
	l.refs = make(map[uint64]int64)
}

// Encode serialises the ledger for the :log-refs sentinel key: a JSON map
// keyed by the stringified u64 file position. The key domain is u64; the
// string form exists only on the wire.
func (l *Ledger) Encode() ([]byte, error) {
	m := make(map[string]int64, len(l.refs))
	for pos, n := range l.refs {
		m[strconv.FormatUint(pos, 10)] = n
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode: %w", err)
	}
	return b, nil
}

// Decode replaces the ledger's contents with the serialised form in b.
// Zero and negative counters are dropped rather than kept.
func (l *Ledger) Decode(b []byte) error {
	var m map[string]int64
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("ledger: decode: %w", err)
	}
	refs := make(map[uint64]int64, len(m))
	for k, n := range m {
		pos, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			return fmt.Errorf("ledger: decode key %q: %w", k, err)
		}
		if n > 0 {
			refs[pos] = n
		}
	}
	l.refs = refs
	return nil
}
