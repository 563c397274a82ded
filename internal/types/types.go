// Package types defines the records the store persists — queues, queue
// entries, messages, and map entries — together with their index key layout
// and binary codecs.
package types

import (
	"sync/atomic"
)

// QueueRecord describes a queue known to the store. Metadata is an opaque
// blob owned by the broker (binding, address, consumer config — the store
// never interprets it).
type QueueRecord struct {
	Key      uint64
	Metadata []byte
}

// QueueEntryRecord places a message on a queue at a given sequence.
// MessageLocator, when non-empty, is the encoded Locator of the message
// payload in the journal; entries written before the locator was known
// leave it empty and resolve through the message index instead.
type QueueEntryRecord struct {
	QueueKey       uint64
	EntrySeq       uint64
	MessageKey     uint64
	Size           uint32
	Expiration     int64
	MessageLocator []byte
}

// MessageRecord is a message payload being written by a unit of work.
// Locator, if set, is a shared cell the committer publishes the payload's
// journal locator into, so later enqueues of the same in-memory message can
// skip an index lookup.
type MessageRecord struct {
	Key     uint64
	Payload []byte
	Locator *LocatorCell
}

// Locator identifies a payload in the journal: the logical position of its
// record and the payload length.
type Locator struct {
	Position uint64
	Length   uint32
}

// IsZero reports whether the locator is unset.
func (l Locator) IsZero() bool { return l.Position == 0 && l.Length == 0 }

// LocatorCell is a small shared cell holding the latest known Locator for an
// in-flight message. It is written once at commit and read by later enqueues
// in the same unit of work, possibly from other goroutines.
type LocatorCell struct {
	p atomic.Pointer[Locator]
}

// Set publishes loc into the cell.
func (c *LocatorCell) Set(loc Locator) {
	l := loc
	c.p.Store(&l)
}

// Get returns the current locator and whether one has been published.
func (c *LocatorCell) Get() (Locator, bool) {
	p := c.p.Load()
	if p == nil {
		return Locator{}, false
	}
	return *p, true
}

// MapEntry is an upsert or delete of an opaque user key/value pair.
// A nil Value marks a delete.
type MapEntry struct {
	Key   []byte
	Value []byte
}
