package types

import (
	"encoding/binary"
)

// Index key prefixes. Every key in the index is the one-byte prefix followed
// by fixed-width big-endian integers, so that lexicographic order equals
// numeric order. Prefix and range cursors depend on this.
const (
	PrefixMessage byte = 'm' // m ∥ u64(msgKey)              → encoded Locator
	PrefixQueue   byte = 'q' // q ∥ u64(queueKey)            → encoded QueueRecord
	PrefixEntry   byte = 'e' // e ∥ u64(queueKey) ∥ u64(seq) → encoded QueueEntryRecord
	PrefixMap     byte = 'p' // p ∥ userKey                  → opaque user value
)

// Sentinel keys outside the prefix space.
var (
	KeyDirty   = []byte(":dirty")    // present+1 while the live index is mutable
	KeyLogRefs = []byte(":log-refs") // serialized ledger, written before close
)

// MessageKey returns the index key for a message.
func MessageKey(msgKey uint64) []byte {
	b := make([]byte, 9)
	b[0] = PrefixMessage
	binary.BigEndian.PutUint64(b[1:], msgKey)
	return b
}

// QueueKey returns the index key for a queue record.
func QueueKey(queueKey uint64) []byte {
	b := make([]byte, 9)
	b[0] = PrefixQueue
	binary.BigEndian.PutUint64(b[1:], queueKey)
	return b
}

// EntryKey returns the index key for a queue entry.
func EntryKey(queueKey, entrySeq uint64) []byte {
	b := make([]byte, 17)
	b[0] = PrefixEntry
	binary.BigEndian.PutUint64(b[1:], queueKey)
	binary.BigEndian.PutUint64(b[9:], entrySeq)
	return b
}

// EntryPrefix returns the key prefix covering every entry of one queue.
func EntryPrefix(queueKey uint64) []byte {
	b := make([]byte, 9)
	b[0] = PrefixEntry
	binary.BigEndian.PutUint64(b[1:], queueKey)
	return b
}

// MapKey returns the index key for an opaque user key.
func MapKey(userKey []byte) []byte {
	b := make([]byte, 1+len(userKey))
	b[0] = PrefixMap
	copy(b[1:], userKey)
	return b
}

// KeySuffixU64 decodes the trailing 8 bytes of key as a big-endian u64.
// Used to recover message and queue keys from index keys.
func KeySuffixU64(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

// EntryKeyParts decodes an entry index key into (queueKey, entrySeq).
func EntryKeyParts(key []byte) (uint64, uint64) {
	return binary.BigEndian.Uint64(key[1:9]), binary.BigEndian.Uint64(key[9:17])
}
