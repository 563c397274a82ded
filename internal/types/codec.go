package types

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrCorrupted marks a record that cannot be decoded. Callers use errors.Is
// to distinguish a truncated or damaged record from an I/O failure.
var ErrCorrupted = errors.New("types: corrupted record")

// Record payload layouts. All integers are big-endian fixed width, matching
// the key encoding.
//
//	Locator:          [position:8][length:4]
//	QueueRecord:      [queueKey:8][metaLen:4][metadata]
//	QueueEntryRecord: [queueKey:8][entrySeq:8][msgKey:8][size:4][expiration:8][locLen:2][locator]
//	MapEntry:         [keyLen:4][key][hasValue:1][valLen:4][value]

const locatorSize = 12

// Encode serialises the locator to its fixed 12-byte form.
func (l Locator) Encode() []byte {
	b := make([]byte, locatorSize)
	binary.BigEndian.PutUint64(b[0:], l.Position)
	binary.BigEndian.PutUint32(b[8:], l.Length)
	return b
}

// DecodeLocator deserialises a 12-byte locator buffer.
func DecodeLocator(b []byte) (Locator, error) {
	if len(b) != locatorSize {
		return Locator{}, fmt.Errorf("locator is %d bytes, want %d: %w", len(b), locatorSize, ErrCorrupted)
	}
	return Locator{
		Position: binary.BigEndian.Uint64(b[0:]),
		Length:   binary.BigEndian.Uint32(b[8:]),
	}, nil
}

// EncodeQueueRecord serialises a queue record.
func EncodeQueueRecord(r QueueRecord) []byte {
	b := make([]byte, 0, 12+len(r.Metadata))
	b = binary.BigEndian.AppendUint64(b, r.Key)
	b = binary.BigEndian.AppendUint32(b, uint32(len(r.Metadata)))
	b = append(b, r.Metadata...)
	return b
}

// DecodeQueueRecord deserialises a queue record payload.
func DecodeQueueRecord(b []byte) (QueueRecord, error) {
	if len(b) < 12 {
		return QueueRecord{}, fmt.Errorf("queue record too short (%d bytes): %w", len(b), ErrCorrupted)
	}
	metaLen := binary.BigEndian.Uint32(b[8:])
	if int(metaLen) != len(b)-12 {
		return QueueRecord{}, fmt.Errorf("queue record metadata length %d exceeds buffer: %w", metaLen, ErrCorrupted)
	}
	r := QueueRecord{Key: binary.BigEndian.Uint64(b)}
	if metaLen > 0 {
		r.Metadata = make([]byte, metaLen)
		copy(r.Metadata, b[12:])
	}
	return r, nil
}

// EncodeQueueEntry serialises a queue entry record.
func EncodeQueueEntry(e QueueEntryRecord) []byte {
	b := make([]byte, 0, 38+len(e.MessageLocator))
	b = binary.BigEndian.AppendUint64(b, e.QueueKey)
	b = binary.BigEndian.AppendUint64(b, e.EntrySeq)
	b = binary.BigEndian.AppendUint64(b, e.MessageKey)
	b = binary.BigEndian.AppendUint32(b, e.Size)
	b = binary.BigEndian.AppendUint64(b, uint64(e.Expiration))
	b = binary.BigEndian.AppendUint16(b, uint16(len(e.MessageLocator)))
	b = append(b, e.MessageLocator...)
	return b
}

// DecodeQueueEntry deserialises a queue entry payload.
func DecodeQueueEntry(b []byte) (QueueEntryRecord, error) {
	if len(b) < 38 {
		return QueueEntryRecord{}, fmt.Errorf("queue entry too short (%d bytes): %w", len(b), ErrCorrupted)
	}
	locLen := binary.BigEndian.Uint16(b[36:])
	if int(locLen) != len(b)-38 {
		return QueueEntryRecord{}, fmt.Errorf("queue entry locator length %d exceeds buffer: %w", locLen, ErrCorrupted)
	}
	e := QueueEntryRecord{
		QueueKey:   binary.BigEndian.Uint64(b[0:]),
		EntrySeq:   binary.BigEndian.Uint64(b[8:]),
		MessageKey: binary.BigEndian.Uint64(b[16:]),
		Size:       binary.BigEndian.Uint32(b[24:]),
		Expiration: int64(binary.BigEndian.Uint64(b[28:])),
	}
	if locLen > 0 {
		e.MessageLocator = make([]byte, locLen)
		copy(e.MessageLocator, b[38:])
	}
	return e, nil
}

// EncodeMapEntry serialises a map upsert or delete. A nil Value encodes a
// delete; an empty non-nil Value is a legal stored value.
func EncodeMapEntry(m MapEntry) []byte {
	b := make([]byte, 0, 9+len(m.Key)+len(m.Value))
	b = binary.BigEndian.AppendUint32(b, uint32(len(m.Key)))
	b = append(b, m.Key...)
	if m.Value == nil {
		b = append(b, 0)
		return b
	}
	b = append(b, 1)
	b = binary.BigEndian.AppendUint32(b, uint32(len(m.Value)))
	b = append(b, m.Value...)
	return b
}

// DecodeMapEntry deserialises a map entry payload.
func DecodeMapEntry(b []byte) (MapEntry, error) {
	if len(b) < 5 {
		return MapEntry{}, fmt.Errorf("map entry too short (%d bytes): %w", len(b), ErrCorrupted)
	}
	keyLen := int(binary.BigEndian.Uint32(b))
	if 4+keyLen+1 > len(b) {
		return MapEntry{}, fmt.Errorf("map entry key length %d exceeds buffer: %w", keyLen, ErrCorrupted)
	}
	m := MapEntry{Key: make([]byte, keyLen)}
	copy(m.Key, b[4:])
	rest := b[4+keyLen:]
	if rest[0] == 0 {
		return m, nil
	}
	if len(rest) < 5 {
		return MapEntry{}, fmt.Errorf("map entry value header truncated: %w", ErrCorrupted)
	}
	valLen := int(binary.BigEndian.Uint32(rest[1:]))
	if 5+valLen > len(rest) {
		return MapEntry{}, fmt.Errorf("map entry value length %d exceeds buffer: %w", valLen, ErrCorrupted)
	}
	m.Value = make([]byte, valLen)
	copy(m.Value, rest[5:])
	return m, nil
}

// EncodeMessagePayload frames a message for the journal: the message key
// followed by the opaque body. The key travels with the payload so recovery
// can rebuild the message index from the journal alone.
func EncodeMessagePayload(msgKey uint64, body []byte) []byte {
	b := make([]byte, 0, 8+len(body))
	b = binary.BigEndian.AppendUint64(b, msgKey)
	b = append(b, body...)
	return b
}

// DecodeMessagePayload splits a journal message payload into key and body.
func DecodeMessagePayload(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, fmt.Errorf("message payload too short (%d bytes): %w", len(b), ErrCorrupted)
	}
	return binary.BigEndian.Uint64(b), b[8:], nil
}

// EncodeQueueKeyPayload serialises the payload of a queue-removal record:
// just the queue key, varint encoded.
func EncodeQueueKeyPayload(queueKey uint64) []byte {
	return binary.AppendUvarint(nil, queueKey)
}

// DecodeQueueKeyPayload deserialises a queue-removal payload.
func DecodeQueueKeyPayload(b []byte) (uint64, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, fmt.Errorf("queue key varint truncated: %w", ErrCorrupted)
	}
	return v, nil
}
