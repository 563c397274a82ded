package store

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/myluco/activemq-apollo/internal/index"
	"github.com/myluco/activemq-apollo/internal/journal"
	"github.com/myluco/activemq-apollo/internal/types"
)

// Export stream framing: a 4-byte magic, then length-framed records
//
//	[tag : 1 byte][len : 4 bytes, big-endian][payload : len bytes]
//
// terminated by an end tag. Sections appear in a fixed order — maps,
// queues, messages, entries — so import can resolve each entry's message
// locator from the messages it has already re-appended.
var exportMagic = [4]byte{0x41, 0x50, 0x58, 0x01} // "APX\x01"

const (
	tagEnd     byte = 0
	tagMap     byte = 1 // EncodeMapEntry (always with value)
	tagQueue   byte = 2 // EncodeQueueRecord
	tagMessage byte = 3 // EncodeMessagePayload (key + body)
	tagEntry   byte = 4 // EncodeQueueEntry, locator stripped
)

// Export writes the full store contents to w: every map entry, queue
// record, message payload, and queue entry, all read under one index
// snapshot.
func (s *Store) Export(w io.Writer) error {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	if s.idx == nil {
		return ErrStopped
	}

	snap, err := s.idx.Snapshot()
	if err != nil {
		return fmt.Errorf("store: export: %w", err)
	}
	defer snap.Release()

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(exportMagic[:]); err != nil {
		return fmt.Errorf("store: export: %w", err)
	}

	err = snap.PrefixScan([]byte{types.PrefixMap}, func(key, value []byte) error {
		if value == nil {
			value = []byte{}
		}
		entry := types.MapEntry{Key: key[1:], Value: value}
		return writeFramed(bw, tagMap, types.EncodeMapEntry(entry))
	})
	if err != nil {
		return fmt.Errorf("store: export maps: %w", err)
	}

	err = snap.PrefixScan([]byte{types.PrefixQueue}, func(_, value []byte) error {
		return writeFramed(bw, tagQueue, value)
	})
	if err != nil {
		return fmt.Errorf("store: export queues: %w", err)
	}

	err = snap.PrefixScan([]byte{types.PrefixMessage}, func(_, value []byte) error {
		loc, err := types.DecodeLocator(value)
		if err != nil {
			return err
		}
		payload, err := s.journal.ReadPayload(loc.Position, loc.Length)
		if err != nil {
			return err
		}
		return writeFramed(bw, tagMessage, payload)
	})
	if err != nil {
		return fmt.Errorf("store: export messages: %w", err)
	}

	err = snap.PrefixScan([]byte{types.PrefixEntry}, func(_, value []byte) error {
		entry, err := types.DecodeQueueEntry(value)
		if err != nil {
			return err
		}
		// Locators are journal positions; they do not survive a transfer.
		entry.MessageLocator = nil
		return writeFramed(bw, tagEntry, types.EncodeQueueEntry(entry))
	})
	if err != nil {
		return fmt.Errorf("store: export entries: %w", err)
	}

	if err := writeFramed(bw, tagEnd, nil); err != nil {
		return fmt.Errorf("store: export: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("store: export: %w", err)
	}
	return nil
}

// Import purges the store and rebuilds it from an Export stream: maps and
// queues go straight into the index, messages are re-appended to the
// journal and indexed under their new locators, and entries are rewritten
// with those locators before insertion. A final snapshot captures the
// rebuilt index so the journal holds only the message payloads.
func (s *Store) Import(r io.Reader) error {
	if err := s.importContents(r); err != nil {
		return err
	}
	if err := s.SnapshotIndex(); err != nil {
		return fmt.Errorf("store: import: final snapshot: %w", err)
	}
	return nil
}

func (s *Store) importContents(r io.Reader) error {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	if err := s.purgeLocked(); err != nil {
		return fmt.Errorf("store: import: %w", err)
	}

	br := bufio.NewReader(r)
	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return fmt.Errorf("store: import: read magic: %w", err)
	}
	if magic != exportMagic {
		return errors.New("store: import: stream is not a store export")
	}

	b := &index.Batch{}
	locators := make(map[uint64]types.Locator)

	for {
		tag, payload, err := readFramed(br)
		if err != nil {
			return fmt.Errorf("store: import: %w", err)
		}
		if tag == tagEnd {
			break
		}
		switch tag {
		case tagMap:
			entry, err := types.DecodeMapEntry(payload)
			if err != nil {
				return fmt.Errorf("store: import map entry: %w", err)
			}
			b.Put(types.MapKey(entry.Key), entry.Value)

		case tagQueue:
			rec, err := types.DecodeQueueRecord(payload)
			if err != nil {
				return fmt.Errorf("store: import queue: %w", err)
			}
			b.Put(types.QueueKey(rec.Key), payload)

		case tagMessage:
			msgKey, _, err := types.DecodeMessagePayload(payload)
			if err != nil {
				return fmt.Errorf("store: import message: %w", err)
			}
			pos, err := s.journal.Append(journal.KindAddMessage, payload)
			if err != nil {
				return fmt.Errorf("store: import message: %w", err)
			}
			loc := types.Locator{Position: pos, Length: uint32(len(payload))}
			locators[msgKey] = loc
			b.Put(types.MessageKey(msgKey), loc.Encode())

		case tagEntry:
			entry, err := types.DecodeQueueEntry(payload)
			if err != nil {
				return fmt.Errorf("store: import entry: %w", err)
			}
			loc, ok := locators[entry.MessageKey]
			if entry.MessageKey != 0 && !ok {
				return fmt.Errorf("store: import entry %d/%d: message %d not in stream",
					entry.QueueKey, entry.EntrySeq, entry.MessageKey)
			}
			if ok {
				entry.MessageLocator = loc.Encode()
				s.ledgerIncr(s.journal, loc.Position)
			}
			b.Put(types.EntryKey(entry.QueueKey, entry.EntrySeq), types.EncodeQueueEntry(entry))

		default:
			return fmt.Errorf("store: import: unknown record tag %d", tag)
		}
	}

	if err := s.journal.Sync(); err != nil {
		return fmt.Errorf("store: import: %w", err)
	}
	if err := s.idx.Write(b, true); err != nil {
		return fmt.Errorf("store: import: %w", err)
	}
	return nil
}

func writeFramed(w *bufio.Writer, tag byte, payload []byte) error {
	var head [5]byte
	head[0] = tag
	binary.BigEndian.PutUint32(head[1:], uint32(len(payload)))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFramed(r *bufio.Reader) (byte, []byte, error) {
	var head [5]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(head[1:])
	if n == 0 {
		return head[0], nil, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return head[0], payload, nil
}
