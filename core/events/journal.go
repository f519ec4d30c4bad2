package events

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"lukechampine.com/blake3"

	"refundledger/core/types"
)

var bucketJournal = []byte("journal")

// Entry is one journaled event. Sequence numbers start at 1, never repeat and
// never reorder; entries are written once and never rewritten.
type Entry struct {
	Seq        uint64            `json:"seq"`
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Digest     string            `json:"digest"`
	EmittedAt  time.Time         `json:"emittedAt"`
}

// Verify recomputes the entry digest and reports whether it matches the
// stored one.
func (e Entry) Verify() bool {
	digest := CanonicalDigest(e.Seq, e.Type, e.Attributes)
	return e.Digest == hex.EncodeToString(digest[:])
}

// Journal is the append-only event log backing the RPC event stream and the
// indexer. Each entry carries a blake3 digest over its canonical encoding so
// downstream consumers can detect tampering.
type Journal struct {
	db *bolt.DB
}

// OpenJournal initialises (and migrates) the BoltDB-backed journal.
func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketJournal)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Append journals the event and returns the persisted entry.
func (j *Journal) Append(evt *types.Event) (Entry, error) {
	if j == nil || j.db == nil {
		return Entry{}, fmt.Errorf("journal: not open")
	}
	if evt == nil {
		return Entry{}, fmt.Errorf("journal: nil event")
	}
	attrs := make(map[string]string, len(evt.Attributes))
	for k, v := range evt.Attributes {
		attrs[k] = v
	}
	var entry Entry
	err := j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketJournal)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		digest := CanonicalDigest(seq, evt.Type, attrs)
		entry = Entry{
			Seq:        seq,
			ID:         uuid.NewString(),
			Type:       evt.Type,
			Attributes: attrs,
			Digest:     hex.EncodeToString(digest[:]),
			EmittedAt:  time.Now().UTC(),
		}
		payload, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return bucket.Put(seqKey(seq), payload)
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// LastSeq returns the sequence number of the most recent entry, zero when the
// journal is empty.
func (j *Journal) LastSeq() (uint64, error) {
	if j == nil || j.db == nil {
		return 0, fmt.Errorf("journal: not open")
	}
	var seq uint64
	err := j.db.View(func(tx *bolt.Tx) error {
		seq = tx.Bucket(bucketJournal).Sequence()
		return nil
	})
	return seq, err
}

// Replay invokes fn for every entry with Seq greater than after, in sequence
// order. Returning an error from fn stops the replay.
func (j *Journal) Replay(after uint64, fn func(Entry) error) error {
	if j == nil || j.db == nil {
		return fmt.Errorf("journal: not open")
	}
	return j.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketJournal).Cursor()
		for k, v := cursor.Seek(seqKey(after + 1)); k != nil; k, v = cursor.Next() {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("journal: corrupt entry at %x: %w", k, err)
			}
			if err := fn(entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// CanonicalDigest hashes the canonical encoding of a journal entry. The
// encoding is length-delimited with attribute keys sorted, so any consumer
// can recompute it independent of JSON field ordering.
func CanonicalDigest(seq uint64, eventType string, attrs map[string]string) [32]byte {
	buf := bytes.NewBuffer(nil)
	_ = binary.Write(buf, binary.BigEndian, seq)
	writeDelimited(buf, []byte(eventType))
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(keys)))
	for _, k := range keys {
		writeDelimited(buf, []byte(k))
		writeDelimited(buf, []byte(attrs[k]))
	}
	return blake3.Sum256(buf.Bytes())
}

func writeDelimited(buf *bytes.Buffer, data []byte) {
	_ = binary.Write(buf, binary.BigEndian, uint32(len(data)))
	if len(data) > 0 {
		buf.Write(data)
	}
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
