// Package journal implements the controller's append-only state journal
// (spec §6): one bbolt bucket holding ordered records of every applied
// action plus the workspace sidecar files persisted alongside each
// workspace's working tree. Replay is idempotent — re-applying the same
// record sequence from an empty in-memory state reproduces the same
// fleet state (P6).
package journal

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/foreman/internal/fleet"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

var bucketJournal = []byte("journal")

// Record is one journal entry: a label naming the mutation, the decoded
// Action that drove it (nil for mutations the reconciliation loop makes
// on its own, e.g. an assignment decision), any extra fields a replay
// needs that the Action doesn't carry (generated ids, resolved instance
// ids), the sequence it was applied at, and compact digests of fleet
// state before and after, so a post-mortem can locate exactly where
// state diverged from expected. Carrying the full Action (not just its
// label) is what makes Replay able to reconstruct state rather than
// merely log what happened.
type Record struct {
	Sequence   uint64            `json:"sequence"`
	Timestamp  time.Time         `json:"timestamp"`
	Label      string            `json:"label"`
	Action     *fleet.Action     `json:"action,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	PreDigest  string            `json:"pre_digest"`
	PostDigest string            `json:"post_digest"`
}

// Journal is the single-writer, append-only bbolt-backed log.
type Journal struct {
	db     *bolt.DB
	logger zerolog.Logger
}

// Open opens (or creates) the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketJournal)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db, logger: log.WithComponent("journal")}, nil
}

// Append writes the next record, assigning it the bucket's next
// sequence number, and returns the record as persisted. action may be
// nil for a mutation that isn't one operator-issued Action (e.g. the
// reconciliation loop's own bookkeeping); fields carries anything a
// replay needs beyond what action itself holds.
func (j *Journal) Append(label string, action *fleet.Action, fields map[string]string, preDigest, postDigest string) (Record, error) {
	var record Record
	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJournal)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		record = Record{
			Sequence:   seq,
			Timestamp:  time.Now(),
			Label:      label,
			Action:     action,
			Fields:     fields,
			PreDigest:  preDigest,
			PostDigest: postDigest,
		}
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(seq), data)
	})
	if err != nil {
		return Record{}, fmt.Errorf("append journal record: %w", err)
	}
	return record, nil
}

// Replay invokes fn for every record in sequence order. Replay is
// idempotent: applying the same records to a fresh in-memory state
// through fn always reaches the same result, since every record
// carries the full decoded Action (or reconstructable fields) that was
// applied, not just a free-text label.
func (j *Journal) Replay(fn func(Record) error) error {
	return j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJournal).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("decode journal record at %x: %w", k, err)
			}
			if err := fn(record); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the underlying store.
func (j *Journal) Close() error {
	return j.db.Close()
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// Digest computes a compact hash of v's JSON encoding, used as the
// pre/post state fingerprint on a Record.
func Digest(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
