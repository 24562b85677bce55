package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/foreman/internal/fleet"
	"github.com/cuemby/foreman/pkg/clock"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketActions = []byte("actions")
	bucketResults = []byte("results")
	bucketEvents  = []byte("events")
)

// actionRecord is the JSON envelope stored per queued action, keyed by
// an auto-incrementing sequence so delivery preserves arrival order.
type actionRecord struct {
	CorrelationID string `json:"correlation_id"`
	Line          string `json:"line"`
	Issuer        string `json:"issuer"`
}

// PubSub is the durable transport implementation: bucket-per-topic
// bbolt storage for actions, results (keyed by correlation id), and
// events, following the teacher's bucket-per-entity pattern. Actions are
// stored as JSON envelopes around the protocol line; results and events
// are stored as the protocol text lines themselves.
type PubSub struct {
	db           *bolt.DB
	pollInterval time.Duration
	clock        clock.Clock
	logger       zerolog.Logger

	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewPubSub opens (or creates) the bbolt database at path and ensures
// the topic buckets exist.
func NewPubSub(path string, clk clock.Clock) (*PubSub, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open transport store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketActions, bucketResults, bucketEvents} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &PubSub{
		db:           db,
		pollInterval: 250 * time.Millisecond,
		clock:        clk,
		logger:       log.WithComponent("transport.pubsub"),
		closeCh:      make(chan struct{}),
	}, nil
}

// Submit enqueues line as a new action on behalf of issuer and returns
// the correlation id a caller can later Await a result for.
func (p *PubSub) Submit(ctx context.Context, line, issuer string) (string, error) {
	correlationID := uuid.New().String()
	record := actionRecord{CorrelationID: correlationID, Line: line, Issuer: issuer}

	err := p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActions)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(seq), data)
	})
	if err != nil {
		return "", fmt.Errorf("submit action: %w", err)
	}
	return correlationID, nil
}

// Await polls the results bucket for handle until it appears or ctx is
// done.
func (p *PubSub) Await(ctx context.Context, handle string) (string, error) {
	ticker := p.clock.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		var line string
		var found bool
		_ = p.db.View(func(tx *bolt.Tx) error {
			v := tx.Bucket(bucketResults).Get([]byte(handle))
			if v != nil {
				line = string(v)
				found = true
			}
			return nil
		})
		if found {
			return line, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C():
		}
	}
}

// Receive polls the actions bucket, delivering messages in sequence
// order. Each record is deleted from the bucket as it is read, before
// it is handed to the channel.
func (p *PubSub) Receive(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message, 64)
	ticker := p.clock.NewTicker(p.pollInterval)

	go func() {
		defer close(out)
		defer ticker.Stop()
		for {
			for {
				msg, ok, err := p.popOldestAction()
				if err != nil {
					p.logger.Warn().Err(err).Msg("pop action failed")
					break
				}
				if !ok {
					break
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-p.closeCh:
				return
			case <-ticker.C():
			}
		}
	}()

	return out, nil
}

func (p *PubSub) popOldestAction() (Message, bool, error) {
	var msg Message
	var found bool

	err := p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActions)
		k, v := b.Cursor().First()
		if k == nil {
			return nil
		}
		var record actionRecord
		if err := json.Unmarshal(v, &record); err != nil {
			return b.Delete(k) // drop unparseable record rather than wedge the queue
		}
		msg = Message{Line: record.Line, ReplyHandle: record.CorrelationID, Issuer: record.Issuer}
		found = true
		return b.Delete(k)
	})
	return msg, found, err
}

// Reply stores line in the results bucket keyed by handle. Put is
// idempotent under retries, which is how the at-least-once delivery
// the controller requires is satisfied without extra bookkeeping.
func (p *PubSub) Reply(ctx context.Context, handle, line string) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResults).Put([]byte(handle), []byte(line))
	})
}

// Publish appends event to the events bucket as the same text line the
// file-drop transport writes to its events log.
func (p *PubSub) Publish(ctx context.Context, event fleet.Event) error {
	data := []byte(encodeEvent(event))
	return p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(seq), data)
	})
}

// Ready reports whether the underlying store is reachable.
func (p *PubSub) Ready() bool {
	return p.db.View(func(tx *bolt.Tx) error { return nil }) == nil
}

// Close stops the receive loop and closes the store.
func (p *PubSub) Close() error {
	p.closeOnce.Do(func() { close(p.closeCh) })
	return p.db.Close()
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
