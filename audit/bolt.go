// Package audit stores the rebate engine's audit trail in BoltDB.
//
// The trail is append-only: entries are keyed by a monotonically increasing
// bucket sequence, so iteration order is append order. It is kept in a
// separate file from the ledger database because an audit failure must
// never block or roll back a ledger change.
package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/purehealth/rebate-engine/rebate"
)

const bucketName = "audit_entries"

// BoltLog implements rebate.AuditLog using BoltDB.
type BoltLog struct {
	db *bbolt.DB
}

var _ rebate.AuditLog = (*BoltLog)(nil)

// record is the stored JSON shape.
type record struct {
	ID            string            `json:"id"`
	Timestamp     time.Time         `json:"timestamp"`
	ActorID       string            `json:"actor_id"`
	Action        string            `json:"action"`
	TransactionID string            `json:"transaction_id"`
	Payload       map[string]string `json:"payload,omitempty"`
}

// NewBoltLog opens (or creates) the audit database at path.
func NewBoltLog(path string) (*BoltLog, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltLog{db: db}, nil
}

// Append writes one entry at the end of the trail.
func (b *BoltLog) Append(ctx context.Context, entry rebate.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(record{
		ID:            entry.ID,
		Timestamp:     entry.Timestamp.UTC(),
		ActorID:       string(entry.ActorID),
		Action:        string(entry.Action),
		TransactionID: string(entry.TransactionID),
		Payload:       entry.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating audit sequence: %w", err)
		}
		return bucket.Put(sequenceKey(seq), data)
	})
}

// Query returns every entry matching filter, in append order.
func (b *BoltLog) Query(ctx context.Context, filter rebate.AuditFilter) ([]rebate.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries := make([]rebate.AuditEntry, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshaling audit entry: %w", err)
			}
			entry := rebate.AuditEntry{
				ID:            rec.ID,
				Timestamp:     rec.Timestamp,
				ActorID:       rebate.UserID(rec.ActorID),
				Action:        rebate.AuditAction(rec.Action),
				TransactionID: rebate.TransactionID(rec.TransactionID),
				Payload:       rec.Payload,
			}
			if filter.Matches(entry) {
				entries = append(entries, entry)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Close closes the database connection
func (b *BoltLog) Close() error {
	return b.db.Close()
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
