package faucet

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRecords = []byte("records")
	bucketGrants  = []byte("grants")
)

// Journal persists disbursement records and last-grant timestamps across
// restarts. Nonce recovery itself is handled by reconciling with the chain on
// startup; the journal exists so status queries and cooldowns survive the
// process boundary.
type Journal struct {
	db *bolt.DB
}

// Record is the archived form of a disbursement job.
type Record struct {
	JobID       string    `json:"jobId"`
	Requester   string    `json:"requester"`
	Destination string    `json:"destination"`
	Amount      string    `json:"amount"`
	Status      Status    `json:"status"`
	TxHash      string    `json:"txHash,omitempty"`
	Nonce       uint64    `json:"nonce,omitempty"`
	Attempts    int       `json:"attempts,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// OpenJournal opens or creates the journal database at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRecords, bucketGrants} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init journal buckets: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// PutRecord upserts the archived state of a job.
func (j *Journal) PutRecord(record Record) error {
	if j == nil || j.db == nil {
		return nil
	}
	if record.JobID == "" {
		return errors.New("journal: job id required")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).Put([]byte(record.JobID), payload)
	})
}

// GetRecord fetches an archived job by ID. Returns ErrNotFound when absent.
func (j *Journal) GetRecord(jobID string) (Record, error) {
	var record Record
	if j == nil || j.db == nil {
		return record, ErrNotFound
	}
	err := j.db.View(func(tx *bolt.Tx) error {
		payload := tx.Bucket(bucketRecords).Get([]byte(jobID))
		if payload == nil {
			return ErrNotFound
		}
		return json.Unmarshal(payload, &record)
	})
	return record, err
}

// RecordGrant stores the timestamp of the latest accepted request for a
// requester.
func (j *Journal) RecordGrant(requester string, grantedAt time.Time) error {
	if j == nil || j.db == nil {
		return nil
	}
	if requester == "" {
		return errors.New("journal: requester required")
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGrants).Put([]byte(requester), []byte(grantedAt.UTC().Format(time.RFC3339Nano)))
	})
}

// Grants returns the last-grant timestamp per requester.
func (j *Journal) Grants() (map[string]time.Time, error) {
	grants := make(map[string]time.Time)
	if j == nil || j.db == nil {
		return grants, nil
	}
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGrants).ForEach(func(key, value []byte) error {
			grantedAt, err := time.Parse(time.RFC3339Nano, string(value))
			if err != nil {
				// Skip unparseable entries rather than failing startup.
				return nil
			}
			grants[string(key)] = grantedAt
			return nil
		})
	})
	return grants, err
}
