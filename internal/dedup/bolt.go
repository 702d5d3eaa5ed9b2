package dedup

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketAdmitted = []byte("admitted")
	// bucketByTime indexes ids by admission time: key = 8 byte unix nanos + id
	bucketByTime = []byte("admitted_by_time")
)

// BoltSet persists admitted ids to a local file so they survive a restart.
// Entries older than ttl are treated as absent. Add prunes expired entries
// by walking the time index from its oldest key, so it only touches what it deletes.
type BoltSet struct {
	db  *bbolt.DB
	ttl time.Duration
	now func() time.Time
}

// NewBoltSet opens (or creates) the database at path
func NewBoltSet(path string, ttl time.Duration) (*BoltSet, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open dedup database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketAdmitted, bucketByTime} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create dedup bucket: %w", err)
	}

	return &BoltSet{db: db, ttl: ttl, now: time.Now}, nil
}

func (s *BoltSet) Add(_ context.Context, id string) (added bool, err error) {
	now := s.now()
	err = s.db.Update(func(tx *bbolt.Tx) error {
		admitted, byTime := tx.Bucket(bucketAdmitted), tx.Bucket(bucketByTime)
		if err := s.prune(admitted, byTime, now); err != nil {
			return err
		}
		if v := admitted.Get([]byte(id)); v != nil && !s.expired(v, now) {
			return nil
		}
		if err := unindex(admitted, byTime, id); err != nil {
			return err
		}

		ts := make([]byte, 8)
		binary.BigEndian.PutUint64(ts, uint64(now.UnixNano()))
		if err := admitted.Put([]byte(id), ts); err != nil {
			return err
		}
		if err := byTime.Put(timeKey(ts, id), nil); err != nil {
			return err
		}
		added = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to record job id: %w", err)
	}
	return added, nil
}

func (s *BoltSet) Remove(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		admitted := tx.Bucket(bucketAdmitted)
		if err := unindex(admitted, tx.Bucket(bucketByTime), id); err != nil {
			return err
		}
		return admitted.Delete([]byte(id))
	})
}

func (s *BoltSet) Close() error {
	return s.db.Close()
}

// Len returns the number of ids held, expired ones included until pruned
func (s *BoltSet) Len() (n int, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketAdmitted).Stats().KeyN
		return nil
	})
	return n, err
}

func (s *BoltSet) expired(v []byte, now time.Time) bool {
	if s.ttl <= 0 || len(v) != 8 {
		return false
	}
	added := time.Unix(0, int64(binary.BigEndian.Uint64(v)))
	return now.Sub(added) > s.ttl
}

// prune deletes index entries from the oldest until the first live one
func (s *BoltSet) prune(admitted, byTime *bbolt.Bucket, now time.Time) error {
	if s.ttl <= 0 {
		return nil
	}
	c := byTime.Cursor()
	for k, _ := c.First(); k != nil && len(k) >= 8 && s.expired(k[:8], now); k, _ = c.First() {
		id := k[8:]
		if v := admitted.Get(id); v != nil && bytes.Equal(v, k[:8]) {
			if err := admitted.Delete(id); err != nil {
				return err
			}
		}
		if err := byTime.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// unindex drops the time index entry of id, if any
func unindex(admitted, byTime *bbolt.Bucket, id string) error {
	v := admitted.Get([]byte(id))
	if len(v) != 8 {
		return nil
	}
	return byTime.Delete(timeKey(v, id))
}

func timeKey(ts []byte, id string) []byte {
	key := make([]byte, 0, len(ts)+len(id))
	key = append(key, ts...)
	return append(key, id...)
}
