// Package xfrstore persists secondary-zone synchronization state in a bbolt
// database, so the first REFRESH after a restart compares against the serial
// that was last confirmed from the master instead of starting blind.
package xfrstore

import (
	"encoding/binary"
	"time"

	bbolt "go.etcd.io/bbolt"
)

var bucketZones = []byte("xfr_zones")

// State is one zone's persisted sync record.
type State struct {
	// Serial is the last SOA serial confirmed from the master.
	Serial uint32
	// SyncedAt is when the zone content last matched the master.
	SyncedAt time.Time
}

// Store is a bbolt-backed State map keyed by zone apex.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketZones)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Put stores the state for a zone apex.
func (s *Store) Put(apex string, st State) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		var v [12]byte
		binary.BigEndian.PutUint32(v[0:4], st.Serial)
		binary.BigEndian.PutUint64(v[4:12], uint64(st.SyncedAt.Unix()))
		return tx.Bucket(bucketZones).Put([]byte(apex), v[:])
	})
}

// Get loads the state for a zone apex; ok is false when none is stored.
func (s *Store) Get(apex string) (State, bool, error) {
	var st State
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketZones).Get([]byte(apex))
		if len(v) != 12 {
			return nil
		}
		st.Serial = binary.BigEndian.Uint32(v[0:4])
		st.SyncedAt = time.Unix(int64(binary.BigEndian.Uint64(v[4:12])), 0)
		found = true
		return nil
	})
	return st, found, err
}

// Delete removes a zone's state, used when a zone leaves the configuration.
func (s *Store) Delete(apex string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketZones).Delete([]byte(apex))
	})
}
