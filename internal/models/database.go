package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/timshannon/bolthold"
	"go.etcd.io/bbolt"
)

// ErrNotFound is returned when a requested record does not exist. It is a
// distinguished, non-fatal outcome for GetEpisodeRecord.
var ErrNotFound = errors.New("record not found")

// Database wraps the bolthold store
type Database struct {
	store *bolthold.Store
}

// NewDatabase creates a new database connection
func NewDatabase(path string) (*Database, error) {
	store, err := bolthold.Open(path, 0600, &bolthold.Options{
		Options: &bbolt.Options{
			Timeout: 1 * time.Second,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Database{store: store}, nil
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.store.Close()
}

// GetEpisodeRecord retrieves an episode record by its state key
func (db *Database) GetEpisodeRecord(key string) (*EpisodeRecord, error) {
	var rec EpisodeRecord
	err := db.store.Get(key, &rec)
	if err != nil {
		if errors.Is(err, bolthold.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// PutEpisodeRecord writes an episode record under its state key
func (db *Database) PutEpisodeRecord(key string, rec *EpisodeRecord) error {
	return db.store.Upsert(key, rec)
}

// DeleteEpisodeRecord removes an episode record by its state key
func (db *Database) DeleteEpisodeRecord(key string) error {
	err := db.store.Delete(key, &EpisodeRecord{})
	if errors.Is(err, bolthold.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// ListEpisodeRecords retrieves all episode records
func (db *Database) ListEpisodeRecords() ([]*EpisodeRecord, error) {
	var recs []*EpisodeRecord
	err := db.store.Find(&recs, nil)
	return recs, err
}
