package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/boltdb/bolt"

	"github.com/NamanBalaji/mediagate/internal/common"
	"github.com/NamanBalaji/mediagate/internal/logger"
)

const downloadsBucket = "downloads"

// ErrDownloadNotFound is returned when no record is stored under an id.
var ErrDownloadNotFound = errors.New("download not found")

// BoltDBRepository stores download records in a BoltDB bucket keyed by id.
type BoltDBRepository struct {
	db *bolt.DB
}

// NewBoltDBRepository opens (or creates) the database at dbPath.
func NewBoltDBRepository(dbPath string) (*BoltDBRepository, error) {
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(downloadsBucket)); err != nil {
			return fmt.Errorf("failed to create downloads bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltDBRepository{db: db}, nil
}

// Save upserts a record.
func (r *BoltDBRepository) Save(record *common.Record) error {
	if record.ID == "" {
		return errors.New("record has no id")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal download: %w", err)
	}

	return r.db.Update(func(tx *bolt.Tx) error {
		b, err := downloads(tx)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(record.ID), data); err != nil {
			return fmt.Errorf("failed to save download %s: %w", record.ID, err)
		}
		return nil
	})
}

// Find retrieves a record by id.
func (r *BoltDBRepository) Find(id string) (*common.Record, error) {
	var record common.Record

	err := r.db.View(func(tx *bolt.Tx) error {
		b, err := downloads(tx)
		if err != nil {
			return err
		}

		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrDownloadNotFound, id)
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}

	return &record, nil
}

// FindAll retrieves every stored record in key order. Records that no longer
// decode are skipped so one bad entry cannot block startup recovery.
func (r *BoltDBRepository) FindAll() ([]*common.Record, error) {
	var records []*common.Record

	err := r.db.View(func(tx *bolt.Tx) error {
		b, err := downloads(tx)
		if err != nil {
			return err
		}

		return b.ForEach(func(k, v []byte) error {
			var record common.Record
			if err := json.Unmarshal(v, &record); err != nil {
				logger.Warnf("Skipping unreadable download record %s: %v", k, err)
				return nil
			}
			records = append(records, &record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// Delete removes a record. Deleting a missing id is not an error.
func (r *BoltDBRepository) Delete(id string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b, err := downloads(tx)
		if err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
}

func downloads(tx *bolt.Tx) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte(downloadsBucket))
	if b == nil {
		return nil, fmt.Errorf("bucket not found: %s", downloadsBucket)
	}
	return b, nil
}

// Close closes the database.
func (r *BoltDBRepository) Close() error {
	return r.db.Close()
}
