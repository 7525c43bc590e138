package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/tether/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// Bucket names are derived from the resource kind
func trackedBucket(kind types.ResourceKind) []byte {
	return []byte("tracked/" + string(kind))
}

func resourceBucket(kind types.ResourceKind) []byte {
	return []byte("resources/" + string(kind))
}

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore creates a new BoltDB-backed store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "tether.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, kind := range types.Kinds {
			for _, bucket := range [][]byte{trackedBucket(kind), resourceBucket(kind)} {
				if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
					return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
				}
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func bucket(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("unknown bucket %s", name)
	}
	return b, nil
}

// Tracking operations

func (s *BoltStore) ListTracked(ctx context.Context, kind types.ResourceKind) ([]TrackedResource, error) {
	var records []TrackedResource
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, trackedBucket(kind))
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var record TrackedResource
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("corrupt tracking record %s: %w", k, err)
			}
			records = append(records, record)
			return nil
		})
	})
	return records, err
}

func (s *BoltStore) Track(ctx context.Context, kind types.ResourceKind, id types.ResourceID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, trackedBucket(kind))
		if err != nil {
			return err
		}
		if b.Get(id[:]) != nil {
			return nil
		}
		data, err := json.Marshal(TrackedResource{ID: id, Kind: kind, TrackedAt: s.now()})
		if err != nil {
			return err
		}
		return b.Put(id[:], data)
	})
}

func (s *BoltStore) MarkConverged(ctx context.Context, kind types.ResourceKind, id types.ResourceID, fingerprint uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, trackedBucket(kind))
		if err != nil {
			return err
		}
		record := TrackedResource{ID: id, Kind: kind, TrackedAt: s.now()}
		if data := b.Get(id[:]); data != nil {
			if err := json.Unmarshal(data, &record); err != nil {
				return fmt.Errorf("corrupt tracking record %s: %w", id, err)
			}
		}
		record.Fingerprint = fingerprint
		record.ConvergedAt = s.now()

		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put(id[:], data)
	})
}

func (s *BoltStore) Forget(ctx context.Context, kind types.ResourceKind, id types.ResourceID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, trackedBucket(kind))
		if err != nil {
			return err
		}
		return b.Delete(id[:])
	})
}

// Resource operations

func (s *BoltStore) CreateResource(ctx context.Context, info *types.ResourceInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, kind := range types.Kinds {
			if b := tx.Bucket(resourceBucket(kind)); b != nil && b.Get(info.ID[:]) != nil {
				return fmt.Errorf("%s %s: %w", info.Kind, info.ID, ErrConflict)
			}
		}
		return putResource(tx, info)
	})
}

func (s *BoltStore) UpdateResource(ctx context.Context, info *types.ResourceInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, resourceBucket(info.Kind))
		if err != nil {
			return err
		}
		data := b.Get(info.ID[:])
		if data == nil {
			return fmt.Errorf("%s %s: %w", info.Kind, info.ID, ErrNotFound)
		}
		var existing types.ResourceInfo
		if err := json.Unmarshal(data, &existing); err != nil {
			return &types.InternalError{Err: fmt.Errorf("corrupt spec for %s %s: %w", info.Kind, info.ID, err)}
		}
		if existing.TenantID != info.TenantID {
			return fmt.Errorf("%s %s: %w", info.Kind, info.ID, ErrNotFound)
		}
		return putResource(tx, info)
	})
}

func putResource(tx *bolt.Tx, info *types.ResourceInfo) error {
	b, err := bucket(tx, resourceBucket(info.Kind))
	if err != nil {
		return err
	}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return b.Put(info.ID[:], data)
}

func (s *BoltStore) GetResource(ctx context.Context, kind types.ResourceKind, id types.ResourceID) (*types.ResourceInfo, error) {
	var info types.ResourceInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, resourceBucket(kind))
		if err != nil {
			return err
		}
		data := b.Get(id[:])
		if data == nil {
			return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
		}
		return json.Unmarshal(data, &info)
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *BoltStore) DeleteResource(ctx context.Context, kind types.ResourceKind, id types.ResourceID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, resourceBucket(kind))
		if err != nil {
			return err
		}
		if b.Get(id[:]) == nil {
			return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
		}
		return b.Delete(id[:])
	})
}

func (s *BoltStore) ListResources(ctx context.Context, kind types.ResourceKind, runner types.RunnerIdentity) ([]*types.ResourceInfo, error) {
	var resources []*types.ResourceInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, resourceBucket(kind))
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var info types.ResourceInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return err
			}
			if info.Runner() == runner {
				resources = append(resources, &info)
			}
			return nil
		})
	})
	return resources, err
}
