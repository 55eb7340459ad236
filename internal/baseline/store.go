package baseline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const (
	bucketBaselines = "baselines"
	bucketMeta      = "meta"
	keyLatest       = "latest"
)

// Baseline is a versioned snapshot of accepted metrics used as the
// reference for regression detection. Immutable once stored.
type Baseline struct {
	Version     string             `json:"version"`
	CreatedAt   time.Time          `json:"created_at"`
	TestName    string             `json:"test_name,omitempty"`
	Environment map[string]string  `json:"environment,omitempty"`
	Metrics     map[string]float64 `json:"metrics"`
}

// ErrNotFound is returned when no baseline matches the requested version.
var ErrNotFound = fmt.Errorf("baseline: not found")

// Store is a versioned key-value store for baselines backed by bbolt.
type Store struct {
	db *bbolt.DB
}

// Open creates or opens the store at path, creating parent directories as
// needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketBaselines)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(bucketMeta))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Put stores a baseline under its version and marks it latest. Versions
// are immutable: writing an existing version is an error.
func (s *Store) Put(b *Baseline) error {
	if b.Version == "" {
		return fmt.Errorf("baseline: version required")
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketBaselines))
		if bkt.Get([]byte(b.Version)) != nil {
			return fmt.Errorf("baseline: version %q already exists", b.Version)
		}
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}
		if err := bkt.Put([]byte(b.Version), data); err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketMeta)).Put([]byte(keyLatest), []byte(b.Version))
	})
}

// Get looks up a baseline by version. An empty version resolves to the
// latest stored baseline.
func (s *Store) Get(version string) (*Baseline, error) {
	var b Baseline
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := version
		if v == "" {
			latest := tx.Bucket([]byte(bucketMeta)).Get([]byte(keyLatest))
			if latest == nil {
				return ErrNotFound
			}
			v = string(latest)
		}
		data := tx.Bucket([]byte(bucketBaselines)).Get([]byte(v))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &b)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// List returns all stored baselines, newest first.
func (s *Store) List() ([]*Baseline, error) {
	var out []*Baseline
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketBaselines)).ForEach(func(_, v []byte) error {
			var b Baseline
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			out = append(out, &b)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
