package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

// boltEnvelope is the stored value: the resource JSON plus a tombstone flag.
type boltEnvelope struct {
	Deleted  bool            `json:"deleted"`
	Resource json.RawMessage `json:"resource"`
}

// BoltStore persists resources in a single BoltDB file with one bucket per
// resource type.
type BoltStore struct {
	path string
	db   *bolt.DB
}

func NewBoltStore(path string) *BoltStore {
	return &BoltStore{path: path}
}

func (s *BoltStore) Init(context.Context) error {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create bolt directory: %w", err)
		}
	}
	db, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("open bolt %s: %w", s.path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, t := range SupportedTypes() {
			if _, err := tx.CreateBucketIfNotExists([]byte(t)); err != nil {
				return fmt.Errorf("create bucket %s: %w", t, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return err
	}
	s.db = db
	return nil
}

func (s *BoltStore) Shutdown(context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltStore) Ping(context.Context) error {
	if s.db == nil {
		return fmt.Errorf("bolt store %s not open", s.path)
	}
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

func (s *BoltStore) Put(_ context.Context, r Resource) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", r.ResourceType(), r.GetID(), err)
	}
	value, err := json.Marshal(boltEnvelope{Resource: raw})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(r.ResourceType()))
		if err != nil {
			return err
		}
		return b.Put([]byte(r.GetID()), value)
	})
}

func (s *BoltStore) Get(_ context.Context, resourceType, id string) (Resource, error) {
	var env *boltEnvelope
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(resourceType))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}
		env = &boltEnvelope{}
		return json.Unmarshal(v, env)
	})
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", resourceType, id, err)
	}
	if env == nil {
		return nil, ErrNotFound
	}
	r, err := DecodeAs(resourceType, env.Resource)
	if err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", resourceType, id, err)
	}
	if env.Deleted {
		return r, ErrDeleted
	}
	return r, nil
}

func (s *BoltStore) Query(_ context.Context, q Query) ([]Resource, int, error) {
	var matches []Resource
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(q.ResourceType))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var env boltEnvelope
			if err := json.Unmarshal(v, &env); err != nil {
				return fmt.Errorf("decode %s/%s: %w", q.ResourceType, k, err)
			}
			if env.Deleted {
				return nil
			}
			r, err := DecodeAs(q.ResourceType, env.Resource)
			if err != nil {
				return fmt.Errorf("decode %s/%s: %w", q.ResourceType, k, err)
			}
			if q.matches(r) {
				matches = append(matches, r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, 0, err
	}
	out, total := page(matches, q)
	return out, total, nil
}

func (s *BoltStore) Tombstone(_ context.Context, resourceType, id, versionID string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(resourceType))
		if b == nil {
			return ErrNotFound
		}
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var env boltEnvelope
		if err := json.Unmarshal(v, &env); err != nil {
			return err
		}
		r, err := DecodeAs(resourceType, env.Resource)
		if err != nil {
			return err
		}
		setTombstoneMeta(r, versionID, at)
		raw, err := json.Marshal(r)
		if err != nil {
			return err
		}
		value, err := json.Marshal(boltEnvelope{Deleted: true, Resource: raw})
		if err != nil {
			return err
		}
		return b.Put([]byte(id), value)
	})
}
