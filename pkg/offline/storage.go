package offline

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketName = []byte("wavesync")
	queueKey   = []byte("offline-mutations")
)

// Storage persists the whole queue as one record. Save replaces the previous record.
type Storage interface {
	Load() ([]Mutation, error)
	Save(mutations []Mutation) error
	Close() error
}

func encodeQueue(mutations []Mutation) ([]byte, error) {
	if mutations == nil {
		mutations = []Mutation{}
	}
	raw, err := json.Marshal(mutations)
	if err != nil {
		return nil, fmt.Errorf("failed to encode queue: %w", err)
	}
	return raw, nil
}

func decodeQueue(raw []byte) ([]Mutation, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out []Mutation
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode queue: %w", err)
	}
	return out, nil
}

type BoltStorage struct {
	db *bolt.DB
}

// OpenBoltStorage opens (or creates) the bolt file at path.
func OpenBoltStorage(path string) (*BoltStorage, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	return &BoltStorage{db: db}, nil
}

func (s *BoltStorage) Load() ([]Mutation, error) {
	var raw []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketName).Get(queueKey); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	return decodeQueue(raw)
}

func (s *BoltStorage) Save(mutations []Mutation) error {
	raw, err := encodeQueue(mutations)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(queueKey, raw)
	}); err != nil {
		return fmt.Errorf("failed to write queue: %w", err)
	}
	return nil
}

func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// MemoryStorage keeps the encoded record in memory. It is safe to share between queues to
// simulate a restart.
type MemoryStorage struct {
	mu  sync.Mutex
	raw []byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) Load() ([]Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return decodeQueue(s.raw)
}

func (s *MemoryStorage) Save(mutations []Mutation) error {
	raw, err := encodeQueue(mutations)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = raw
	return nil
}

func (s *MemoryStorage) Close() error { return nil }
