package main

import (
	"errors"
	"sync"
	"time"
)

var (
	errKeyExists      = errors.New("key already exists")
	errKeyNotFound    = errors.New("key not found")
	errKeyTooLong     = errors.New("key size exceeded")
	errValueTooLong   = errors.New("value size exceeded")
	errMaxKeysReached = errors.New("max keys exceeded")
)

// StoreConfig limits of the store
type StoreConfig struct {
	KeyMaxLen int
	ValMaxLen int
	// MaxKeys zero means unlimited
	MaxKeys        int
	ReplicationLag time.Duration
}

func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		KeyMaxLen:      100,
		ValMaxLen:      200,
		ReplicationLag: 200 * time.Millisecond,
	}
}

// Store in-memory leader with a single follower replica,
// writes reach the follower after the replication lag
type Store struct {
	cfg StoreConfig

	mu       sync.RWMutex
	leader   map[string]string
	follower map[string]string
}

func NewStore(cfg StoreConfig) *Store {
	return &Store{
		cfg:      cfg,
		leader:   make(map[string]string),
		follower: make(map[string]string),
	}
}

func (s *Store) Set(key, val string) error {
	if len(key) > s.cfg.KeyMaxLen {
		return errKeyTooLong
	}
	if len(val) > s.cfg.ValMaxLen {
		return errValueTooLong
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxKeys > 0 && len(s.leader) >= s.cfg.MaxKeys {
		return errMaxKeysReached
	}
	if _, ok := s.leader[key]; ok {
		return errKeyExists
	}
	s.leader[key] = val
	if s.cfg.ReplicationLag <= 0 {
		s.follower[key] = val
		return nil
	}
	time.AfterFunc(s.cfg.ReplicationLag, func() {
		s.replicate(key, val)
	})
	return nil
}

func (s *Store) replicate(key, val string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// deleted before it was replicated
	if cur, ok := s.leader[key]; !ok || cur != val {
		return
	}
	s.follower[key] = val
}

// Get reads from the follower replica
func (s *Store) Get(key string) (string, error) {
	if len(key) > s.cfg.KeyMaxLen {
		return "", errKeyTooLong
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.follower[key]
	if !ok {
		return "", errKeyNotFound
	}
	return v, nil
}

func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.leader[key]; !ok {
		return errKeyNotFound
	}
	delete(s.leader, key)
	delete(s.follower, key)
	return nil
}
