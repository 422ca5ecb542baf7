// Package store persists the paired peer's link address. PeerStore is a
// narrow interface the pairing state machine drives, with an in-memory
// implementation for tests and embedded use and a Redis-backed one for
// anything that needs the identity to survive a restart.
package store

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// PeerAddr is a fixed-size link-layer address, matching the six-byte
// peer_addr field of the system/pairing header.
type PeerAddr [6]byte

// Zero reports whether a is the all-zero "unpaired" sentinel.
func (a PeerAddr) Zero() bool {
	return a == PeerAddr{}
}

func (a PeerAddr) String() string {
	return hex.EncodeToString(a[:])
}

// PeerStore is the persistence boundary pairing finalize/revert drives.
// SetPeer stages a value; Commit makes it durable in one atomic step. This
// two-phase shape exists so a revert (SetPeer(zero) + Commit) and a finalize
// (SetPeer(candidate) + Commit) are the same code path.
type PeerStore interface {
	SetPeer(addr PeerAddr) error
	GetPeer() (PeerAddr, error)
	Commit() error
}

// Clear stages and commits the all-zero address in one call, the revert
// half of the pairing finalize/revert pair.
func Clear(s PeerStore) error {
	if err := s.SetPeer(PeerAddr{}); err != nil {
		return err
	}
	return s.Commit()
}

// Finalize stages and commits addr in one call, the finalize half.
func Finalize(s PeerStore, addr PeerAddr) error {
	if err := s.SetPeer(addr); err != nil {
		return err
	}
	return s.Commit()
}

// InMemoryPeerStore is a PeerStore for tests and embedded deployments with
// no durable storage requirement.
type InMemoryPeerStore struct {
	mu      sync.Mutex
	staged  PeerAddr
	current PeerAddr
}

func NewInMemoryPeerStore() *InMemoryPeerStore {
	return &InMemoryPeerStore{}
}

func (s *InMemoryPeerStore) SetPeer(addr PeerAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged = addr
	return nil
}

func (s *InMemoryPeerStore) GetPeer() (PeerAddr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, nil
}

func (s *InMemoryPeerStore) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = s.staged
	return nil
}

// RedisPeerStore persists the peer address in a single Redis string key.
// The Redis SET/GET/DEL commands are each already atomic, so Commit writes
// the staged value with one SET call (one DEL for the all-zero address)
// rather than a read-modify-write sequence.
type RedisPeerStore struct {
	client *redis.Client
	key    string

	mu     sync.Mutex
	staged PeerAddr
}

// NewRedisPeerStore wires a peer store on top of an existing go-redis
// client, keyed under key (e.g. "rdt:paired_peer").
func NewRedisPeerStore(client *redis.Client, key string) *RedisPeerStore {
	return &RedisPeerStore{client: client, key: key}
}

func (s *RedisPeerStore) SetPeer(addr PeerAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged = addr
	return nil
}

func (s *RedisPeerStore) GetPeer() (PeerAddr, error) {
	val, err := s.client.Get(context.Background(), s.key).Result()
	if err == redis.Nil {
		return PeerAddr{}, nil
	}
	if err != nil {
		return PeerAddr{}, fmt.Errorf("reading peer address from redis key %s: %w", s.key, err)
	}
	raw, err := hex.DecodeString(val)
	if err != nil || len(raw) != 6 {
		return PeerAddr{}, fmt.Errorf("malformed peer address stored at redis key %s", s.key)
	}
	var addr PeerAddr
	copy(addr[:], raw)
	return addr, nil
}

func (s *RedisPeerStore) Commit() error {
	s.mu.Lock()
	staged := s.staged
	s.mu.Unlock()

	ctx := context.Background()
	if staged.Zero() {
		return s.client.Del(ctx, s.key).Err()
	}
	return s.client.Set(ctx, s.key, staged.String(), 0).Err()
}
