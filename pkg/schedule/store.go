package schedule

import (
	"context"
	"sync"
)

// ID identifies one ledger: each (receiver, asset) pair owns an independent
// sorted list anchored at the sentinel node stored under KeyNone.
type ID struct {
	Receiver string
	Asset    string
}

// Node holds a pending quantity and the key of the next node in ascending
// order (KeyNone when this is the last node). The zero Node means "absent".
type Node struct {
	Amount uint64
	Next   Key
}

// NodeStore is the storage contract for ledger nodes. Reading an absent slot
// returns the zero Node; writes are blind upserts. No validation happens
// here, that is the caller's responsibility.
type NodeStore interface {
	Node(ctx context.Context, id ID, key Key) (Node, error)
	PutNode(ctx context.Context, id ID, key Key, n Node) error
}

// MemStore is the map-backed NodeStore used when durability is not required.
type MemStore struct {
	mu    sync.RWMutex
	nodes map[ID]map[Key]Node
}

func NewMemStore() *MemStore {
	return &MemStore{nodes: make(map[ID]map[Key]Node)}
}

func (s *MemStore) Node(ctx context.Context, id ID, key Key) (Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodes[id][key], nil
}

func (s *MemStore) PutNode(ctx context.Context, id ID, key Key, n Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ledger, ok := s.nodes[id]
	if !ok {
		ledger = make(map[Key]Node)
		s.nodes[id] = ledger
	}
	ledger[key] = n
	return nil
}
