package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

var (
	// ErrInvalidAmount covers zero deposits and merges that would overflow
	// the fixed-width accumulator.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidActivationKey covers the reserved sentinel key and keys that
	// are not epoch-aligned.
	ErrInvalidActivationKey = errors.New("invalid activation key")
)

type BookConfig struct {
	Logger *slog.Logger
	Store  NodeStore
	Epoch  time.Duration
}

func (cfg *BookConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("node store is required")
	}
	if cfg.Epoch <= 0 {
		cfg.Epoch = DefaultEpoch
	}
	if cfg.Epoch%time.Second != 0 {
		return errors.New("epoch must be a whole number of seconds")
	}
	return nil
}

// Book is the ledger engine. All operations on one ID are serialized by a
// per-ledger mutex held across the full read-then-write sequence, so the
// aggregate-then-advance step of Drain is atomic even under parallel callers.
type Book struct {
	log *slog.Logger
	cfg BookConfig

	mu    sync.Mutex
	locks map[ID]*sync.Mutex
}

func NewBook(cfg BookConfig) (*Book, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Book{
		log:   cfg.Logger,
		cfg:   cfg,
		locks: make(map[ID]*sync.Mutex),
	}, nil
}

// Epoch returns the activation boundary keys must align to.
func (b *Book) Epoch() time.Duration {
	return b.cfg.Epoch
}

func (b *Book) lock(id ID) func() {
	b.mu.Lock()
	l, ok := b.locks[id]
	if !ok {
		l = &sync.Mutex{}
		b.locks[id] = l
	}
	b.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Insert adds amount at key, keeping the list sorted and duplicate-free.
// A key already present is merged; a merge that would overflow fails with
// ErrInvalidAmount and mutates nothing. The new node is written before the
// predecessor is relinked, so an insert that fails partway leaves the
// reachable list exactly as it was.
func (b *Book) Insert(ctx context.Context, id ID, key Key, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if key == KeyNone {
		return fmt.Errorf("%w: key %d is reserved", ErrInvalidActivationKey, key)
	}
	if !key.Aligned(b.cfg.Epoch) {
		return fmt.Errorf("%w: key %d is not aligned to %s epochs", ErrInvalidActivationKey, key, b.cfg.Epoch)
	}

	unlock := b.lock(id)
	defer unlock()

	cur := KeyNone
	curNode, err := b.cfg.Store.Node(ctx, id, cur)
	if err != nil {
		return fmt.Errorf("failed to read node %d: %w", cur, err)
	}
	for curNode.Next != KeyNone && key > curNode.Next {
		cur = curNode.Next
		curNode, err = b.cfg.Store.Node(ctx, id, cur)
		if err != nil {
			return fmt.Errorf("failed to read node %d: %w", cur, err)
		}
	}

	if curNode.Next == key {
		// Same activation key: merge into the existing node.
		n, err := b.cfg.Store.Node(ctx, id, key)
		if err != nil {
			return fmt.Errorf("failed to read node %d: %w", key, err)
		}
		if amount > math.MaxUint64-n.Amount {
			return fmt.Errorf("%w: amount at key %d would overflow", ErrInvalidAmount, key)
		}
		n.Amount += amount
		if err := b.cfg.Store.PutNode(ctx, id, key, n); err != nil {
			return fmt.Errorf("failed to write node %d: %w", key, err)
		}
		return nil
	}

	// Append (Next is KeyNone) or splice (cur < key < Next). Either way the
	// new node inherits the successor before the predecessor points at it.
	if err := b.cfg.Store.PutNode(ctx, id, key, Node{Amount: amount, Next: curNode.Next}); err != nil {
		return fmt.Errorf("failed to write node %d: %w", key, err)
	}
	curNode.Next = key
	if err := b.cfg.Store.PutNode(ctx, id, cur, curNode); err != nil {
		return fmt.Errorf("failed to link node %d: %w", key, err)
	}
	return nil
}

// PendingThrough sums every node with key <= through and returns the key of
// the first node still pending afterwards (KeyNone when none remain). It is
// a pure read, safe to call any number of times.
func (b *Book) PendingThrough(ctx context.Context, id ID, through Key) (Key, uint64, error) {
	unlock := b.lock(id)
	defer unlock()
	return b.pendingThrough(ctx, id, through)
}

func (b *Book) pendingThrough(ctx context.Context, id ID, through Key) (Key, uint64, error) {
	head, err := b.cfg.Store.Node(ctx, id, KeyNone)
	if err != nil {
		return KeyNone, 0, fmt.Errorf("failed to read head node: %w", err)
	}
	cur := head.Next
	var total uint64
	for cur != KeyNone && cur <= through {
		n, err := b.cfg.Store.Node(ctx, id, cur)
		if err != nil {
			return KeyNone, 0, fmt.Errorf("failed to read node %d: %w", cur, err)
		}
		total += n.Amount
		cur = n.Next
	}
	return cur, total, nil
}

// Drain sums every node with key <= through and advances the head cursor
// past them in a single serialized step. The cursor write is committed to
// the store before Drain returns, so callers can hand the total to external
// collaborators knowing a reentrant call will find the ledger already
// advanced. Draining an empty or not-yet-due ledger returns 0.
func (b *Book) Drain(ctx context.Context, id ID, through Key) (uint64, error) {
	unlock := b.lock(id)
	defer unlock()

	next, total, err := b.pendingThrough(ctx, id, through)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	head, err := b.cfg.Store.Node(ctx, id, KeyNone)
	if err != nil {
		return 0, fmt.Errorf("failed to read head node: %w", err)
	}
	head.Next = next
	if err := b.cfg.Store.PutNode(ctx, id, KeyNone, head); err != nil {
		return 0, fmt.Errorf("failed to advance head cursor: %w", err)
	}
	b.log.Debug("schedule: drained ledger",
		"receiver", id.Receiver, "asset", id.Asset, "through", uint64(through), "total", total)
	return total, nil
}

// NodeAt reads one node. Absent slots come back as the zero Node.
func (b *Book) NodeAt(ctx context.Context, id ID, key Key) (Node, error) {
	return b.cfg.Store.Node(ctx, id, key)
}
