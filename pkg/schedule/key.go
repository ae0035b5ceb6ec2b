// Package schedule implements a time-bucketed scheduling ledger: a sorted,
// store-backed singly-linked list of pending amounts keyed by future
// activation timestamp, one independent list per (receiver, asset) pair.
// Deposits landing on the same activation key are merged; draining sums
// every node due as of a threshold and advances a head cursor past them so
// the same nodes can never be counted twice.
package schedule

import (
	"math"
	"time"
)

// Key is an activation timestamp in unix seconds. Valid keys are positive
// multiples of the ledger epoch; KeyNone is the reserved slot of the head
// sentinel and doubles as the end-of-list marker.
type Key uint64

const (
	KeyNone Key = 0
	KeyMax  Key = math.MaxUint64
)

// DefaultEpoch is the activation boundary every key must sit on.
const DefaultEpoch = 7 * 24 * time.Hour

// KeyAt returns the start of the epoch containing t.
func KeyAt(t time.Time, epoch time.Duration) Key {
	sec := uint64(epoch / time.Second)
	return Key(uint64(t.Unix()) / sec * sec)
}

// Aligned reports whether k sits on an epoch boundary.
func (k Key) Aligned(epoch time.Duration) bool {
	sec := uint64(epoch / time.Second)
	return sec > 0 && uint64(k)%sec == 0
}

// Time returns the key as a UTC timestamp.
func (k Key) Time() time.Time {
	return time.Unix(int64(k), 0).UTC()
}
