package distributor

import (
	"context"
	"time"

	"github.com/malbeclabs/drip/pkg/schedule"
)

// RewardInfo is the registry's view of one (receiver, asset) pair.
type RewardInfo struct {
	// Distributor is the identity authorized to push reward notifications
	// for this pair.
	Distributor string

	// PeriodFinish is when the receiver's current distribution window ends.
	PeriodFinish time.Time
}

// Registry is the asset-validity oracle. It decides whether a (receiver,
// asset) pair is currently a recognized distribution target.
type Registry interface {
	// RewardInfo returns the pair's reward data and whether the pair is a
	// recognized distribution target.
	RewardInfo(ctx context.Context, receiver, asset string) (RewardInfo, bool, error)

	// Assets enumerates the assets registered to receiver.
	Assets(ctx context.Context, receiver string) ([]string, error)
}

// Transferer moves asset value between accounts. Each call either fully
// succeeds or returns an error with no partial transfer.
type Transferer interface {
	// Pull collects amount of asset from an external account into the
	// scheduler's custody.
	Pull(ctx context.Context, asset, from string, amount uint64) error

	// Push sends amount of asset from the scheduler's custody to an
	// external account.
	Push(ctx context.Context, asset, to string, amount uint64) error
}

// Notifier informs a receiving target that newly drained funds arrived so it
// can begin or continue its own distribution schedule.
type Notifier interface {
	Notify(ctx context.Context, receiver, asset string, amount uint64) error
}

// EventKind classifies audit journal events.
type EventKind string

const (
	EventDeposit    EventKind = "deposit"
	EventDrain      EventKind = "drain"
	EventRecover    EventKind = "recover"
	EventPushFailed EventKind = "push_failed"
)

// Event is one audit journal row. Key is the activation key for deposits and
// the drain threshold otherwise; Recipient is who the amount was pushed to.
type Event struct {
	Kind      EventKind
	Receiver  string
	Asset     string
	Amount    uint64
	Key       schedule.Key
	Recipient string
	At        time.Time
}

// Journal records ledger events for audit. Implementations must tolerate
// being called on the hot path; the distributor treats journal failures as
// non-fatal.
type Journal interface {
	Record(ctx context.Context, ev Event) error
}
