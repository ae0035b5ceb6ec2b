// Package distributor orchestrates the scheduling ledger against its
// external collaborators: the registry that vouches for (receiver, asset)
// pairs, the transfer backend that moves value, and the notification hook
// that tells receivers new funds arrived. The ledger cursor is always
// advanced before any external call, so a reentrant or concurrent call
// observes a ledger already stripped of everything the outer call claimed.
package distributor

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/drip/pkg/metrics"
	"github.com/malbeclabs/drip/pkg/retry"
	"github.com/malbeclabs/drip/pkg/schedule"
)

var (
	// ErrUnrecognizedTarget means the (receiver, asset) pair is not usable
	// for the requested operation: inactive for deposits and drains, or
	// still active for recovery.
	ErrUnrecognizedTarget = errors.New("unrecognized distribution target")

	// ErrUnauthorized means the caller lacks the operator privilege.
	ErrUnauthorized = errors.New("unauthorized")
)

// MaxDrainAssets bounds how many assets one batch drain call will iterate.
const MaxDrainAssets = 8

type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Book       *schedule.Book
	Registry   Registry
	Transferer Transferer
	Notifier   Notifier
	Journal    Journal // optional, nil disables audit journaling

	// Identity is the account this service distributes under. A drain
	// notifies the receiver when the registry names this identity as the
	// pair's distributor.
	Identity string

	// OperatorTokenHash is the hex sha256 of the recovery bearer token.
	// Empty disables the recovery path entirely.
	OperatorTokenHash string

	Retry retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Book == nil {
		return errors.New("book is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry is required")
	}
	if cfg.Transferer == nil {
		return errors.New("transferer is required")
	}
	if cfg.Notifier == nil {
		return errors.New("notifier is required")
	}
	if cfg.Identity == "" {
		return errors.New("identity is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Distributor is the distribution processor over one schedule.Book.
type Distributor struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Distributor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Distributor{log: cfg.Logger, cfg: cfg}, nil
}

// HashToken returns the hex sha256 of a bearer token, the format expected by
// Config.OperatorTokenHash.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (d *Distributor) authorized(token string) bool {
	if d.cfg.OperatorTokenHash == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(HashToken(token)), []byte(d.cfg.OperatorTokenHash)) == 1
}

// Deposit collects amount of asset from the depositor and schedules it for
// the given activation key. The key must be strictly in the future,
// epoch-aligned, and the pair must be an active distribution target. All
// validation happens before the depositor's funds are touched.
func (d *Distributor) Deposit(ctx context.Context, depositor, receiver, asset string, amount uint64, key schedule.Key) error {
	if amount == 0 {
		return fmt.Errorf("%w: amount must be positive", schedule.ErrInvalidAmount)
	}
	now := d.cfg.Clock.Now()
	if key == schedule.KeyNone || !key.Time().After(now) {
		return fmt.Errorf("%w: key %d is not in the future", schedule.ErrInvalidActivationKey, key)
	}
	if !key.Aligned(d.cfg.Book.Epoch()) {
		return fmt.Errorf("%w: key %d is not aligned to %s epochs", schedule.ErrInvalidActivationKey, key, d.cfg.Book.Epoch())
	}
	if _, ok, err := d.cfg.Registry.RewardInfo(ctx, receiver, asset); err != nil {
		return fmt.Errorf("failed to query registry: %w", err)
	} else if !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnrecognizedTarget, receiver, asset)
	}

	if err := d.cfg.Transferer.Pull(ctx, asset, depositor, amount); err != nil {
		return fmt.Errorf("failed to collect deposit: %w", err)
	}
	if err := d.cfg.Book.Insert(ctx, schedule.ID{Receiver: receiver, Asset: asset}, key, amount); err != nil {
		// Funds were already pulled; hand them back before reporting.
		if refundErr := d.cfg.Transferer.Push(ctx, asset, depositor, amount); refundErr != nil {
			d.log.Error("distributor: failed to refund rejected deposit",
				"depositor", depositor, "asset", asset, "amount", amount, "error", refundErr)
		}
		return err
	}

	metrics.DepositsTotal.WithLabelValues(asset).Inc()
	metrics.DepositedAmountTotal.WithLabelValues(asset).Add(float64(amount))
	d.journal(ctx, Event{
		Kind:     EventDeposit,
		Receiver: receiver,
		Asset:    asset,
		Amount:   amount,
		Key:      key,
		At:       now,
	})
	d.log.Info("distributor: deposit scheduled",
		"depositor", depositor, "receiver", receiver, "asset", asset,
		"amount", amount, "activates_at", key.Time())
	return nil
}

// DrainDue drains every asset registered to the receiver whose target
// validity still holds, returning the combined amount moved. Pairs the
// registry no longer recognizes are skipped rather than failing the batch.
func (d *Distributor) DrainDue(ctx context.Context, receiver string) (uint64, error) {
	assets, err := d.cfg.Registry.Assets(ctx, receiver)
	if err != nil {
		return 0, fmt.Errorf("failed to enumerate assets: %w", err)
	}
	if len(assets) > MaxDrainAssets {
		return 0, fmt.Errorf("receiver %s has %d assets, at most %d can be drained per call", receiver, len(assets), MaxDrainAssets)
	}

	var total uint64
	for _, asset := range assets {
		moved, err := d.DrainDueForAsset(ctx, receiver, asset)
		if errors.Is(err, ErrUnrecognizedTarget) {
			d.log.Debug("distributor: skipping inactive pair", "receiver", receiver, "asset", asset)
			continue
		}
		if err != nil {
			return total, err
		}
		total += moved
	}
	return total, nil
}

// DrainDueForAsset drains everything due as of now for one (receiver, asset)
// pair and pushes it to the receiver. The cursor advance is committed before
// the push; draining an empty or not-yet-due ledger is a no-op. Also
// notifies the receiver when its reward window has elapsed or this service
// is the pair's registered distributor.
func (d *Distributor) DrainDueForAsset(ctx context.Context, receiver, asset string) (uint64, error) {
	info, ok, err := d.cfg.Registry.RewardInfo(ctx, receiver, asset)
	if err != nil {
		return 0, fmt.Errorf("failed to query registry: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s/%s", ErrUnrecognizedTarget, receiver, asset)
	}

	now := d.cfg.Clock.Now()
	id := schedule.ID{Receiver: receiver, Asset: asset}
	total, err := d.cfg.Book.Drain(ctx, id, schedule.Key(now.Unix()))
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}

	// The cursor is already advanced; from here on the ledger can no longer
	// double-count this amount, even if the receiver calls back in.
	if err := d.push(ctx, asset, receiver, total); err != nil {
		d.journal(ctx, Event{
			Kind: EventPushFailed, Receiver: receiver, Asset: asset,
			Amount: total, Recipient: receiver, At: now,
		})
		return 0, fmt.Errorf("drained %d of %s but failed to push to %s: %w", total, asset, receiver, err)
	}

	if !now.Before(info.PeriodFinish) || info.Distributor == d.cfg.Identity {
		if err := d.cfg.Notifier.Notify(ctx, receiver, asset, total); err != nil {
			d.log.Error("distributor: failed to notify receiver of pushed rewards",
				"receiver", receiver, "asset", asset, "amount", total, "error", err)
			return total, fmt.Errorf("pushed %d of %s but failed to notify %s: %w", total, asset, receiver, err)
		}
	}

	metrics.DrainsTotal.WithLabelValues(asset).Inc()
	metrics.DrainedAmountTotal.WithLabelValues(asset).Add(float64(total))
	d.journal(ctx, Event{
		Kind: EventDrain, Receiver: receiver, Asset: asset,
		Amount: total, Key: schedule.Key(now.Unix()), Recipient: receiver, At: now,
	})
	d.log.Info("distributor: drained due rewards",
		"receiver", receiver, "asset", asset, "amount", total)
	return total, nil
}

// RecoverAll drains every pending node regardless of due date and sends the
// total to an explicitly supplied recipient. It requires the operator token
// and only applies to pairs the registry no longer recognizes; recovery
// exists to rescue funds that can no longer be legitimately distributed.
// No notification is sent.
func (d *Distributor) RecoverAll(ctx context.Context, token, receiver, asset, recipient string) (uint64, error) {
	if !d.authorized(token) {
		return 0, ErrUnauthorized
	}
	if recipient == "" {
		return 0, errors.New("recipient is required")
	}
	if _, ok, err := d.cfg.Registry.RewardInfo(ctx, receiver, asset); err != nil {
		return 0, fmt.Errorf("failed to query registry: %w", err)
	} else if ok {
		return 0, fmt.Errorf("%w: %s/%s is still an active target, drain it instead", ErrUnrecognizedTarget, receiver, asset)
	}

	now := d.cfg.Clock.Now()
	id := schedule.ID{Receiver: receiver, Asset: asset}
	total, err := d.cfg.Book.Drain(ctx, id, schedule.KeyMax)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}

	if err := d.push(ctx, asset, recipient, total); err != nil {
		d.journal(ctx, Event{
			Kind: EventPushFailed, Receiver: receiver, Asset: asset,
			Amount: total, Recipient: recipient, At: now,
		})
		return 0, fmt.Errorf("recovered %d of %s but failed to push to %s: %w", total, asset, recipient, err)
	}

	metrics.RecoveriesTotal.WithLabelValues(asset).Inc()
	d.journal(ctx, Event{
		Kind: EventRecover, Receiver: receiver, Asset: asset,
		Amount: total, Key: schedule.KeyMax, Recipient: recipient, At: now,
	})
	d.log.Info("distributor: recovered stranded rewards",
		"receiver", receiver, "asset", asset, "amount", total, "recipient", recipient)
	return total, nil
}

// Pending previews what a drain through the given key would yield, without
// mutating anything. A zero through means "due as of now".
func (d *Distributor) Pending(ctx context.Context, receiver, asset string, through schedule.Key) (uint64, error) {
	if through == schedule.KeyNone {
		through = schedule.Key(d.cfg.Clock.Now().Unix())
	}
	_, total, err := d.cfg.Book.PendingThrough(ctx, schedule.ID{Receiver: receiver, Asset: asset}, through)
	return total, err
}

// NodeAt reads one ledger node.
func (d *Distributor) NodeAt(ctx context.Context, receiver, asset string, key schedule.Key) (schedule.Node, error) {
	return d.cfg.Book.NodeAt(ctx, schedule.ID{Receiver: receiver, Asset: asset}, key)
}

func (d *Distributor) push(ctx context.Context, asset, to string, amount uint64) error {
	err := retry.Do(ctx, d.cfg.Retry, func() error {
		return d.cfg.Transferer.Push(ctx, asset, to, amount)
	})
	if err != nil {
		metrics.PushFailuresTotal.WithLabelValues(asset).Inc()
	}
	return err
}

func (d *Distributor) journal(ctx context.Context, ev Event) {
	if d.cfg.Journal == nil {
		return
	}
	err := d.cfg.Journal.Record(ctx, ev)
	metrics.RecordJournalWrite(err)
	if err != nil {
		d.log.Error("distributor: failed to record journal event",
			"kind", string(ev.Kind), "receiver", ev.Receiver, "asset", ev.Asset, "error", err)
	}
}
