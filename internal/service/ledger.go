package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/craftlink/earnings-service/internal/model"
	"github.com/craftlink/earnings-service/internal/repo"
)

// ErrInvalidAmount means non-positive amount passed. Refunds and fees use
// explicit direction, never negative amounts.
var ErrInvalidAmount = errors.New("amount must be positive")

// ErrInvalidWalletType means the event targets an unknown bucket.
var ErrInvalidWalletType = errors.New("invalid wallet type")

// ErrInvalidEventType means the event type has no ledger mapping.
var ErrInvalidEventType = errors.New("invalid event type")

// casRetries bounds how often an atomic unit is retried after losing the
// wallet version CAS.
const casRetries = 3

// Event is a domain event translated into ledger mutations. WalletType is
// only consulted for refund (which bucket holds the funds) and
// additional_payment (active_orders unless the project is already clearing).
type Event struct {
	Type           string          `json:"type"`
	UserID         uint64          `json:"user_id"`
	Amount         decimal.Decimal `json:"amount"`
	WalletType     string          `json:"wallet_type,omitempty"`
	ProjectID      *uint64         `json:"project_id,omitempty"`
	BusinessID     *uint64         `json:"business_id,omitempty"`
	Description    string          `json:"description,omitempty"`
	ProviderRef    *string         `json:"provider_ref,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`

	// SourceTxID points at the clearing credit being released by a
	// payment_cleared event; it gets its cleared_at stamped.
	SourceTxID *uint64 `json:"source_tx_id,omitempty"`
}

// LedgerService is the transaction processor: it owns the event→wallet
// mapping and the read-side summary.
type LedgerService struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// NewLedgerService returns LedgerService.
func NewLedgerService(r repo.RepositoryInterface, logger *zap.SugaredLogger) *LedgerService {
	return &LedgerService{repo: r, log: logger}
}

// runAtomic executes fn in one database transaction, retrying a bounded
// number of times when the wallet CAS loses a race.
func runAtomic(ctx context.Context, r repo.RepositoryInterface, fn func(tx *gorm.DB) error) error {
	var err error
	for i := 0; i < casRetries; i++ {
		err = r.DB(ctx).Transaction(fn)
		if !errors.Is(err, repo.ErrOptimisticConflict) {
			return err
		}
	}
	return err
}

// leg is one wallet movement of an event.
type leg struct {
	walletType string
	direction  string
	clearedAt  bool
}

// legsFor resolves the fixed event mapping.
func legsFor(ev Event) ([]leg, error) {
	switch ev.Type {
	case model.TxProjectStarted:
		return []leg{{model.WalletActiveOrders, model.DirCredit, false}}, nil
	case model.TxProjectCompleted:
		return []leg{
			{model.WalletActiveOrders, model.DirDebit, false},
			{model.WalletPaymentsClearing, model.DirCredit, false},
		}, nil
	case model.TxPaymentCleared:
		return []leg{
			{model.WalletPaymentsClearing, model.DirDebit, false},
			{model.WalletAvailable, model.DirCredit, true},
		}, nil
	case model.TxAdditionalPayment:
		wt := ev.WalletType
		if wt == "" {
			wt = model.WalletActiveOrders
		}
		if wt != model.WalletActiveOrders && wt != model.WalletPaymentsClearing {
			return nil, ErrInvalidWalletType
		}
		return []leg{{wt, model.DirCredit, false}}, nil
	case model.TxRefund:
		if !model.ValidWalletType(ev.WalletType) {
			return nil, ErrInvalidWalletType
		}
		return []leg{{ev.WalletType, model.DirDebit, false}}, nil
	case model.TxPlatformFee:
		return []leg{{model.WalletAvailable, model.DirDebit, false}}, nil
	default:
		// withdrawal transactions are only created by the withdrawal engine
		return nil, ErrInvalidEventType
	}
}

// RecordEvent maps a domain event onto the ledger and applies it atomically:
// every leg lands or none does. Multi-wallet moves debit first, so an
// insufficient source balance aborts before any credit.
func (s *LedgerService) RecordEvent(ctx context.Context, ev Event) ([]model.Transaction, error) {
	if ev.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	legs, err := legsFor(ev)
	if err != nil {
		return nil, err
	}
	amt := ev.Amount.Round(2)

	var group *string
	if len(legs) > 1 {
		g := uuid.NewString()
		group = &g
	}

	var created []model.Transaction
	err = runAtomic(ctx, s.repo, func(tx *gorm.DB) error {
		created = created[:0]

		existed, prev, err := s.repo.TxExists(ctx, tx, ev.UserID, ev.IdempotencyKey, ev.Type)
		if err != nil {
			return err
		}
		if existed {
			// replay of a multi-wallet move returns every leg, same as
			// the first call did
			if prev.TransferGroup != nil {
				legs, err := s.repo.ListTransactionsByGroup(ctx, tx, *prev.TransferGroup)
				if err != nil {
					return err
				}
				created = append(created, legs...)
				return nil
			}
			created = append(created, *prev)
			return nil
		}

		now := time.Now()
		for _, l := range legs {
			before, after, err := s.repo.ApplyToWallet(ctx, tx, ev.UserID, l.walletType, l.direction, amt)
			if err != nil {
				return err
			}
			t := model.Transaction{
				UserID:        ev.UserID,
				Type:          ev.Type,
				WalletType:    l.walletType,
				Direction:     l.direction,
				Amount:        amt,
				Status:        model.TxStatusCompleted,
				Applied:       true,
				BalanceBefore: &before,
				BalanceAfter:  &after,
				TransferGroup: group,
				ProjectID:     ev.ProjectID,
				BusinessID:    ev.BusinessID,
				Description:   ev.Description,
				ProviderRef:   ev.ProviderRef,
			}
			if ev.IdempotencyKey != "" {
				k := ev.IdempotencyKey
				t.IdempotencyKey = &k
			}
			if l.clearedAt {
				t.ClearedAt = &now
			}
			if err := s.repo.CreateTransaction(ctx, tx, &t); err != nil {
				return err
			}
			created = append(created, t)
		}

		if ev.Type == model.TxPaymentCleared && ev.SourceTxID != nil {
			src, err := s.repo.GetTransaction(ctx, tx, *ev.SourceTxID)
			if err != nil {
				return err
			}
			src.ClearedAt = &now
			if err := s.repo.SaveTransaction(ctx, tx, src); err != nil {
				return err
			}
		}

		payload, _ := json.Marshal(ev)
		evt := &model.OutboxEvent{
			Aggregate: "Wallet", AggregateID: ev.UserID, EventType: ev.Type, Payload: string(payload),
		}
		return s.repo.CreateOutboxEvent(ctx, tx, evt)
	})
	if err != nil {
		return nil, err
	}
	if err := s.repo.InvalidateSummary(ctx, ev.UserID); err != nil {
		s.log.Warnw("invalidate summary cache", "user_id", ev.UserID, "err", err)
	}
	return created, nil
}

// GetSummary returns the three balances plus total_earnings, computed at
// read time. Serves from the Redis cache when warm.
func (s *LedgerService) GetSummary(ctx context.Context, userID uint64) (*model.Summary, error) {
	if cached, err := s.repo.GetCachedSummary(ctx, userID); err == nil {
		return cached, nil
	}
	ws, err := s.repo.GetWallets(ctx, userID)
	if err != nil {
		return nil, err
	}
	sum := model.Summary{
		ActiveOrders:     decimal.Zero,
		PaymentsClearing: decimal.Zero,
		Available:        decimal.Zero,
	}
	for _, w := range ws {
		switch w.Type {
		case model.WalletActiveOrders:
			sum.ActiveOrders = w.Balance
		case model.WalletPaymentsClearing:
			sum.PaymentsClearing = w.Balance
		case model.WalletAvailable:
			sum.Available = w.Balance
		}
	}
	sum.TotalEarnings = sum.ActiveOrders.Add(sum.PaymentsClearing).Add(sum.Available)
	if err := s.repo.CacheSummary(ctx, userID, sum); err != nil {
		s.log.Warnw("cache summary", "user_id", userID, "err", err)
	}
	return &sum, nil
}

// ListTransactions returns a user's history, newest first.
func (s *LedgerService) ListTransactions(ctx context.Context, userID uint64, f repo.TransactionFilter) ([]model.Transaction, error) {
	return s.repo.ListTransactions(ctx, userID, f)
}

// ReleaseClearedFunds moves money out of payments_clearing for completed
// credits older than the clearing window, one payment_cleared event per
// source credit. A credit whose bucket was partly consumed by a refund can
// no longer clear in full: the remainder is released instead, and either way
// the source credit is retired (cleared_at stamped) so it is not re-selected
// every cycle. Returns how many credits were retired.
func (s *LedgerService) ReleaseClearedFunds(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	credits, err := s.repo.ListUnclearedCredits(ctx, olderThan, limit)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, c := range credits {
		src := c.ID
		_, err := s.RecordEvent(ctx, Event{
			Type:        model.TxPaymentCleared,
			UserID:      c.UserID,
			Amount:      c.Amount,
			Description: "scheduled clearing release",
			SourceTxID:  &src,
		})
		if errors.Is(err, repo.ErrInsufficientFunds) {
			err = s.releaseRemainder(ctx, c)
		}
		if err != nil {
			s.log.Warnw("clearing release", "tx_id", c.ID, "user_id", c.UserID, "err", err)
			continue
		}
		released++
	}
	return released, nil
}

// releaseRemainder handles a credit that can no longer clear in full: it
// releases whatever still sits in the user's clearing bucket and retires the
// credit.
func (s *LedgerService) releaseRemainder(ctx context.Context, c model.Transaction) error {
	w, err := s.repo.GetWallet(ctx, s.repo.DB(ctx), c.UserID, model.WalletPaymentsClearing)
	if err != nil {
		return err
	}
	if w.Balance.IsPositive() {
		src := c.ID
		_, err := s.RecordEvent(ctx, Event{
			Type:        model.TxPaymentCleared,
			UserID:      c.UserID,
			Amount:      w.Balance,
			Description: "partial clearing release after refund",
			SourceTxID:  &src,
		})
		return err
	}
	// nothing left to move; just retire the credit
	return runAtomic(ctx, s.repo, func(tx *gorm.DB) error {
		t, err := s.repo.GetTransaction(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		now := time.Now()
		t.ClearedAt = &now
		return s.repo.SaveTransaction(ctx, tx, t)
	})
}

// ErrAlreadyTerminal is returned by SettleTransaction for transactions that
// already reached completed, failed or cancelled.
var ErrAlreadyTerminal = errors.New("transaction already terminal")

// settleTx moves a pending transaction to a terminal state inside the
// caller's database transaction. Completing an unapplied transaction applies
// its delta; failing or cancelling an applied one reverses it. The pairing
// of wallet delta and transaction status stays atomic, and the status guard
// makes two racing settles of the same transaction serialize: the loser's
// transaction rolls back (wallet delta included) and its retry sees the
// terminal row.
func (s *LedgerService) settleTx(ctx context.Context, tx *gorm.DB, id uint64, outcome string, failureReason *string) (*model.Transaction, error) {
	t, err := s.repo.GetTransaction(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if model.TerminalTxStatus(t.Status) {
		return t, ErrAlreadyTerminal
	}
	updates := map[string]interface{}{
		"status":     outcome,
		"updated_at": time.Now(),
	}
	switch outcome {
	case model.TxStatusCompleted:
		if !t.Applied {
			before, after, err := s.repo.ApplyToWallet(ctx, tx, t.UserID, t.WalletType, t.Direction, t.Amount)
			if err != nil {
				return nil, err
			}
			t.Applied = true
			t.BalanceBefore = &before
			t.BalanceAfter = &after
			updates["applied"] = true
			updates["balance_before"] = before
			updates["balance_after"] = after
		}
	case model.TxStatusFailed, model.TxStatusCancelled:
		if t.Applied {
			reverse := model.DirCredit
			if t.Direction == model.DirCredit {
				reverse = model.DirDebit
			}
			if _, _, err := s.repo.ApplyToWallet(ctx, tx, t.UserID, t.WalletType, reverse, t.Amount); err != nil {
				return nil, err
			}
			t.Applied = false
			updates["applied"] = false
		}
	default:
		return nil, repo.ErrInvalidTransition
	}
	if failureReason != nil {
		updates["failure_reason"] = *failureReason
	}
	if err := s.repo.TransitionTransaction(ctx, tx, t.ID, t.Status, updates); err != nil {
		return nil, err
	}
	t.Status = outcome
	t.FailureReason = failureReason
	return t, nil
}

// SettleTransaction transitions a pending transaction to a terminal state,
// applying or reversing its wallet delta as needed.
func (s *LedgerService) SettleTransaction(ctx context.Context, id uint64, outcome string, failureReason *string) (*model.Transaction, error) {
	var out *model.Transaction
	err := runAtomic(ctx, s.repo, func(tx *gorm.DB) error {
		t, err := s.settleTx(ctx, tx, id, outcome, failureReason)
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.repo.InvalidateSummary(ctx, out.UserID); err != nil {
		s.log.Warnw("invalidate summary cache", "user_id", out.UserID, "err", err)
	}
	return out, nil
}
