package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/craftlink/earnings-service/internal/model"
	"github.com/craftlink/earnings-service/internal/payrail"
	"github.com/craftlink/earnings-service/internal/repo"
)

// Platform fee on withdrawals, fixed policy. Computed once at creation and
// never recomputed.
var feeRate = decimal.NewFromFloat(0.03)

// ErrAmountOutOfBounds means the requested amount is outside the configured
// [min, max] window.
var ErrAmountOutOfBounds = errors.New("amount out of bounds")

// ErrPayoutAccountNotReady means the user has no verified, payouts-enabled
// account for the requested method.
var ErrPayoutAccountNotReady = errors.New("payout account not ready")

// ErrUnknownMethod means no adapter is registered for the method.
var ErrUnknownMethod = errors.New("unknown withdrawal method")

// ErrNotCancellable means cancel was called on a non-pending withdrawal.
var ErrNotCancellable = errors.New("withdrawal is not pending")

// ErrNotFound is returned for withdrawals that do not exist or belong to
// another user.
var ErrNotFound = errors.New("withdrawal not found")

// WithdrawalPolicy carries the configured bounds and dispatch behavior.
type WithdrawalPolicy struct {
	MinAmount       decimal.Decimal
	MaxAmount       decimal.Decimal
	DispatchTimeout time.Duration
	DispatchRetries int
}

// WithdrawalService is the only path by which available balance leaves the
// system. It reserves funds in a short transaction, calls the rail outside
// any lock, and reconciles the outcome in another short transaction.
type WithdrawalService struct {
	repo     repo.RepositoryInterface
	ledger   *LedgerService
	adapters map[string]payrail.Adapter
	policy   WithdrawalPolicy
	log      *zap.SugaredLogger
}

// NewWithdrawalService returns WithdrawalService.
func NewWithdrawalService(r repo.RepositoryInterface, ledger *LedgerService, adapters map[string]payrail.Adapter, policy WithdrawalPolicy, logger *zap.SugaredLogger) *WithdrawalService {
	if policy.DispatchRetries <= 0 {
		policy.DispatchRetries = 3
	}
	if policy.DispatchTimeout <= 0 {
		policy.DispatchTimeout = 30 * time.Second
	}
	return &WithdrawalService{repo: r, ledger: ledger, adapters: adapters, policy: policy, log: logger}
}

// Fee returns the platform fee for an amount, rounded to 2 decimals.
func Fee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(feeRate).Round(2)
}

func (s *WithdrawalService) outbox(ctx context.Context, tx *gorm.DB, w *model.Withdrawal, eventType string) error {
	payload, _ := json.Marshal(map[string]interface{}{
		"withdrawal_id": w.ID,
		"user_id":       w.UserID,
		"amount":        w.Amount,
		"net_amount":    w.NetAmount,
		"method":        w.Method,
		"status":        w.Status,
	})
	return s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
		Aggregate: "Withdrawal", AggregateID: w.ID, EventType: eventType, Payload: string(payload),
	})
}

// Create validates the request, then atomically checks and debits the
// available balance, creating the withdrawal and its linked pending
// transaction. Concurrent requests cannot both pass the balance check: the
// debit and the check run under the same wallet CAS.
func (s *WithdrawalService) Create(ctx context.Context, userID uint64, amount decimal.Decimal, method, description string) (*model.Withdrawal, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	amount = amount.Round(2)
	if amount.LessThan(s.policy.MinAmount) || amount.GreaterThan(s.policy.MaxAmount) {
		return nil, ErrAmountOutOfBounds
	}
	if _, ok := s.adapters[method]; !ok {
		return nil, ErrUnknownMethod
	}

	account, err := s.repo.GetPayoutAccount(ctx, userID, method)
	if err != nil {
		if errors.Is(err, repo.ErrNoPayoutAccount) {
			return nil, ErrPayoutAccountNotReady
		}
		return nil, err
	}
	if !account.PayoutReady() {
		return nil, ErrPayoutAccountNotReady
	}

	fee := Fee(amount)
	net := amount.Sub(fee)

	var out *model.Withdrawal
	err = runAtomic(ctx, s.repo, func(tx *gorm.DB) error {
		before, after, err := s.repo.ApplyToWallet(ctx, tx, userID, model.WalletAvailable, model.DirDebit, amount)
		if err != nil {
			return err
		}
		t := &model.Transaction{
			UserID:        userID,
			Type:          model.TxWithdrawal,
			WalletType:    model.WalletAvailable,
			Direction:     model.DirDebit,
			Amount:        amount,
			Status:        model.TxStatusPending,
			Applied:       true, // reservation: funds debited up front
			BalanceBefore: &before,
			BalanceAfter:  &after,
			Description:   description,
		}
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			return err
		}
		w := &model.Withdrawal{
			UserID:         userID,
			Amount:         amount,
			Fee:            fee,
			NetAmount:      net,
			Currency:       "usd",
			Method:         method,
			Status:         model.WdStatusPending,
			TransactionID:  t.ID,
			IdempotencyKey: uuid.NewString(),
			Description:    description,
		}
		if err := s.repo.CreateWithdrawal(ctx, tx, w); err != nil {
			return err
		}
		if err := s.outbox(ctx, tx, w, "WithdrawalCreated"); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.repo.InvalidateSummary(ctx, userID); err != nil {
		s.log.Warnw("invalidate summary cache", "user_id", userID, "err", err)
	}
	return out, nil
}

// markProcessing transitions pending→processing. Returns the current row and
// whether the transition happened; already-terminal or already-processing
// rows pass through untouched. The status guard serializes against a
// concurrent cancel: whichever transition commits first wins, the loser's
// transaction retries and sees the new status.
func (s *WithdrawalService) markProcessing(ctx context.Context, id uint64) (*model.Withdrawal, bool, error) {
	var w *model.Withdrawal
	moved := false
	err := runAtomic(ctx, s.repo, func(tx *gorm.DB) error {
		moved = false
		cur, err := s.repo.GetWithdrawal(ctx, tx, id)
		if err != nil {
			return err
		}
		w = cur
		if cur.Status != model.WdStatusPending {
			return nil
		}
		if err := s.repo.TransitionWithdrawal(ctx, tx, cur.ID, model.WdStatusPending, map[string]interface{}{
			"status":     model.WdStatusProcessing,
			"updated_at": time.Now(),
		}); err != nil {
			return err
		}
		cur.Status = model.WdStatusProcessing
		moved = true
		return s.outbox(ctx, tx, cur, "WithdrawalDispatched")
	})
	return w, moved, err
}

// Dispatch hands the withdrawal to the payment rail. Safe to retry: a
// terminal or already-dispatched withdrawal is returned unchanged. The
// provider call happens outside any database transaction; transient rail
// errors are retried with backoff under the same idempotency key, and a
// timeout leaves the withdrawal processing for the reconciler (funds stay
// reserved until the outcome is definitive).
func (s *WithdrawalService) Dispatch(ctx context.Context, id uint64) (*model.Withdrawal, error) {
	w, moved, err := s.markProcessing(ctx, id)
	if err != nil {
		return nil, err
	}
	if !moved {
		if model.TerminalWdStatus(w.Status) {
			return w, nil
		}
		if w.ProviderPayoutID != nil {
			return w, nil // already at the rail, reconciler will finish it
		}
	}

	adapter, ok := s.adapters[w.Method]
	if !ok {
		return nil, ErrUnknownMethod
	}
	account, err := s.repo.GetPayoutAccount(ctx, w.UserID, w.Method)
	if err != nil {
		return nil, err
	}

	req := payrail.PayoutRequest{
		AccountRef:     account.AccountRef,
		Amount:         w.NetAmount,
		Currency:       w.Currency,
		IdempotencyKey: w.IdempotencyKey,
		Description:    w.Description,
	}

	var result *payrail.PayoutResult
	var railErr error
	for attempt := 0; attempt < s.policy.DispatchRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.policy.DispatchTimeout)
		result, railErr = adapter.Payout(callCtx, req)
		cancel()
		if railErr == nil || !payrail.IsTransient(railErr) {
			break
		}
		s.log.Warnw("payout attempt failed", "withdrawal_id", w.ID, "attempt", attempt+1, "err", railErr)
		select {
		case <-ctx.Done():
			return w, nil // stays processing; reconciler picks it up
		case <-time.After(time.Duration(1<<attempt) * time.Second):
		}
	}

	if railErr != nil {
		if payrail.IsTransient(railErr) {
			// outcome unknown: keep the reservation, leave processing
			s.log.Warnw("payout outcome unknown, leaving processing", "withdrawal_id", w.ID, "err", railErr)
			return w, nil
		}
		return s.fail(ctx, w.ID, railErr.Error())
	}

	err = runAtomic(ctx, s.repo, func(tx *gorm.DB) error {
		cur, err := s.repo.GetWithdrawal(ctx, tx, w.ID)
		if err != nil {
			return err
		}
		if model.TerminalWdStatus(cur.Status) {
			w = cur
			return nil
		}
		if err := s.repo.TransitionWithdrawal(ctx, tx, cur.ID, cur.Status, map[string]interface{}{
			"provider_payout_id": result.ProviderTxID,
			"updated_at":         time.Now(),
		}); err != nil {
			return err
		}
		cur.ProviderPayoutID = &result.ProviderTxID
		w = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// fail moves a withdrawal to failed, refunding the reservation.
func (s *WithdrawalService) fail(ctx context.Context, id uint64, reason string) (*model.Withdrawal, error) {
	return s.Reconcile(ctx, id, payrail.StateFailed, "", &reason)
}

// Reconcile applies a definitive provider outcome. Idempotent: reconciling
// an already-terminal withdrawal returns it unchanged and never re-applies
// balance effects. The status guard makes reconcile, cancel and dispatch
// racing on the same withdrawal serialize: only one transition commits, the
// losers' transactions retry and see the terminal row.
func (s *WithdrawalService) Reconcile(ctx context.Context, id uint64, outcome payrail.PayoutState, providerRef string, failedReason *string) (*model.Withdrawal, error) {
	if outcome != payrail.StatePaid && outcome != payrail.StateFailed {
		return nil, fmt.Errorf("reconcile: non-terminal outcome %q", outcome)
	}
	var out *model.Withdrawal
	err := runAtomic(ctx, s.repo, func(tx *gorm.DB) error {
		w, err := s.repo.GetWithdrawal(ctx, tx, id)
		if err != nil {
			return err
		}
		if model.TerminalWdStatus(w.Status) {
			out = w
			return nil
		}
		now := time.Now()
		updates := map[string]interface{}{"updated_at": now}
		target := model.TxStatusCompleted
		var settleReason *string
		if outcome == payrail.StatePaid {
			updates["status"] = model.WdStatusCompleted
			updates["processed_at"] = now
			if providerRef != "" {
				updates["provider_payout_id"] = providerRef
			}
		} else {
			updates["status"] = model.WdStatusFailed
			if failedReason != nil {
				updates["failed_reason"] = *failedReason
			}
			target = model.TxStatusFailed
			settleReason = failedReason
		}
		// claim the transition before touching the ledger; a racing writer
		// loses here and its retry sees the terminal row
		if err := s.repo.TransitionWithdrawal(ctx, tx, w.ID, w.Status, updates); err != nil {
			return err
		}
		if _, err := s.ledger.settleTx(ctx, tx, w.TransactionID, target, settleReason); err != nil && !errors.Is(err, ErrAlreadyTerminal) {
			return err
		}
		if outcome == payrail.StatePaid {
			w.Status = model.WdStatusCompleted
			w.ProcessedAt = &now
			if providerRef != "" {
				w.ProviderPayoutID = &providerRef
			}
		} else {
			w.Status = model.WdStatusFailed
			w.FailedReason = failedReason
		}
		if err := s.outbox(ctx, tx, w, "WithdrawalResolved"); err != nil {
			return err
		}
		out = w
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

// Cancel is user-initiated and only legal while pending. The reservation is
// refunded in the same transaction as the status change.
func (s *WithdrawalService) Cancel(ctx context.Context, userID, id uint64) (*model.Withdrawal, error) {
	var out *model.Withdrawal
	err := runAtomic(ctx, s.repo, func(tx *gorm.DB) error {
		w, err := s.repo.GetWithdrawal(ctx, tx, id)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if w.UserID != userID {
			return ErrNotFound
		}
		if w.Status != model.WdStatusPending {
			return ErrNotCancellable
		}
		// the guard loses against a dispatch that moved the row to
		// processing first; the retry then reports ErrNotCancellable
		if err := s.repo.TransitionWithdrawal(ctx, tx, w.ID, model.WdStatusPending, map[string]interface{}{
			"status":     model.WdStatusCancelled,
			"updated_at": time.Now(),
		}); err != nil {
			return err
		}
		w.Status = model.WdStatusCancelled
		if _, err := s.ledger.settleTx(ctx, tx, w.TransactionID, model.TxStatusCancelled, nil); err != nil && !errors.Is(err, ErrAlreadyTerminal) {
			return err
		}
		if err := s.outbox(ctx, tx, w, "WithdrawalCancelled"); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.repo.InvalidateSummary(ctx, userID); err != nil {
		s.log.Warnw("invalidate summary cache", "user_id", userID, "err", err)
	}
	return out, nil
}

// Get returns one withdrawal scoped to its owner.
func (s *WithdrawalService) Get(ctx context.Context, userID, id uint64) (*model.Withdrawal, error) {
	w, err := s.repo.GetWithdrawal(ctx, s.repo.DB(ctx), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if w.UserID != userID {
		return nil, ErrNotFound
	}
	return w, nil
}

// List returns one page of a user's withdrawals plus the total count.
func (s *WithdrawalService) List(ctx context.Context, userID uint64, status string, page, limit int) ([]model.Withdrawal, int64, error) {
	return s.repo.ListWithdrawals(ctx, userID, status, page, limit)
}

// Stats aggregates a user's withdrawals.
func (s *WithdrawalService) Stats(ctx context.Context, userID uint64) (*model.WithdrawalStats, error) {
	return s.repo.WithdrawalStats(ctx, userID)
}

// ResolveStuck polls provider status for withdrawals that have sat in
// processing past olderThan and applies any definitive outcome. Withdrawals
// that never reached the rail (no provider id) are re-dispatched.
func (s *WithdrawalService) ResolveStuck(ctx context.Context, olderThan time.Time, limit int) error {
	stuck, err := s.repo.ListStuckProcessing(ctx, olderThan, limit)
	if err != nil {
		return err
	}
	for _, w := range stuck {
		adapter, ok := s.adapters[w.Method]
		if !ok {
			continue
		}
		if w.ProviderPayoutID == nil {
			if _, err := s.Dispatch(ctx, w.ID); err != nil {
				s.log.Errorw("re-dispatch stuck withdrawal", "withdrawal_id", w.ID, "err", err)
			}
			continue
		}
		state, err := adapter.PayoutStatus(ctx, *w.ProviderPayoutID)
		if err != nil {
			s.log.Warnw("provider status poll", "withdrawal_id", w.ID, "err", err)
			continue
		}
		switch state {
		case payrail.StatePaid:
			_, err = s.Reconcile(ctx, w.ID, payrail.StatePaid, *w.ProviderPayoutID, nil)
		case payrail.StateFailed:
			reason := "provider reported payout failure"
			_, err = s.Reconcile(ctx, w.ID, payrail.StateFailed, *w.ProviderPayoutID, &reason)
		default:
			continue // still pending at the rail, keep waiting
		}
		if err != nil {
			s.log.Errorw("reconcile stuck withdrawal", "withdrawal_id", w.ID, "err", err)
		}
	}
	return nil
}
