package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/craftlink/earnings-service/internal/logger"
	"github.com/craftlink/earnings-service/internal/model"
	"github.com/craftlink/earnings-service/internal/repo"
)

func newTestEnv(t *testing.T) (*repo.Repository, *LedgerService, context.Context) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.Wallet{}, &model.Transaction{}, &model.Withdrawal{},
		&model.PayoutAccount{}, &model.OutboxEvent{},
	))
	rdb, _ := redismock.NewClientMock()
	log, err := logger.NewLogger("test")
	require.NoError(t, err)
	r := repo.NewRepository(db, rdb, &kafka.Writer{}, log)
	return r, NewLedgerService(r, log), context.Background()
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func balance(t *testing.T, r *repo.Repository, ctx context.Context, userID uint64, walletType string) string {
	t.Helper()
	w, err := r.GetWallet(ctx, r.DB(ctx), userID, walletType)
	require.NoError(t, err)
	return w.Balance.StringFixed(2)
}

func TestRecordEvent_ProjectLifecycle(t *testing.T) {
	r, svc, ctx := newTestEnv(t)

	txs, err := svc.RecordEvent(ctx, Event{Type: model.TxProjectStarted, UserID: 1, Amount: dec("250.00")})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, model.TxStatusCompleted, txs[0].Status)
	assert.Equal(t, "250.00", balance(t, r, ctx, 1, model.WalletActiveOrders))

	txs, err = svc.RecordEvent(ctx, Event{Type: model.TxProjectCompleted, UserID: 1, Amount: dec("250.00")})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.NotNil(t, txs[0].TransferGroup)
	assert.Equal(t, *txs[0].TransferGroup, *txs[1].TransferGroup)
	assert.Equal(t, "0.00", balance(t, r, ctx, 1, model.WalletActiveOrders))
	assert.Equal(t, "250.00", balance(t, r, ctx, 1, model.WalletPaymentsClearing))

	txs, err = svc.RecordEvent(ctx, Event{Type: model.TxPaymentCleared, UserID: 1, Amount: dec("250.00")})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.NotNil(t, txs[1].ClearedAt)
	assert.Equal(t, "0.00", balance(t, r, ctx, 1, model.WalletPaymentsClearing))
	assert.Equal(t, "250.00", balance(t, r, ctx, 1, model.WalletAvailable))

	sum, err := svc.GetSummary(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "250.00", sum.Available.StringFixed(2))
	assert.Equal(t, "250.00", sum.TotalEarnings.StringFixed(2))
}

func TestRecordEvent_MultiWalletMoveIsAtomic(t *testing.T) {
	r, svc, ctx := newTestEnv(t)

	_, err := svc.RecordEvent(ctx, Event{Type: model.TxProjectStarted, UserID: 2, Amount: dec("100.00")})
	require.NoError(t, err)

	// debit leg exceeds active_orders: nothing may land on either side
	_, err = svc.RecordEvent(ctx, Event{Type: model.TxProjectCompleted, UserID: 2, Amount: dec("150.00")})
	assert.ErrorIs(t, err, repo.ErrInsufficientFunds)

	assert.Equal(t, "100.00", balance(t, r, ctx, 2, model.WalletActiveOrders))
	assert.Equal(t, "0.00", balance(t, r, ctx, 2, model.WalletPaymentsClearing))

	txs, err := r.ListTransactions(ctx, 2, repo.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, txs, 1) // only the project_started credit
}

func TestRecordEvent_RefundReportsInsufficientFunds(t *testing.T) {
	r, svc, ctx := newTestEnv(t)

	_, err := svc.RecordEvent(ctx, Event{Type: model.TxProjectStarted, UserID: 3, Amount: dec("30.00")})
	require.NoError(t, err)

	_, err = svc.RecordEvent(ctx, Event{
		Type: model.TxRefund, UserID: 3, Amount: dec("80.00"), WalletType: model.WalletActiveOrders,
	})
	assert.ErrorIs(t, err, repo.ErrInsufficientFunds)
	assert.Equal(t, "30.00", balance(t, r, ctx, 3, model.WalletActiveOrders))

	_, err = svc.RecordEvent(ctx, Event{
		Type: model.TxRefund, UserID: 3, Amount: dec("30.00"), WalletType: model.WalletActiveOrders,
	})
	assert.NoError(t, err)
	assert.Equal(t, "0.00", balance(t, r, ctx, 3, model.WalletActiveOrders))
}

func TestRecordEvent_Validation(t *testing.T) {
	_, svc, ctx := newTestEnv(t)

	_, err := svc.RecordEvent(ctx, Event{Type: model.TxProjectStarted, UserID: 1, Amount: dec("-5.00")})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.RecordEvent(ctx, Event{Type: model.TxRefund, UserID: 1, Amount: dec("5.00"), WalletType: "savings"})
	assert.ErrorIs(t, err, ErrInvalidWalletType)

	_, err = svc.RecordEvent(ctx, Event{Type: "bonus", UserID: 1, Amount: dec("5.00")})
	assert.ErrorIs(t, err, ErrInvalidEventType)

	// withdrawal transactions only come from the withdrawal engine
	_, err = svc.RecordEvent(ctx, Event{Type: model.TxWithdrawal, UserID: 1, Amount: dec("5.00")})
	assert.ErrorIs(t, err, ErrInvalidEventType)
}

func TestRecordEvent_Idempotency(t *testing.T) {
	r, svc, ctx := newTestEnv(t)

	ev := Event{Type: model.TxProjectStarted, UserID: 4, Amount: dec("60.00"), IdempotencyKey: "evt-1"}
	_, err := svc.RecordEvent(ctx, ev)
	require.NoError(t, err)
	txs, err := svc.RecordEvent(ctx, ev)
	require.NoError(t, err)
	require.Len(t, txs, 1)

	assert.Equal(t, "60.00", balance(t, r, ctx, 4, model.WalletActiveOrders))

	// a replayed multi-wallet move returns both legs, same as the first call
	ev2 := Event{Type: model.TxProjectCompleted, UserID: 4, Amount: dec("60.00"), IdempotencyKey: "evt-2"}
	first, err := svc.RecordEvent(ctx, ev2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	again, err := svc.RecordEvent(ctx, ev2)
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Equal(t, *first[0].TransferGroup, *again[0].TransferGroup)
	assert.Equal(t, "0.00", balance(t, r, ctx, 4, model.WalletActiveOrders))
	assert.Equal(t, "60.00", balance(t, r, ctx, 4, model.WalletPaymentsClearing))
}

func TestReleaseClearedFunds(t *testing.T) {
	r, svc, ctx := newTestEnv(t)

	_, err := svc.RecordEvent(ctx, Event{Type: model.TxProjectStarted, UserID: 9, Amount: dec("100.00")})
	require.NoError(t, err)
	_, err = svc.RecordEvent(ctx, Event{Type: model.TxProjectCompleted, UserID: 9, Amount: dec("100.00")})
	require.NoError(t, err)

	released, err := svc.ReleaseClearedFunds(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, released)
	assert.Equal(t, "0.00", balance(t, r, ctx, 9, model.WalletPaymentsClearing))
	assert.Equal(t, "100.00", balance(t, r, ctx, 9, model.WalletAvailable))

	// retired credits are not selected again
	released, err = svc.ReleaseClearedFunds(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, released)
}

func TestReleaseClearedFunds_AfterPartialRefund(t *testing.T) {
	r, svc, ctx := newTestEnv(t)

	_, err := svc.RecordEvent(ctx, Event{Type: model.TxProjectStarted, UserID: 10, Amount: dec("100.00")})
	require.NoError(t, err)
	_, err = svc.RecordEvent(ctx, Event{Type: model.TxProjectCompleted, UserID: 10, Amount: dec("100.00")})
	require.NoError(t, err)

	// a refund consumes part of the clearing bucket after the credit landed
	_, err = svc.RecordEvent(ctx, Event{
		Type: model.TxRefund, UserID: 10, Amount: dec("40.00"), WalletType: model.WalletPaymentsClearing,
	})
	require.NoError(t, err)

	// the credit can no longer clear in full; the remainder is released and
	// the credit retired instead of failing every cycle
	released, err := svc.ReleaseClearedFunds(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, released)
	assert.Equal(t, "0.00", balance(t, r, ctx, 10, model.WalletPaymentsClearing))
	assert.Equal(t, "60.00", balance(t, r, ctx, 10, model.WalletAvailable))

	released, err = svc.ReleaseClearedFunds(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, released)
}

func TestReleaseClearedFunds_AfterFullRefund(t *testing.T) {
	r, svc, ctx := newTestEnv(t)

	_, err := svc.RecordEvent(ctx, Event{Type: model.TxProjectStarted, UserID: 11, Amount: dec("50.00")})
	require.NoError(t, err)
	_, err = svc.RecordEvent(ctx, Event{Type: model.TxProjectCompleted, UserID: 11, Amount: dec("50.00")})
	require.NoError(t, err)
	_, err = svc.RecordEvent(ctx, Event{
		Type: model.TxRefund, UserID: 11, Amount: dec("50.00"), WalletType: model.WalletPaymentsClearing,
	})
	require.NoError(t, err)

	// nothing left to move; the credit is retired so the job converges
	released, err := svc.ReleaseClearedFunds(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, released)
	assert.Equal(t, "0.00", balance(t, r, ctx, 11, model.WalletAvailable))

	released, err = svc.ReleaseClearedFunds(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, released)
}

func TestSummary_ReconstructableFromLog(t *testing.T) {
	r, svc, ctx := newTestEnv(t)

	_, err := svc.RecordEvent(ctx, Event{Type: model.TxProjectStarted, UserID: 5, Amount: dec("300.00")})
	require.NoError(t, err)
	_, err = svc.RecordEvent(ctx, Event{Type: model.TxProjectCompleted, UserID: 5, Amount: dec("300.00")})
	require.NoError(t, err)
	_, err = svc.RecordEvent(ctx, Event{Type: model.TxPaymentCleared, UserID: 5, Amount: dec("300.00")})
	require.NoError(t, err)
	_, err = svc.RecordEvent(ctx, Event{Type: model.TxPlatformFee, UserID: 5, Amount: dec("15.00")})
	require.NoError(t, err)

	// replay applied transactions from empty wallets
	txs, err := r.ListTransactions(ctx, 5, repo.TransactionFilter{Limit: 200})
	require.NoError(t, err)
	replayed := decimal.Zero
	for _, tx := range txs {
		if !tx.Applied {
			continue
		}
		if tx.Direction == model.DirCredit {
			replayed = replayed.Add(tx.Amount)
		} else {
			replayed = replayed.Sub(tx.Amount)
		}
	}

	sum, err := svc.GetSummary(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, replayed.StringFixed(2), sum.TotalEarnings.StringFixed(2))
	assert.Equal(t, "285.00", sum.TotalEarnings.StringFixed(2))
}

func TestSettleTransaction(t *testing.T) {
	r, svc, ctx := newTestEnv(t)

	// a pending unapplied credit, e.g. from a payment provider webhook
	pend := &model.Transaction{
		UserID: 6, Type: model.TxAdditionalPayment, WalletType: model.WalletActiveOrders,
		Direction: model.DirCredit, Amount: dec("45.00"), Status: model.TxStatusPending,
	}
	require.NoError(t, r.CreateTransaction(ctx, r.DB(ctx), pend))

	settled, err := svc.SettleTransaction(ctx, pend.ID, model.TxStatusCompleted, nil)
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusCompleted, settled.Status)
	assert.True(t, settled.Applied)
	assert.Equal(t, "45.00", balance(t, r, ctx, 6, model.WalletActiveOrders))

	// terminal transactions never transition again
	_, err = svc.SettleTransaction(ctx, pend.ID, model.TxStatusFailed, nil)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
	assert.Equal(t, "45.00", balance(t, r, ctx, 6, model.WalletActiveOrders))
}
