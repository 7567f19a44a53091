package repo

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/craftlink/earnings-service/internal/model"
)

// ErrInsufficientFunds is returned when a debit would take a wallet below zero.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrOptimisticConflict is returned when the wallet version CAS loses a race.
// Callers retry the enclosing database transaction.
var ErrOptimisticConflict = errors.New("optimistic lock conflict")

// ErrInvalidTransition is returned when a status change is attempted on an
// already-terminal transaction or withdrawal.
var ErrInvalidTransition = errors.New("invalid status transition")

// TransactionFilter narrows ListTransactions.
type TransactionFilter struct {
	DateFrom *time.Time
	DateTo   *time.Time
	Type     string
	Limit    int
	Offset   int
}

// RepositoryInterface restricts Repo methods for unit-test mocks.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	GetWallet(ctx context.Context, tx *gorm.DB, userID uint64, walletType string) (*model.Wallet, error)
	GetWallets(ctx context.Context, userID uint64) ([]model.Wallet, error)
	ApplyToWallet(ctx context.Context, tx *gorm.DB, userID uint64, walletType, direction string, amt decimal.Decimal) (before, after decimal.Decimal, err error)

	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	GetTransaction(ctx context.Context, tx *gorm.DB, id uint64) (*model.Transaction, error)
	SaveTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	TransitionTransaction(ctx context.Context, tx *gorm.DB, id uint64, expectStatus string, updates map[string]interface{}) error
	TxExists(ctx context.Context, tx *gorm.DB, userID uint64, idemKey, txType string) (bool, *model.Transaction, error)
	ListTransactions(ctx context.Context, userID uint64, f TransactionFilter) ([]model.Transaction, error)
	ListTransactionsByGroup(ctx context.Context, tx *gorm.DB, group string) ([]model.Transaction, error)
	ListUnclearedCredits(ctx context.Context, olderThan time.Time, limit int) ([]model.Transaction, error)

	CreateWithdrawal(ctx context.Context, tx *gorm.DB, w *model.Withdrawal) error
	GetWithdrawal(ctx context.Context, tx *gorm.DB, id uint64) (*model.Withdrawal, error)
	GetWithdrawalByProviderRef(ctx context.Context, ref string) (*model.Withdrawal, error)
	TransitionWithdrawal(ctx context.Context, tx *gorm.DB, id uint64, expectStatus string, updates map[string]interface{}) error
	ListWithdrawals(ctx context.Context, userID uint64, status string, page, limit int) ([]model.Withdrawal, int64, error)
	WithdrawalStats(ctx context.Context, userID uint64) (*model.WithdrawalStats, error)
	ListStuckProcessing(ctx context.Context, olderThan time.Time, limit int) ([]model.Withdrawal, error)

	GetPayoutAccount(ctx context.Context, userID uint64, provider string) (*model.PayoutAccount, error)
	UpsertPayoutAccount(ctx context.Context, a *model.PayoutAccount) error

	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error

	CacheSummary(ctx context.Context, userID uint64, s model.Summary) error
	GetCachedSummary(ctx context.Context, userID uint64) (*model.Summary, error)
	InvalidateSummary(ctx context.Context, userID uint64) error

	SavePayPalState(ctx context.Context, state string, userID uint64) error
	TakePayPalState(ctx context.Context, state string) (uint64, error)
}

// Repository implements RepositoryInterface on gorm + redis + kafka.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB.
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// GetWallet reads one wallet row, creating a zeroed one if absent.
func (r *Repository) GetWallet(ctx context.Context, tx *gorm.DB, userID uint64, walletType string) (*model.Wallet, error) {
	var w model.Wallet
	err := tx.WithContext(ctx).
		Where("user_id = ? AND type = ?", userID, walletType).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		w = model.Wallet{UserID: userID, Type: walletType, Balance: decimal.Zero}
		if err := tx.WithContext(ctx).Create(&w).Error; err != nil {
			return nil, err
		}
		return &w, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWallets returns all wallet rows of a user (missing buckets are absent).
func (r *Repository) GetWallets(ctx context.Context, userID uint64) ([]model.Wallet, error) {
	var ws []model.Wallet
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Find(&ws).Error
	return ws, err
}

// ApplyToWallet moves amt through a wallet under the version CAS. A debit
// below zero fails with ErrInsufficientFunds; a lost CAS fails with
// ErrOptimisticConflict so the caller can retry the whole transaction.
func (r *Repository) ApplyToWallet(ctx context.Context, tx *gorm.DB, userID uint64, walletType, direction string, amt decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	w, err := r.GetWallet(ctx, tx, userID, walletType)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	var newBal decimal.Decimal
	switch direction {
	case model.DirCredit:
		newBal = w.Balance.Add(amt)
	case model.DirDebit:
		newBal = w.Balance.Sub(amt)
	default:
		return decimal.Zero, decimal.Zero, errors.New("unknown direction: " + direction)
	}
	if newBal.IsNegative() {
		return decimal.Zero, decimal.Zero, ErrInsufficientFunds
	}
	res := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ? AND version = ?", w.ID, w.Version).
		Updates(map[string]interface{}{
			"balance":    newBal,
			"version":    w.Version + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return decimal.Zero, decimal.Zero, res.Error
	}
	if res.RowsAffected == 0 {
		return decimal.Zero, decimal.Zero, ErrOptimisticConflict
	}
	return w.Balance, newBal, nil
}

// CreateTransaction inserts record.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return tx.WithContext(ctx).Create(t).Error
}

// GetTransaction fetches by id.
func (r *Repository) GetTransaction(ctx context.Context, tx *gorm.DB, id uint64) (*model.Transaction, error) {
	var t model.Transaction
	if err := tx.WithContext(ctx).First(&t, id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// SaveTransaction persists metadata changes on a transaction. Status changes
// go through TransitionTransaction instead.
func (r *Repository) SaveTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return tx.WithContext(ctx).Save(t).Error
}

// TransitionTransaction applies updates only while the row still holds the
// expected status, so two settles of the same transaction serialize. A zero
// row count means another writer settled it first.
func (r *Repository) TransitionTransaction(ctx context.Context, tx *gorm.DB, id uint64, expectStatus string, updates map[string]interface{}) error {
	res := tx.WithContext(ctx).Model(&model.Transaction{}).
		Where("id = ? AND status = ?", id, expectStatus).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOptimisticConflict
	}
	return nil
}

// TxExists checks duplicate by idem key.
func (r *Repository) TxExists(ctx context.Context, tx *gorm.DB, userID uint64, idemKey, txType string) (bool, *model.Transaction, error) {
	if idemKey == "" {
		return false, nil, nil
	}
	var t model.Transaction
	err := tx.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ? AND type = ?", userID, idemKey, txType).
		First(&t).Error
	if err == nil {
		return true, &t, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil, nil
	}
	return false, nil, err
}

// ListTransactions returns a page of a user's history, newest first.
func (r *Repository) ListTransactions(ctx context.Context, userID uint64, f TransactionFilter) ([]model.Transaction, error) {
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if f.DateFrom != nil {
		q = q.Where("created_at >= ?", *f.DateFrom)
	}
	if f.DateTo != nil {
		q = q.Where("created_at <= ?", *f.DateTo)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var txs []model.Transaction
	err := q.Order("created_at desc").Limit(limit).Offset(f.Offset).Find(&txs).Error
	return txs, err
}

// ListTransactionsByGroup returns the legs of one multi-wallet move.
func (r *Repository) ListTransactionsByGroup(ctx context.Context, tx *gorm.DB, group string) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := tx.WithContext(ctx).Where("transfer_group = ?", group).Order("id").Find(&txs).Error
	return txs, err
}

// ListUnclearedCredits returns completed credits sitting in payments_clearing
// longer than the clearing window, for the clearing job.
func (r *Repository) ListUnclearedCredits(ctx context.Context, olderThan time.Time, limit int) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("wallet_type = ? AND direction = ? AND status = ? AND applied = ? AND cleared_at IS NULL AND created_at < ?",
			model.WalletPaymentsClearing, model.DirCredit, model.TxStatusCompleted, true, olderThan).
		Order("created_at").Limit(limit).Find(&txs).Error
	return txs, err
}
