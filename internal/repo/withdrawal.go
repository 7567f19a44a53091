package repo

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/craftlink/earnings-service/internal/model"
)

// CreateWithdrawal inserts record.
func (r *Repository) CreateWithdrawal(ctx context.Context, tx *gorm.DB, w *model.Withdrawal) error {
	return tx.WithContext(ctx).Create(w).Error
}

// GetWithdrawal fetches by id.
func (r *Repository) GetWithdrawal(ctx context.Context, tx *gorm.DB, id uint64) (*model.Withdrawal, error) {
	var w model.Withdrawal
	if err := tx.WithContext(ctx).First(&w, id).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWithdrawalByProviderRef finds the withdrawal a provider callback refers to.
func (r *Repository) GetWithdrawalByProviderRef(ctx context.Context, ref string) (*model.Withdrawal, error) {
	var w model.Withdrawal
	if err := r.db.WithContext(ctx).Where("provider_payout_id = ?", ref).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// TransitionWithdrawal applies updates only while the row still holds the
// expected status. RowsAffected 0 means another writer moved the row first;
// callers retry the enclosing transaction and re-read.
func (r *Repository) TransitionWithdrawal(ctx context.Context, tx *gorm.DB, id uint64, expectStatus string, updates map[string]interface{}) error {
	res := tx.WithContext(ctx).Model(&model.Withdrawal{}).
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

// ListWithdrawals returns one page plus the total count.
func (r *Repository) ListWithdrawals(ctx context.Context, userID uint64, status string, page, limit int) ([]model.Withdrawal, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	q := r.db.WithContext(ctx).Model(&model.Withdrawal{}).Where("user_id = ?", userID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var ws []model.Withdrawal
	err := q.Order("created_at desc").Limit(limit).Offset((page - 1) * limit).Find(&ws).Error
	return ws, total, err
}

// WithdrawalStats aggregates a user's withdrawals by status. Sums count only
// completed withdrawals; pending/processing money is still reserved, not paid.
func (r *Repository) WithdrawalStats(ctx context.Context, userID uint64) (*model.WithdrawalStats, error) {
	stats := &model.WithdrawalStats{
		TotalWithdrawn: decimal.Zero,
		TotalFees:      decimal.Zero,
	}
	base := func() *gorm.DB {
		return r.db.WithContext(ctx).Model(&model.Withdrawal{}).Where("user_id = ?", userID)
	}
	if err := base().Count(&stats.TotalCount).Error; err != nil {
		return nil, err
	}
	if err := base().Where("status IN ?", []string{model.WdStatusPending, model.WdStatusProcessing}).
		Count(&stats.PendingCount).Error; err != nil {
		return nil, err
	}
	if err := base().Where("status = ?", model.WdStatusCompleted).Count(&stats.CompletedCount).Error; err != nil {
		return nil, err
	}
	if err := base().Where("status = ?", model.WdStatusFailed).Count(&stats.FailedCount).Error; err != nil {
		return nil, err
	}
	var completed []model.Withdrawal
	if err := base().Where("status = ?", model.WdStatusCompleted).Find(&completed).Error; err != nil {
		return nil, err
	}
	for _, w := range completed {
		stats.TotalWithdrawn = stats.TotalWithdrawn.Add(w.Amount)
		stats.TotalFees = stats.TotalFees.Add(w.Fee)
	}
	return stats, nil
}

// ListStuckProcessing returns withdrawals still processing after olderThan,
// for the reconciler's provider-status poll.
func (r *Repository) ListStuckProcessing(ctx context.Context, olderThan time.Time, limit int) ([]model.Withdrawal, error) {
	var ws []model.Withdrawal
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.WdStatusProcessing, olderThan).
		Order("updated_at").Limit(limit).Find(&ws).Error
	return ws, err
}
