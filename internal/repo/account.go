package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/craftlink/earnings-service/internal/model"
)

// ErrNoPayoutAccount is returned when a user has no account for a provider.
var ErrNoPayoutAccount = errors.New("no payout account for provider")

// GetPayoutAccount fetches the user's account for a provider.
func (r *Repository) GetPayoutAccount(ctx context.Context, userID uint64, provider string) (*model.PayoutAccount, error) {
	var a model.PayoutAccount
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoPayoutAccount
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// UpsertPayoutAccount inserts or refreshes the (user, provider) row.
func (r *Repository) UpsertPayoutAccount(ctx context.Context, a *model.PayoutAccount) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "provider"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"account_ref", "payouts_enabled", "is_verified", "requirements_due", "environment", "updated_at",
			}),
		}).Create(a).Error
}
