package model

import "time"

// Payout-account environments.
const (
	EnvSandbox = "sandbox"
	EnvLive    = "live"
)

// PayoutAccount is a user's connected account on a payment rail (Stripe
// Express or PayPal). A withdrawal for a method requires a verified,
// payouts-enabled account of that provider.
type PayoutAccount struct {
	ID       uint64 `gorm:"primaryKey"`
	UserID   uint64 `gorm:"not null;uniqueIndex:idx_account_user_provider"`
	Provider string `gorm:"size:16;not null;uniqueIndex:idx_account_user_provider"`

	// AccountRef is the provider-side identity: acct_... for Stripe,
	// the payer id for PayPal.
	AccountRef string `gorm:"size:128;not null"`

	PayoutsEnabled  bool   `gorm:"not null;default:false"`
	IsVerified      bool   `gorm:"not null;default:false"`
	RequirementsDue string `gorm:"size:512"` // comma-separated provider field names
	Environment     string `gorm:"size:16;not null;default:'sandbox'"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (PayoutAccount) TableName() string { return "payout_account" }

// PayoutReady reports whether the account may receive withdrawals.
func (a *PayoutAccount) PayoutReady() bool {
	return a != nil && a.IsVerified && a.PayoutsEnabled
}
