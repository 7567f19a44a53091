package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Withdrawal methods, matching the payout-account provider names.
const (
	MethodStripe = "stripe"
	MethodPayPal = "paypal"
)

// Withdrawal statuses.
//
//	pending --(rail accepts)--> processing --(rail confirms)--> completed
//	pending --(rail rejects)--> failed
//	pending --(user cancels)--> cancelled
//	processing --(rail reports failure)--> failed
const (
	WdStatusPending    = "pending"
	WdStatusProcessing = "processing"
	WdStatusCompleted  = "completed"
	WdStatusFailed     = "failed"
	WdStatusCancelled  = "cancelled"
)

// TerminalWdStatus reports whether s is terminal for a withdrawal.
func TerminalWdStatus(s string) bool {
	return s == WdStatusCompleted || s == WdStatusFailed || s == WdStatusCancelled
}

// Withdrawal is a user-initiated transfer of available balance to a payment
// rail. Fee is computed once at creation; NetAmount = Amount - Fee is what
// the rail is asked to pay out.
type Withdrawal struct {
	ID        uint64          `gorm:"primaryKey"`
	UserID    uint64          `gorm:"not null;index"`
	Amount    decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Fee       decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	NetAmount decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Currency  string          `gorm:"size:8;not null;default:'usd'"`
	Method    string          `gorm:"size:16;not null"`
	Status    string          `gorm:"size:16;not null;default:'pending';index"`

	// TransactionID links the reservation transaction in the ledger.
	TransactionID uint64 `gorm:"not null"`

	// IdempotencyKey is minted at creation and reused on every provider
	// call so a retried payout never duplicates a transfer.
	IdempotencyKey   string  `gorm:"size:64;not null;uniqueIndex"`
	ProviderPayoutID *string `gorm:"size:128"`

	Description  string  `gorm:"size:255"`
	AdminNotes   string  `gorm:"size:255"`
	FailedReason *string `gorm:"size:255"`

	ProcessedAt *time.Time
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

func (Withdrawal) TableName() string { return "withdrawal" }

// WithdrawalStats is the aggregate returned by the stats endpoint.
type WithdrawalStats struct {
	TotalCount     int64           `json:"total_count"`
	PendingCount   int64           `json:"pending_count"`
	CompletedCount int64           `json:"completed_count"`
	FailedCount    int64           `json:"failed_count"`
	TotalWithdrawn decimal.Decimal `json:"total_withdrawn"`
	TotalFees      decimal.Decimal `json:"total_fees"`
}
