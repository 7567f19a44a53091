package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet types. Every user has up to three wallets, one per bucket.
const (
	WalletActiveOrders     = "active_orders"
	WalletPaymentsClearing = "payments_clearing"
	WalletAvailable        = "available"
)

// ValidWalletType reports whether t names one of the three buckets.
func ValidWalletType(t string) bool {
	switch t {
	case WalletActiveOrders, WalletPaymentsClearing, WalletAvailable:
		return true
	}
	return false
}

// Wallet is one balance bucket of a user. Balance never goes below zero and
// is only mutated through transaction application under the version CAS.
type Wallet struct {
	ID        uint64          `gorm:"primaryKey"`
	UserID    uint64          `gorm:"not null;uniqueIndex:idx_wallet_user_type"`
	Type      string          `gorm:"size:32;not null;uniqueIndex:idx_wallet_user_type"`
	Balance   decimal.Decimal `gorm:"type:numeric(20,2);not null;default:'0'"`
	Version   uint64          `gorm:"not null;default:0"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime"`
}

func (Wallet) TableName() string { return "wallet" }

// Summary is the read-time aggregate over a user's three wallets.
// TotalEarnings is computed on read, never stored.
type Summary struct {
	ActiveOrders     decimal.Decimal `json:"active_orders"`
	PaymentsClearing decimal.Decimal `json:"payments_clearing"`
	Available        decimal.Decimal `json:"available"`
	TotalEarnings    decimal.Decimal `json:"total_earnings"`
}
