package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction types.
const (
	TxProjectStarted    = "project_started"
	TxProjectCompleted  = "project_completed"
	TxAdditionalPayment = "additional_payment"
	TxPaymentCleared    = "payment_cleared"
	TxWithdrawal        = "withdrawal"
	TxRefund            = "refund"
	TxPlatformFee       = "platform_fee"
)

// Transaction statuses. completed, failed and cancelled are terminal.
const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
	TxStatusCancelled = "cancelled"
)

// Transaction directions. Amounts are always positive; the direction says
// which way the target wallet moves.
const (
	DirCredit = "credit"
	DirDebit  = "debit"
)

// TerminalTxStatus reports whether s is a terminal transaction status.
func TerminalTxStatus(s string) bool {
	return s == TxStatusCompleted || s == TxStatusFailed || s == TxStatusCancelled
}

// Transaction is one append-only ledger record. Once terminal, only
// timestamp/metadata fields may change; corrections are new compensating
// transactions.
//
// Applied tracks whether the balance delta has hit the wallet. A withdrawal
// reservation is created pending with Applied=true (funds already debited);
// everything else applies on completion.
type Transaction struct {
	ID            uint64           `gorm:"primaryKey"`
	UserID        uint64           `gorm:"not null;index"`
	Type          string           `gorm:"size:32;not null;index"`
	WalletType    string           `gorm:"size:32;not null"`
	Direction     string           `gorm:"size:8;not null"`
	Amount        decimal.Decimal  `gorm:"type:numeric(20,2);not null"`
	Status        string           `gorm:"size:16;not null;default:'pending'"`
	Applied       bool             `gorm:"not null;default:false"`
	BalanceBefore *decimal.Decimal `gorm:"type:numeric(20,2)"`
	BalanceAfter  *decimal.Decimal `gorm:"type:numeric(20,2)"`

	// TransferGroup links the two legs of a multi-wallet move.
	TransferGroup *string `gorm:"size:64;index"`

	ProjectID      *uint64
	BusinessID     *uint64
	Description    string  `gorm:"size:255"`
	ProviderRef    *string `gorm:"size:128"`
	IdempotencyKey *string `gorm:"size:64;index"`
	FailureReason  *string `gorm:"size:255"`

	CreatedAt time.Time `gorm:"autoCreateTime;index"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
	ClearedAt *time.Time
}

func (Transaction) TableName() string { return "transaction" }
