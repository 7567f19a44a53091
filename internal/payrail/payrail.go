// Package payrail isolates payout-provider protocols behind one capability
// contract. The withdrawal engine depends only on Adapter, never on a
// concrete provider.
package payrail

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// PayoutState is the provider-side view of a payout.
type PayoutState string

const (
	StatePending PayoutState = "pending"
	StatePaid    PayoutState = "paid"
	StateFailed  PayoutState = "failed"
)

// PayoutRequest asks a rail to transfer NetAmount to a connected account.
// IdempotencyKey must be stable across retries of the same withdrawal.
type PayoutRequest struct {
	AccountRef     string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
	Description    string
}

// PayoutResult identifies the provider-side transfer.
type PayoutResult struct {
	ProviderTxID string
}

// AccountStatus reports whether a connected account can receive payouts.
type AccountStatus struct {
	PayoutsEnabled  bool     `json:"payouts_enabled"`
	RequirementsDue []string `json:"requirements_due"`
}

// Adapter is the single capability contract over payout providers.
type Adapter interface {
	Name() string
	Payout(ctx context.Context, req PayoutRequest) (*PayoutResult, error)
	PayoutStatus(ctx context.Context, providerTxID string) (PayoutState, error)
	AccountStatus(ctx context.Context, accountRef string) (*AccountStatus, error)
}

// RailError is a provider failure. Transient errors (network, rate limit,
// provider 5xx) may be retried with the same idempotency key; terminal
// errors fail the withdrawal and refund the reservation.
type RailError struct {
	Provider  string
	Code      string
	Message   string
	Transient bool
}

func (e *RailError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Message, e.Code)
}

// IsTransient reports whether err is a retryable rail error. Plain network
// errors from the HTTP client are treated as transient too.
func IsTransient(err error) bool {
	var re *RailError
	if errors.As(err, &re) {
		return re.Transient
	}
	return err != nil
}

// transientHTTPStatus classifies provider HTTP responses.
func transientHTTPStatus(code int) bool {
	return code == 429 || code >= 500
}
