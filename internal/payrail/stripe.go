package payrail

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// StripeAdapter talks to the Stripe Connect API (Express accounts,
// account links, transfers) over its form-encoded REST protocol.
type StripeAdapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewStripeAdapter constructs the adapter. baseURL defaults to the live API
// and is overridable for tests.
func NewStripeAdapter(apiKey, baseURL string) *StripeAdapter {
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}
	return &StripeAdapter{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *StripeAdapter) Name() string { return "stripe" }

type stripeError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *StripeAdapter) do(ctx context.Context, method, path string, form url.Values, idemKey string, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return &RailError{Provider: "stripe", Code: "network", Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &RailError{Provider: "stripe", Code: "network", Message: err.Error(), Transient: true}
	}
	if resp.StatusCode >= 400 {
		var se stripeError
		_ = json.Unmarshal(data, &se)
		code := se.Error.Code
		if code == "" {
			code = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		msg := se.Error.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &RailError{
			Provider:  "stripe",
			Code:      code,
			Message:   msg,
			Transient: transientHTTPStatus(resp.StatusCode) || code == "lock_timeout",
		}
	}
	return json.Unmarshal(data, out)
}

// Payout creates a transfer to the connected account. Amount is converted to
// the smallest currency unit.
func (s *StripeAdapter) Payout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	form := url.Values{}
	form.Set("amount", req.Amount.Mul(decimal.NewFromInt(100)).Round(0).String())
	form.Set("currency", req.Currency)
	form.Set("destination", req.AccountRef)
	if req.Description != "" {
		form.Set("description", req.Description)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := s.do(ctx, http.MethodPost, "/v1/transfers", form, req.IdempotencyKey, &out); err != nil {
		return nil, err
	}
	return &PayoutResult{ProviderTxID: out.ID}, nil
}

// PayoutStatus checks whether a transfer still stands. A fully reversed
// transfer counts as failed.
func (s *StripeAdapter) PayoutStatus(ctx context.Context, providerTxID string) (PayoutState, error) {
	var out struct {
		ID       string `json:"id"`
		Reversed bool   `json:"reversed"`
	}
	if err := s.do(ctx, http.MethodGet, "/v1/transfers/"+providerTxID, nil, "", &out); err != nil {
		return StatePending, err
	}
	if out.Reversed {
		return StateFailed, nil
	}
	return StatePaid, nil
}

// AccountStatus fetches the connected account's payout readiness.
func (s *StripeAdapter) AccountStatus(ctx context.Context, accountRef string) (*AccountStatus, error) {
	var out struct {
		PayoutsEnabled bool `json:"payouts_enabled"`
		Requirements   struct {
			CurrentlyDue []string `json:"currently_due"`
		} `json:"requirements"`
	}
	if err := s.do(ctx, http.MethodGet, "/v1/accounts/"+accountRef, nil, "", &out); err != nil {
		return nil, err
	}
	return &AccountStatus{
		PayoutsEnabled:  out.PayoutsEnabled,
		RequirementsDue: out.Requirements.CurrentlyDue,
	}, nil
}

// CreateExpressAccount provisions an Express connected account for a seller.
func (s *StripeAdapter) CreateExpressAccount(ctx context.Context, email string) (string, error) {
	form := url.Values{}
	form.Set("type", "express")
	form.Set("email", email)
	form.Set("capabilities[transfers][requested]", "true")
	var out struct {
		ID string `json:"id"`
	}
	if err := s.do(ctx, http.MethodPost, "/v1/accounts", form, "", &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// CreateAccountLink returns a one-time onboarding URL for an account.
func (s *StripeAdapter) CreateAccountLink(ctx context.Context, accountRef, refreshURL, returnURL string) (string, error) {
	form := url.Values{}
	form.Set("account", accountRef)
	form.Set("refresh_url", refreshURL)
	form.Set("return_url", returnURL)
	form.Set("type", "account_onboarding")
	var out struct {
		URL string `json:"url"`
	}
	if err := s.do(ctx, http.MethodPost, "/v1/account_links", form, "", &out); err != nil {
		return "", err
	}
	return out.URL, nil
}
