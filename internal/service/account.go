package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/craftlink/earnings-service/internal/model"
	"github.com/craftlink/earnings-service/internal/payrail"
	"github.com/craftlink/earnings-service/internal/repo"
)

// ErrBadOAuthState means the PayPal connect callback carried an unknown or
// expired state nonce.
var ErrBadOAuthState = errors.New("unknown or expired oauth state")

// StripeURLs are the redirect targets handed to Stripe onboarding links.
type StripeURLs struct {
	RefreshURL string
	ReturnURL  string
}

// AccountService owns payout-account onboarding and status. It needs the
// concrete adapters: onboarding endpoints are provider-specific and sit
// outside the payout capability contract.
type AccountService struct {
	repo        repo.RepositoryInterface
	stripe      *payrail.StripeAdapter
	paypal      *payrail.PayPalAdapter
	stripeURLs  StripeURLs
	paypalRedir string
	environment string
	log         *zap.SugaredLogger
}

// NewAccountService returns AccountService.
func NewAccountService(r repo.RepositoryInterface, stripe *payrail.StripeAdapter, paypal *payrail.PayPalAdapter, stripeURLs StripeURLs, paypalRedirectURI, environment string, logger *zap.SugaredLogger) *AccountService {
	if environment == "" {
		environment = model.EnvSandbox
	}
	return &AccountService{
		repo:        r,
		stripe:      stripe,
		paypal:      paypal,
		stripeURLs:  stripeURLs,
		paypalRedir: paypalRedirectURI,
		environment: environment,
		log:         logger,
	}
}

// StripeStatus is the account-status payload for the UI.
type StripeStatus struct {
	Onboarded       bool     `json:"onboarded"`
	PayoutsEnabled  bool     `json:"payouts_enabled"`
	RequirementsDue []string `json:"requirements_due"`
	IsVerified      bool     `json:"is_verified"`
	Environment     string   `json:"environment"`
}

// GetStripeStatus refreshes the connected account's readiness from Stripe
// and persists it. Users without an account get a zeroed status.
func (s *AccountService) GetStripeStatus(ctx context.Context, userID uint64) (*StripeStatus, error) {
	account, err := s.repo.GetPayoutAccount(ctx, userID, model.MethodStripe)
	if errors.Is(err, repo.ErrNoPayoutAccount) {
		return &StripeStatus{Environment: s.environment, RequirementsDue: []string{}}, nil
	}
	if err != nil {
		return nil, err
	}

	status, err := s.stripe.AccountStatus(ctx, account.AccountRef)
	if err != nil {
		// serve the last persisted state when Stripe is unreachable
		s.log.Warnw("stripe account status", "user_id", userID, "err", err)
		return stripeStatusFrom(account), nil
	}

	account.PayoutsEnabled = status.PayoutsEnabled
	account.RequirementsDue = joinRequirements(status.RequirementsDue)
	account.IsVerified = status.PayoutsEnabled && len(status.RequirementsDue) == 0
	if err := s.repo.UpsertPayoutAccount(ctx, account); err != nil {
		return nil, err
	}
	return stripeStatusFrom(account), nil
}

// CreateStripeOnboardingLink provisions an Express account if the user has
// none and returns a one-time onboarding URL.
func (s *AccountService) CreateStripeOnboardingLink(ctx context.Context, userID uint64, email string) (string, error) {
	account, err := s.repo.GetPayoutAccount(ctx, userID, model.MethodStripe)
	if errors.Is(err, repo.ErrNoPayoutAccount) {
		ref, cerr := s.stripe.CreateExpressAccount(ctx, email)
		if cerr != nil {
			return "", cerr
		}
		account = &model.PayoutAccount{
			UserID:      userID,
			Provider:    model.MethodStripe,
			AccountRef:  ref,
			Environment: s.environment,
		}
		if uerr := s.repo.UpsertPayoutAccount(ctx, account); uerr != nil {
			return "", uerr
		}
	} else if err != nil {
		return "", err
	}
	return s.stripe.CreateAccountLink(ctx, account.AccountRef, s.stripeURLs.RefreshURL, s.stripeURLs.ReturnURL)
}

// PayPalConnectURL mints a single-use state nonce and returns the
// "Connect with PayPal" authorize URL.
func (s *AccountService) PayPalConnectURL(ctx context.Context, userID uint64) (string, error) {
	state := uuid.NewString()
	if err := s.repo.SavePayPalState(ctx, state, userID); err != nil {
		return "", err
	}
	return s.paypal.ConnectURL(s.paypalRedir, state), nil
}

// PayPalConnect finishes the OAuth flow: the state nonce must match the
// calling user, then the code is exchanged for the payer identity.
func (s *AccountService) PayPalConnect(ctx context.Context, userID uint64, code, state string) (*model.PayoutAccount, error) {
	stateUser, err := s.repo.TakePayPalState(ctx, state)
	if err != nil || stateUser != userID {
		return nil, ErrBadOAuthState
	}
	ident, err := s.paypal.ExchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}
	account := &model.PayoutAccount{
		UserID:         userID,
		Provider:       model.MethodPayPal,
		AccountRef:     ident.PayerID,
		PayoutsEnabled: ident.Verified,
		IsVerified:     ident.Verified,
		Environment:    s.environment,
	}
	if err := s.repo.UpsertPayoutAccount(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

func stripeStatusFrom(a *model.PayoutAccount) *StripeStatus {
	return &StripeStatus{
		Onboarded:       true,
		PayoutsEnabled:  a.PayoutsEnabled,
		RequirementsDue: splitRequirements(a.RequirementsDue),
		IsVerified:      a.IsVerified,
		Environment:     a.Environment,
	}
}
