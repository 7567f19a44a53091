package payrail

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripePayout_SendsCentsAndIdempotencyKey(t *testing.T) {
	var gotPath, gotIdem, gotAmount, gotDest string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotIdem = r.Header.Get("Idempotency-Key")
		require.NoError(t, r.ParseForm())
		gotAmount = r.PostForm.Get("amount")
		gotDest = r.PostForm.Get("destination")
		w.Write([]byte(`{"id":"tr_42"}`))
	}))
	defer srv.Close()

	s := NewStripeAdapter("sk_test", srv.URL)
	res, err := s.Payout(context.Background(), PayoutRequest{
		AccountRef:     "acct_1",
		Amount:         decimal.RequireFromString("97.50"),
		Currency:       "usd",
		IdempotencyKey: "wd-key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "tr_42", res.ProviderTxID)
	assert.Equal(t, "/v1/transfers", gotPath)
	assert.Equal(t, "wd-key-1", gotIdem)
	assert.Equal(t, "9750", gotAmount)
	assert.Equal(t, "acct_1", gotDest)
}

func TestStripePayout_ErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		transient bool
		code      string
	}{
		{"terminal_card_error", 400, `{"error":{"code":"account_invalid","message":"bad account"}}`, false, "account_invalid"},
		{"rate_limited", 429, `{"error":{"message":"slow down"}}`, true, "http_429"},
		{"server_error", 500, `{}`, true, "http_500"},
		{"lock_timeout", 400, `{"error":{"code":"lock_timeout","message":"try again"}}`, true, "lock_timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			s := NewStripeAdapter("sk_test", srv.URL)
			_, err := s.Payout(context.Background(), PayoutRequest{
				AccountRef: "acct_1", Amount: decimal.NewFromInt(10), Currency: "usd",
			})
			require.Error(t, err)
			var re *RailError
			require.True(t, errors.As(err, &re))
			assert.Equal(t, "stripe", re.Provider)
			assert.Equal(t, tc.code, re.Code)
			assert.Equal(t, tc.transient, re.Transient)
			assert.Equal(t, tc.transient, IsTransient(err))
		})
	}
}

func TestStripePayoutStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/transfers/tr_ok":
			w.Write([]byte(`{"id":"tr_ok","reversed":false}`))
		case "/v1/transfers/tr_rev":
			w.Write([]byte(`{"id":"tr_rev","reversed":true}`))
		default:
			w.WriteHeader(404)
			w.Write([]byte(`{"error":{"message":"no such transfer"}}`))
		}
	}))
	defer srv.Close()

	s := NewStripeAdapter("sk_test", srv.URL)

	state, err := s.PayoutStatus(context.Background(), "tr_ok")
	require.NoError(t, err)
	assert.Equal(t, StatePaid, state)

	state, err = s.PayoutStatus(context.Background(), "tr_rev")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)

	state, err = s.PayoutStatus(context.Background(), "tr_gone")
	assert.Error(t, err)
	assert.Equal(t, StatePending, state)
}

func TestStripeAccountStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/accounts/acct_1", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		w.Write([]byte(`{"payouts_enabled":false,"requirements":{"currently_due":["individual.ssn_last_4"]}}`))
	}))
	defer srv.Close()

	s := NewStripeAdapter("sk_test", srv.URL)
	st, err := s.AccountStatus(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.False(t, st.PayoutsEnabled)
	assert.Equal(t, []string{"individual.ssn_last_4"}, st.RequirementsDue)
}

func TestStripeCreateExpressAccountAndLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		switch r.URL.Path {
		case "/v1/accounts":
			assert.Equal(t, "express", r.PostForm.Get("type"))
			assert.Equal(t, "true", r.PostForm.Get("capabilities[transfers][requested]"))
			w.Write([]byte(`{"id":"acct_new"}`))
		case "/v1/account_links":
			assert.Equal(t, "acct_new", r.PostForm.Get("account"))
			assert.Equal(t, "account_onboarding", r.PostForm.Get("type"))
			w.Write([]byte(`{"url":"https://connect.stripe.com/setup/s/abc"}`))
		default:
			w.WriteHeader(404)
		}
	}))
	defer srv.Close()

	s := NewStripeAdapter("sk_test", srv.URL)
	id, err := s.CreateExpressAccount(context.Background(), "seller@example.com")
	require.NoError(t, err)
	assert.Equal(t, "acct_new", id)

	link, err := s.CreateAccountLink(context.Background(), id, "https://app/refresh", "https://app/return")
	require.NoError(t, err)
	assert.Equal(t, "https://connect.stripe.com/setup/s/abc", link)
}
