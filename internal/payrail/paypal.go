package payrail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// PayPalAdapter talks to the PayPal Payouts batch API. Payout batches carry
// the withdrawal idempotency key as sender_batch_id, which PayPal dedupes
// server-side.
type PayPalAdapter struct {
	clientID     string
	clientSecret string
	baseURL      string
	client       *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewPayPalAdapter constructs the adapter. baseURL defaults to the sandbox
// API and is overridable for tests and live mode.
func NewPayPalAdapter(clientID, clientSecret, baseURL string) *PayPalAdapter {
	if baseURL == "" {
		baseURL = "https://api-m.sandbox.paypal.com"
	}
	return &PayPalAdapter{
		clientID:     clientID,
		clientSecret: clientSecret,
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *PayPalAdapter) Name() string { return "paypal" }

// token returns a cached client-credentials access token, refreshing when
// within a minute of expiry.
func (p *PayPalAdapter) token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accessToken != "" && time.Now().Before(p.tokenExpiry.Add(-time.Minute)) {
		return p.accessToken, nil
	}
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(p.clientID, p.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := p.client.Do(req)
	if err != nil {
		return "", &RailError{Provider: "paypal", Code: "network", Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", &RailError{
			Provider:  "paypal",
			Code:      fmt.Sprintf("http_%d", resp.StatusCode),
			Message:   "token request failed",
			Transient: transientHTTPStatus(resp.StatusCode),
		}
	}
	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	p.accessToken = out.AccessToken
	p.tokenExpiry = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	return p.accessToken, nil
}

type paypalError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (p *PayPalAdapter) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	tok, err := p.token(ctx)
	if err != nil {
		return err
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return &RailError{Provider: "paypal", Code: "network", Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &RailError{Provider: "paypal", Code: "network", Message: err.Error(), Transient: true}
	}
	if resp.StatusCode >= 400 {
		var pe paypalError
		_ = json.Unmarshal(data, &pe)
		code := pe.Name
		if code == "" {
			code = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		msg := pe.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &RailError{
			Provider:  "paypal",
			Code:      code,
			Message:   msg,
			Transient: transientHTTPStatus(resp.StatusCode),
		}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// Payout submits a single-item payout batch to the connected PayPal account.
func (p *PayPalAdapter) Payout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	body := map[string]interface{}{
		"sender_batch_header": map[string]interface{}{
			"sender_batch_id": req.IdempotencyKey,
			"email_subject":   "You have a payout",
		},
		"items": []map[string]interface{}{
			{
				"recipient_type": "PAYPAL_ID",
				"receiver":       req.AccountRef,
				"note":           req.Description,
				"amount": map[string]string{
					"value":    req.Amount.StringFixed(2),
					"currency": strings.ToUpper(req.Currency),
				},
			},
		},
	}
	var out struct {
		BatchHeader struct {
			PayoutBatchID string `json:"payout_batch_id"`
		} `json:"batch_header"`
	}
	if err := p.do(ctx, http.MethodPost, "/v1/payments/payouts", body, &out); err != nil {
		return nil, err
	}
	return &PayoutResult{ProviderTxID: out.BatchHeader.PayoutBatchID}, nil
}

// PayoutStatus maps the batch status to a payout state.
func (p *PayPalAdapter) PayoutStatus(ctx context.Context, providerTxID string) (PayoutState, error) {
	var out struct {
		BatchHeader struct {
			BatchStatus string `json:"batch_status"`
		} `json:"batch_header"`
	}
	if err := p.do(ctx, http.MethodGet, "/v1/payments/payouts/"+providerTxID, nil, &out); err != nil {
		return StatePending, err
	}
	switch out.BatchHeader.BatchStatus {
	case "SUCCESS":
		return StatePaid, nil
	case "DENIED", "FAILED", "CANCELED":
		return StateFailed, nil
	default:
		return StatePending, nil
	}
}

// AccountStatus: PayPal has no onboarding requirements beyond the OAuth
// connect; a connected account can receive payouts.
func (p *PayPalAdapter) AccountStatus(ctx context.Context, accountRef string) (*AccountStatus, error) {
	if accountRef == "" {
		return &AccountStatus{PayoutsEnabled: false}, nil
	}
	return &AccountStatus{PayoutsEnabled: true}, nil
}

// ConnectURL builds the "Connect with PayPal" authorize URL for a state nonce.
func (p *PayPalAdapter) ConnectURL(redirectURI, state string) string {
	q := url.Values{}
	q.Set("client_id", p.clientID)
	q.Set("response_type", "code")
	q.Set("scope", "openid email https://uri.paypal.com/services/paypalattributes")
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)
	return p.baseURL + "/signin/authorize?" + q.Encode()
}

// VerifyWebhook asks PayPal whether a webhook delivery is authentic.
func (p *PayPalAdapter) VerifyWebhook(ctx context.Context, webhookID string, headers http.Header, body []byte) (bool, error) {
	var event json.RawMessage = body
	req := map[string]interface{}{
		"auth_algo":         headers.Get("Paypal-Auth-Algo"),
		"cert_url":          headers.Get("Paypal-Cert-Url"),
		"transmission_id":   headers.Get("Paypal-Transmission-Id"),
		"transmission_sig":  headers.Get("Paypal-Transmission-Sig"),
		"transmission_time": headers.Get("Paypal-Transmission-Time"),
		"webhook_id":        webhookID,
		"webhook_event":     event,
	}
	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := p.do(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", req, &out); err != nil {
		return false, err
	}
	return out.VerificationStatus == "SUCCESS", nil
}

// ConnectedIdentity is the payer identity resolved from an OAuth code.
type ConnectedIdentity struct {
	PayerID  string
	Email    string
	Verified bool
}

// ExchangeCode turns an OAuth authorization code into the payer identity.
func (p *PayPalAdapter) ExchangeCode(ctx context.Context, code string) (*ConnectedIdentity, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(p.clientID, p.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &RailError{Provider: "paypal", Code: "network", Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, &RailError{
			Provider:  "paypal",
			Code:      fmt.Sprintf("http_%d", resp.StatusCode),
			Message:   "code exchange failed",
			Transient: transientHTTPStatus(resp.StatusCode),
		}
	}
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, err
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet,
		p.baseURL+"/v1/identity/oauth2/userinfo?schema=paypalv1.1", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	resp, err = p.client.Do(req)
	if err != nil {
		return nil, &RailError{Provider: "paypal", Code: "network", Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()
	var info struct {
		PayerID string `json:"payer_id"`
		Emails  []struct {
			Value   string `json:"value"`
			Primary bool   `json:"primary"`
		} `json:"emails"`
		VerifiedAccount bool `json:"verified_account"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}
	ident := &ConnectedIdentity{PayerID: info.PayerID, Verified: info.VerifiedAccount}
	for _, e := range info.Emails {
		if e.Primary || ident.Email == "" {
			ident.Email = e.Value
		}
	}
	return ident, nil
}
