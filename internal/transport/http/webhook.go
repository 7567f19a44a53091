package http

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/craftlink/earnings-service/internal/payrail"
	"github.com/craftlink/earnings-service/internal/repo"
	"github.com/craftlink/earnings-service/internal/service"
)

// WebhookHandler feeds provider callbacks into withdrawal reconciliation.
type WebhookHandler struct {
	withdrawals  *service.WithdrawalService
	repo         repo.RepositoryInterface
	paypal       *payrail.PayPalAdapter
	stripeSecret string
	payPalHookID string
	log          *zap.SugaredLogger
}

// NewWebhookHandler returns WebhookHandler.
func NewWebhookHandler(w *service.WithdrawalService, r repo.RepositoryInterface, paypal *payrail.PayPalAdapter, cfg WebhookConfig, log *zap.SugaredLogger) *WebhookHandler {
	return &WebhookHandler{
		withdrawals:  w,
		repo:         r,
		paypal:       paypal,
		stripeSecret: cfg.StripeSecret,
		payPalHookID: cfg.PayPalWebhookID,
		log:          log,
	}
}

const stripeSignatureTolerance = 5 * time.Minute

// verifyStripeSignature checks the Stripe-Signature header
// (t=<ts>,v1=<hmac-sha256 of "<ts>.<payload>">).
func verifyStripeSignature(header string, payload []byte, secret string, now time.Time) bool {
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			sigs = append(sigs, kv[1])
		}
	}
	if ts == "" || len(sigs) == 0 {
		return false
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	if now.Sub(time.Unix(sec, 0)) > stripeSignatureTolerance {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	for _, sig := range sigs {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return true
		}
	}
	return false
}

// reconcileByRef resolves a provider transaction id to a withdrawal and
// applies the outcome. Unknown refs are acknowledged and dropped: the event
// may belong to activity outside this service.
func (h *WebhookHandler) reconcileByRef(c *gin.Context, ref string, outcome payrail.PayoutState, reason string) {
	w, err := h.repo.GetWithdrawalByProviderRef(c, ref)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		h.log.Errorw("webhook withdrawal lookup", "ref", ref, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	if _, err := h.withdrawals.Reconcile(c, w.ID, outcome, ref, reasonPtr); err != nil {
		h.log.Errorw("webhook reconcile", "withdrawal_id", w.ID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// Stripe handles signed Stripe Connect events.
func (h *WebhookHandler) Stripe(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if !verifyStripeSignature(c.GetHeader("Stripe-Signature"), payload, h.stripeSecret, time.Now()) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "bad signature"})
		return
	}
	var event struct {
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID string `json:"id"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
		return
	}
	switch event.Type {
	case "transfer.created", "payout.paid":
		h.reconcileByRef(c, event.Data.Object.ID, payrail.StatePaid, "")
	case "transfer.reversed", "payout.failed":
		h.reconcileByRef(c, event.Data.Object.ID, payrail.StateFailed, "stripe reported "+event.Type)
	default:
		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}

// PayPal handles payout batch/item events, verified against PayPal's
// notification verification endpoint.
func (h *WebhookHandler) PayPal(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if h.payPalHookID != "" {
		ok, verr := h.paypal.VerifyWebhook(c, h.payPalHookID, c.Request.Header, payload)
		if verr != nil {
			h.log.Errorw("paypal webhook verification", "err", verr)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bad signature"})
			return
		}
	}
	var event struct {
		EventType string `json:"event_type"`
		Resource  struct {
			PayoutBatchID string `json:"payout_batch_id"`
			BatchHeader   struct {
				PayoutBatchID string `json:"payout_batch_id"`
			} `json:"batch_header"`
		} `json:"resource"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
		return
	}
	ref := event.Resource.PayoutBatchID
	if ref == "" {
		ref = event.Resource.BatchHeader.PayoutBatchID
	}
	if ref == "" {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	switch event.EventType {
	case "PAYMENT.PAYOUTSBATCH.SUCCESS", "PAYMENT.PAYOUTS-ITEM.SUCCEEDED":
		h.reconcileByRef(c, ref, payrail.StatePaid, "")
	case "PAYMENT.PAYOUTSBATCH.DENIED", "PAYMENT.PAYOUTS-ITEM.FAILED",
		"PAYMENT.PAYOUTS-ITEM.DENIED", "PAYMENT.PAYOUTS-ITEM.BLOCKED",
		"PAYMENT.PAYOUTS-ITEM.RETURNED":
		h.reconcileByRef(c, ref, payrail.StateFailed, "paypal reported "+event.EventType)
	default:
		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}
