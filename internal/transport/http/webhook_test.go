package http

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func stripeSign(secret string, ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyStripeSignature(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"type":"transfer.created"}`)
	now := time.Now()
	ts := now.Unix()

	header := fmt.Sprintf("t=%d,v1=%s", ts, stripeSign(secret, ts, payload))
	assert.True(t, verifyStripeSignature(header, payload, secret, now))

	t.Run("multiple v1 entries, one valid", func(t *testing.T) {
		h := fmt.Sprintf("t=%d,v1=deadbeef,v1=%s", ts, stripeSign(secret, ts, payload))
		assert.True(t, verifyStripeSignature(h, payload, secret, now))
	})

	t.Run("wrong secret", func(t *testing.T) {
		h := fmt.Sprintf("t=%d,v1=%s", ts, stripeSign("whsec_other", ts, payload))
		assert.False(t, verifyStripeSignature(h, payload, secret, now))
	})

	t.Run("tampered payload", func(t *testing.T) {
		assert.False(t, verifyStripeSignature(header, []byte(`{"type":"payout.paid"}`), secret, now))
	})

	t.Run("stale timestamp", func(t *testing.T) {
		old := ts - 600
		h := fmt.Sprintf("t=%d,v1=%s", old, stripeSign(secret, old, payload))
		assert.False(t, verifyStripeSignature(h, payload, secret, now))
	})

	t.Run("missing parts", func(t *testing.T) {
		assert.False(t, verifyStripeSignature("", payload, secret, now))
		assert.False(t, verifyStripeSignature(fmt.Sprintf("t=%d", ts), payload, secret, now))
		assert.False(t, verifyStripeSignature("v1=abc", payload, secret, now))
		assert.False(t, verifyStripeSignature("t=notanumber,v1=abc", payload, secret, now))
	})
}
