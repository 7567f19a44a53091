package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/craftlink/earnings-service/internal/auth"
	"github.com/craftlink/earnings-service/internal/config"
	"github.com/craftlink/earnings-service/internal/service"
)

// Services bundles what the router needs.
type Services struct {
	Ledger     *service.LedgerService
	Withdrawal *service.WithdrawalService
	Account    *service.AccountService
}

// WebhookConfig carries provider webhook verification material.
type WebhookConfig struct {
	StripeSecret    string
	PayPalWebhookID string
}

func NewRouter(svcs Services, verifier *auth.Verifier, wh *WebhookHandler, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))

	v1 := r.Group("/v1")

	// provider callbacks authenticate through signatures, not bearer tokens
	v1.POST("/webhooks/stripe", wh.Stripe)
	v1.POST("/webhooks/paypal", wh.PayPal)

	authed := v1.Group("")
	authed.Use(auth.RequireUser(verifier))
	RegisterHandlers(authed, svcs)

	return r
}
