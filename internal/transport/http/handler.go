package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/craftlink/earnings-service/internal/auth"
	"github.com/craftlink/earnings-service/internal/repo"
	"github.com/craftlink/earnings-service/internal/service"
)

// RegisterHandlers mounts the authenticated API onto a route group.
func RegisterHandlers(g *gin.RouterGroup, svcs Services) {
	g.GET("/wallets/summary", summaryHandler(svcs.Ledger))
	g.GET("/wallets/transactions", transactionsHandler(svcs.Ledger))

	// event ingestion is a service-to-service contract; user tokens never
	// carry the grant
	g.POST("/events", auth.RequireScope(auth.ScopeEvents), recordEventHandler(svcs.Ledger))

	g.POST("/withdrawals", createWithdrawalHandler(svcs.Withdrawal))
	g.GET("/withdrawals", listWithdrawalsHandler(svcs.Withdrawal))
	g.GET("/withdrawals/stats/summary", withdrawalStatsHandler(svcs.Withdrawal))
	g.POST("/withdrawals/:id/cancel", cancelWithdrawalHandler(svcs.Withdrawal))

	g.GET("/stripe-connect/account/status", stripeStatusHandler(svcs.Account))
	g.POST("/stripe-connect/account/onboarding", stripeOnboardingHandler(svcs.Account))
	g.GET("/paypal-accounts/connect-url", paypalConnectURLHandler(svcs.Account))
	g.POST("/paypal-accounts/connect", paypalConnectHandler(svcs.Account))
}

// renderError maps service sentinels onto HTTP statuses. Internal error text
// never leaks for 5xx.
func renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrAmountOutOfBounds),
		errors.Is(err, service.ErrInvalidWalletType),
		errors.Is(err, service.ErrInvalidEventType),
		errors.Is(err, service.ErrUnknownMethod),
		errors.Is(err, service.ErrBadOAuthState):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, repo.ErrInsufficientFunds):
		c.JSON(http.StatusBadRequest, gin.H{"error": "insufficient balance"})
	case errors.Is(err, service.ErrPayoutAccountNotReady):
		c.JSON(http.StatusBadRequest, gin.H{"error": "payout account not ready"})
	case errors.Is(err, service.ErrNotCancellable),
		errors.Is(err, service.ErrAlreadyTerminal),
		errors.Is(err, repo.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func mustUserID(c *gin.Context) (uint64, bool) {
	id, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
	}
	return id, ok
}

func summaryHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := mustUserID(c)
		if !ok {
			return
		}
		sum, err := svc.GetSummary(c, userID)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, sum)
	}
}

func transactionsHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := mustUserID(c)
		if !ok {
			return
		}
		var f repo.TransactionFilter
		if v := c.Query("dateFrom"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dateFrom"})
				return
			}
			f.DateFrom = &t
		}
		if v := c.Query("dateTo"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dateTo"})
				return
			}
			f.DateTo = &t
		}
		f.Type = c.Query("type")
		f.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
		f.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

		txs, err := svc.ListTransactions(c, userID, f)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, txs)
	}
}

// recordEventHandler ingests project-lifecycle events from trusted internal
// callers (the project subsystem and payment webhook processors).
func recordEventHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var ev service.Event
		if err := c.ShouldBindJSON(&ev); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		txs, err := svc.RecordEvent(c, ev)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusCreated, txs)
	}
}

type createWithdrawalReq struct {
	Amount      decimal.Decimal `json:"amount" binding:"required"`
	Method      string          `json:"method" binding:"required"`
	Description string          `json:"description"`
}

func createWithdrawalHandler(svc *service.WithdrawalService) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := mustUserID(c)
		if !ok {
			return
		}
		var req createWithdrawalReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		w, err := svc.Create(c, userID, req.Amount, req.Method, req.Description)
		if err != nil {
			renderError(c, err)
			return
		}
		// hand to the rail outside the request; outcome surfaces through
		// withdrawal status and the reconciler
		go func(id uint64) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			_, _ = svc.Dispatch(ctx, id)
		}(w.ID)
		c.JSON(http.StatusCreated, w)
	}
}

func listWithdrawalsHandler(svc *service.WithdrawalService) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := mustUserID(c)
		if !ok {
			return
		}
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		status := c.Query("status")
		ws, total, err := svc.List(c, userID, status, page, limit)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"withdrawals": ws,
			"total":       total,
			"page":        page,
			"limit":       limit,
		})
	}
}

func withdrawalStatsHandler(svc *service.WithdrawalService) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := mustUserID(c)
		if !ok {
			return
		}
		stats, err := svc.Stats(c, userID)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

func cancelWithdrawalHandler(svc *service.WithdrawalService) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := mustUserID(c)
		if !ok {
			return
		}
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		w, err := svc.Cancel(c, userID, id)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "withdrawal cancelled", "withdrawal": w})
	}
}

func stripeStatusHandler(svc *service.AccountService) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := mustUserID(c)
		if !ok {
			return
		}
		status, err := svc.GetStripeStatus(c, userID)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

type stripeOnboardingReq struct {
	Email string `json:"email"`
}

func stripeOnboardingHandler(svc *service.AccountService) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := mustUserID(c)
		if !ok {
			return
		}
		var req stripeOnboardingReq
		_ = c.ShouldBindJSON(&req) // email optional
		url, err := svc.CreateStripeOnboardingLink(c, userID, req.Email)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"url": url})
	}
}

func paypalConnectURLHandler(svc *service.AccountService) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := mustUserID(c)
		if !ok {
			return
		}
		url, err := svc.PayPalConnectURL(c, userID)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"auth_url": url})
	}
}

type paypalConnectReq struct {
	Code  string `json:"code" binding:"required"`
	State string `json:"state" binding:"required"`
}

func paypalConnectHandler(svc *service.AccountService) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := mustUserID(c)
		if !ok {
			return
		}
		var req paypalConnectReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		account, err := svc.PayPalConnect(c, userID, req.Code, req.State)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, account)
	}
}
