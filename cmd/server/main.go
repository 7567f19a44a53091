package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/craftlink/earnings-service/internal/auth"
	"github.com/craftlink/earnings-service/internal/config"
	"github.com/craftlink/earnings-service/internal/logger"
	"github.com/craftlink/earnings-service/internal/model"
	"github.com/craftlink/earnings-service/internal/payrail"
	"github.com/craftlink/earnings-service/internal/repo"
	"github.com/craftlink/earnings-service/internal/service"
	httptransport "github.com/craftlink/earnings-service/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger("server")
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(
		&model.Wallet{}, &model.Transaction{}, &model.Withdrawal{},
		&model.PayoutAccount{}, &model.OutboxEvent{},
	); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	// 6. payment rails
	stripe := payrail.NewStripeAdapter(cfg.Stripe.APIKey, cfg.Stripe.BaseURL)
	paypal := payrail.NewPayPalAdapter(cfg.PayPal.ClientID, cfg.PayPal.ClientSecret, cfg.PayPal.BaseURL)
	adapters := map[string]payrail.Adapter{
		model.MethodStripe: stripe,
		model.MethodPayPal: paypal,
	}

	// 7. repo & services
	repository := repo.NewRepository(gdb, rdb, kw, log)
	ledger := service.NewLedgerService(repository, log)
	minAmt, err := decimal.NewFromString(cfg.Withdrawal.MinAmount)
	if err != nil {
		log.Fatalf("withdrawal.min_amount: %v", err)
	}
	maxAmt, err := decimal.NewFromString(cfg.Withdrawal.MaxAmount)
	if err != nil {
		log.Fatalf("withdrawal.max_amount: %v", err)
	}
	withdrawals := service.NewWithdrawalService(repository, ledger, adapters, service.WithdrawalPolicy{
		MinAmount:       minAmt,
		MaxAmount:       maxAmt,
		DispatchTimeout: time.Duration(cfg.Withdrawal.DispatchTimeoutSeconds) * time.Second,
		DispatchRetries: cfg.Withdrawal.DispatchRetries,
	}, log)
	accounts := service.NewAccountService(repository, stripe, paypal, service.StripeURLs{
		RefreshURL: cfg.Stripe.RefreshURL,
		ReturnURL:  cfg.Stripe.ReturnURL,
	}, cfg.PayPal.RedirectURI, cfg.PayPal.Environment, log)

	// 8. auth
	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	// 9. gin router
	webhooks := httptransport.NewWebhookHandler(withdrawals, repository, paypal, httptransport.WebhookConfig{
		StripeSecret:    cfg.Stripe.WebhookSecret,
		PayPalWebhookID: cfg.PayPal.WebhookID,
	}, log)
	router := httptransport.NewRouter(httptransport.Services{
		Ledger:     ledger,
		Withdrawal: withdrawals,
		Account:    accounts,
	}, verifier, webhooks, cfg.RateLimit, log)

	// 10. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("earnings-server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
