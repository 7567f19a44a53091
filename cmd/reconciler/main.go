package main

import (
	"context"
	"fmt"
	"time"

	"github.com/craftlink/earnings-service/internal/config"
	"github.com/craftlink/earnings-service/internal/logger"
	"github.com/craftlink/earnings-service/internal/model"
	"github.com/craftlink/earnings-service/internal/payrail"
	"github.com/craftlink/earnings-service/internal/repo"
	"github.com/craftlink/earnings-service/internal/service"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

// stuckAfter is how long a withdrawal may sit in processing before its
// provider status gets polled.
const stuckAfter = 2 * time.Minute

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger("reconciler")
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	stripe := payrail.NewStripeAdapter(cfg.Stripe.APIKey, cfg.Stripe.BaseURL)
	paypal := payrail.NewPayPalAdapter(cfg.PayPal.ClientID, cfg.PayPal.ClientSecret, cfg.PayPal.BaseURL)
	adapters := map[string]payrail.Adapter{
		model.MethodStripe: stripe,
		model.MethodPayPal: paypal,
	}

	repository := repo.NewRepository(gdb, rdb, kw, log)
	ledger := service.NewLedgerService(repository, log)
	minAmt, _ := decimal.NewFromString(cfg.Withdrawal.MinAmount)
	maxAmt, _ := decimal.NewFromString(cfg.Withdrawal.MaxAmount)
	withdrawals := service.NewWithdrawalService(repository, ledger, adapters, service.WithdrawalPolicy{
		MinAmount:       minAmt,
		MaxAmount:       maxAmt,
		DispatchTimeout: time.Duration(cfg.Withdrawal.DispatchTimeoutSeconds) * time.Second,
		DispatchRetries: cfg.Withdrawal.DispatchRetries,
	}, log)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	log.Info("earnings-reconciler started")
	for range ticker.C {
		ctx := context.Background()

		if err := withdrawals.ResolveStuck(ctx, time.Now().Add(-stuckAfter), 50); err != nil {
			log.Errorf("resolve stuck withdrawals: %v", err)
		}

		if cfg.Clearing.Days > 0 {
			olderThan := time.Now().AddDate(0, 0, -cfg.Clearing.Days)
			n, err := ledger.ReleaseClearedFunds(ctx, olderThan, 100)
			if err != nil {
				log.Errorf("clearing release: %v", err)
			} else if n > 0 {
				log.Infof("released %d clearing credits", n)
			}
		}
	}
}
