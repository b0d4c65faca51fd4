package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"contractflow/auth"
	"contractflow/config"
	"contractflow/contract"
	"contractflow/db"
	"contractflow/dispute"
	"contractflow/httpapi"
	"contractflow/milestone"
	"contractflow/notify"
	"contractflow/outbox"
	"contractflow/payments"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	queue := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer queue.Close()

	notifier := notify.NewService(pool, queue)

	authSvc := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)
	contractSvc := contract.NewService(pool, contract.NewRepository(pool), notifier, cfg.PlatformFeePercent)
	milestoneSvc := milestone.NewService(pool, milestone.NewRepository(pool), notifier, cfg.PlatformFeePercent)
	disputeSvc := dispute.NewService(pool, dispute.NewRepository(pool), notifier, cfg.PlatformFeePercent)

	processor := payments.NewStripeClient(cfg.StripeAPIBase, cfg.StripeSecretKey)
	paymentSvc := payments.NewService(pool, processor)
	bridge := payments.NewBridge(pool, payments.NewEventRepository(), notifier, cfg.PlatformFeePercent)

	relay := outbox.NewRelay(outbox.NewStore(pool))
	relay.Handle("payment.", paymentSvc.HandleOutbox)
	relay.Handle("dispute.", func(ctx context.Context, topic string, payload []byte) error {
		return notifier.AlertAdmins(ctx, "warning", topic+" "+string(payload))
	})
	relay.Handle("contract.", func(ctx context.Context, topic string, payload []byte) error {
		// Lifecycle topics have no downstream consumer yet; keep an audit trail.
		log.Printf("outbox: %s %s", topic, payload)
		return nil
	})
	go func() {
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("outbox relay stopped: %v", err)
		}
	}()

	worker := notify.NewServer(cfg.RedisAddr)
	go func() {
		if err := worker.Run(notify.NewMux()); err != nil {
			log.Printf("notification worker stopped: %v", err)
		}
	}()

	server := &httpapi.Server{
		Auth:          authSvc,
		Contracts:     contractSvc,
		Milestones:    milestoneSvc,
		Disputes:      disputeSvc,
		Notifications: notifier,
		Bridge:        bridge,
		WebhookSecret: cfg.StripeWebhookSecret,
		Pool:          pool,
	}
	e := server.Router()

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	worker.Shutdown()

	// One last drain so queued payment requests are not stranded until restart.
	if err := relay.Drain(shutdownCtx); err != nil {
		log.Printf("final outbox drain: %v", err)
	}
}
