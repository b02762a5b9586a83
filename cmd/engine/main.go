package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"skne-engine/internal/alloc"
	"skne-engine/internal/broker"
	"skne-engine/internal/cache"
	"skne-engine/internal/config"
	"skne-engine/internal/handler"
	"skne-engine/internal/market"
	"skne-engine/internal/reconcile"
	"skne-engine/internal/router"
	"skne-engine/internal/service"
	"skne-engine/internal/store"
	"skne-engine/internal/verify"

	amqp "github.com/rabbitmq/amqp091-go"
)

// provider is the marketplace the virtual flow buys from.
const provider = "opskins"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting skne engine...")

	// Load configuration
	cfg := config.MustLoad()
	log.Printf("Environment: %s", cfg.App.Environment)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize document store
	mongo, err := store.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
	if err != nil {
		log.Fatalf("Failed to initialize MongoDB: %v", err)
	}
	defer mongo.Close()

	// Initialize Redis
	redisCache, err := cache.NewCache(cfg.Redis.RedisAddress(), cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to initialize Redis: %v", err)
	}
	defer redisCache.Close()

	// Initialize message broker
	mq, err := broker.Connect(cfg.Amqp.URL, cfg.Amqp.Prefetch)
	if err != nil {
		log.Fatalf("Failed to initialize broker: %v", err)
	}
	defer mq.Close()
	if err := mq.BindEngineToVirtual(provider); err != nil {
		log.Fatalf("Failed to bind virtual queue: %v", err)
	}

	// Initialize services
	allocator := alloc.New(mongo.BotItems)
	notifier := broker.NewNotifier(mq, cfg.Notify.Servers)
	rpcClient := broker.NewRPCClient(mq, broker.QueueEngine, cfg.Amqp.RPCTimeout)
	marketplace := market.NewRPCMarketplace(rpcClient)
	policy := verify.Policy{Enabled: cfg.Security.VerifyTrades, Minimum: cfg.Security.VerifyTradeMinimum}

	tradeService := service.NewTradeOfferService(
		mongo.TradeOffers, mongo.BotItems, mongo.Bots, mongo.Items, mongo.VirtualOffers,
		allocator, redisCache, mq, notifier, policy, cfg.Trade,
	)
	virtualService := service.NewVirtualOfferService(
		mongo.VirtualOffers, mongo.Bots, allocator, mq, notifier, marketplace, tradeService, cfg.Trade, provider,
	)

	// The engine queue carries RPC replies and virtual offer work.
	err = mq.Consume(ctx, broker.QueueEngine, func(ctx context.Context, d amqp.Delivery) error {
		if d.CorrelationId != "" && rpcClient.HandleReply(d) {
			return nil
		}
		var msg service.DispatchMessage
		if err := json.Unmarshal(d.Body, &msg); err != nil {
			return fmt.Errorf("malformed engine delivery: %w", err)
		}
		return virtualService.Process(ctx, msg.ID)
	})
	if err != nil {
		log.Fatalf("Failed to consume engine queue: %v", err)
	}

	// Start delivery of queued notifications
	notifyWorker := broker.NewNotifyWorker(mq, cfg.Notify.RetryDelay, cfg.Notify.RequestTimeout)
	if err := notifyWorker.Start(ctx); err != nil {
		log.Fatalf("Failed to start notify worker: %v", err)
	}

	// Start reconciliation sweeps
	pendingSweeper := reconcile.NewPendingSweeper(mongo.VirtualOffers, allocator, tradeService)
	delayedSweeper := reconcile.NewDelayedSweeper(mongo.VirtualOffers, allocator, cfg.Trade.DelayedGrace)
	requeueSweeper := reconcile.NewRequeueSweeper(mongo.TradeOffers, mongo.VirtualOffers, tradeService, virtualService, cfg.Trade.DelayedGrace)
	retrySweeper := reconcile.NewRetrySweeper(mongo.VirtualOffers, virtualService)
	marketSweeper := reconcile.NewMarketSweeper(marketplace, mongo.Bots, provider)
	expirySweeper := reconcile.NewExpirySweeper(mongo.TradeOffers)

	reconcile.NewRunner("pending", cfg.Trade.PendingSweep, pendingSweeper.Sweep).Start(ctx)
	reconcile.NewRunner("delayed", cfg.Trade.DelayedSweep, delayedSweeper.Sweep).Start(ctx)
	reconcile.NewRunner("requeue", cfg.Trade.RequeueSweep, requeueSweeper.Sweep).Start(ctx)
	reconcile.NewRunner("retry", cfg.Trade.RetrySweep, retrySweeper.Sweep).Start(ctx)
	reconcile.NewRunner("market", cfg.Trade.MarketSweep, marketSweeper.Sweep).Start(ctx)
	reconcile.NewRunner("expiry", cfg.Trade.IncomingExpiry, expirySweeper.Sweep).Start(ctx)

	// Initialize handlers
	healthHandler := handler.New()
	tradeHandler := handler.NewTradeHandler(tradeService)
	virtualHandler := handler.NewVirtualHandler(virtualService)
	inventoryHandler := handler.NewInventoryHandler(redisCache, mongo.BotItems, cfg.Trade.SessionTTL)
	adminHandler := handler.NewAdminHandler(redisCache, tradeService)

	// Create router
	r := router.New(router.Config{
		Handler:          healthHandler,
		TradeHandler:     tradeHandler,
		VirtualHandler:   virtualHandler,
		InventoryHandler: inventoryHandler,
		AdminHandler:     adminHandler,
		IsWhitelisted:    cfg.Server.IsWhitelisted,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on %s", cfg.Server.Address())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down engine...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Engine stopped")
	fmt.Println("Goodbye!")
}
