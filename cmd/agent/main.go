package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"skne-engine/internal/agent"
	"skne-engine/internal/alloc"
	"skne-engine/internal/broker"
	"skne-engine/internal/cache"
	"skne-engine/internal/config"
	"skne-engine/internal/market"
	"skne-engine/internal/service"
	"skne-engine/internal/store"
	"skne-engine/internal/verify"
)

// provider is the marketplace group whose agents bridge execute-queue
// calls to their sidecar.
const provider = "opskins"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting skne agent...")

	// Load configuration
	cfg := config.MustLoad()
	log.Printf("Agent identity: %s", cfg.Agent.SteamID64)

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

	// Initialize poll state and trade session
	pollState, err := agent.OpenPollState(cfg.Agent.PollStatePath)
	if err != nil {
		log.Fatalf("Failed to open poll state: %v", err)
	}
	defer pollState.Close()

	session := agent.NewHTTPSession(cfg.Agent.SessionURL, pollState, cfg.Agent.PollInterval, cfg.Agent.SessionTimeout)
	session.StartPolling(ctx)

	// Initialize services
	allocator := alloc.New(mongo.BotItems)
	notifier := broker.NewNotifier(mq, cfg.Notify.Servers)
	policy := verify.Policy{Enabled: cfg.Security.VerifyTrades, Minimum: cfg.Security.VerifyTradeMinimum}
	tradeService := service.NewTradeOfferService(
		mongo.TradeOffers, mongo.BotItems, mongo.Bots, mongo.Items, mongo.VirtualOffers,
		allocator, redisCache, mq, notifier, policy, cfg.Trade,
	)

	inventory := agent.NewInventoryManager(cfg.Agent.SteamID64, cfg.Agent.Groups, session, mongo.BotItems, mongo.Items)

	// Start the agent
	a := agent.New(cfg.Agent, cfg.Trade, mq, session, mongo.TradeOffers, mongo.Bots, tradeService, inventory)
	if err := a.Start(ctx); err != nil {
		log.Fatalf("Failed to start agent: %v", err)
	}

	// Marketplace-group agents bridge execute calls to their sidecar,
	// which holds the vendor credentials.
	if inGroup(cfg.Agent.Groups, provider) {
		rpcServer := broker.NewRPCServer(mq)
		for method, path := range map[string]string{
			"market.purchase":  "/market/purchase",
			"market.withdraw":  "/market/withdraw",
			"market.inventory": "/market/inventory",
		} {
			endpoint := path
			rpcServer.Register(method, func(ctx context.Context, params json.RawMessage) (any, error) {
				var out json.RawMessage
				if err := session.Forward(endpoint, params, &out); err != nil {
					return nil, bridgeError(err)
				}
				return out, nil
			})
		}
		if err := rpcServer.Start(ctx); err != nil {
			log.Fatalf("Failed to start rpc server: %v", err)
		}
		log.Println("[Agent] Marketplace bridge online")
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down agent...")

	cancel()

	log.Println("Agent stopped")
	fmt.Println("Goodbye!")
}

// bridgeError classifies a sidecar failure into the reply payload the
// engine keys retries off. Unreachable sidecars and gateway failures are
// transient; a vendor rejection is not.
func bridgeError(err error) error {
	var ferr *agent.ForwardError
	if errors.As(err, &ferr) {
		if ferr.Status == 0 || ferr.Status >= 500 {
			return market.WireError(market.KindTransient, ferr.Error())
		}
		return market.WireError(market.KindPermanent, ferr.Error())
	}
	return market.WireError(market.KindPermanent, err.Error())
}

func inGroup(groups []string, name string) bool {
	for _, g := range groups {
		if g == name {
			return true
		}
	}
	return false
}
