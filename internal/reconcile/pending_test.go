package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"skne-engine/internal/alloc"
	"skne-engine/internal/cache"
	"skne-engine/internal/config"
	"skne-engine/internal/model"
	"skne-engine/internal/service"
	"skne-engine/internal/store"
	"skne-engine/internal/store/memstore"
	"skne-engine/internal/verify"
)

type nullPublisher struct {
	mu   sync.Mutex
	sent int
}

func (n *nullPublisher) Publish(ctx context.Context, exchange, key string, body []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent++
	return nil
}

func (n *nullPublisher) SendToQueue(ctx context.Context, queue string, body []byte) error {
	return n.Publish(ctx, "", queue, body)
}

type nullNotifier struct{}

func (nullNotifier) Publish(ctx context.Context, method string, params any, extra ...string) {}

type nullSessions struct{}

func (nullSessions) GetSession(ctx context.Context, steamID64 string) (*cache.Session, error) {
	return nil, nil
}
func (nullSessions) Flag(ctx context.Context, name string) bool { return false }

func newPendingFixture(t *testing.T) (*memstore.Store, *PendingSweeper) {
	t.Helper()
	s := memstore.New()
	allocator := alloc.New(s)
	trades := service.NewTradeOfferService(
		s.TradeOfferStore(), s, s.BotStore(), s.ItemStore(), s.VirtualOfferStore(),
		allocator, nullSessions{}, &nullPublisher{}, nullNotifier{}, verify.Policy{},
		config.TradeConfig{MaxDepositItems: 15, MaxItemsPerOffer: 75},
	)
	return s, NewPendingSweeper(s.VirtualOfferStore(), allocator, trades)
}

func seedPendingOffer(t *testing.T, s *memstore.Store, names []string) string {
	t.Helper()
	id, err := s.VirtualOfferStore().Insert(context.Background(), &model.VirtualOffer{
		State:     model.TradeStatePending,
		SteamID:   "765000",
		TradeURL:  "https://example.test/tradeoffer",
		ItemNames: names,
		MarketBot: "market-bot",
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed virtual offer: %v", err)
	}
	return id
}

func seedLedgerItem(t *testing.T, s *memstore.Store, assetID int64, name, bot string) {
	t.Helper()
	if _, err := s.Insert(context.Background(), &model.BotItem{
		AssetID:   assetID,
		Name:      name,
		Bot:       bot,
		State:     model.BotItemStateAvailable,
		Tokens:    100,
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("seed ledger item: %v", err)
	}
}

func TestSweepWaitsForFullDelivery(t *testing.T) {
	s, sweeper := newPendingFixture(t)
	id := seedPendingOffer(t, s, []string{
		"P250 | Sand Dune (Field-Tested)",
		"AK-47 | Redline (Field-Tested)",
	})
	// Only half the delivery has landed.
	seedLedgerItem(t, s, 551, "P250 | Sand Dune (Field-Tested)", "market-bot")

	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	offer, _ := s.VirtualOfferStore().Get(context.Background(), id)
	if offer.State != model.TradeStatePending {
		t.Fatalf("state = %s, want still PENDING", offer.State)
	}

	// The partially-arrived item must not stay locked.
	items, _ := s.ListByBot(context.Background(), "market-bot")
	if items[0].State != model.BotItemStateAvailable {
		t.Fatalf("item locked despite incomplete delivery")
	}
}

func TestSweepLocksAndDispatchesRelay(t *testing.T) {
	s, sweeper := newPendingFixture(t)
	id := seedPendingOffer(t, s, []string{"P250 | Sand Dune (Field-Tested)"})
	seedLedgerItem(t, s, 551, "P250 | Sand Dune (Field-Tested)", "market-bot")

	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	offer, _ := s.VirtualOfferStore().Get(context.Background(), id)
	if offer.State != model.TradeStateConfirm {
		t.Fatalf("state = %s, want WAITING_CONFIRMATION", offer.State)
	}
	if len(offer.LockedBotItemIDs) != 1 {
		t.Fatalf("lockedBotItemIds = %v", offer.LockedBotItemIDs)
	}
	if offer.TradeOfferID == "" {
		t.Fatal("relay trade offer not linked")
	}

	relay, _ := s.TradeOfferStore().Get(context.Background(), offer.TradeOfferID)
	if relay == nil {
		t.Fatal("relay offer not found")
	}
	if relay.Type != model.TradeTypeWithdraw || relay.Bot != "market-bot" {
		t.Fatalf("relay = type %s bot %s", relay.Type, relay.Bot)
	}
	if relay.PendingOfferID() != id {
		t.Fatalf("relay meta link = %q, want %q", relay.PendingOfferID(), id)
	}

	items, _ := s.ListByBot(context.Background(), "market-bot")
	if items[0].State != model.BotItemStateInUse {
		t.Fatalf("delivered item not locked")
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	s, sweeper := newPendingFixture(t)
	id := seedPendingOffer(t, s, []string{"P250 | Sand Dune (Field-Tested)"})
	seedLedgerItem(t, s, 551, "P250 | Sand Dune (Field-Tested)", "market-bot")

	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	offer, _ := s.VirtualOfferStore().Get(context.Background(), id)
	relayID := offer.TradeOfferID

	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	offer, _ = s.VirtualOfferStore().Get(context.Background(), id)
	if offer.TradeOfferID != relayID {
		t.Fatalf("second sweep created another relay")
	}

	all, _ := s.TradeOfferStore().ListByTypeState(context.Background(), model.TradeTypeWithdraw, model.TradeStateQueued)
	if len(all) != 1 {
		t.Fatalf("%d relay offers exist, want 1", len(all))
	}
}

func TestMatchSkipsOfferMovedOffPending(t *testing.T) {
	ctx := context.Background()
	s, sweeper := newPendingFixture(t)
	id := seedPendingOffer(t, s, []string{"P250 | Sand Dune (Field-Tested)"})
	seedLedgerItem(t, s, 551, "P250 | Sand Dune (Field-Tested)", "market-bot")

	// The offer fails between the listing and the match.
	stale, _ := s.VirtualOfferStore().Get(ctx, id)
	if _, err := s.VirtualOfferStore().Transition(ctx, id, store.StateGuard{Eq: model.TradeStatePending}, model.TradeStateError, store.VirtualOfferPatch{}); err != nil {
		t.Fatalf("move offer off PENDING: %v", err)
	}

	if err := sweeper.match(ctx, stale); err != nil {
		t.Fatalf("match: %v", err)
	}

	offer, _ := s.VirtualOfferStore().Get(ctx, id)
	if offer.State != model.TradeStateError {
		t.Fatalf("state = %s, want untouched ERROR", offer.State)
	}
	if offer.TradeOfferID != "" {
		t.Fatal("relay dispatched for an offer no longer PENDING")
	}
	items, _ := s.ListByBot(ctx, "market-bot")
	if items[0].State != model.BotItemStateAvailable {
		t.Fatalf("item left locked, state = %s", items[0].State)
	}
}

func TestDelayedSweeperResetsStuckConfirmations(t *testing.T) {
	s, _ := newPendingFixture(t)
	allocator := alloc.New(s)

	itemID, _ := s.Insert(context.Background(), &model.BotItem{
		AssetID: 551, Name: "P250 | Sand Dune (Field-Tested)", Bot: "market-bot",
		State: model.BotItemStateAvailable, CreatedAt: time.Now(),
	})
	if _, err := s.ReserveID(context.Background(), itemID, "virtual"); err != nil {
		t.Fatalf("lock item: %v", err)
	}

	id, _ := s.VirtualOfferStore().Insert(context.Background(), &model.VirtualOffer{
		State:            model.TradeStateConfirm,
		SteamID:          "765000",
		MarketBot:        "market-bot",
		LockedBotItemIDs: []string{itemID},
		CreatedAt:        time.Now().Add(-time.Hour),
	})

	sweeper := NewDelayedSweeper(s.VirtualOfferStore(), allocator, 5*time.Minute)
	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	offer, _ := s.VirtualOfferStore().Get(context.Background(), id)
	if offer.State != model.TradeStatePending {
		t.Fatalf("state = %s, want reset to PENDING", offer.State)
	}
	if len(offer.LockedBotItemIDs) != 0 {
		t.Fatalf("locks not cleared: %v", offer.LockedBotItemIDs)
	}

	rows, _ := s.GetByIDs(context.Background(), []string{itemID})
	if rows[0].State != model.BotItemStateAvailable {
		t.Fatalf("item not released, state = %s", rows[0].State)
	}
}

func TestDelayedSweeperSkipsRecentConfirmations(t *testing.T) {
	s, _ := newPendingFixture(t)

	id, _ := s.VirtualOfferStore().Insert(context.Background(), &model.VirtualOffer{
		State:     model.TradeStateConfirm,
		SteamID:   "765000",
		CreatedAt: time.Now(),
	})

	sweeper := NewDelayedSweeper(s.VirtualOfferStore(), alloc.New(s), 5*time.Minute)
	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	offer, _ := s.VirtualOfferStore().Get(context.Background(), id)
	if offer.State != model.TradeStateConfirm {
		t.Fatalf("recent confirmation was reset to %s", offer.State)
	}
}
