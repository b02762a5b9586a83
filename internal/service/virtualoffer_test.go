package service

import (
	"context"
	"testing"
	"time"

	"skne-engine/internal/alloc"
	"skne-engine/internal/broker"
	"skne-engine/internal/config"
	"skne-engine/internal/market"
	"skne-engine/internal/model"
	"skne-engine/internal/verify"
)

type fakeMarket struct {
	purchaseErr error
	withdrawErr error
	result      *model.PurchaseResult
	assetIDs    []int64
	vendorItems []market.VendorItem
	purchases   int
}

func (f *fakeMarket) Purchase(ctx context.Context, names []string, maxTokens int64) (*model.PurchaseResult, error) {
	f.purchases++
	if f.purchaseErr != nil {
		return nil, f.purchaseErr
	}
	return f.result, nil
}

func (f *fakeMarket) Withdraw(ctx context.Context, purchaseIDs []int64, tradeLink string) ([]int64, error) {
	if f.withdrawErr != nil {
		return nil, f.withdrawErr
	}
	return f.assetIDs, nil
}

func (f *fakeMarket) Inventory(ctx context.Context) ([]market.VendorItem, error) {
	return f.vendorItems, nil
}

type virtualFixture struct {
	*fixture
	market *fakeMarket
	svc    *VirtualOfferService
}

func newVirtualFixture(t *testing.T, trade config.TradeConfig) *virtualFixture {
	t.Helper()
	if trade.MaxUniquePerOffer == 0 {
		trade.MaxUniquePerOffer = 10
	}
	base := newFixture(t, trade, verify.Policy{})
	m := &fakeMarket{}
	svc := NewVirtualOfferService(
		base.store.VirtualOfferStore(), base.store.BotStore(), alloc.New(base.store),
		base.pub, base.notes, m, base.svc, trade, "opskins",
	)
	return &virtualFixture{fixture: base, market: m, svc: svc}
}

func names(n int) ([]string, []int64) {
	out := make([]string, n)
	tokens := make([]int64, n)
	for i := range out {
		out[i] = "P250 | Sand Dune (Field-Tested)"
		tokens[i] = 100
	}
	return out, tokens
}

func TestCreateChunksIntoGroup(t *testing.T) {
	f := newVirtualFixture(t, config.TradeConfig{})
	itemNames, tokens := names(12)

	group, offers, err := f.svc.Create(context.Background(), &VirtualRequest{
		SteamID:   "765000",
		TradeURL:  "https://example.test/tradeoffer",
		ItemNames: itemNames,
		Subtotals: tokens,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(offers) != 2 {
		t.Fatalf("got %d offers for 12 names, want 2 chunks", len(offers))
	}
	if len(offers[0].ItemNames) != 10 || len(offers[1].ItemNames) != 2 {
		t.Fatalf("chunk sizes = %d/%d, want 10/2", len(offers[0].ItemNames), len(offers[1].ItemNames))
	}
	if len(group.VirtualOfferIDs) != 2 {
		t.Fatalf("group links %d offers, want 2", len(group.VirtualOfferIDs))
	}
	for _, offer := range offers {
		if offer.GroupID != group.ID {
			t.Fatalf("offer %s not linked to group", offer.ID)
		}
	}
	if f.pub.count() != 2 {
		t.Fatalf("published %d messages, want one per chunk", f.pub.count())
	}
	if f.pub.sent[0].Exchange != broker.ExchangeVirtual {
		t.Fatalf("published to %q, want %q", f.pub.sent[0].Exchange, broker.ExchangeVirtual)
	}
}

func TestProcessQueuedPurchasesToEscrow(t *testing.T) {
	f := newVirtualFixture(t, config.TradeConfig{})
	f.market.result = &model.PurchaseResult{
		Items: []model.PurchasedItem{{ID: 71, Name: "P250 | Sand Dune (Field-Tested)"}},
		Total: 100,
	}

	itemNames, tokens := names(1)
	_, offers, err := f.svc.Create(context.Background(), &VirtualRequest{
		SteamID:   "765000",
		ItemNames: itemNames,
		Subtotals: tokens,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := f.svc.Process(context.Background(), offers[0].ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	offer, _ := f.store.VirtualOfferStore().Get(context.Background(), offers[0].ID)
	if offer.State != model.TradeStateEscrow {
		t.Fatalf("state = %s, want ESCROW", offer.State)
	}
	if !offer.HasPurchaseResponse || len(offer.ItemIDs) != 1 || offer.ItemIDs[0] != 71 {
		t.Fatalf("purchase receipt not recorded: %+v", offer)
	}
	if offer.EscrowAt == nil {
		t.Fatal("escrowAt not stamped")
	}
}

func TestProcessQueuedTransientFailureIsRetryable(t *testing.T) {
	f := newVirtualFixture(t, config.TradeConfig{})
	f.market.purchaseErr = &market.Error{Kind: market.KindTransient, Message: "upstream timeout"}

	itemNames, tokens := names(1)
	_, offers, _ := f.svc.Create(context.Background(), &VirtualRequest{
		SteamID:   "765000",
		ItemNames: itemNames,
		Subtotals: tokens,
	})
	if err := f.svc.Process(context.Background(), offers[0].ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	offer, _ := f.store.VirtualOfferStore().Get(context.Background(), offers[0].ID)
	if offer.State != model.TradeStateError {
		t.Fatalf("state = %s, want ERROR", offer.State)
	}
	if !offer.Retry {
		t.Fatal("transient failure not flagged for retry")
	}
	if offer.PreviousState != model.TradeStateQueued {
		t.Fatalf("previousState = %q, want QUEUED", offer.PreviousState)
	}
}

func TestProcessQueuedPermanentFailureNeedsOperator(t *testing.T) {
	f := newVirtualFixture(t, config.TradeConfig{})
	f.market.purchaseErr = &market.Error{Kind: market.KindPermanent, Message: "listing gone"}

	itemNames, tokens := names(1)
	_, offers, _ := f.svc.Create(context.Background(), &VirtualRequest{
		SteamID:   "765000",
		ItemNames: itemNames,
		Subtotals: tokens,
	})
	f.svc.Process(context.Background(), offers[0].ID)

	offer, _ := f.store.VirtualOfferStore().Get(context.Background(), offers[0].ID)
	if offer.State != model.TradeStateError || offer.Retry {
		t.Fatalf("state = %s retry = %t, want ERROR without auto-retry", offer.State, offer.Retry)
	}
}

func TestProcessEscrowShipsToMarketAgent(t *testing.T) {
	f := newVirtualFixture(t, config.TradeConfig{})
	f.market.result = &model.PurchaseResult{
		Items: []model.PurchasedItem{{ID: 71, Name: "P250 | Sand Dune (Field-Tested)"}},
	}
	f.market.assetIDs = []int64{551}
	if err := f.store.BotStore().Upsert(context.Background(), &model.Bot{
		SteamID64: "market-bot",
		Groups:    []string{"opskins"},
		TradeLink: "https://example.test/tradeoffer",
	}); err != nil {
		t.Fatalf("seed bot: %v", err)
	}

	itemNames, tokens := names(1)
	_, offers, _ := f.svc.Create(context.Background(), &VirtualRequest{
		SteamID:   "765000",
		ItemNames: itemNames,
		Subtotals: tokens,
	})
	id := offers[0].ID

	// Resume across both queue-driven steps.
	if err := f.svc.Process(context.Background(), id); err != nil {
		t.Fatalf("purchase step: %v", err)
	}
	if err := f.svc.Process(context.Background(), id); err != nil {
		t.Fatalf("delivery step: %v", err)
	}

	offer, _ := f.store.VirtualOfferStore().Get(context.Background(), id)
	if offer.State != model.TradeStatePending {
		t.Fatalf("state = %s, want PENDING", offer.State)
	}
	if offer.MarketBot != "market-bot" {
		t.Fatalf("marketBot = %q", offer.MarketBot)
	}
	if len(offer.AssetIDs) != 1 || offer.AssetIDs[0] != 551 {
		t.Fatalf("assetIds = %v", offer.AssetIDs)
	}
}

func TestRetryReentersAtPreviousState(t *testing.T) {
	f := newVirtualFixture(t, config.TradeConfig{})
	f.market.purchaseErr = &market.Error{Kind: market.KindTransient, Message: "upstream timeout"}

	itemNames, tokens := names(1)
	_, offers, _ := f.svc.Create(context.Background(), &VirtualRequest{
		SteamID:   "765000",
		ItemNames: itemNames,
		Subtotals: tokens,
	})
	id := offers[0].ID
	f.svc.Process(context.Background(), id)

	updated, err := f.svc.Retry(context.Background(), id)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if updated.State != model.TradeStateQueued {
		t.Fatalf("state = %s after retry, want QUEUED", updated.State)
	}
	if updated.HasError || updated.Retry || updated.ErrorMessage != "" {
		t.Fatalf("error not cleared: %+v", updated)
	}
	if updated.ManuallyRetried != 1 {
		t.Fatalf("manuallyRetried = %d, want 1", updated.ManuallyRetried)
	}

	// A second failure must record a fresh previousState.
	f.svc.Process(context.Background(), id)
	again, _ := f.store.VirtualOfferStore().Get(context.Background(), id)
	if again.PreviousState != model.TradeStateQueued {
		t.Fatalf("previousState after second failure = %q", again.PreviousState)
	}
}

func TestRetryAfterVendorShipFailureSkipsRepurchase(t *testing.T) {
	f := newVirtualFixture(t, config.TradeConfig{})
	f.market.result = &model.PurchaseResult{
		Items: []model.PurchasedItem{{ID: 71, Name: "P250 | Sand Dune (Field-Tested)"}},
		Total: 100,
	}
	f.market.withdrawErr = &market.Error{Kind: market.KindTransient, Message: "vendor busy"}
	if err := f.store.BotStore().Upsert(context.Background(), &model.Bot{
		SteamID64: "market-bot",
		Groups:    []string{"opskins"},
		TradeLink: "https://example.test/tradeoffer",
	}); err != nil {
		t.Fatalf("seed bot: %v", err)
	}

	itemNames, tokens := names(1)
	_, offers, _ := f.svc.Create(context.Background(), &VirtualRequest{
		SteamID:   "765000",
		ItemNames: itemNames,
		Subtotals: tokens,
	})
	id := offers[0].ID

	// Purchase succeeds, the vendor ship fails.
	f.svc.Process(context.Background(), id)
	f.svc.Process(context.Background(), id)

	failed, _ := f.store.VirtualOfferStore().Get(context.Background(), id)
	if failed.State != model.TradeStateError || failed.PreviousState != model.TradeStateEscrow {
		t.Fatalf("state = %s previousState = %q", failed.State, failed.PreviousState)
	}

	updated, err := f.svc.Retry(context.Background(), id)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if updated.State != model.TradeStatePending {
		t.Fatalf("state = %s after retry, want PENDING (purchase must not rerun)", updated.State)
	}
	if f.market.purchases != 1 {
		t.Fatalf("purchases = %d, want the original one only", f.market.purchases)
	}
}

func TestRetryConfirmFailureReentersEscrow(t *testing.T) {
	f := newVirtualFixture(t, config.TradeConfig{})

	id, _ := f.store.VirtualOfferStore().Insert(context.Background(), &model.VirtualOffer{
		State:               model.TradeStateError,
		Provider:            "opskins",
		SteamID:             "765000",
		PreviousState:       model.TradeStateConfirm,
		HasPurchaseResponse: true,
		HasError:            true,
		CreatedAt:           time.Now(),
	})

	updated, err := f.svc.Retry(context.Background(), id)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if updated.State != model.TradeStateEscrow {
		t.Fatalf("state = %s after retry, want ESCROW", updated.State)
	}
	if f.pub.count() != 1 {
		t.Fatalf("published %d messages, want the escrow redispatch", f.pub.count())
	}
}

func TestRetryDeclinedReleasesLocksAndReentersPending(t *testing.T) {
	f := newVirtualFixture(t, config.TradeConfig{})
	itemID := f.seedItem(t, 551, "P250 | Sand Dune (Field-Tested)", "market-bot")

	rows, _ := f.store.GetByIDs(context.Background(), []string{itemID})
	if _, err := f.store.ReserveID(context.Background(), rows[0].ID, "virtual"); err != nil {
		t.Fatalf("lock item: %v", err)
	}

	id, _ := f.store.VirtualOfferStore().Insert(context.Background(), &model.VirtualOffer{
		State:            model.TradeStateDeclined,
		SteamID:          "765000",
		ItemNames:        []string{"P250 | Sand Dune (Field-Tested)"},
		LockedBotItemIDs: []string{itemID},
		TradeOfferID:     "trade-99",
		Retry:            true,
		CreatedAt:        time.Now(),
	})

	updated, err := f.svc.Retry(context.Background(), id)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if updated.State != model.TradeStatePending {
		t.Fatalf("state = %s, want PENDING for a declined relay", updated.State)
	}
	if updated.TradeOfferID != "" {
		t.Fatalf("tradeOfferId = %q, want cleared", updated.TradeOfferID)
	}
	if len(updated.PreviousOffers) != 1 || updated.PreviousOffers[0] != "trade-99" {
		t.Fatalf("previousOffers = %v", updated.PreviousOffers)
	}

	rows, _ = f.store.GetByIDs(context.Background(), []string{itemID})
	if rows[0].State != model.BotItemStateAvailable {
		t.Fatalf("locked item not released, state = %s", rows[0].State)
	}
}
