package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"skne-engine/internal/alloc"
	"skne-engine/internal/cache"
	"skne-engine/internal/config"
	"skne-engine/internal/model"
	"skne-engine/internal/store/memstore"
	"skne-engine/internal/verify"
	"skne-engine/pkg/apierror"
)

type published struct {
	Exchange string
	Key      string
	Queue    string
	Body     []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
}

func (f *fakePublisher) Publish(ctx context.Context, exchange, key string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{Exchange: exchange, Key: key, Body: body})
	return nil
}

func (f *fakePublisher) SendToQueue(ctx context.Context, queue string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{Queue: queue, Body: body})
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeNotifier struct {
	mu      sync.Mutex
	methods []string
}

func (f *fakeNotifier) Publish(ctx context.Context, method string, params any, extra ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.methods = append(f.methods, method)
}

type fakeSessions struct {
	session *cache.Session
	flags   map[string]bool
}

func (f *fakeSessions) GetSession(ctx context.Context, steamID64 string) (*cache.Session, error) {
	if f.session != nil && f.session.SteamID64 == steamID64 {
		return f.session, nil
	}
	return nil, nil
}

func (f *fakeSessions) Flag(ctx context.Context, name string) bool {
	return f.flags[name]
}

type fixture struct {
	store    *memstore.Store
	pub      *fakePublisher
	notes    *fakeNotifier
	sessions *fakeSessions
	svc      *TradeOfferService
}

func newFixture(t *testing.T, trade config.TradeConfig, policy verify.Policy) *fixture {
	t.Helper()
	if trade.MaxDepositItems == 0 {
		trade.MaxDepositItems = 15
	}
	if trade.MaxItemsPerOffer == 0 {
		trade.MaxItemsPerOffer = 75
	}
	if trade.StorageCapacity == 0 {
		trade.StorageCapacity = 950
	}

	s := memstore.New()
	pub := &fakePublisher{}
	notes := &fakeNotifier{}
	sessions := &fakeSessions{flags: map[string]bool{}}
	svc := NewTradeOfferService(
		s.TradeOfferStore(), s, s.BotStore(), s.ItemStore(), s.VirtualOfferStore(),
		alloc.New(s), sessions, pub, notes, policy, trade,
	)
	return &fixture{store: s, pub: pub, notes: notes, sessions: sessions, svc: svc}
}

func (f *fixture) seedItem(t *testing.T, assetID int64, name, bot string) string {
	t.Helper()
	id, err := f.store.Insert(context.Background(), &model.BotItem{
		AssetID:   assetID,
		Name:      name,
		Bot:       bot,
		State:     model.BotItemStateAvailable,
		Tokens:    500,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed item: %v", err)
	}
	return id
}

func TestCreateDepositRequiresSession(t *testing.T) {
	f := newFixture(t, config.TradeConfig{}, verify.Policy{})

	_, err := f.svc.CreateDeposit(context.Background(), &DepositRequest{
		SteamID64: "765000",
		AssetIDs:  []int64{1},
	})
	apiErr, ok := err.(*apierror.Error)
	if !ok {
		t.Fatalf("err = %v, want apierror", err)
	}
	if apiErr.Message != "Session expired, refresh inventory first" {
		t.Fatalf("message = %q", apiErr.Message)
	}
}

func TestCreateDepositRejectsAssetsOutsideSession(t *testing.T) {
	f := newFixture(t, config.TradeConfig{}, verify.Policy{})
	f.sessions.session = &cache.Session{
		SteamID64: "765000",
		Items:     []model.OfferAsset{{AssetID: 1, Name: "Glock-18 | Fade (Factory New)", Tokens: 900}},
	}

	_, err := f.svc.CreateDeposit(context.Background(), &DepositRequest{
		SteamID64: "765000",
		AssetIDs:  []int64{1, 2},
	})
	apiErr, ok := err.(*apierror.Error)
	if !ok || apiErr.Message != "Invalid items" {
		t.Fatalf("err = %v, want Invalid items", err)
	}
}

func TestCreateDepositQueuesAndDispatches(t *testing.T) {
	f := newFixture(t, config.TradeConfig{}, verify.Policy{})
	f.sessions.session = &cache.Session{
		SteamID64: "765000",
		Items: []model.OfferAsset{
			{AssetID: 1, Name: "Glock-18 | Fade (Factory New)", Tokens: 900},
			{AssetID: 2, Name: "P250 | Sand Dune (Field-Tested)", Tokens: 100},
		},
	}

	offer, err := f.svc.CreateDeposit(context.Background(), &DepositRequest{
		SteamID64: "765000",
		TradeLink: "https://example.test/tradeoffer",
		AssetIDs:  []int64{1, 2},
	})
	if err != nil {
		t.Fatalf("create deposit: %v", err)
	}
	if offer.State != model.TradeStateQueued {
		t.Fatalf("state = %s, want QUEUED", offer.State)
	}
	if offer.Subtotal != 1000 {
		t.Fatalf("subtotal = %d, want 1000", offer.Subtotal)
	}
	if offer.SecurityToken == "" {
		t.Fatal("security token not set")
	}
	if f.pub.count() != 1 {
		t.Fatalf("published %d messages, want 1", f.pub.count())
	}
	var msg DispatchMessage
	if err := json.Unmarshal(f.pub.sent[0].Body, &msg); err != nil || msg.ID != offer.ID {
		t.Fatalf("dispatch payload = %s", f.pub.sent[0].Body)
	}
}

func TestCreateWithdrawFulfilsMatchedAndReportsShortfall(t *testing.T) {
	f := newFixture(t, config.TradeConfig{}, verify.Policy{})
	f.seedItem(t, 10, "AK-47 | Redline (Field-Tested)", "bot-1")

	res, err := f.svc.CreateWithdraw(context.Background(), &WithdrawRequest{
		SteamID64: "765000",
		TradeLink: "https://example.test/tradeoffer",
		ItemNames: []string{"AK-47 | Redline (Field-Tested)", "AWP | Asiimov (Field-Tested)"},
	})
	if err != nil {
		t.Fatalf("create withdraw: %v", err)
	}
	if len(res.Offers) != 1 {
		t.Fatalf("got %d offers, want 1 for the matched name", len(res.Offers))
	}
	if got := res.Offers[0].ItemNames; len(got) != 1 || got[0] != "AK-47 | Redline (Field-Tested)" {
		t.Fatalf("offer names = %v", got)
	}
	if len(res.UnavailableNames) != 1 || res.UnavailableNames[0] != "AWP | Asiimov (Field-Tested)" {
		t.Fatalf("unavailable = %v", res.UnavailableNames)
	}

	// The matched item is claimed for the created offer.
	items, _ := f.store.ListByBot(context.Background(), "bot-1")
	if items[0].State != model.BotItemStateInUse {
		t.Fatalf("item state = %s, want IN_USE", items[0].State)
	}
	if f.pub.count() != 1 {
		t.Fatalf("published %d messages, want 1", f.pub.count())
	}
}

func TestCreateWithdrawNothingClaimableFails(t *testing.T) {
	f := newFixture(t, config.TradeConfig{}, verify.Policy{})

	_, err := f.svc.CreateWithdraw(context.Background(), &WithdrawRequest{
		SteamID64: "765000",
		ItemNames: []string{"AWP | Asiimov (Field-Tested)"},
	})
	apiErr, ok := err.(*apierror.Error)
	if !ok || apiErr.Code != "UNAVAILABLE_ITEMS" {
		t.Fatalf("err = %v, want UNAVAILABLE_ITEMS", err)
	}
}

func TestCreateWithdrawFansOutPerBot(t *testing.T) {
	f := newFixture(t, config.TradeConfig{}, verify.Policy{})
	f.seedItem(t, 10, "AK-47 | Redline (Field-Tested)", "bot-1")
	f.seedItem(t, 11, "AWP | Asiimov (Field-Tested)", "bot-2")

	res, err := f.svc.CreateWithdraw(context.Background(), &WithdrawRequest{
		SteamID64: "765000",
		TradeLink: "https://example.test/tradeoffer",
		ItemNames: []string{"AK-47 | Redline (Field-Tested)", "AWP | Asiimov (Field-Tested)"},
	})
	if err != nil {
		t.Fatalf("create withdraw: %v", err)
	}
	if len(res.Offers) != 2 {
		t.Fatalf("got %d offers, want 2 (one per bot)", len(res.Offers))
	}
	if len(res.UnavailableNames) != 0 {
		t.Fatalf("unavailable = %v, want none", res.UnavailableNames)
	}
	bots := map[string]bool{}
	for _, offer := range res.Offers {
		bots[offer.Bot] = true
		if offer.State != model.TradeStateQueued {
			t.Fatalf("offer %s state = %s", offer.ID, offer.State)
		}
	}
	if !bots["bot-1"] || !bots["bot-2"] {
		t.Fatalf("fan-out bots = %v", bots)
	}
}

func TestCreateWithdrawBlockedByKillSwitch(t *testing.T) {
	f := newFixture(t, config.TradeConfig{}, verify.Policy{})
	f.seedItem(t, 10, "AK-47 | Redline (Field-Tested)", "bot-1")
	f.sessions.flags[cache.FlagWithdrawalsDisabled] = true

	_, err := f.svc.CreateWithdraw(context.Background(), &WithdrawRequest{
		SteamID64: "765000",
		ItemNames: []string{"AK-47 | Redline (Field-Tested)"},
	})
	apiErr, ok := err.(*apierror.Error)
	if !ok || apiErr.Code != "SERVICE_UNAVAILABLE" {
		t.Fatalf("err = %v, want SERVICE_UNAVAILABLE", err)
	}
}

func TestWithdrawHeldForVerificationIsNotDispatched(t *testing.T) {
	f := newFixture(t, config.TradeConfig{}, verify.Policy{Enabled: true, Minimum: 100})
	f.seedItem(t, 10, "AK-47 | Redline (Field-Tested)", "bot-1")

	res, err := f.svc.CreateWithdraw(context.Background(), &WithdrawRequest{
		SteamID64: "765000",
		ItemNames: []string{"AK-47 | Redline (Field-Tested)"},
	})
	if err != nil {
		t.Fatalf("create withdraw: %v", err)
	}
	if res.Offers[0].VerificationState != model.TradeVerificationPending {
		t.Fatalf("verification state = %q, want PENDING", res.Offers[0].VerificationState)
	}
	if f.pub.count() != 0 {
		t.Fatalf("held offer was dispatched")
	}

	// Approval dispatches it.
	approved, err := f.svc.ResolveVerification(context.Background(), res.Offers[0].ID, true)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.VerificationState != model.TradeVerificationApproved {
		t.Fatalf("verification state = %q after approval", approved.VerificationState)
	}
	if f.pub.count() != 1 {
		t.Fatalf("approved offer was not dispatched")
	}
}

func TestDeniedVerificationReleasesItems(t *testing.T) {
	f := newFixture(t, config.TradeConfig{}, verify.Policy{Enabled: true, Minimum: 100})
	itemID := f.seedItem(t, 10, "AK-47 | Redline (Field-Tested)", "bot-1")

	res, err := f.svc.CreateWithdraw(context.Background(), &WithdrawRequest{
		SteamID64: "765000",
		ItemNames: []string{"AK-47 | Redline (Field-Tested)"},
	})
	if err != nil {
		t.Fatalf("create withdraw: %v", err)
	}

	denied, err := f.svc.ResolveVerification(context.Background(), res.Offers[0].ID, false)
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if denied.State != model.TradeStateDeclined {
		t.Fatalf("state = %s after denial, want DECLINED", denied.State)
	}

	rows, _ := f.store.GetByIDs(context.Background(), []string{itemID})
	if rows[0].State != model.BotItemStateAvailable {
		t.Fatalf("item state = %s after denial, want AVAILABLE", rows[0].State)
	}
}

func TestAgentReportReplayIsNoOp(t *testing.T) {
	f := newFixture(t, config.TradeConfig{}, verify.Policy{})
	f.seedItem(t, 10, "AK-47 | Redline (Field-Tested)", "bot-1")

	res, err := f.svc.CreateWithdraw(context.Background(), &WithdrawRequest{
		SteamID64: "765000",
		ItemNames: []string{"AK-47 | Redline (Field-Tested)"},
	})
	if err != nil {
		t.Fatalf("create withdraw: %v", err)
	}
	id := res.Offers[0].ID

	first, err := f.svc.ApplyAgentReport(context.Background(), id, &AgentReport{
		State:   model.TradeStateConfirm,
		OfferID: 9001,
	})
	if err != nil {
		t.Fatalf("first report: %v", err)
	}
	if first == nil || first.State != model.TradeStateConfirm {
		t.Fatalf("first report not applied")
	}

	replay, err := f.svc.ApplyAgentReport(context.Background(), id, &AgentReport{
		State:   model.TradeStateConfirm,
		OfferID: 9001,
	})
	if err != nil {
		t.Fatalf("replayed report: %v", err)
	}
	if replay != nil {
		t.Fatalf("replayed report was applied twice")
	}
}

func TestDeclinedWithdrawReleasesItems(t *testing.T) {
	f := newFixture(t, config.TradeConfig{}, verify.Policy{})
	itemID := f.seedItem(t, 10, "AK-47 | Redline (Field-Tested)", "bot-1")

	res, _ := f.svc.CreateWithdraw(context.Background(), &WithdrawRequest{
		SteamID64: "765000",
		ItemNames: []string{"AK-47 | Redline (Field-Tested)"},
	})
	id := res.Offers[0].ID

	if _, err := f.svc.ApplyAgentReport(context.Background(), id, &AgentReport{State: model.TradeStateSent, OfferID: 9001}); err != nil {
		t.Fatalf("sent report: %v", err)
	}
	if _, err := f.svc.ApplyAgentReport(context.Background(), id, &AgentReport{State: model.TradeStateDeclined}); err != nil {
		t.Fatalf("declined report: %v", err)
	}

	rows, _ := f.store.GetByIDs(context.Background(), []string{itemID})
	if rows[0].State != model.BotItemStateAvailable {
		t.Fatalf("item state = %s after decline, want AVAILABLE", rows[0].State)
	}
}

func TestAcceptedWithdrawDropsLedgerRows(t *testing.T) {
	f := newFixture(t, config.TradeConfig{}, verify.Policy{})
	f.seedItem(t, 10, "AK-47 | Redline (Field-Tested)", "bot-1")

	res, _ := f.svc.CreateWithdraw(context.Background(), &WithdrawRequest{
		SteamID64: "765000",
		ItemNames: []string{"AK-47 | Redline (Field-Tested)"},
	})
	id := res.Offers[0].ID

	f.svc.ApplyAgentReport(context.Background(), id, &AgentReport{State: model.TradeStateSent, OfferID: 9001})
	updated, err := f.svc.ApplyAgentReport(context.Background(), id, &AgentReport{State: model.TradeStateAccepted})
	if err != nil {
		t.Fatalf("accepted report: %v", err)
	}
	if updated.AcceptedAt == nil {
		t.Fatal("acceptedAt not stamped")
	}

	exists, _ := f.store.ExistsAsset(context.Background(), 10)
	if exists {
		t.Fatal("shipped asset still present in ledger")
	}
}

func TestAcceptedDepositMarksItemsPending(t *testing.T) {
	f := newFixture(t, config.TradeConfig{}, verify.Policy{})
	f.sessions.session = &cache.Session{
		SteamID64: "765000",
		Items:     []model.OfferAsset{{AssetID: 1, Name: "Glock-18 | Fade (Factory New)", Tokens: 900}},
	}

	offer, err := f.svc.CreateDeposit(context.Background(), &DepositRequest{
		SteamID64: "765000",
		AssetIDs:  []int64{1},
	})
	if err != nil {
		t.Fatalf("create deposit: %v", err)
	}

	f.svc.ApplyAgentReport(context.Background(), offer.ID, &AgentReport{State: model.TradeStateSent, OfferID: 9002})
	updated, err := f.svc.ApplyAgentReport(context.Background(), offer.ID, &AgentReport{State: model.TradeStateAccepted})
	if err != nil {
		t.Fatalf("accepted report: %v", err)
	}
	if updated.ItemState != model.TradeItemStatePending {
		t.Fatalf("itemState = %q, want PENDING until insertion", updated.ItemState)
	}
}

func TestAcceptedRelayPropagatesToVirtualOffer(t *testing.T) {
	f := newFixture(t, config.TradeConfig{}, verify.Policy{})
	itemID := f.seedItem(t, 10, "AK-47 | Redline (Field-Tested)", "market-bot")

	virtualID, err := f.store.VirtualOfferStore().Insert(context.Background(), &model.VirtualOffer{
		State:     model.TradeStateConfirm,
		SteamID:   "765000",
		ItemNames: []string{"AK-47 | Redline (Field-Tested)"},
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("insert virtual: %v", err)
	}

	rows, _ := f.store.GetByIDs(context.Background(), []string{itemID})
	relay, err := f.svc.CreateLinkedWithdraw(context.Background(), &WithdrawRequest{
		SteamID64: "765000",
		TradeLink: "https://example.test/tradeoffer",
	}, "market-bot", rows, virtualID)
	if err != nil {
		t.Fatalf("create linked withdraw: %v", err)
	}

	f.svc.ApplyAgentReport(context.Background(), relay.ID, &AgentReport{State: model.TradeStateSent, OfferID: 9003})
	if _, err := f.svc.ApplyAgentReport(context.Background(), relay.ID, &AgentReport{State: model.TradeStateAccepted}); err != nil {
		t.Fatalf("accepted report: %v", err)
	}

	virtual, _ := f.store.VirtualOfferStore().Get(context.Background(), virtualID)
	if virtual.State != model.TradeStateAccepted {
		t.Fatalf("virtual state = %s, want ACCEPTED", virtual.State)
	}
	if virtual.AcceptedAt == nil {
		t.Fatal("virtual acceptedAt not stamped")
	}
}

func TestDeclinedRelayFlagsVirtualForRetry(t *testing.T) {
	f := newFixture(t, config.TradeConfig{}, verify.Policy{})
	itemID := f.seedItem(t, 10, "AK-47 | Redline (Field-Tested)", "market-bot")

	virtualID, _ := f.store.VirtualOfferStore().Insert(context.Background(), &model.VirtualOffer{
		State:     model.TradeStateConfirm,
		SteamID:   "765000",
		CreatedAt: time.Now(),
	})

	rows, _ := f.store.GetByIDs(context.Background(), []string{itemID})
	relay, _ := f.svc.CreateLinkedWithdraw(context.Background(), &WithdrawRequest{
		SteamID64: "765000",
	}, "market-bot", rows, virtualID)

	f.svc.ApplyAgentReport(context.Background(), relay.ID, &AgentReport{State: model.TradeStateSent, OfferID: 9004})
	f.svc.ApplyAgentReport(context.Background(), relay.ID, &AgentReport{State: model.TradeStateDeclined})

	virtual, _ := f.store.VirtualOfferStore().Get(context.Background(), virtualID)
	if virtual.State != model.TradeStateDeclined {
		t.Fatalf("virtual state = %s, want DECLINED", virtual.State)
	}
	if !virtual.HasTradeOfferError || !virtual.Retry {
		t.Fatalf("virtual error flags = hasTradeOfferError:%t retry:%t", virtual.HasTradeOfferError, virtual.Retry)
	}
}
