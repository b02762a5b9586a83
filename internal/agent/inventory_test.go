package agent

import (
	"context"
	"fmt"
	"testing"
	"time"

	"skne-engine/internal/model"
	"skne-engine/internal/store/memstore"
)

type fakeSession struct {
	inventory []InventoryAsset
	received  map[int64][]InventoryAsset
	details   map[int64]*OfferDetails
	accepted  []int64
	declined  []int64
	updates   chan OfferUpdate
}

func (f *fakeSession) SendOffer(ctx context.Context, offer *OutgoingOffer) (int64, error) {
	return 0, nil
}
func (f *fakeSession) ConfirmOffer(ctx context.Context, offerID int64) error { return nil }
func (f *fakeSession) AcceptOffer(ctx context.Context, offerID int64) error {
	f.accepted = append(f.accepted, offerID)
	return nil
}
func (f *fakeSession) DeclineOffer(ctx context.Context, offerID int64) error {
	f.declined = append(f.declined, offerID)
	return nil
}
func (f *fakeSession) CancelOffer(ctx context.Context, offerID int64) error { return nil }
func (f *fakeSession) GetOffer(ctx context.Context, offerID int64) (*OfferDetails, error) {
	details, ok := f.details[offerID]
	if !ok {
		return nil, fmt.Errorf("unknown offer %d", offerID)
	}
	return details, nil
}
func (f *fakeSession) Inventory(ctx context.Context) ([]InventoryAsset, error) {
	return f.inventory, nil
}
func (f *fakeSession) ReceivedItems(ctx context.Context, offerID int64) ([]InventoryAsset, error) {
	return f.received[offerID], nil
}
func (f *fakeSession) Updates() <-chan OfferUpdate { return f.updates }

func seedCatalog(s *memstore.Store) {
	s.PutItem(&model.Item{Name: "AK-47 | Redline (Field-Tested)", Tokens: 500, Price: 5.0})
	s.PutItem(&model.Item{Name: "P250 | Sand Dune (Field-Tested)", Tokens: 10, Price: 0.1})
	s.PutItem(&model.Item{Name: "Contraband Thing", Tokens: 900, Blocked: true})
	s.PutItem(&model.Item{Name: "Worthless Sticker", Tokens: 0})
}

func TestReconcileInsertsNewPricedAssets(t *testing.T) {
	s := memstore.New()
	seedCatalog(s)
	session := &fakeSession{inventory: []InventoryAsset{
		{AssetID: 1, Name: "AK-47 | Redline (Field-Tested)", Tradable: true},
		{AssetID: 2, Name: "Contraband Thing", Tradable: true},
		{AssetID: 3, Name: "Worthless Sticker", Tradable: true},
		{AssetID: 4, Name: "AK-47 | Redline (Field-Tested)", Tradable: false},
		{AssetID: 5, Name: "Unknown Item", Tradable: true},
	}}
	m := NewInventoryManager("bot-1", []string{"main"}, session, s, s.ItemStore())

	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	rows, _ := s.ListByBot(context.Background(), "bot-1")
	if len(rows) != 1 {
		t.Fatalf("ledger has %d rows, want 1 (blocked, unpriced, untradable and unknown skipped)", len(rows))
	}
	row := rows[0]
	if row.AssetID != 1 || row.Tokens != 500 || row.State != model.BotItemStateAvailable {
		t.Fatalf("row = %+v", row)
	}
}

func TestReconcileDropsOnlyAvailableStaleRows(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedCatalog(s)

	// Two rows the platform no longer reports: one AVAILABLE, one locked by
	// an in-flight trade.
	s.Insert(ctx, &model.BotItem{AssetID: 1, Name: "AK-47 | Redline (Field-Tested)", Bot: "bot-1", State: model.BotItemStateAvailable, CreatedAt: time.Now()})
	lockedID, _ := s.Insert(ctx, &model.BotItem{AssetID: 2, Name: "P250 | Sand Dune (Field-Tested)", Bot: "bot-1", State: model.BotItemStateAvailable, CreatedAt: time.Now()})
	s.ReserveID(ctx, lockedID, "withdraw-9")

	session := &fakeSession{inventory: nil}
	m := NewInventoryManager("bot-1", nil, session, s, s.ItemStore())
	if err := m.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	rows, _ := s.ListByBot(ctx, "bot-1")
	if len(rows) != 1 {
		t.Fatalf("ledger has %d rows, want only the locked one", len(rows))
	}
	if rows[0].AssetID != 2 {
		t.Fatalf("surviving row = asset %d, want the locked asset 2", rows[0].AssetID)
	}
}

func TestInsertOfferItemsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedCatalog(s)

	offers := s.TradeOfferStore()
	offerID, _ := offers.Insert(ctx, &model.TradeOffer{
		Type:      model.TradeTypeDeposit,
		State:     model.TradeStateAccepted,
		Bot:       "bot-1",
		OfferID:   9001,
		ItemState: model.TradeItemStatePending,
		CreatedAt: time.Now(),
	})

	session := &fakeSession{received: map[int64][]InventoryAsset{
		9001: {{AssetID: 100, Name: "AK-47 | Redline (Field-Tested)", Tradable: true}},
	}}
	m := NewInventoryManager("bot-1", nil, session, s, s.ItemStore())

	offer, _ := offers.Get(ctx, offerID)
	if err := m.InsertOfferItems(ctx, offers, offer); err != nil {
		t.Fatalf("insert: %v", err)
	}

	updated, _ := offers.Get(ctx, offerID)
	if updated.ItemState != model.TradeItemStateInserted {
		t.Fatalf("itemState = %q, want INSERTED", updated.ItemState)
	}
	rows, _ := s.ListByBot(ctx, "bot-1")
	if len(rows) != 1 {
		t.Fatalf("ledger has %d rows, want 1", len(rows))
	}

	// Replay must not duplicate rows; the INSERTED offer is skipped and
	// even a forced rerun dedupes on asset id.
	if err := m.InsertOfferItems(ctx, offers, updated); err != nil {
		t.Fatalf("replay on inserted offer: %v", err)
	}
	offer.ItemState = model.TradeItemStatePending
	if err := m.InsertOfferItems(ctx, offers, offer); err != nil {
		t.Fatalf("forced replay: %v", err)
	}
	rows, _ = s.ListByBot(ctx, "bot-1")
	if len(rows) != 1 {
		t.Fatalf("replay duplicated ledger rows: %d", len(rows))
	}
}

func TestEngineStateMapping(t *testing.T) {
	cases := []struct {
		in   ProtocolState
		want string
	}{
		{ProtocolActive, model.TradeStateSent},
		{ProtocolAccepted, model.TradeStateAccepted},
		{ProtocolDeclined, model.TradeStateDeclined},
		{ProtocolCanceled, model.TradeStateDeclined},
		{ProtocolCanceledBySecondFactor, model.TradeStateDeclined},
		{ProtocolInvalidItems, model.TradeStateDeclined},
		{ProtocolExpired, model.TradeStateDeclined},
		{ProtocolInEscrow, model.TradeStateEscrow},
		{ProtocolCreatedNeedsConfirm, model.TradeStateConfirm},
		{ProtocolState(99), ""},
	}
	for _, tc := range cases {
		if got := EngineState(tc.in); got != tc.want {
			t.Errorf("EngineState(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
