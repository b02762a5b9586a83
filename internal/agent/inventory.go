package agent

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"skne-engine/internal/model"
	"skne-engine/internal/store"
)

// InventoryManager keeps the agent's ledger rows in step with the
// platform's view of its inventory. It inserts rows for assets that
// arrived, prices them from the catalog and drops rows whose assets left.
type InventoryManager struct {
	steamID64 string
	groups    []string
	session   TradeSession
	items     store.BotItemStore
	catalog   store.ItemStore
}

// NewInventoryManager creates the inventory manager for one agent.
func NewInventoryManager(steamID64 string, groups []string, session TradeSession, items store.BotItemStore, catalog store.ItemStore) *InventoryManager {
	return &InventoryManager{
		steamID64: steamID64,
		groups:    groups,
		session:   session,
		items:     items,
		catalog:   catalog,
	}
}

// Reconcile diffs the platform inventory against the ledger. Only
// AVAILABLE rows are dropped for missing assets; IN_USE rows belong to an
// in-flight trade and settle through the offer's own transition.
func (m *InventoryManager) Reconcile(ctx context.Context) error {
	assets, err := m.session.Inventory(ctx)
	if err != nil {
		return fmt.Errorf("failed to load platform inventory: %w", err)
	}

	rows, err := m.items.ListByBot(ctx, m.steamID64)
	if err != nil {
		return fmt.Errorf("failed to load ledger rows: %w", err)
	}

	present := make(map[int64]bool, len(assets))
	for _, asset := range assets {
		present[asset.AssetID] = true
	}
	known := make(map[int64]bool, len(rows))
	for _, row := range rows {
		known[row.AssetID] = true
	}

	var inserted int
	for _, asset := range assets {
		if known[asset.AssetID] {
			continue
		}
		ok, err := m.insertAsset(ctx, asset)
		if err != nil {
			log.Printf("[Inventory] Failed to insert asset %d: %v", asset.AssetID, err)
			continue
		}
		if ok {
			inserted++
		}
	}

	var stale []int64
	for _, row := range rows {
		if !present[row.AssetID] && row.State == model.BotItemStateAvailable {
			stale = append(stale, row.AssetID)
		}
	}
	if len(stale) > 0 {
		if err := m.items.DeleteByAssetIDs(ctx, stale); err != nil {
			return fmt.Errorf("failed to drop stale rows: %w", err)
		}
	}

	if inserted > 0 || len(stale) > 0 {
		log.Printf("[Inventory] Reconciled %s: +%d / -%d", m.steamID64, inserted, len(stale))
	}
	return nil
}

// InsertOfferItems records the assets received through an accepted
// inbound offer and marks the offer's items inserted.
func (m *InventoryManager) InsertOfferItems(ctx context.Context, offers store.TradeOfferStore, offer *model.TradeOffer) error {
	if offer.ItemState != model.TradeItemStatePending {
		return nil
	}

	received, err := m.session.ReceivedItems(ctx, offer.OfferID)
	if err != nil {
		return fmt.Errorf("failed to load received items: %w", err)
	}

	var ids []string
	var assetIDs []int64
	for _, asset := range received {
		// The dedupe guard makes a replayed insertion a no-op.
		exists, err := m.items.ExistsAsset(ctx, asset.AssetID)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		ok, err := m.insertAsset(ctx, asset)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		assetIDs = append(assetIDs, asset.AssetID)
	}

	rows, err := m.items.GetByAssetIDs(ctx, assetIDs)
	if err != nil {
		return err
	}
	for _, row := range rows {
		ids = append(ids, row.ID)
	}

	if _, err := offers.MarkItemsInserted(ctx, offer.OfferID, ids, assetIDs); err != nil {
		return fmt.Errorf("failed to mark items inserted: %w", err)
	}
	log.Printf("[Inventory] Inserted %d items from offer %s", len(assetIDs), offer.ID)
	return nil
}

// insertAsset prices and records one asset. Unpriced, blocked or
// untradable assets are skipped, not errors.
func (m *InventoryManager) insertAsset(ctx context.Context, asset InventoryAsset) (bool, error) {
	if !m.acceptable(asset) {
		return false, nil
	}

	entry, err := m.catalog.GetByName(ctx, asset.Name)
	if err != nil {
		return false, err
	}
	if entry == nil || entry.Blocked || entry.Tokens <= 0 {
		return false, nil
	}

	_, err = m.items.Insert(ctx, &model.BotItem{
		AssetID:   asset.AssetID,
		Name:      asset.Name,
		Bot:       m.steamID64,
		State:     model.BotItemStateAvailable,
		Groups:    m.groups,
		Type:      asset.Type,
		Tokens:    entry.Tokens,
		Price:     entry.Price,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *InventoryManager) acceptable(asset InventoryAsset) bool {
	if !asset.Tradable {
		return false
	}
	return asset.Name != ""
}

// Appraise prices the assets a counterparty is offering to hand over. It
// returns the catalog names and their token subtotal; ok is false when any
// asset is untradable, of a refused type or not usably priced, which
// rejects the whole offer.
func (m *InventoryManager) Appraise(ctx context.Context, assets []InventoryAsset) ([]string, int64, bool, error) {
	names := make([]string, 0, len(assets))
	var subtotal int64
	for _, asset := range assets {
		if !m.acceptable(asset) || refusedType(asset.Type) {
			return nil, 0, false, nil
		}
		entry, err := m.catalog.GetByName(ctx, asset.Name)
		if err != nil {
			return nil, 0, false, err
		}
		if entry == nil || entry.Blocked || entry.Tokens <= 0 {
			return nil, 0, false, nil
		}
		names = append(names, asset.Name)
		subtotal += entry.Tokens
	}
	return names, subtotal, true, nil
}

// refusedType matches the categories never credited through a deposit.
func refusedType(typ string) bool {
	t := strings.ToLower(typ)
	return strings.Contains(t, "case") || strings.Contains(t, "sticker") || strings.Contains(t, "souvenir")
}
