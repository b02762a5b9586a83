package reconcile

import (
	"context"
	"fmt"
	"log"

	"skne-engine/internal/market"
	"skne-engine/internal/model"
	"skne-engine/internal/store"
)

// MarketSweeper polls the vendor-side inventory for settled purchases that
// never shipped. A withdrawal can stall silently on the vendor, leaving
// bought items parked in our vendor account with no outbound offer; this
// sweep re-requests their shipment into a marketplace agent so the pending
// matcher can pick them up.
type MarketSweeper struct {
	market   market.Marketplace
	bots     store.BotStore
	provider string
}

// NewMarketSweeper creates the vendor inventory sweeper.
func NewMarketSweeper(m market.Marketplace, bots store.BotStore, provider string) *MarketSweeper {
	return &MarketSweeper{market: m, bots: bots, provider: provider}
}

// Sweep runs one vendor inventory pass.
func (m *MarketSweeper) Sweep(ctx context.Context) error {
	items, err := m.market.Inventory(ctx)
	if err != nil {
		return fmt.Errorf("failed to list vendor inventory: %w", err)
	}

	var ids []int64
	for _, item := range items {
		if item.Withdrawable && item.OfferID == 0 {
			ids = append(ids, item.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	bot, err := m.pickAgent(ctx)
	if err != nil {
		return err
	}
	if bot == nil {
		return fmt.Errorf("no %s agent available to receive stalled vendor items", m.provider)
	}

	if _, err := m.market.Withdraw(ctx, ids, bot.TradeLink); err != nil {
		return fmt.Errorf("failed to withdraw %d stalled vendor items: %w", len(ids), err)
	}
	log.Printf("[Reconcile] Requested vendor shipment of %d stalled items to %s", len(ids), bot.SteamID64)
	return nil
}

func (m *MarketSweeper) pickAgent(ctx context.Context) (*model.Bot, error) {
	bots, err := m.bots.All(ctx)
	if err != nil {
		return nil, err
	}
	for i := range bots {
		if bots[i].InGroup(m.provider) && bots[i].TradeLink != "" {
			return &bots[i], nil
		}
	}
	return nil, nil
}
