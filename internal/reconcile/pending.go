package reconcile

import (
	"context"
	"fmt"
	"log"

	"skne-engine/internal/alloc"
	"skne-engine/internal/model"
	"skne-engine/internal/service"
	"skne-engine/internal/store"
)

// PendingSweeper watches PENDING virtual offers for their marketplace
// delivery to land in the receiving agent's ledger. Once every purchased
// name has an available copy there, it locks the copies and hands the
// offer to a relay withdrawal.
type PendingSweeper struct {
	virtuals  store.VirtualOfferStore
	allocator *alloc.Allocator
	offers    *service.TradeOfferService
}

// NewPendingSweeper creates the pending delivery sweeper.
func NewPendingSweeper(virtuals store.VirtualOfferStore, allocator *alloc.Allocator, offers *service.TradeOfferService) *PendingSweeper {
	return &PendingSweeper{virtuals: virtuals, allocator: allocator, offers: offers}
}

// Sweep runs one pass over all PENDING offers. Offers whose items have not
// fully arrived are left alone for the next pass.
func (p *PendingSweeper) Sweep(ctx context.Context) error {
	pending, err := p.virtuals.ListByState(ctx, model.TradeStatePending)
	if err != nil {
		return fmt.Errorf("failed to list pending offers: %w", err)
	}

	for i := range pending {
		if err := p.match(ctx, &pending[i]); err != nil {
			log.Printf("[Reconcile] Pending match for %s: %v", pending[i].ID, err)
		}
	}
	return nil
}

func (p *PendingSweeper) match(ctx context.Context, offer *model.VirtualOffer) error {
	if offer.MarketBot == "" {
		return nil
	}

	res, err := p.allocator.ReserveByNames(ctx, offer.ItemNames, offer.MarketBot, "virtual:"+offer.ID)
	if err != nil {
		return err
	}
	if len(res.Unavailable) > 0 {
		// Delivery still in flight.
		return nil
	}

	lockedIDs := make([]string, 0, len(res.Reserved))
	for _, item := range res.Reserved {
		lockedIDs = append(lockedIDs, item.ID)
	}

	updated, err := p.virtuals.Transition(ctx, offer.ID, store.StateGuard{Eq: model.TradeStatePending}, model.TradeStateConfirm, store.VirtualOfferPatch{
		LockedBotItemIDs: lockedIDs,
	})
	if err != nil {
		p.release(ctx, lockedIDs)
		return err
	}
	if updated == nil {
		// Another sweep got here first.
		p.release(ctx, lockedIDs)
		return nil
	}

	relay, err := p.offers.CreateLinkedWithdraw(ctx, &service.WithdrawRequest{
		SteamID64: updated.SteamID,
		TradeLink: updated.TradeURL,
		NotifyURL: updated.NotifyURL,
	}, updated.MarketBot, res.Reserved, updated.ID)
	if err != nil {
		p.release(ctx, lockedIDs)
		if _, terr := p.virtuals.Transition(ctx, updated.ID, store.StateGuard{Eq: model.TradeStateConfirm}, model.TradeStatePending, store.VirtualOfferPatch{
			LockedBotItemIDs: []string{},
		}); terr != nil {
			log.Printf("[Reconcile] Failed to roll %s back to %s: %v", updated.ID, model.TradeStatePending, terr)
		}
		return err
	}

	if _, err := p.virtuals.Patch(ctx, updated.ID, store.VirtualOfferPatch{TradeOfferID: &relay.ID}); err != nil {
		return err
	}

	log.Printf("[Reconcile] Virtual offer %s matched, relay %s dispatched from %s", updated.ID, relay.ID, updated.MarketBot)
	return nil
}

func (p *PendingSweeper) release(ctx context.Context, ids []string) {
	if err := p.allocator.ReleaseIDs(ctx, ids); err != nil {
		log.Printf("[Reconcile] Failed to release %d locks: %v", len(ids), err)
	}
}
