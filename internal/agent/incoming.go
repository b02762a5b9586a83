package agent

import (
	"context"
	"log"
	"time"

	"skne-engine/internal/model"
	"skne-engine/internal/service"
)

// handleIncoming decides an unsolicited offer. Gifts that pass the deposit
// policy are accepted and booked as INCOMING; anything that takes our
// items, offers nothing or fails appraisal is declined.
func (a *Agent) handleIncoming(ctx context.Context, offerID int64) {
	existing, err := a.offers.GetByOfferID(ctx, offerID)
	if err != nil || existing != nil {
		return
	}

	details, err := a.session.GetOffer(ctx, offerID)
	if err != nil {
		log.Printf("[Agent] Fetch of incoming %d failed: %v", offerID, err)
		return
	}
	if details.State != ProtocolActive {
		return
	}

	if len(details.GiveAssetIDs) > 0 || len(details.ReceiveItems) == 0 ||
		len(details.ReceiveItems) > a.trade.MaxDepositItems {
		a.decline(ctx, offerID, "unacceptable shape")
		return
	}

	names, subtotal, ok, err := a.inventory.Appraise(ctx, details.ReceiveItems)
	if err != nil {
		log.Printf("[Agent] Appraisal of incoming %d failed: %v", offerID, err)
		return
	}
	if !a.trusted(ctx, details.Partner) {
		if !ok {
			a.decline(ctx, offerID, "unacceptable items")
			return
		}
		if subtotal < a.trade.MinimumDepositTokens {
			a.decline(ctx, offerID, "below minimum deposit")
			return
		}
	}

	assetIDs := make([]int64, 0, len(details.ReceiveItems))
	for _, asset := range details.ReceiveItems {
		assetIDs = append(assetIDs, asset.AssetID)
	}
	expires := time.Now().Add(a.trade.IncomingExpiry)
	id, err := a.offers.Insert(ctx, &model.TradeOffer{
		Type:      model.TradeTypeIncoming,
		State:     model.TradeStateSent,
		Bot:       a.cfg.SteamID64,
		SteamID64: details.Partner,
		OfferID:   offerID,
		AssetIDs:  assetIDs,
		ItemNames: names,
		Subtotal:  subtotal,
		ItemState: model.TradeItemStatePending,
		CreatedAt: time.Now(),
		ExpiresAt: &expires,
	})
	if err != nil {
		log.Printf("[Agent] Booking of incoming %d failed: %v", offerID, err)
		return
	}

	if err := a.session.AcceptOffer(ctx, offerID); err != nil {
		log.Printf("[Agent] Accept of incoming %d failed: %v", offerID, err)
		return
	}
	log.Printf("[Agent] Accepted incoming offer %d as %s (%d tokens)", offerID, id, subtotal)
}

// trusted reports whether a partner bypasses the deposit value policy: the
// operator whitelist plus our own registered agents moving items around.
func (a *Agent) trusted(ctx context.Context, partner string) bool {
	for _, id := range a.trade.StorageWhitelist {
		if id == partner {
			return true
		}
	}
	bot, err := a.bots.Get(ctx, partner)
	return err == nil && bot != nil
}

func (a *Agent) decline(ctx context.Context, offerID int64, reason string) {
	log.Printf("[Agent] Declining incoming offer %d: %s", offerID, reason)
	if err := a.session.DeclineOffer(ctx, offerID); err != nil {
		log.Printf("[Agent] Decline of %d failed: %v", offerID, err)
	}
}

// sweepExpiredIncoming declines booked incoming offers whose window lapsed
// before the platform settled them, so stale protocol offers do not pin
// their assets. The declined rows are garbage-collected centrally.
func (a *Agent) sweepExpiredIncoming(ctx context.Context) error {
	rows, err := a.offers.ListByBotStates(ctx, a.cfg.SteamID64, model.TradeStateSent)
	if err != nil {
		return err
	}

	now := time.Now()
	for i := range rows {
		offer := &rows[i]
		if offer.Type != model.TradeTypeIncoming || offer.ExpiresAt == nil || offer.ExpiresAt.After(now) {
			continue
		}
		if err := a.session.DeclineOffer(ctx, offer.OfferID); err != nil {
			log.Printf("[Agent] Decline of expired %d failed: %v", offer.OfferID, err)
			continue
		}
		a.report(ctx, offer.ID, &service.AgentReport{State: model.TradeStateDeclined})
	}
	return nil
}
