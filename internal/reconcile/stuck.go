package reconcile

import (
	"context"
	"fmt"
	"log"
	"time"

	"skne-engine/internal/alloc"
	"skne-engine/internal/model"
	"skne-engine/internal/service"
	"skne-engine/internal/store"
)

// DelayedSweeper unsticks virtual offers that reached WAITING_CONFIRMATION
// but never got their relay withdrawal created, e.g. because the process
// died between the lock and the dispatch. Their locks are released and the
// offer drops back to PENDING for a clean re-match.
type DelayedSweeper struct {
	virtuals  store.VirtualOfferStore
	allocator *alloc.Allocator
	grace     time.Duration
}

// NewDelayedSweeper creates the stuck-confirmation sweeper.
func NewDelayedSweeper(virtuals store.VirtualOfferStore, allocator *alloc.Allocator, grace time.Duration) *DelayedSweeper {
	return &DelayedSweeper{virtuals: virtuals, allocator: allocator, grace: grace}
}

// Sweep runs one pass over stuck confirmations older than the grace
// period.
func (d *DelayedSweeper) Sweep(ctx context.Context) error {
	stuck, err := d.virtuals.ListStuckConfirm(ctx, time.Now().Add(-d.grace))
	if err != nil {
		return fmt.Errorf("failed to list stuck confirmations: %w", err)
	}

	for i := range stuck {
		offer := &stuck[i]
		if len(offer.LockedBotItemIDs) > 0 {
			if err := d.allocator.ReleaseIDs(ctx, offer.LockedBotItemIDs); err != nil {
				log.Printf("[Reconcile] Failed to release locks of stuck %s: %v", offer.ID, err)
				continue
			}
		}
		updated, err := d.virtuals.Transition(ctx, offer.ID, store.StateGuard{Eq: model.TradeStateConfirm}, model.TradeStatePending, store.VirtualOfferPatch{
			LockedBotItemIDs: []string{},
		})
		if err != nil {
			log.Printf("[Reconcile] Failed to reset stuck %s: %v", offer.ID, err)
			continue
		}
		if updated != nil {
			log.Printf("[Reconcile] Reset stuck confirmation %s to %s", offer.ID, model.TradeStatePending)
		}
	}
	return nil
}

// RequeueSweeper republishes QUEUED work whose queue delivery was lost,
// covering both trade offers and virtual offers.
type RequeueSweeper struct {
	offers   store.TradeOfferStore
	virtuals store.VirtualOfferStore
	trades   *service.TradeOfferService
	virtual  *service.VirtualOfferService
	minAge   time.Duration
}

// NewRequeueSweeper creates the lost-delivery sweeper. Offers younger than
// minAge are skipped; their first delivery may still be in flight.
func NewRequeueSweeper(offers store.TradeOfferStore, virtuals store.VirtualOfferStore, trades *service.TradeOfferService, virtual *service.VirtualOfferService, minAge time.Duration) *RequeueSweeper {
	return &RequeueSweeper{offers: offers, virtuals: virtuals, trades: trades, virtual: virtual, minAge: minAge}
}

// Sweep runs one requeue pass.
func (r *RequeueSweeper) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-r.minAge)

	for _, typ := range []string{model.TradeTypeDeposit, model.TradeTypeWithdraw, model.TradeTypeStorage} {
		queued, err := r.offers.ListByTypeState(ctx, typ, model.TradeStateQueued)
		if err != nil {
			return fmt.Errorf("failed to list queued %s offers: %w", typ, err)
		}
		for i := range queued {
			if queued[i].CreatedAt.After(cutoff) {
				continue
			}
			if err := r.trades.Requeue(ctx, &queued[i]); err != nil {
				log.Printf("[Reconcile] Requeue of %s: %v", queued[i].ID, err)
			}
		}
	}

	for _, state := range []string{model.TradeStateQueued, model.TradeStateEscrow} {
		stale, err := r.virtuals.ListByState(ctx, state)
		if err != nil {
			return fmt.Errorf("failed to list %s virtual offers: %w", state, err)
		}
		for i := range stale {
			if stale[i].CreatedAt.After(cutoff) {
				continue
			}
			if err := r.virtual.Requeue(ctx, &stale[i]); err != nil {
				log.Printf("[Reconcile] Virtual requeue of %s: %v", stale[i].ID, err)
			}
		}
	}
	return nil
}

// RetrySweeper re-enters virtual offers that failed transiently, so a
// vendor hiccup heals without an operator.
type RetrySweeper struct {
	virtuals store.VirtualOfferStore
	virtual  *service.VirtualOfferService
}

// NewRetrySweeper creates the transient-failure sweeper.
func NewRetrySweeper(virtuals store.VirtualOfferStore, virtual *service.VirtualOfferService) *RetrySweeper {
	return &RetrySweeper{virtuals: virtuals, virtual: virtual}
}

// Sweep retries every errored offer flagged for retry.
func (r *RetrySweeper) Sweep(ctx context.Context) error {
	failed, err := r.virtuals.ListByState(ctx, model.TradeStateError)
	if err != nil {
		return fmt.Errorf("failed to list errored offers: %w", err)
	}
	for i := range failed {
		if !failed[i].Retry {
			continue
		}
		if _, err := r.virtual.Retry(ctx, failed[i].ID); err != nil {
			log.Printf("[Reconcile] Auto-retry of %s: %v", failed[i].ID, err)
		}
	}
	return nil
}

// ExpirySweeper drops INCOMING offers whose window lapsed without the
// counterparty acting.
type ExpirySweeper struct {
	offers store.TradeOfferStore
}

// NewExpirySweeper creates the incoming-offer expiry sweeper.
func NewExpirySweeper(offers store.TradeOfferStore) *ExpirySweeper {
	return &ExpirySweeper{offers: offers}
}

// Sweep deletes expired incoming offers.
func (e *ExpirySweeper) Sweep(ctx context.Context) error {
	n, err := e.offers.DeleteExpiredIncoming(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("failed to delete expired incoming offers: %w", err)
	}
	if n > 0 {
		log.Printf("[Reconcile] Deleted %d expired incoming offers", n)
	}
	return nil
}
