package alloc

import (
	"context"
	"fmt"
	"log"

	"skne-engine/internal/model"
	"skne-engine/internal/store"
)

// Allocator hands out exclusive claims on ledger items. Every claim is an
// atomic AVAILABLE -> IN_USE flip in the store, so two concurrent callers
// can never hold the same item.
type Allocator struct {
	items store.BotItemStore
}

// New creates an allocator over the given ledger.
func New(items store.BotItemStore) *Allocator {
	return &Allocator{items: items}
}

// Result reports the outcome of a multi-item reservation.
type Result struct {
	Reserved []model.BotItem

	// Taken holds the asset ids that were not AVAILABLE at claim time.
	Taken []int64
}

// NameResult reports the outcome of a by-name reservation.
type NameResult struct {
	Reserved []model.BotItem

	// Unavailable lists requested names with no claimable copy left, in
	// request order.
	Unavailable []string
}

// Reserve claims the given asset ids on a bot for an owner. Items already
// claimed by someone else are reported in Taken; the caller decides whether
// a partial claim is acceptable and must Release what it got if not.
func (a *Allocator) Reserve(ctx context.Context, assetIDs []int64, owner string) (*Result, error) {
	res := &Result{}
	for _, assetID := range assetIDs {
		item, err := a.items.ReserveAsset(ctx, assetID, owner)
		if err != nil {
			a.rollback(ctx, res.Reserved)
			return nil, fmt.Errorf("failed to reserve asset %d: %w", assetID, err)
		}
		if item == nil {
			res.Taken = append(res.Taken, assetID)
			continue
		}
		res.Reserved = append(res.Reserved, *item)
	}
	return res, nil
}

// ReserveByNames claims one AVAILABLE copy per requested name, allowing
// repeated names, preferring copies on the given bot when set. It is all or
// nothing: any shortfall or lost race releases every claim made so far and
// reports the names that could not be served.
func (a *Allocator) ReserveByNames(ctx context.Context, names []string, bot, owner string) (*NameResult, error) {
	res, err := a.reserveByNames(ctx, names, bot, owner)
	if err != nil {
		return nil, err
	}
	if len(res.Unavailable) > 0 {
		a.rollback(ctx, res.Reserved)
		res.Reserved = nil
	}
	return res, nil
}

// ReserveAvailable claims what it can: one AVAILABLE copy per requested
// name, keeping every claim that succeeded and reporting the names that
// could not be served. The caller fulfils the matched part and surfaces the
// shortfall.
func (a *Allocator) ReserveAvailable(ctx context.Context, names []string, bot, owner string) (*NameResult, error) {
	return a.reserveByNames(ctx, names, bot, owner)
}

func (a *Allocator) reserveByNames(ctx context.Context, names []string, bot, owner string) (*NameResult, error) {
	available, err := a.items.AvailableByNames(ctx, names, bot)
	if err != nil {
		return nil, fmt.Errorf("failed to list available items: %w", err)
	}

	res := &NameResult{}
	for _, name := range names {
		candidates := available[name]
		claimed := false
		for len(candidates) > 0 {
			candidate := candidates[0]
			candidates = candidates[1:]
			available[name] = candidates

			item, err := a.items.ReserveID(ctx, candidate.ID, owner)
			if err != nil {
				a.rollback(ctx, res.Reserved)
				return nil, fmt.Errorf("failed to reserve item %s: %w", candidate.ID, err)
			}
			if item == nil {
				// Lost the race for this copy, try the next one.
				continue
			}
			res.Reserved = append(res.Reserved, *item)
			claimed = true
			break
		}
		if !claimed {
			res.Unavailable = append(res.Unavailable, name)
		}
	}
	return res, nil
}

// Release returns claimed items to AVAILABLE and clears their owner.
func (a *Allocator) Release(ctx context.Context, items []model.BotItem) error {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return a.ReleaseIDs(ctx, ids)
}

// ReleaseIDs returns the identified items to AVAILABLE.
func (a *Allocator) ReleaseIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := a.items.ReleaseIDs(ctx, ids); err != nil {
		return fmt.Errorf("failed to release items: %w", err)
	}
	return nil
}

// ReleaseAssets returns the identified assets to AVAILABLE.
func (a *Allocator) ReleaseAssets(ctx context.Context, assetIDs []int64) error {
	if len(assetIDs) == 0 {
		return nil
	}
	if err := a.items.ReleaseAssets(ctx, assetIDs); err != nil {
		return fmt.Errorf("failed to release assets: %w", err)
	}
	return nil
}

func (a *Allocator) rollback(ctx context.Context, reserved []model.BotItem) {
	if len(reserved) == 0 {
		return
	}
	if err := a.Release(ctx, reserved); err != nil {
		log.Printf("[Allocator] Failed to roll back %d reservations: %v", len(reserved), err)
	}
}
