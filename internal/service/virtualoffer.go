package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"skne-engine/internal/alloc"
	"skne-engine/internal/broker"
	"skne-engine/internal/config"
	"skne-engine/internal/market"
	"skne-engine/internal/model"
	"skne-engine/internal/store"
	"skne-engine/pkg/apierror"
)

// VirtualOfferService fulfils withdrawals from an external marketplace.
// Each offer walks QUEUED -> ESCROW -> PENDING -> WAITING_CONFIRMATION ->
// SENT -> ACCEPTED, re-enterable at any step via previousState after an
// error.
type VirtualOfferService struct {
	virtuals  store.VirtualOfferStore
	bots      store.BotStore
	allocator *alloc.Allocator
	broker    Publisher
	notifier  Notifier
	market    market.Marketplace
	offers    *TradeOfferService
	trade     config.TradeConfig
	provider  string
}

// NewVirtualOfferService creates the virtual offer service.
func NewVirtualOfferService(
	virtuals store.VirtualOfferStore,
	bots store.BotStore,
	allocator *alloc.Allocator,
	b Publisher,
	notifier Notifier,
	m market.Marketplace,
	offers *TradeOfferService,
	trade config.TradeConfig,
	provider string,
) *VirtualOfferService {
	return &VirtualOfferService{
		virtuals:  virtuals,
		bots:      bots,
		allocator: allocator,
		broker:    b,
		notifier:  notifier,
		market:    m,
		offers:    offers,
		trade:     trade,
		provider:  provider,
	}
}

// VirtualRequest asks the engine to fulfil a withdrawal via the
// marketplace.
type VirtualRequest struct {
	SteamID   string   `json:"steamId"`
	TradeURL  string   `json:"tradeUrl"`
	NotifyURL string   `json:"notifyUrl"`
	ItemNames []string `json:"itemNames"`
	Subtotals []int64  `json:"subtotals"`
}

// Create splits the request into offers of at most MaxUniquePerOffer
// names, groups them and queues each for purchase. Chunking keeps a single
// vendor hiccup from failing the whole request.
func (s *VirtualOfferService) Create(ctx context.Context, req *VirtualRequest) (*model.VirtualOfferGroup, []model.VirtualOffer, error) {
	if len(req.ItemNames) == 0 {
		return nil, nil, apierror.BadRequest("No items selected")
	}
	if len(req.Subtotals) != len(req.ItemNames) {
		return nil, nil, apierror.BadRequest("Item names and subtotals must align")
	}

	group := &model.VirtualOfferGroup{
		SteamID:   req.SteamID,
		ItemNames: req.ItemNames,
		CreatedAt: time.Now(),
	}
	groupID, err := s.virtuals.InsertGroup(ctx, group)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to insert offer group: %w", err)
	}
	group.ID = groupID

	chunkSize := s.trade.MaxUniquePerOffer
	var created []model.VirtualOffer
	var ids []string
	for start := 0; start < len(req.ItemNames); start += chunkSize {
		end := start + chunkSize
		if end > len(req.ItemNames) {
			end = len(req.ItemNames)
		}

		var subtotal int64
		for _, tokens := range req.Subtotals[start:end] {
			subtotal += tokens
		}

		offer := &model.VirtualOffer{
			State:     model.TradeStateQueued,
			Provider:  s.provider,
			SteamID:   req.SteamID,
			TradeURL:  req.TradeURL,
			NotifyURL: req.NotifyURL,
			ItemNames: append([]string{}, req.ItemNames[start:end]...),
			Subtotal:  subtotal,
			GroupID:   groupID,
			CreatedAt: time.Now(),
		}
		id, err := s.virtuals.Insert(ctx, offer)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to insert virtual offer: %w", err)
		}
		offer.ID = id
		ids = append(ids, id)
		created = append(created, *offer)

		if err := s.enqueue(ctx, offer); err != nil {
			return nil, nil, err
		}
	}

	if err := s.virtuals.SetGroupOfferIDs(ctx, groupID, ids); err != nil {
		return nil, nil, err
	}
	group.VirtualOfferIDs = ids

	log.Printf("[VirtualOffer] Group %s created with %d offers for %s", groupID, len(ids), req.SteamID)
	return group, created, nil
}

func (s *VirtualOfferService) enqueue(ctx context.Context, offer *model.VirtualOffer) error {
	body, err := json.Marshal(DispatchMessage{ID: offer.ID})
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch message: %w", err)
	}
	return s.broker.Publish(ctx, broker.ExchangeVirtual, offer.Provider, body)
}

// Process advances one offer from the work queue. QUEUED offers get
// purchased, ESCROW offers get withdrawn to our inventory; everything else
// is a stale delivery and is dropped.
func (s *VirtualOfferService) Process(ctx context.Context, id string) error {
	offer, err := s.virtuals.Get(ctx, id)
	if err != nil {
		return err
	}
	if offer == nil {
		return fmt.Errorf("virtual offer %s not found", id)
	}

	switch offer.State {
	case model.TradeStateQueued:
		return s.handleQueued(ctx, offer)
	case model.TradeStateEscrow:
		return s.handleEscrow(ctx, offer)
	default:
		log.Printf("[VirtualOffer] Dropping stale delivery for %s in %s", offer.ID, offer.State)
		return nil
	}
}

// handleQueued buys the offer's items on the marketplace and parks the
// offer in ESCROW until the vendor can ship them.
func (s *VirtualOfferService) handleQueued(ctx context.Context, offer *model.VirtualOffer) error {
	result, err := s.market.Purchase(ctx, offer.ItemNames, offer.Subtotal)
	if err != nil {
		return s.fail(ctx, offer, fmt.Errorf("purchase failed: %w", err))
	}

	itemIDs := make([]int64, 0, len(result.Items))
	for _, item := range result.Items {
		itemIDs = append(itemIDs, item.ID)
	}

	now := time.Now()
	updated, terr := s.virtuals.Transition(ctx, offer.ID, store.StateGuard{Eq: model.TradeStateQueued}, model.TradeStateEscrow, store.VirtualOfferPatch{
		PurchaseResponse: result,
		ItemIDs:          itemIDs,
		EscrowAt:         &now,
	})
	if terr != nil {
		return terr
	}
	if updated == nil {
		log.Printf("[VirtualOffer] %s left %s during purchase, keeping receipt only", offer.ID, model.TradeStateQueued)
		_, perr := s.virtuals.Patch(ctx, offer.ID, store.VirtualOfferPatch{PurchaseResponse: result, ItemIDs: itemIDs})
		return perr
	}

	log.Printf("[VirtualOffer] %s purchased %d items for %d tokens", offer.ID, len(result.Items), result.Total)
	s.publishChange(ctx, updated)
	return s.enqueue(ctx, updated)
}

// handleEscrow asks the vendor to ship the purchase into one of our
// agents, then parks the offer in PENDING until the items land there.
func (s *VirtualOfferService) handleEscrow(ctx context.Context, offer *model.VirtualOffer) error {
	bot, err := s.pickMarketBot(ctx)
	if err != nil {
		return err
	}
	if bot == nil {
		return s.fail(ctx, offer, fmt.Errorf("no agent available to receive marketplace delivery"))
	}

	assetIDs, err := s.market.Withdraw(ctx, offer.ItemIDs, bot.TradeLink)
	if err != nil {
		return s.fail(ctx, offer, fmt.Errorf("marketplace withdraw failed: %w", err))
	}

	updated, terr := s.virtuals.Transition(ctx, offer.ID, store.StateGuard{Eq: model.TradeStateEscrow}, model.TradeStatePending, store.VirtualOfferPatch{
		MarketBot: &bot.SteamID64,
		AssetIDs:  assetIDs,
	})
	if terr != nil {
		return terr
	}
	if updated == nil {
		return nil
	}

	log.Printf("[VirtualOffer] %s shipping to agent %s", offer.ID, bot.SteamID64)
	s.publishChange(ctx, updated)
	return nil
}

// fail records the error, remembers where the offer was and flags
// transient failures for automatic retry.
func (s *VirtualOfferService) fail(ctx context.Context, offer *model.VirtualOffer, cause error) error {
	log.Printf("[VirtualOffer] %s failed in %s: %v", offer.ID, offer.State, cause)

	now := time.Now()
	hasError := true
	retry := market.IsTransient(cause)
	msg := cause.Error()
	updated, err := s.virtuals.Transition(ctx, offer.ID, store.StateGuard{Eq: offer.State}, model.TradeStateError, store.VirtualOfferPatch{
		HasError:          &hasError,
		Retry:             &retry,
		ErrorMessage:      &msg,
		ErrorAt:           &now,
		KeepPreviousState: true,
	})
	if err != nil {
		return err
	}
	if updated != nil {
		s.publishChange(ctx, updated)
	}
	return nil
}

// Retry re-enters a failed offer at the step whose work is still undone,
// not blindly at the step it left: a purchase that already went through
// must never run twice. Items locked for a failed delivery are released
// first so the pending sweep can relock a fresh set.
func (s *VirtualOfferService) Retry(ctx context.Context, id string) (*model.VirtualOffer, error) {
	offer, err := s.virtuals.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if offer == nil {
		return nil, apierror.NotFound("Offer not found")
	}
	if offer.State != model.TradeStateError && offer.State != model.TradeStateDeclined {
		return nil, apierror.Conflict("Offer is not in a retryable state")
	}

	if len(offer.LockedBotItemIDs) > 0 {
		if err := s.allocator.ReleaseIDs(ctx, offer.LockedBotItemIDs); err != nil {
			return nil, err
		}
	}

	target := retryTarget(offer)

	patch := store.VirtualOfferPatch{
		ClearError:         true,
		IncManuallyRetried: true,
		LockedBotItemIDs:   []string{},
	}
	if offer.TradeOfferID != "" {
		empty := ""
		patch.TradeOfferID = &empty
		patch.AppendPreviousOffer = &offer.TradeOfferID
	}

	updated, err := s.virtuals.Transition(ctx, id, store.StateGuard{Eq: offer.State}, target, patch)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, apierror.Conflict("Offer changed state, retry not applied")
	}

	log.Printf("[VirtualOffer] %s retried into %s (attempt %d)", id, target, updated.ManuallyRetried)
	if target == model.TradeStateQueued || target == model.TradeStateEscrow {
		if err := s.enqueue(ctx, updated); err != nil {
			return nil, err
		}
	}
	s.publishChange(ctx, updated)
	return updated, nil
}

// retryTarget picks the re-entry state for a failed offer.
func retryTarget(offer *model.VirtualOffer) string {
	if offer.State == model.TradeStateDeclined {
		// A declined relay keeps its purchase; re-run delivery matching.
		return model.TradeStatePending
	}
	switch {
	case offer.PreviousState == model.TradeStateConfirm:
		// The relay never came together; ship the purchase again.
		return model.TradeStateEscrow
	case offer.PreviousState == model.TradeStateEscrow && offer.HasPurchaseResponse:
		// Delivery already left the vendor; only matching remains.
		return model.TradeStatePending
	case offer.PreviousState == "":
		return model.TradeStateQueued
	}
	return offer.PreviousState
}

// Requeue republishes a queue-driven offer that was lost between queue
// and worker.
func (s *VirtualOfferService) Requeue(ctx context.Context, offer *model.VirtualOffer) error {
	switch offer.State {
	case model.TradeStateQueued, model.TradeStateEscrow:
		return s.enqueue(ctx, offer)
	default:
		return fmt.Errorf("offer %s in %s is not queue-driven", offer.ID, offer.State)
	}
}

// Get loads one virtual offer.
func (s *VirtualOfferService) Get(ctx context.Context, id string) (*model.VirtualOffer, error) {
	offer, err := s.virtuals.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if offer == nil {
		return nil, apierror.NotFound("Offer not found")
	}
	return offer, nil
}

// Group loads a group and its member offers.
func (s *VirtualOfferService) Group(ctx context.Context, id string) (*model.VirtualOfferGroup, []model.VirtualOffer, error) {
	groups, err := s.virtuals.GetGroups(ctx, []string{id})
	if err != nil {
		return nil, nil, err
	}
	if len(groups) == 0 {
		return nil, nil, apierror.NotFound("Group not found")
	}
	group := groups[0]

	offers := make([]model.VirtualOffer, 0, len(group.VirtualOfferIDs))
	for _, offerID := range group.VirtualOfferIDs {
		offer, err := s.virtuals.Get(ctx, offerID)
		if err != nil {
			return nil, nil, err
		}
		if offer != nil {
			offers = append(offers, *offer)
		}
	}
	return &group, offers, nil
}

func (s *VirtualOfferService) pickMarketBot(ctx context.Context) (*model.Bot, error) {
	bots, err := s.bots.All(ctx)
	if err != nil {
		return nil, err
	}
	for i := range bots {
		if bots[i].InGroup(s.provider) && bots[i].TradeLink != "" {
			return &bots[i], nil
		}
	}
	return nil, nil
}

func (s *VirtualOfferService) publishChange(ctx context.Context, offer *model.VirtualOffer) {
	s.notifier.Publish(ctx, NotifyVirtualChanged, offer, offer.NotifyURL)
}
