package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"skne-engine/internal/alloc"
	"skne-engine/internal/broker"
	"skne-engine/internal/cache"
	"skne-engine/internal/config"
	"skne-engine/internal/model"
	"skne-engine/internal/store"
	"skne-engine/internal/verify"
	"skne-engine/pkg/apierror"
	"skne-engine/pkg/uid"
)

// Notify method names published on every committed offer change.
const (
	NotifyTradeChanged   = "trade.stateChanged"
	NotifyVirtualChanged = "virtual.stateChanged"
)

// DispatchMessage is the queue payload handed to agents; they load the
// offer themselves so the queue never carries stale state.
type DispatchMessage struct {
	ID string `json:"id"`
}

// ControlMessage asks an agent to act on an already-sent offer.
type ControlMessage struct {
	ID     string `json:"id"`
	Action string `json:"action"`
}

// Control actions.
const (
	ControlCancel  = "cancel"
	ControlConfirm = "confirm"
)

// AgentReport is an agent's account of an offer's protocol progress.
type AgentReport struct {
	State         string
	OfferID       int64
	TradeOfferURL string
	Error         string
	ErrorResult   int
}

// TradeOfferService owns the TradeOffer state machine: creation, dispatch,
// verification and the side effects of every agent-reported transition.
type TradeOfferService struct {
	offers    store.TradeOfferStore
	items     store.BotItemStore
	bots      store.BotStore
	catalog   store.ItemStore
	virtuals  store.VirtualOfferStore
	allocator *alloc.Allocator
	cache     SessionReader
	broker    Publisher
	notifier  Notifier
	policy    verify.Policy
	trade     config.TradeConfig
}

// NewTradeOfferService creates the trade offer service.
func NewTradeOfferService(
	offers store.TradeOfferStore,
	items store.BotItemStore,
	bots store.BotStore,
	catalog store.ItemStore,
	virtuals store.VirtualOfferStore,
	allocator *alloc.Allocator,
	c SessionReader,
	b Publisher,
	notifier Notifier,
	policy verify.Policy,
	trade config.TradeConfig,
) *TradeOfferService {
	return &TradeOfferService{
		offers:    offers,
		items:     items,
		bots:      bots,
		catalog:   catalog,
		virtuals:  virtuals,
		allocator: allocator,
		cache:     c,
		broker:    b,
		notifier:  notifier,
		policy:    policy,
		trade:     trade,
	}
}

// DepositRequest asks the engine to accept items from a user.
type DepositRequest struct {
	SteamID64 string  `json:"steamId64"`
	TradeLink string  `json:"tradeLink"`
	NotifyURL string  `json:"notifyUrl"`
	AssetIDs  []int64 `json:"assetIds"`
	Group     string  `json:"group"`
}

// CreateDeposit validates a deposit against the user's inventory session
// and queues it for an agent. Every asset must appear in the session
// snapshot; anything else is rejected outright.
func (s *TradeOfferService) CreateDeposit(ctx context.Context, req *DepositRequest) (*model.TradeOffer, error) {
	if len(req.AssetIDs) == 0 {
		return nil, apierror.BadRequest("No items selected")
	}
	if len(req.AssetIDs) > s.trade.MaxDepositItems {
		return nil, apierror.BadRequest(fmt.Sprintf("Max deposit size is %d items", s.trade.MaxDepositItems))
	}

	session, err := s.cache.GetSession(ctx, req.SteamID64)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, apierror.BadRequest("Session expired, refresh inventory first")
	}

	byAsset := make(map[int64]model.OfferAsset, len(session.Items))
	for _, asset := range session.Items {
		byAsset[asset.AssetID] = asset
	}

	var subtotal int64
	var names []string
	for _, assetID := range req.AssetIDs {
		asset, ok := byAsset[assetID]
		if !ok {
			return nil, apierror.BadRequest("Invalid items")
		}
		if s.isBlocked(asset.Name) {
			return nil, apierror.BadRequest(fmt.Sprintf("Item %s cannot be deposited", asset.Name))
		}
		subtotal += asset.Tokens
		names = append(names, asset.Name)
	}
	if subtotal < s.trade.MinimumDepositTokens {
		return nil, apierror.BadRequest("Deposit value is below the minimum")
	}

	offer := &model.TradeOffer{
		Type:          model.TradeTypeDeposit,
		State:         model.TradeStateQueued,
		SteamID64:     req.SteamID64,
		TradeLink:     req.TradeLink,
		NotifyURL:     req.NotifyURL,
		AssetIDs:      req.AssetIDs,
		ItemNames:     names,
		Subtotal:      subtotal,
		SecurityToken: uid.SecurityToken(6),
		DepositGroup:  req.Group,
		CreatedAt:     time.Now(),
	}

	id, err := s.offers.Insert(ctx, offer)
	if err != nil {
		return nil, fmt.Errorf("failed to insert deposit offer: %w", err)
	}
	offer.ID = id

	if err := s.dispatch(ctx, offer); err != nil {
		return nil, err
	}

	log.Printf("[TradeOffer] Deposit %s queued for %s (%d items)", offer.ID, offer.SteamID64, len(offer.AssetIDs))
	s.publishChange(ctx, offer)
	return offer, nil
}

// WithdrawRequest asks the engine to send items to a user.
type WithdrawRequest struct {
	SteamID64 string   `json:"steamId64"`
	TradeLink string   `json:"tradeLink"`
	NotifyURL string   `json:"notifyUrl"`
	ItemNames []string `json:"itemNames"`
}

// WithdrawResult reports a withdrawal's fan-out: the offers created for
// the names that matched, and the names that could not be served.
type WithdrawResult struct {
	Offers           []model.TradeOffer `json:"tradeOffers"`
	UnavailableNames []string           `json:"unavailableItemNames,omitempty"`
}

// CreateWithdraw reserves one copy of every requested name and creates one
// offer per holding agent. Fulfilment is partial: names with no claimable
// copy are reported alongside the offers created for the rest, and only a
// request with nothing claimable at all fails.
func (s *TradeOfferService) CreateWithdraw(ctx context.Context, req *WithdrawRequest) (*WithdrawResult, error) {
	if len(req.ItemNames) == 0 {
		return nil, apierror.BadRequest("No items selected")
	}
	if len(req.ItemNames) > s.trade.MaxItemsPerOffer {
		return nil, apierror.BadRequest(fmt.Sprintf("Max withdrawal size is %d items", s.trade.MaxItemsPerOffer))
	}
	if s.cache.Flag(ctx, cache.FlagWithdrawalsDisabled) {
		return nil, apierror.ServiceUnavailable("Withdrawals are temporarily disabled")
	}

	owner := uid.New()
	res, err := s.allocator.ReserveAvailable(ctx, req.ItemNames, "", owner)
	if err != nil {
		return nil, err
	}
	if len(res.Reserved) == 0 {
		return nil, apierror.Unavailable("Unavailable: " + strings.Join(res.Unavailable, ", "))
	}

	byBot := make(map[string][]model.BotItem)
	for _, item := range res.Reserved {
		byBot[item.Bot] = append(byBot[item.Bot], item)
	}

	result := &WithdrawResult{
		Offers:           make([]model.TradeOffer, 0, len(byBot)),
		UnavailableNames: res.Unavailable,
	}
	for bot, items := range byBot {
		offer, err := s.createBotWithdraw(ctx, req, bot, items, nil)
		if err != nil {
			// Already-created sibling offers stand; only this bot's claims
			// are returned.
			s.releaseItems(ctx, items)
			return result, err
		}
		result.Offers = append(result.Offers, *offer)
	}
	return result, nil
}

// CreateLinkedWithdraw creates a single-bot withdrawal for items already
// reserved by a VirtualOffer, carrying the link in meta.
func (s *TradeOfferService) CreateLinkedWithdraw(ctx context.Context, req *WithdrawRequest, bot string, items []model.BotItem, virtualOfferID string) (*model.TradeOffer, error) {
	meta := map[string]any{"pendingOfferId": virtualOfferID}
	return s.createBotWithdraw(ctx, req, bot, items, meta)
}

func (s *TradeOfferService) createBotWithdraw(ctx context.Context, req *WithdrawRequest, bot string, items []model.BotItem, meta map[string]any) (*model.TradeOffer, error) {
	var subtotal int64
	assetIDs := make([]int64, 0, len(items))
	itemIDs := make([]string, 0, len(items))
	names := make([]string, 0, len(items))
	for _, item := range items {
		subtotal += item.Tokens
		assetIDs = append(assetIDs, item.AssetID)
		itemIDs = append(itemIDs, item.ID)
		names = append(names, item.Name)
	}

	offer := &model.TradeOffer{
		Type:          model.TradeTypeWithdraw,
		State:         model.TradeStateQueued,
		Bot:           bot,
		SteamID64:     req.SteamID64,
		TradeLink:     req.TradeLink,
		NotifyURL:     req.NotifyURL,
		AssetIDs:      assetIDs,
		ItemNames:     names,
		BotItemIDs:    itemIDs,
		Subtotal:      subtotal,
		SecurityToken: uid.NumericToken(8),
		Meta:          meta,
		CreatedAt:     time.Now(),
	}
	if s.policy.Required(offer) {
		offer.VerificationState = model.TradeVerificationPending
	}

	id, err := s.offers.Insert(ctx, offer)
	if err != nil {
		return nil, fmt.Errorf("failed to insert withdraw offer: %w", err)
	}
	offer.ID = id

	if offer.VerificationState == model.TradeVerificationPending {
		log.Printf("[TradeOffer] Withdraw %s held for verification (%d tokens)", offer.ID, offer.Subtotal)
	} else if err := s.dispatch(ctx, offer); err != nil {
		return nil, err
	}

	s.publishChange(ctx, offer)
	return offer, nil
}

// dispatch publishes the offer to its agent queue.
func (s *TradeOfferService) dispatch(ctx context.Context, offer *model.TradeOffer) error {
	body, err := json.Marshal(DispatchMessage{ID: offer.ID})
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch message: %w", err)
	}

	switch offer.Type {
	case model.TradeTypeDeposit:
		queue := broker.QueueDeposit
		if offer.DepositGroup != "" {
			queue = broker.QueueDeposit + "." + offer.DepositGroup
		}
		return s.broker.SendToQueue(ctx, queue, body)
	case model.TradeTypeWithdraw, model.TradeTypeStorage, model.TradeTypeIncoming:
		return s.broker.Publish(ctx, broker.ExchangeWithdraw, offer.Bot, body)
	default:
		return fmt.Errorf("cannot dispatch offer type %s", offer.Type)
	}
}

// Requeue republishes a QUEUED offer that was lost between queue and
// agent, e.g. after a broker wipe.
func (s *TradeOfferService) Requeue(ctx context.Context, offer *model.TradeOffer) error {
	if offer.State != model.TradeStateQueued {
		return fmt.Errorf("offer %s is %s, not %s", offer.ID, offer.State, model.TradeStateQueued)
	}
	if offer.VerificationState == model.TradeVerificationPending {
		return nil
	}
	log.Printf("[TradeOffer] Requeueing %s offer %s", offer.Type, offer.ID)
	return s.dispatch(ctx, offer)
}

// Cancel asks the sending agent to withdraw an in-flight offer.
func (s *TradeOfferService) Cancel(ctx context.Context, id string) error {
	offer, err := s.offers.Get(ctx, id)
	if err != nil {
		return err
	}
	if offer == nil {
		return apierror.NotFound("Offer not found")
	}
	if offer.IsTerminal() {
		return apierror.Conflict("Offer already resolved")
	}
	return s.control(ctx, offer, ControlCancel)
}

// RequestConfirmation asks the agent to confirm a sent offer on its
// second factor.
func (s *TradeOfferService) RequestConfirmation(ctx context.Context, id string) error {
	offer, err := s.offers.Get(ctx, id)
	if err != nil {
		return err
	}
	if offer == nil {
		return apierror.NotFound("Offer not found")
	}
	return s.control(ctx, offer, ControlConfirm)
}

func (s *TradeOfferService) control(ctx context.Context, offer *model.TradeOffer, action string) error {
	if offer.Bot == "" {
		return apierror.Conflict("Offer has no assigned agent")
	}
	body, err := json.Marshal(ControlMessage{ID: offer.ID, Action: action})
	if err != nil {
		return fmt.Errorf("failed to marshal control message: %w", err)
	}
	return s.broker.Publish(ctx, broker.ExchangeControl, offer.Bot, body)
}

// ResolveVerification approves or denies a held withdrawal. Approval
// dispatches it; denial declines it and releases its items.
func (s *TradeOfferService) ResolveVerification(ctx context.Context, id string, approve bool) (*model.TradeOffer, error) {
	offer, err := s.offers.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if offer == nil {
		return nil, apierror.NotFound("Offer not found")
	}
	if offer.VerificationState != model.TradeVerificationPending {
		return nil, apierror.Conflict("Offer is not awaiting verification")
	}

	if approve {
		offer, err = s.offers.SetVerificationState(ctx, id, model.TradeVerificationApproved)
		if err != nil {
			return nil, err
		}
		if err := s.dispatch(ctx, offer); err != nil {
			return nil, err
		}
		log.Printf("[TradeOffer] Withdraw %s approved and dispatched", id)
		return offer, nil
	}

	if _, err := s.offers.SetVerificationState(ctx, id, model.TradeVerificationDenied); err != nil {
		return nil, err
	}
	state := model.TradeVerificationDenied
	declined, err := s.offers.Transition(ctx, id, store.StateGuard{Eq: model.TradeStateQueued}, model.TradeStateDeclined, store.TradeOfferPatch{VerificationState: &state})
	if err != nil {
		return nil, err
	}
	if declined != nil {
		offer = declined
		if err := s.allocator.ReleaseIDs(ctx, offer.BotItemIDs); err != nil {
			log.Printf("[TradeOffer] Failed to release items of denied offer %s: %v", id, err)
		}
	}
	log.Printf("[TradeOffer] Withdraw %s denied", id)
	s.publishChange(ctx, offer)
	return offer, nil
}

// ApplyAgentReport moves an offer to the agent-reported state, runs the
// side effects of the committed transition and returns the updated offer.
// Replayed or out-of-order reports miss the guard and return (nil, nil).
func (s *TradeOfferService) ApplyAgentReport(ctx context.Context, id string, report *AgentReport) (*model.TradeOffer, error) {
	before, err := s.offers.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if before == nil {
		return nil, apierror.NotFound("Offer not found")
	}
	if !model.TradeOfferCanTransition(before.State, report.State) {
		return nil, nil
	}

	patch := store.TradeOfferPatch{}
	if report.OfferID != 0 {
		patch.OfferID = &report.OfferID
	}
	if report.TradeOfferURL != "" {
		patch.TradeOfferURL = &report.TradeOfferURL
	}
	if report.Error != "" {
		hasError := true
		patch.HasError = &hasError
		patch.Error = &report.Error
		patch.ErrorResult = &report.ErrorResult
	}
	switch report.State {
	case model.TradeStateAccepted:
		now := time.Now()
		patch.AcceptedAt = &now
		if before.Type == model.TradeTypeDeposit || before.Type == model.TradeTypeIncoming {
			pending := model.TradeItemStatePending
			patch.ItemState = &pending
		}
	}

	offer, err := s.offers.Transition(ctx, id, store.StateGuard{Eq: before.State}, report.State, patch)
	if err != nil {
		return nil, err
	}
	if offer == nil {
		// Lost the race against another report; the winner ran the side
		// effects.
		return nil, nil
	}

	s.applySideEffects(ctx, offer)
	s.publishChange(ctx, offer)
	return offer, nil
}

// applySideEffects settles the ledger and linked records after a committed
// transition. Effects key off the committed after-state, so a replayed
// report can never run them twice.
func (s *TradeOfferService) applySideEffects(ctx context.Context, offer *model.TradeOffer) {
	outbound := offer.Type == model.TradeTypeWithdraw || offer.Type == model.TradeTypeStorage

	switch offer.State {
	case model.TradeStateDeclined, model.TradeStateError:
		if outbound {
			if err := s.allocator.ReleaseIDs(ctx, offer.BotItemIDs); err != nil {
				log.Printf("[TradeOffer] Failed to release items of %s offer %s: %v", offer.State, offer.ID, err)
			}
		}
	case model.TradeStateAccepted:
		if offer.Type == model.TradeTypeWithdraw {
			if err := s.items.DeleteByAssetIDs(ctx, offer.AssetIDs); err != nil {
				log.Printf("[TradeOffer] Failed to drop shipped assets of %s: %v", offer.ID, err)
			}
		}
	}

	if id := offer.PendingOfferID(); id != "" {
		s.propagateToVirtual(ctx, id, offer)
	}
}

// propagateToVirtual mirrors a linked withdrawal's progress onto its
// parent VirtualOffer.
func (s *TradeOfferService) propagateToVirtual(ctx context.Context, virtualID string, offer *model.TradeOffer) {
	var (
		to    string
		patch store.VirtualOfferPatch
	)
	now := time.Now()

	switch offer.State {
	case model.TradeStateSent:
		to = model.TradeStateSent
		patch.SentAt = &now
		if offer.TradeOfferURL != "" {
			patch.TradeOfferURL = &offer.TradeOfferURL
		}
	case model.TradeStateAccepted:
		to = model.TradeStateAccepted
		patch.AcceptedAt = &now
	case model.TradeStateDeclined, model.TradeStateError:
		to = model.TradeStateDeclined
		hasTradeOfferError := true
		retry := true
		patch.HasTradeOfferError = &hasTradeOfferError
		patch.Retry = &retry
		patch.KeepPreviousState = true
		if offer.Error != "" {
			patch.ErrorMessage = &offer.Error
		}
	default:
		return
	}

	updated, err := s.virtuals.Transition(ctx, virtualID, store.StateGuard{Ne: to}, to, patch)
	if err != nil {
		log.Printf("[TradeOffer] Failed to propagate %s to virtual offer %s: %v", offer.State, virtualID, err)
		return
	}
	if updated != nil {
		s.notifier.Publish(ctx, NotifyVirtualChanged, updated, updated.NotifyURL)
	}
}

// Refund sends a user's accepted deposit back. It reserves the exact
// deposited assets and creates a withdrawal to the original trade link.
func (s *TradeOfferService) Refund(ctx context.Context, depositID string) (*model.TradeOffer, error) {
	deposit, err := s.offers.Get(ctx, depositID)
	if err != nil {
		return nil, err
	}
	if deposit == nil {
		return nil, apierror.NotFound("Offer not found")
	}
	if deposit.Type != model.TradeTypeDeposit || deposit.State != model.TradeStateAccepted {
		return nil, apierror.Conflict("Only accepted deposits can be refunded")
	}

	res, err := s.allocator.Reserve(ctx, deposit.AssetIDs, "refund:"+depositID)
	if err != nil {
		return nil, err
	}
	if len(res.Taken) > 0 {
		s.releaseItems(ctx, res.Reserved)
		return nil, apierror.Unavailable("Some deposited items are no longer available")
	}

	byBot := make(map[string][]model.BotItem)
	for _, item := range res.Reserved {
		byBot[item.Bot] = append(byBot[item.Bot], item)
	}
	if len(byBot) != 1 {
		s.releaseItems(ctx, res.Reserved)
		return nil, apierror.Conflict("Deposited items are spread across agents")
	}

	req := &WithdrawRequest{
		SteamID64: deposit.SteamID64,
		TradeLink: deposit.TradeLink,
		NotifyURL: deposit.NotifyURL,
	}
	for bot, items := range byBot {
		return s.createBotWithdraw(ctx, req, bot, items, map[string]any{"refundOf": depositID})
	}
	return nil, nil
}

// MoveToStorage drains spare items from a crowded agent into a storage
// agent with remaining capacity.
func (s *TradeOfferService) MoveToStorage(ctx context.Context, fromBot string) (*model.TradeOffer, error) {
	target, err := s.pickStorageBot(ctx)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, apierror.ServiceUnavailable("No storage capacity available")
	}

	available, err := s.items.ListByBot(ctx, fromBot)
	if err != nil {
		return nil, err
	}

	owner := "storage:" + uid.New()
	var reserved []model.BotItem
	for _, item := range available {
		if len(reserved) >= s.trade.MaxItemsPerOffer {
			break
		}
		if item.State != model.BotItemStateAvailable {
			continue
		}
		claimed, err := s.items.ReserveID(ctx, item.ID, owner)
		if err != nil {
			s.releaseItems(ctx, reserved)
			return nil, err
		}
		if claimed != nil {
			reserved = append(reserved, *claimed)
		}
	}
	if len(reserved) == 0 {
		return nil, apierror.Conflict("No movable items on agent")
	}

	var subtotal int64
	assetIDs := make([]int64, 0, len(reserved))
	itemIDs := make([]string, 0, len(reserved))
	names := make([]string, 0, len(reserved))
	for _, item := range reserved {
		subtotal += item.Tokens
		assetIDs = append(assetIDs, item.AssetID)
		itemIDs = append(itemIDs, item.ID)
		names = append(names, item.Name)
	}

	offer := &model.TradeOffer{
		Type:       model.TradeTypeStorage,
		State:      model.TradeStateQueued,
		Bot:        fromBot,
		SteamID64:  target.SteamID64,
		TradeLink:  target.TradeLink,
		AssetIDs:   assetIDs,
		ItemNames:  names,
		BotItemIDs: itemIDs,
		Subtotal:   subtotal,
		CreatedAt:  time.Now(),
	}

	id, err := s.offers.Insert(ctx, offer)
	if err != nil {
		s.releaseItems(ctx, reserved)
		return nil, fmt.Errorf("failed to insert storage offer: %w", err)
	}
	offer.ID = id

	if err := s.dispatch(ctx, offer); err != nil {
		return nil, err
	}
	log.Printf("[TradeOffer] Moving %d items from %s to storage %s", len(reserved), fromBot, target.SteamID64)
	return offer, nil
}

func (s *TradeOfferService) pickStorageBot(ctx context.Context) (*model.Bot, error) {
	storage, err := s.bots.ListStorage(ctx)
	if err != nil {
		return nil, err
	}
	for i := range storage {
		count, err := s.items.CountByBot(ctx, storage[i].SteamID64)
		if err != nil {
			return nil, err
		}
		if count < int64(s.trade.StorageCapacity) {
			return &storage[i], nil
		}
	}
	return nil, nil
}

// Get loads one offer.
func (s *TradeOfferService) Get(ctx context.Context, id string) (*model.TradeOffer, error) {
	offer, err := s.offers.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if offer == nil {
		return nil, apierror.NotFound("Offer not found")
	}
	return offer, nil
}

// History lists a user's recent offers.
func (s *TradeOfferService) History(ctx context.Context, steamID64 string, limit int) ([]model.TradeOffer, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.offers.ListBySteamID(ctx, steamID64, limit)
}

func (s *TradeOfferService) publishChange(ctx context.Context, offer *model.TradeOffer) {
	s.notifier.Publish(ctx, NotifyTradeChanged, offer, offer.NotifyURL)
}

func (s *TradeOfferService) releaseItems(ctx context.Context, items []model.BotItem) {
	if err := s.allocator.Release(ctx, items); err != nil {
		log.Printf("[TradeOffer] Failed to release %d items: %v", len(items), err)
	}
}

func (s *TradeOfferService) isBlocked(name string) bool {
	for _, blocked := range s.trade.BlockedItems {
		if strings.EqualFold(blocked, name) {
			return true
		}
	}
	return false
}
