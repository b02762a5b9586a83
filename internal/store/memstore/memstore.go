// Package memstore is an in-memory implementation of the store interfaces
// with the same conditional-update semantics as the MongoDB stores. It
// backs the test suites; production always runs on MongoDB.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"skne-engine/internal/model"
	"skne-engine/internal/store"
)

// Store holds every collection behind one mutex, so each exported call is
// atomic exactly like a single document operation.
type Store struct {
	mu sync.Mutex

	seq           int
	botItems      map[string]*model.BotItem
	tradeOffers   map[string]*model.TradeOffer
	virtualOffers map[string]*model.VirtualOffer
	groups        map[string]*model.VirtualOfferGroup
	bots          map[string]*model.Bot
	items         map[string]*model.Item
}

// New creates an empty store.
func New() *Store {
	return &Store{
		botItems:      make(map[string]*model.BotItem),
		tradeOffers:   make(map[string]*model.TradeOffer),
		virtualOffers: make(map[string]*model.VirtualOffer),
		groups:        make(map[string]*model.VirtualOfferGroup),
		bots:          make(map[string]*model.Bot),
		items:         make(map[string]*model.Item),
	}
}

func (s *Store) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

// ---- BotItemStore ----

func (s *Store) Insert(ctx context.Context, item *model.BotItem) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.botItems {
		if existing.AssetID == item.AssetID {
			return "", fmt.Errorf("duplicate asset %d", item.AssetID)
		}
	}
	cp := *item
	cp.ID = s.nextID("item")
	s.botItems[cp.ID] = &cp
	return cp.ID, nil
}

func (s *Store) GetByAssetIDs(ctx context.Context, assetIDs []int64) ([]model.BotItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[int64]bool, len(assetIDs))
	for _, id := range assetIDs {
		want[id] = true
	}
	var out []model.BotItem
	for _, item := range s.botItems {
		if want[item.AssetID] {
			out = append(out, *item)
		}
	}
	return out, nil
}

func (s *Store) GetByIDs(ctx context.Context, ids []string) ([]model.BotItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.BotItem
	for _, id := range ids {
		if item, ok := s.botItems[id]; ok {
			out = append(out, *item)
		}
	}
	return out, nil
}

func (s *Store) ListByBot(ctx context.Context, bot string) ([]model.BotItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.BotItem
	for _, item := range s.botItems {
		if item.Bot == bot {
			out = append(out, *item)
		}
	}
	return out, nil
}

func (s *Store) CountByBot(ctx context.Context, bot string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, item := range s.botItems {
		if item.Bot == bot {
			n++
		}
	}
	return n, nil
}

func (s *Store) ExistsAsset(ctx context.Context, assetID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.botItems {
		if item.AssetID == assetID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) AvailableByNames(ctx context.Context, names []string, bot string) (map[string][]model.BotItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(names))
	for _, name := range names {
		want[name] = true
	}
	out := make(map[string][]model.BotItem)
	var ids []string
	for id := range s.botItems {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		item := s.botItems[id]
		if !want[item.Name] || item.State != model.BotItemStateAvailable {
			continue
		}
		if bot != "" && item.Bot != bot {
			continue
		}
		out[item.Name] = append(out[item.Name], *item)
	}
	return out, nil
}

func (s *Store) ReserveAsset(ctx context.Context, assetID int64, owner string) (*model.BotItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.botItems {
		if item.AssetID == assetID {
			return s.reserveLocked(item, owner), nil
		}
	}
	return nil, nil
}

func (s *Store) ReserveID(ctx context.Context, id string, owner string) (*model.BotItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.botItems[id]
	if !ok {
		return nil, nil
	}
	return s.reserveLocked(item, owner), nil
}

func (s *Store) reserveLocked(item *model.BotItem, owner string) *model.BotItem {
	if item.State != model.BotItemStateAvailable {
		return nil
	}
	item.State = model.BotItemStateInUse
	item.Owner = owner
	cp := *item
	return &cp
}

func (s *Store) ReleaseAssets(ctx context.Context, assetIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[int64]bool, len(assetIDs))
	for _, id := range assetIDs {
		want[id] = true
	}
	for _, item := range s.botItems {
		if want[item.AssetID] {
			item.State = model.BotItemStateAvailable
			item.Owner = ""
		}
	}
	return nil
}

func (s *Store) ReleaseIDs(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if item, ok := s.botItems[id]; ok {
			item.State = model.BotItemStateAvailable
			item.Owner = ""
		}
	}
	return nil
}

func (s *Store) DeleteByAssetIDs(ctx context.Context, assetIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[int64]bool, len(assetIDs))
	for _, id := range assetIDs {
		want[id] = true
	}
	for id, item := range s.botItems {
		if want[item.AssetID] {
			delete(s.botItems, id)
		}
	}
	return nil
}

// ---- TradeOfferStore ----

// TradeOffers exposes the store as a TradeOfferStore without method name
// collisions with the other interfaces.
type TradeOffers struct{ *Store }

// BotItems exposes the store as a BotItemStore.
func (s *Store) BotItems() store.BotItemStore { return s }

// TradeOfferStore returns the trade offer view.
func (s *Store) TradeOfferStore() *TradeOffers { return &TradeOffers{s} }

func (t *TradeOffers) Insert(ctx context.Context, offer *model.TradeOffer) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := *offer
	cp.ID = t.nextID("trade")
	t.tradeOffers[cp.ID] = &cp
	return cp.ID, nil
}

func (t *TradeOffers) Get(ctx context.Context, id string) (*model.TradeOffer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if offer, ok := t.tradeOffers[id]; ok {
		cp := *offer
		return &cp, nil
	}
	return nil, nil
}

func (t *TradeOffers) GetByOfferID(ctx context.Context, offerID int64) (*model.TradeOffer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, offer := range t.tradeOffers {
		if offer.OfferID == offerID {
			cp := *offer
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *TradeOffers) ListByBotStates(ctx context.Context, bot string, states ...string) ([]model.TradeOffer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []model.TradeOffer
	for _, offer := range t.tradeOffers {
		if offer.Bot == bot && contains(states, offer.State) {
			out = append(out, *offer)
		}
	}
	return out, nil
}

func (t *TradeOffers) ListByTypeState(ctx context.Context, typ, state string) ([]model.TradeOffer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []model.TradeOffer
	for _, offer := range t.tradeOffers {
		if offer.Type == typ && offer.State == state {
			out = append(out, *offer)
		}
	}
	return out, nil
}

func (t *TradeOffers) ListBySteamID(ctx context.Context, steamID64 string, limit int) ([]model.TradeOffer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []model.TradeOffer
	for _, offer := range t.tradeOffers {
		if offer.SteamID64 == steamID64 {
			out = append(out, *offer)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *TradeOffers) ListPendingInsertion(ctx context.Context, bot string) ([]model.TradeOffer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []model.TradeOffer
	for _, offer := range t.tradeOffers {
		if offer.Bot == bot && offer.ItemState == model.TradeItemStatePending {
			out = append(out, *offer)
		}
	}
	return out, nil
}

func (t *TradeOffers) Transition(ctx context.Context, id string, guard store.StateGuard, to string, patch store.TradeOfferPatch) (*model.TradeOffer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	offer, ok := t.tradeOffers[id]
	if !ok {
		return nil, nil
	}
	return t.transitionLocked(offer, guard, to, patch), nil
}

func (t *TradeOffers) TransitionByOfferID(ctx context.Context, offerID int64, guard store.StateGuard, to string, patch store.TradeOfferPatch) (*model.TradeOffer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, offer := range t.tradeOffers {
		if offer.OfferID == offerID {
			return t.transitionLocked(offer, guard, to, patch), nil
		}
	}
	return nil, nil
}

func (t *TradeOffers) transitionLocked(offer *model.TradeOffer, guard store.StateGuard, to string, patch store.TradeOfferPatch) *model.TradeOffer {
	if !guard.Matches(offer.State) {
		return nil
	}
	offer.State = to
	if patch.Bot != nil {
		offer.Bot = *patch.Bot
	}
	if patch.OfferID != nil {
		offer.OfferID = *patch.OfferID
	}
	if patch.TradeOfferURL != nil {
		offer.TradeOfferURL = *patch.TradeOfferURL
	}
	if patch.ItemState != nil {
		offer.ItemState = *patch.ItemState
	}
	if patch.VerificationState != nil {
		offer.VerificationState = *patch.VerificationState
	}
	if patch.TradeLink != nil {
		offer.TradeLink = *patch.TradeLink
	}
	if patch.HasError != nil {
		offer.HasError = *patch.HasError
	}
	if patch.Error != nil {
		offer.Error = *patch.Error
	}
	if patch.ErrorResult != nil {
		offer.ErrorResult = *patch.ErrorResult
	}
	if patch.AcceptedAt != nil {
		at := *patch.AcceptedAt
		offer.AcceptedAt = &at
	}
	if patch.IncRetryCount {
		offer.RetryCount++
	}
	cp := *offer
	return &cp
}

func (t *TradeOffers) SetVerificationState(ctx context.Context, id, state string) (*model.TradeOffer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	offer, ok := t.tradeOffers[id]
	if !ok {
		return nil, nil
	}
	offer.VerificationState = state
	cp := *offer
	return &cp, nil
}

func (t *TradeOffers) MarkItemsInserted(ctx context.Context, offerID int64, botItemIDs []string, assetIDs []int64) (*model.TradeOffer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, offer := range t.tradeOffers {
		if offer.OfferID != offerID {
			continue
		}
		offer.ItemState = model.TradeItemStateInserted
		offer.BotItemIDs = botItemIDs
		cp := *offer
		return &cp, nil
	}
	return nil, nil
}

func (t *TradeOffers) DeleteExpiredIncoming(ctx context.Context, now time.Time) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int64
	for id, offer := range t.tradeOffers {
		if offer.Type != model.TradeTypeIncoming || offer.ExpiresAt == nil {
			continue
		}
		if offer.State != model.TradeStateDeclined {
			continue
		}
		if offer.ExpiresAt.Before(now) {
			delete(t.tradeOffers, id)
			n++
		}
	}
	return n, nil
}

// ---- VirtualOfferStore ----

// VirtualOffers exposes the store as a VirtualOfferStore.
type VirtualOffers struct{ *Store }

// VirtualOfferStore returns the virtual offer view.
func (s *Store) VirtualOfferStore() *VirtualOffers { return &VirtualOffers{s} }

func (v *VirtualOffers) Insert(ctx context.Context, offer *model.VirtualOffer) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	cp := *offer
	cp.ID = v.nextID("virtual")
	v.virtualOffers[cp.ID] = &cp
	return cp.ID, nil
}

func (v *VirtualOffers) Get(ctx context.Context, id string) (*model.VirtualOffer, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if offer, ok := v.virtualOffers[id]; ok {
		cp := *offer
		return &cp, nil
	}
	return nil, nil
}

func (v *VirtualOffers) ListByState(ctx context.Context, state string) ([]model.VirtualOffer, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []model.VirtualOffer
	for _, offer := range v.virtualOffers {
		if offer.State == state {
			out = append(out, *offer)
		}
	}
	return out, nil
}

func (v *VirtualOffers) ListBySteamIDStates(ctx context.Context, steamID string, states ...string) ([]model.VirtualOffer, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []model.VirtualOffer
	for _, offer := range v.virtualOffers {
		if offer.SteamID == steamID && contains(states, offer.State) {
			out = append(out, *offer)
		}
	}
	return out, nil
}

func (v *VirtualOffers) ListStuckConfirm(ctx context.Context, olderThan time.Time) ([]model.VirtualOffer, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []model.VirtualOffer
	for _, offer := range v.virtualOffers {
		if offer.State == model.TradeStateConfirm && offer.TradeOfferID == "" && offer.CreatedAt.Before(olderThan) {
			out = append(out, *offer)
		}
	}
	return out, nil
}

func (v *VirtualOffers) Transition(ctx context.Context, id string, guard store.StateGuard, to string, patch store.VirtualOfferPatch) (*model.VirtualOffer, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	offer, ok := v.virtualOffers[id]
	if !ok {
		return nil, nil
	}
	if !guard.Matches(offer.State) {
		return nil, nil
	}
	if patch.KeepPreviousState && offer.PreviousState == "" {
		offer.PreviousState = offer.State
	}
	offer.State = to
	applyVirtualPatch(offer, patch)
	cp := *offer
	return &cp, nil
}

func (v *VirtualOffers) Patch(ctx context.Context, id string, patch store.VirtualOfferPatch) (*model.VirtualOffer, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	offer, ok := v.virtualOffers[id]
	if !ok {
		return nil, nil
	}
	if patch.KeepPreviousState && offer.PreviousState == "" {
		offer.PreviousState = offer.State
	}
	applyVirtualPatch(offer, patch)
	cp := *offer
	return &cp, nil
}

func applyVirtualPatch(offer *model.VirtualOffer, patch store.VirtualOfferPatch) {
	if patch.TradeURL != nil {
		offer.TradeURL = *patch.TradeURL
	}
	if patch.PurchaseResponse != nil {
		cp := *patch.PurchaseResponse
		offer.PurchaseResponse = &cp
		offer.HasPurchaseResponse = true
	}
	if patch.ItemNames != nil {
		offer.ItemNames = patch.ItemNames
	}
	if patch.ItemIDs != nil {
		offer.ItemIDs = patch.ItemIDs
	}
	if patch.MarketBot != nil {
		offer.MarketBot = *patch.MarketBot
	}
	if patch.LockedBotItemIDs != nil {
		offer.LockedBotItemIDs = patch.LockedBotItemIDs
	}
	if patch.AssetIDs != nil {
		offer.AssetIDs = patch.AssetIDs
	}
	if patch.TradeOfferID != nil {
		offer.TradeOfferID = *patch.TradeOfferID
	}
	if patch.TradeOfferURL != nil {
		offer.TradeOfferURL = *patch.TradeOfferURL
	}
	if patch.HasError != nil {
		offer.HasError = *patch.HasError
	}
	if patch.HasTradeOfferError != nil {
		offer.HasTradeOfferError = *patch.HasTradeOfferError
	}
	if patch.Retry != nil {
		offer.Retry = *patch.Retry
	}
	if patch.ErrorMessage != nil {
		offer.ErrorMessage = *patch.ErrorMessage
	}
	if patch.EscrowAt != nil {
		at := *patch.EscrowAt
		offer.EscrowAt = &at
	}
	if patch.SentAt != nil {
		at := *patch.SentAt
		offer.SentAt = &at
	}
	if patch.ErrorAt != nil {
		at := *patch.ErrorAt
		offer.ErrorAt = &at
	}
	if patch.AcceptedAt != nil {
		at := *patch.AcceptedAt
		offer.AcceptedAt = &at
	}
	if patch.ClearError {
		offer.HasError = false
		offer.Retry = false
		offer.ErrorMessage = ""
		offer.ErrorAt = nil
		offer.PreviousState = ""
	}
	if patch.IncManuallyRetried {
		offer.ManuallyRetried++
	}
	if patch.AppendPreviousOffer != nil {
		offer.PreviousOffers = append(offer.PreviousOffers, *patch.AppendPreviousOffer)
	}
}

func (v *VirtualOffers) InsertGroup(ctx context.Context, group *model.VirtualOfferGroup) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	cp := *group
	cp.ID = v.nextID("group")
	v.groups[cp.ID] = &cp
	return cp.ID, nil
}

func (v *VirtualOffers) SetGroupOfferIDs(ctx context.Context, groupID string, offerIDs []string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	group, ok := v.groups[groupID]
	if !ok {
		return fmt.Errorf("group %s not found", groupID)
	}
	group.VirtualOfferIDs = offerIDs
	return nil
}

func (v *VirtualOffers) GetGroups(ctx context.Context, ids []string) ([]model.VirtualOfferGroup, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []model.VirtualOfferGroup
	for _, id := range ids {
		if group, ok := v.groups[id]; ok {
			out = append(out, *group)
		}
	}
	return out, nil
}

// ---- BotStore ----

// Bots exposes the store as a BotStore.
type Bots struct{ *Store }

// BotStore returns the bot view.
func (s *Store) BotStore() *Bots { return &Bots{s} }

func (b *Bots) Upsert(ctx context.Context, bot *model.Bot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *bot
	if existing, ok := b.bots[bot.SteamID64]; ok {
		cp.ID = existing.ID
	} else {
		cp.ID = b.nextID("bot")
	}
	b.bots[cp.SteamID64] = &cp
	return nil
}

func (b *Bots) Get(ctx context.Context, steamID64 string) (*model.Bot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bot, ok := b.bots[steamID64]; ok {
		cp := *bot
		return &cp, nil
	}
	return nil, nil
}

func (b *Bots) All(ctx context.Context) ([]model.Bot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.Bot
	var keys []string
	for k := range b.bots {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, *b.bots[k])
	}
	return out, nil
}

func (b *Bots) ListStorage(ctx context.Context) ([]model.Bot, error) {
	all, _ := b.All(ctx)
	var out []model.Bot
	for _, bot := range all {
		if bot.Storage && bot.TradeLink != "" {
			out = append(out, bot)
		}
	}
	return out, nil
}

// ---- ItemStore ----

// Items exposes the store as an ItemStore.
type Items struct{ *Store }

// ItemStore returns the catalog view.
func (s *Store) ItemStore() *Items { return &Items{s} }

// PutItem seeds a catalog entry.
func (s *Store) PutItem(item *model.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	s.items[strings.ToLower(item.Name)] = &cp
}

func (i *Items) GetByName(ctx context.Context, name string) (*model.Item, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if item, ok := i.items[strings.ToLower(name)]; ok {
		cp := *item
		return &cp, nil
	}
	return nil, nil
}

func (i *Items) GetByNames(ctx context.Context, names []string) ([]model.Item, error) {
	var out []model.Item
	for _, name := range names {
		item, _ := i.GetByName(ctx, name)
		if item != nil {
			out = append(out, *item)
		}
	}
	return out, nil
}

func contains(states []string, state string) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}
