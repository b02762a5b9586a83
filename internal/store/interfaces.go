package store

import (
	"context"
	"time"

	"skne-engine/internal/model"
)

// StateGuard is the predicate attached to a conditional state transition.
// The zero value matches any current state. Guards and the write they gate
// execute as a single store operation; a guard miss returns (nil, nil).
type StateGuard struct {
	Eq string
	Ne string
}

// Matches reports whether the guard admits the given state.
func (g StateGuard) Matches(state string) bool {
	if g.Eq != "" && state != g.Eq {
		return false
	}
	if g.Ne != "" && state == g.Ne {
		return false
	}
	return true
}

// TradeOfferPatch is the set of fields written together with a TradeOffer
// state change. Nil pointers are left untouched.
type TradeOfferPatch struct {
	Bot               *string
	OfferID           *int64
	TradeOfferURL     *string
	ItemState         *string
	VerificationState *string
	TradeLink         *string
	HasError          *bool
	Error             *string
	ErrorResult       *int
	AcceptedAt        *time.Time
	IncRetryCount     bool
}

// VirtualOfferPatch is the set of fields written together with a
// VirtualOffer state change.
type VirtualOfferPatch struct {
	TradeURL           *string
	PurchaseResponse   *model.PurchaseResult
	ItemNames          []string
	ItemIDs            []int64
	MarketBot          *string
	LockedBotItemIDs   []string
	AssetIDs           []int64
	TradeOfferID       *string
	TradeOfferURL      *string
	HasError           *bool
	HasTradeOfferError *bool
	Retry              *bool
	ErrorMessage       *string
	EscrowAt           *time.Time
	SentAt             *time.Time
	ErrorAt            *time.Time
	AcceptedAt         *time.Time

	// KeepPreviousState stamps previousState from the current state unless
	// one is already recorded (first error wins).
	KeepPreviousState   bool
	ClearError          bool
	IncManuallyRetried  bool
	AppendPreviousOffer *string
}

// BotItemStore is the inventory ledger. Reserve and release are the only
// mutations allowed outside inventory reconciliation; both are conditional
// per item with no read-then-write window.
type BotItemStore interface {
	Insert(ctx context.Context, item *model.BotItem) (string, error)
	GetByAssetIDs(ctx context.Context, assetIDs []int64) ([]model.BotItem, error)
	GetByIDs(ctx context.Context, ids []string) ([]model.BotItem, error)
	ListByBot(ctx context.Context, bot string) ([]model.BotItem, error)
	CountByBot(ctx context.Context, bot string) (int64, error)
	ExistsAsset(ctx context.Context, assetID int64) (bool, error)

	// AvailableByNames groups currently AVAILABLE items by name, optionally
	// scoped to one agent.
	AvailableByNames(ctx context.Context, names []string, bot string) (map[string][]model.BotItem, error)

	// ReserveAsset transitions AVAILABLE->IN_USE for one asset id, setting
	// the owner. Returns (nil, nil) when the asset is not AVAILABLE.
	ReserveAsset(ctx context.Context, assetID int64, owner string) (*model.BotItem, error)
	// ReserveID is ReserveAsset keyed by ledger row id.
	ReserveID(ctx context.Context, id string, owner string) (*model.BotItem, error)

	// ReleaseAssets / ReleaseIDs unconditionally return items to AVAILABLE.
	ReleaseAssets(ctx context.Context, assetIDs []int64) error
	ReleaseIDs(ctx context.Context, ids []string) error

	DeleteByAssetIDs(ctx context.Context, assetIDs []int64) error
}

// TradeOfferStore persists TradeOffer records.
type TradeOfferStore interface {
	Insert(ctx context.Context, offer *model.TradeOffer) (string, error)
	Get(ctx context.Context, id string) (*model.TradeOffer, error)
	GetByOfferID(ctx context.Context, offerID int64) (*model.TradeOffer, error)
	ListByBotStates(ctx context.Context, bot string, states ...string) ([]model.TradeOffer, error)
	ListByTypeState(ctx context.Context, typ, state string) ([]model.TradeOffer, error)
	ListBySteamID(ctx context.Context, steamID64 string, limit int) ([]model.TradeOffer, error)
	ListPendingInsertion(ctx context.Context, bot string) ([]model.TradeOffer, error)

	// Transition writes the target state and patch iff the guard matches
	// the persisted state, returning the updated offer or (nil, nil) on a
	// guard miss. The predicate and write are one store operation.
	Transition(ctx context.Context, id string, guard StateGuard, to string, patch TradeOfferPatch) (*model.TradeOffer, error)
	// TransitionByOfferID is Transition keyed by the protocol offer id.
	TransitionByOfferID(ctx context.Context, offerID int64, guard StateGuard, to string, patch TradeOfferPatch) (*model.TradeOffer, error)

	SetVerificationState(ctx context.Context, id, state string) (*model.TradeOffer, error)
	MarkItemsInserted(ctx context.Context, offerID int64, botItemIDs []string, assetIDs []int64) (*model.TradeOffer, error)
	DeleteExpiredIncoming(ctx context.Context, now time.Time) (int64, error)
}

// VirtualOfferStore persists VirtualOffer records and their groups.
type VirtualOfferStore interface {
	Insert(ctx context.Context, offer *model.VirtualOffer) (string, error)
	Get(ctx context.Context, id string) (*model.VirtualOffer, error)
	ListByState(ctx context.Context, state string) ([]model.VirtualOffer, error)
	ListBySteamIDStates(ctx context.Context, steamID string, states ...string) ([]model.VirtualOffer, error)
	ListStuckConfirm(ctx context.Context, olderThan time.Time) ([]model.VirtualOffer, error)

	Transition(ctx context.Context, id string, guard StateGuard, to string, patch VirtualOfferPatch) (*model.VirtualOffer, error)
	// Patch applies a VirtualOfferPatch without changing state.
	Patch(ctx context.Context, id string, patch VirtualOfferPatch) (*model.VirtualOffer, error)

	InsertGroup(ctx context.Context, group *model.VirtualOfferGroup) (string, error)
	SetGroupOfferIDs(ctx context.Context, groupID string, offerIDs []string) error
	GetGroups(ctx context.Context, ids []string) ([]model.VirtualOfferGroup, error)
}

// BotStore persists agent identity records.
type BotStore interface {
	Upsert(ctx context.Context, bot *model.Bot) error
	Get(ctx context.Context, steamID64 string) (*model.Bot, error)
	All(ctx context.Context) ([]model.Bot, error)
	ListStorage(ctx context.Context) ([]model.Bot, error)
}

// ItemStore reads the price catalog. Writes belong to the ingestion job.
type ItemStore interface {
	GetByName(ctx context.Context, name string) (*model.Item, error)
	GetByNames(ctx context.Context, names []string) ([]model.Item, error)
}
