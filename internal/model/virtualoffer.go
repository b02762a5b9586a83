package model

import "time"

// VirtualOffer is a withdrawal fulfilled by buying the requested items from
// a third-party marketplace and relaying them through an agent. Rows are
// never deleted; they double as the audit trail.
type VirtualOffer struct {
	ID       string `bson:"_id,omitempty" json:"id"`
	State    string `bson:"state" json:"state"`
	Provider string `bson:"provider" json:"provider"`

	SteamID   string `bson:"steamId" json:"steamId"`
	TradeURL  string `bson:"tradeUrl,omitempty" json:"tradeUrl,omitempty"`
	NotifyURL string `bson:"notifyUrl,omitempty" json:"notifyUrl,omitempty"`

	ItemNames []string `bson:"itemNames" json:"itemNames"`
	Subtotal  int64    `bson:"subtotal" json:"subtotal"`

	GroupID string `bson:"virtualOfferGroupId,omitempty" json:"virtualOfferGroupId,omitempty"`

	// Marketplace bookkeeping, populated as the purchase progresses.
	PurchaseResponse    *PurchaseResult `bson:"purchaseResponse,omitempty" json:"purchaseResponse,omitempty"`
	HasPurchaseResponse bool            `bson:"hasPurchaseResponse,omitempty" json:"hasPurchaseResponse,omitempty"`
	ItemIDs             []int64         `bson:"itemIds,omitempty" json:"itemIds,omitempty"`

	// MarketBot is the agent whose inventory receives the marketplace
	// delivery; allocation only matches items held by it.
	MarketBot string `bson:"marketBot,omitempty" json:"marketBot,omitempty"`

	LockedBotItemIDs []string `bson:"lockedBotItemIds,omitempty" json:"lockedBotItemIds,omitempty"`
	AssetIDs         []int64  `bson:"assetIds,omitempty" json:"assetIds,omitempty"`
	TradeOfferID     string   `bson:"tradeOfferId,omitempty" json:"tradeOfferId,omitempty"`
	TradeOfferURL    string   `bson:"tradeOfferUrl,omitempty" json:"tradeOfferUrl,omitempty"`
	PreviousOffers   []string `bson:"previousOffers,omitempty" json:"previousOffers,omitempty"`

	Meta map[string]any `bson:"meta,omitempty" json:"meta,omitempty"`

	HasError           bool   `bson:"hasError,omitempty" json:"hasError,omitempty"`
	HasTradeOfferError bool   `bson:"hasTradeOfferError,omitempty" json:"hasTradeOfferError,omitempty"`
	Retry              bool   `bson:"retry,omitempty" json:"retry,omitempty"`
	ErrorMessage       string `bson:"errorMessage,omitempty" json:"errorMessage,omitempty"`
	PreviousState      string `bson:"previousState,omitempty" json:"previousState,omitempty"`
	ManuallyRetried    int    `bson:"manuallyRetried,omitempty" json:"manuallyRetried,omitempty"`

	CreatedAt  time.Time  `bson:"createdAt" json:"createdAt"`
	EscrowAt   *time.Time `bson:"escrowAt,omitempty" json:"escrowAt,omitempty"`
	SentAt     *time.Time `bson:"sentAt,omitempty" json:"sentAt,omitempty"`
	ErrorAt    *time.Time `bson:"errorAt,omitempty" json:"errorAt,omitempty"`
	AcceptedAt *time.Time `bson:"acceptedAt,omitempty" json:"acceptedAt,omitempty"`
}

// PurchaseResult is the marketplace's receipt for a completed purchase.
type PurchaseResult struct {
	ItemNames []string        `bson:"itemNames" json:"itemNames"`
	Items     []PurchasedItem `bson:"items" json:"items"`
	Total     int64           `bson:"total" json:"total"`
}

// PurchasedItem identifies one bought listing inside the marketplace.
type PurchasedItem struct {
	ID   int64  `bson:"id" json:"id"`
	Name string `bson:"name" json:"name"`
}

// VirtualOfferGroup links the chunked offers created from one request.
type VirtualOfferGroup struct {
	ID              string    `bson:"_id,omitempty" json:"id"`
	SteamID         string    `bson:"steamId" json:"steamId"`
	ItemNames       []string  `bson:"itemNames" json:"itemNames"`
	VirtualOfferIDs []string  `bson:"virtualOfferIds" json:"virtualOfferIds"`
	CreatedAt       time.Time `bson:"createdAt" json:"createdAt"`
}
