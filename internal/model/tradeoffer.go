package model

import "time"

// Trade offer types.
const (
	TradeTypeDeposit  = "DEPOSIT"
	TradeTypeWithdraw = "WITHDRAW"
	TradeTypeIncoming = "INCOMING"
	TradeTypeStorage  = "STORAGE"
	TradeTypeVirtual  = "VIRTUAL"
)

// Trade offer states.
const (
	TradeStateQueued   = "QUEUED"
	TradeStateConfirm  = "WAITING_CONFIRMATION"
	TradeStateSent     = "SENT"
	TradeStatePending  = "PENDING"
	TradeStateAccepted = "ACCEPTED"
	TradeStateDeclined = "DECLINED"
	TradeStateError    = "ERROR"
	TradeStateEscrow   = "ESCROW"
)

// Trade item insertion states. An accepted deposit keeps itemState PENDING
// until the received assets have been recorded into the ledger.
const (
	TradeItemStatePending  = "PENDING"
	TradeItemStateInserted = "INSERTED"
)

// Trade verification states.
const (
	TradeVerificationPending  = "PENDING"
	TradeVerificationApproved = "APPROVED"
	TradeVerificationDenied   = "DENIED"
)

// OfferAsset is a priced asset snapshot. Deposit requests are validated
// against the snapshots captured when the user loaded their inventory.
type OfferAsset struct {
	AssetID int64   `bson:"assetId" json:"assetId"`
	Name    string  `bson:"name" json:"name"`
	Price   float64 `bson:"price" json:"price"`
	Tokens  int64   `bson:"tokens" json:"tokens"`
}

// TradeOffer is one trade between an agent and a user, or an agent and an
// internal transfer target.
type TradeOffer struct {
	ID      string `bson:"_id,omitempty" json:"id"`
	Type    string `bson:"type" json:"type"`
	State   string `bson:"state" json:"state"`
	Bot     string `bson:"bot,omitempty" json:"bot,omitempty"`
	BotName string `bson:"botName,omitempty" json:"botName,omitempty"`

	SteamID64 string `bson:"steamId64" json:"steamId64"`
	TradeLink string `bson:"tradeLink,omitempty" json:"tradeLink,omitempty"`
	NotifyURL string `bson:"notifyUrl,omitempty" json:"notifyUrl,omitempty"`

	AssetIDs  []int64  `bson:"assetIds" json:"assetIds"`
	ItemNames []string `bson:"itemNames" json:"itemNames"`

	Subtotal      int64   `bson:"subtotal" json:"subtotal"`
	SubtotalPrice float64 `bson:"subtotalPrice,omitempty" json:"subtotalPrice,omitempty"`

	// Protocol-level identity of the sent offer, set once the agent has
	// created it with the Trade Session.
	OfferID       int64  `bson:"offerId,omitempty" json:"offerId,omitempty"`
	TradeOfferURL string `bson:"tradeOfferUrl,omitempty" json:"tradeOfferUrl,omitempty"`

	SecurityToken     string `bson:"securityToken,omitempty" json:"securityToken,omitempty"`
	VerificationState string `bson:"verificationState,omitempty" json:"verificationState,omitempty"`

	ItemState  string   `bson:"itemState,omitempty" json:"itemState,omitempty"`
	BotItemIDs []string `bson:"botItemIds,omitempty" json:"botItemIds,omitempty"`

	DepositGroup  string `bson:"depositGroup,omitempty" json:"depositGroup,omitempty"`
	WithdrawGroup string `bson:"withdrawGroup,omitempty" json:"withdrawGroup,omitempty"`

	// Meta carries caller context. Meta["pendingOfferId"] links a WITHDRAW
	// created for a VirtualOffer back to its parent record.
	Meta map[string]any `bson:"meta,omitempty" json:"meta,omitempty"`

	HasError    bool   `bson:"hasError,omitempty" json:"hasError,omitempty"`
	Error       string `bson:"error,omitempty" json:"error,omitempty"`
	ErrorResult int    `bson:"errorResult,omitempty" json:"errorResult,omitempty"`
	RetryCount  int    `bson:"retryCount,omitempty" json:"retryCount,omitempty"`

	CreatedAt  time.Time  `bson:"createdAt" json:"createdAt"`
	AcceptedAt *time.Time `bson:"acceptedAt,omitempty" json:"acceptedAt,omitempty"`
	ExpiresAt  *time.Time `bson:"expiresAt,omitempty" json:"expiresAt,omitempty"`
}

// PendingOfferID returns the linked VirtualOffer id, if any.
func (t *TradeOffer) PendingOfferID() string {
	if t.Meta == nil {
		return ""
	}
	id, _ := t.Meta["pendingOfferId"].(string)
	return id
}

// IsTerminal reports whether the offer has reached a final state.
func (t *TradeOffer) IsTerminal() bool {
	switch t.State {
	case TradeStateAccepted, TradeStateDeclined, TradeStateError:
		return true
	}
	return false
}
