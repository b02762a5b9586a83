package agent

import (
	"context"

	"skne-engine/internal/model"
)

// ProtocolState is the trade platform's own offer state enumeration.
type ProtocolState int

// Protocol offer states.
const (
	ProtocolActive                 ProtocolState = 2
	ProtocolAccepted               ProtocolState = 3
	ProtocolCountered              ProtocolState = 4
	ProtocolExpired                ProtocolState = 5
	ProtocolCanceled               ProtocolState = 6
	ProtocolDeclined               ProtocolState = 7
	ProtocolInvalidItems           ProtocolState = 8
	ProtocolCreatedNeedsConfirm    ProtocolState = 9
	ProtocolCanceledBySecondFactor ProtocolState = 10
	ProtocolInEscrow               ProtocolState = 11
)

// EngineState maps a protocol state onto the engine's offer state machine.
// Unknown states map to empty and must be ignored by the caller.
func EngineState(s ProtocolState) string {
	switch s {
	case ProtocolActive:
		return model.TradeStateSent
	case ProtocolAccepted:
		return model.TradeStateAccepted
	case ProtocolCountered, ProtocolExpired, ProtocolCanceled, ProtocolDeclined,
		ProtocolInvalidItems, ProtocolCanceledBySecondFactor:
		return model.TradeStateDeclined
	case ProtocolCreatedNeedsConfirm:
		return model.TradeStateConfirm
	case ProtocolInEscrow:
		return model.TradeStateEscrow
	default:
		return ""
	}
}

// InventoryAsset is one asset as the trade platform reports it.
type InventoryAsset struct {
	AssetID  int64
	Name     string
	Type     string
	Tradable bool
}

// OutgoingOffer is what the agent hands the platform to create an offer.
type OutgoingOffer struct {
	TradeLink     string
	GiveAssetIDs  []int64
	TakeAssetIDs  []int64
	Message       string
	SecurityToken string
}

// OfferDetails is the platform's view of one offer, fetched when an
// update arrives for an offer the engine did not create.
type OfferDetails struct {
	OfferID      int64
	Partner      string
	State        ProtocolState
	GiveAssetIDs []int64
	ReceiveItems []InventoryAsset
}

// OfferUpdate is a push notification of an offer's protocol progress.
type OfferUpdate struct {
	OfferID int64
	State   ProtocolState
	URL     string
}

// TradeSession is the agent's connection to the trade platform. One
// session per agent identity; implementations own login, cookies and the
// second factor.
type TradeSession interface {
	// SendOffer creates an offer and returns its protocol id.
	SendOffer(ctx context.Context, offer *OutgoingOffer) (int64, error)

	// ConfirmOffer approves a created offer on the second factor.
	ConfirmOffer(ctx context.Context, offerID int64) error

	// AcceptOffer accepts an incoming offer.
	AcceptOffer(ctx context.Context, offerID int64) error

	// DeclineOffer rejects an incoming offer.
	DeclineOffer(ctx context.Context, offerID int64) error

	// CancelOffer withdraws an offer we sent.
	CancelOffer(ctx context.Context, offerID int64) error

	// GetOffer fetches the platform's view of one offer.
	GetOffer(ctx context.Context, offerID int64) (*OfferDetails, error)

	// Inventory lists the agent's current tradable inventory.
	Inventory(ctx context.Context) ([]InventoryAsset, error)

	// ReceivedItems lists the assets received through an accepted offer.
	ReceivedItems(ctx context.Context, offerID int64) ([]InventoryAsset, error)

	// Updates streams protocol state changes for this agent's offers.
	Updates() <-chan OfferUpdate
}
