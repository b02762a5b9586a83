package model

import "time"

// BotItem allocation states.
const (
	BotItemStateAvailable = "AVAILABLE"
	BotItemStateInUse     = "IN_USE"
	BotItemStateDisabled  = "DISABLED"
)

// BotItem is one physical unit of inventory held by one agent. There is at
// most one row per asset id at any time: the row is created when inventory
// reconciliation sees the asset appear in an agent's inventory and deleted
// when the asset leaves it.
type BotItem struct {
	ID        string    `bson:"_id,omitempty" json:"id"`
	AssetID   int64     `bson:"assetId" json:"assetId"`
	Name      string    `bson:"name" json:"name"`
	Bot       string    `bson:"bot" json:"bot"`
	State     string    `bson:"state" json:"state"`
	Owner     string    `bson:"owner,omitempty" json:"owner,omitempty"`
	Groups    []string  `bson:"groups,omitempty" json:"groups,omitempty"`
	Type      string    `bson:"type,omitempty" json:"type,omitempty"`
	Tokens    int64     `bson:"tokens" json:"tokens"`
	Price     float64   `bson:"price" json:"price"`
	OfferID   int64     `bson:"offerId,omitempty" json:"offerId,omitempty"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
}
