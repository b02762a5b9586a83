package model

import "time"

// Bot is one trading agent's identity record, upserted when its process
// comes online.
type Bot struct {
	ID        string    `bson:"_id,omitempty" json:"id"`
	SteamID64 string    `bson:"steamId64" json:"steamId64"`
	Username  string    `bson:"username" json:"username"`
	Display   string    `bson:"display,omitempty" json:"display,omitempty"`
	Name      string    `bson:"name,omitempty" json:"name,omitempty"`
	TradeLink string    `bson:"tradeLink,omitempty" json:"tradeLink,omitempty"`
	Storage   bool      `bson:"storage,omitempty" json:"storage,omitempty"`
	Groups    []string  `bson:"groups,omitempty" json:"groups,omitempty"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// InGroup reports whether the bot belongs to the named group.
func (b *Bot) InGroup(group string) bool {
	for _, g := range b.Groups {
		if g == group {
			return true
		}
	}
	return false
}
