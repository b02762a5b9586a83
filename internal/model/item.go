package model

import "strings"

// Item is a catalog entry for one tradable item name. It is written by the
// price-ingestion job and read-only to the engine.
type Item struct {
	ID          string  `bson:"_id,omitempty" json:"id"`
	Name        string  `bson:"name" json:"name"`
	CleanName   string  `bson:"cleanName" json:"cleanName"`
	Price       float64 `bson:"price" json:"price"`
	BasePrice   float64 `bson:"basePrice" json:"basePrice"`
	Tokens      int64   `bson:"tokens" json:"tokens"`
	BaseTokens  int64   `bson:"baseTokens" json:"baseTokens"`
	CustomPrice float64 `bson:"customPrice,omitempty" json:"customPrice,omitempty"`
	Wear        int     `bson:"wear" json:"wear"`
	Category    string  `bson:"category" json:"category"`
	Type        string  `bson:"type,omitempty" json:"type,omitempty"`
	Souvenir    bool    `bson:"souvenir,omitempty" json:"souvenir,omitempty"`
	StatTrak    bool    `bson:"statTrak,omitempty" json:"statTrak,omitempty"`
	Blocked     bool    `bson:"blocked,omitempty" json:"blocked,omitempty"`
	NameColor   string  `bson:"nameColor,omitempty" json:"nameColor,omitempty"`
	Icon        string  `bson:"icon,omitempty" json:"icon,omitempty"`
}

// Item categories.
const (
	CategoryMelee   = "melee"
	CategoryPistol  = "pistol"
	CategorySticker = "sticker"
	CategoryCase    = "case"
	CategoryOther   = "other"
)

// Wear tiers, worst to best.
const (
	WearBattleScarred = 0
	WearWellWorn      = 1
	WearFieldTested   = 2
	WearMinimalWear   = 3
	WearFactoryNew    = 4
	WearVanilla       = 5
)

var wearNames = map[string]int{
	"Factory New":    WearFactoryNew,
	"Minimal Wear":   WearMinimalWear,
	"Field-Tested":   WearFieldTested,
	"Well-Worn":      WearWellWorn,
	"Battle-Scarred": WearBattleScarred,
}

// WearFromName extracts the wear tier from a market name suffix like
// "AK-47 | Redline (Field-Tested)". Returns -1 when no tier applies.
func WearFromName(name string) int {
	idx := strings.LastIndex(name, "(")
	if idx >= 0 && strings.HasSuffix(name, ")") {
		if wear, ok := wearNames[strings.TrimSpace(name[idx+1:len(name)-1])]; ok {
			return wear
		}
	}
	return -1
}

// IsStatTrak reports whether the market name denotes a StatTrak item.
func IsStatTrak(name string) bool {
	return strings.Contains(strings.ToLower(name), "stattrak")
}

// IsSouvenir reports whether the market name denotes a souvenir item.
func IsSouvenir(name string) bool {
	return strings.Contains(strings.ToLower(name), "souvenir")
}
