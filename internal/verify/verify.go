package verify

import "skne-engine/internal/model"

// Policy decides which withdrawals must be held for manual approval
// before they are dispatched to an agent.
type Policy struct {
	Enabled bool
	Minimum int64
}

// Required reports whether the offer needs manual approval. Only user
// withdrawals above the token threshold are gated; internal transfers and
// deposits are never held.
func (p Policy) Required(offer *model.TradeOffer) bool {
	if !p.Enabled {
		return false
	}
	if offer.Type != model.TradeTypeWithdraw {
		return false
	}
	return offer.Subtotal >= p.Minimum
}
