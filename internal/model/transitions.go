package model

// The legal state graphs for both offer kinds live here so every mutation
// site validates against one table instead of re-deriving legality inline.

var tradeOfferTransitions = map[string][]string{
	TradeStateQueued:   {TradeStateConfirm, TradeStateSent, TradeStateDeclined, TradeStateError},
	TradeStateConfirm:  {TradeStateSent, TradeStateAccepted, TradeStateDeclined, TradeStateEscrow, TradeStateError},
	TradeStateSent:     {TradeStateAccepted, TradeStateDeclined, TradeStateEscrow, TradeStateError},
	TradeStateEscrow:   {TradeStateAccepted, TradeStateDeclined, TradeStateError},
	TradeStateAccepted: {},
	TradeStateDeclined: {TradeStateQueued},
	TradeStatePending:  {},
	TradeStateError:    {TradeStateQueued},
}

var virtualOfferTransitions = map[string][]string{
	TradeStateQueued:   {TradeStateEscrow, TradeStateError},
	TradeStateEscrow:   {TradeStatePending, TradeStateError},
	TradeStatePending:  {TradeStateConfirm, TradeStateError},
	TradeStateConfirm:  {TradeStateSent, TradeStateAccepted, TradeStateDeclined, TradeStateError},
	TradeStateSent:     {TradeStateAccepted, TradeStateDeclined, TradeStateError},
	TradeStateDeclined: {TradeStatePending},
	TradeStateError:    {TradeStateQueued, TradeStateEscrow, TradeStatePending},
	TradeStateAccepted: {},
}

func allowed(table map[string][]string, from, to string) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TradeOfferCanTransition reports whether a TradeOffer may move between the
// given states.
func TradeOfferCanTransition(from, to string) bool {
	return allowed(tradeOfferTransitions, from, to)
}

// VirtualOfferCanTransition reports whether a VirtualOffer may move between
// the given states. DECLINED->PENDING and ERROR->{QUEUED,ESCROW,PENDING}
// are the retry re-entry edges.
func VirtualOfferCanTransition(from, to string) bool {
	return allowed(virtualOfferTransitions, from, to)
}
