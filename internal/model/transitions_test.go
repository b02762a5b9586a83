package model

import "testing"

func TestTradeOfferTransitions(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{TradeStateQueued, TradeStateConfirm, true},
		{TradeStateQueued, TradeStateError, true},
		{TradeStateConfirm, TradeStateSent, true},
		{TradeStateSent, TradeStateAccepted, true},
		{TradeStateSent, TradeStateEscrow, true},
		{TradeStateEscrow, TradeStateAccepted, true},
		{TradeStateDeclined, TradeStateQueued, true},
		{TradeStateError, TradeStateQueued, true},

		{TradeStateAccepted, TradeStateDeclined, false},
		{TradeStateAccepted, TradeStateQueued, false},
		{TradeStateQueued, TradeStateAccepted, false},
		{TradeStateSent, TradeStateQueued, false},
		{"", TradeStateSent, false},
	}
	for _, tc := range cases {
		if got := TradeOfferCanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("TradeOfferCanTransition(%q, %q) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestVirtualOfferTransitions(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{TradeStateQueued, TradeStateEscrow, true},
		{TradeStateEscrow, TradeStatePending, true},
		{TradeStatePending, TradeStateConfirm, true},
		{TradeStateConfirm, TradeStateSent, true},
		{TradeStateSent, TradeStateAccepted, true},

		// Retry re-entry edges.
		{TradeStateError, TradeStateQueued, true},
		{TradeStateError, TradeStateEscrow, true},
		{TradeStateError, TradeStatePending, true},
		{TradeStateDeclined, TradeStatePending, true},

		{TradeStateAccepted, TradeStatePending, false},
		{TradeStateQueued, TradeStatePending, false},
		{TradeStateError, TradeStateAccepted, false},
	}
	for _, tc := range cases {
		if got := VirtualOfferCanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("VirtualOfferCanTransition(%q, %q) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTradeOfferIsTerminal(t *testing.T) {
	for _, state := range []string{TradeStateAccepted, TradeStateDeclined, TradeStateError} {
		offer := TradeOffer{State: state}
		if !offer.IsTerminal() {
			t.Errorf("offer in %s should be terminal", state)
		}
	}
	for _, state := range []string{TradeStateQueued, TradeStateSent, TradeStateEscrow, TradeStatePending} {
		offer := TradeOffer{State: state}
		if offer.IsTerminal() {
			t.Errorf("offer in %s should not be terminal", state)
		}
	}
}

func TestPendingOfferID(t *testing.T) {
	offer := TradeOffer{Meta: map[string]any{"pendingOfferId": "virtual-7"}}
	if got := offer.PendingOfferID(); got != "virtual-7" {
		t.Fatalf("PendingOfferID() = %q, want %q", got, "virtual-7")
	}
	if got := (&TradeOffer{}).PendingOfferID(); got != "" {
		t.Fatalf("PendingOfferID() on empty meta = %q, want empty", got)
	}
}

func TestWearFromName(t *testing.T) {
	if got := WearFromName("AK-47 | Redline (Field-Tested)"); got != WearFieldTested {
		t.Fatalf("WearFromName = %d, want %d", got, WearFieldTested)
	}
	if got := WearFromName("Operation Breakout Case"); got != -1 {
		t.Fatalf("WearFromName on caseless name = %d, want -1", got)
	}
}
