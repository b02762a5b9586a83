package verify

import (
	"testing"

	"skne-engine/internal/model"
)

func TestRequired(t *testing.T) {
	cases := []struct {
		name   string
		policy Policy
		offer  model.TradeOffer
		want   bool
	}{
		{
			name:   "disabled policy holds nothing",
			policy: Policy{Enabled: false, Minimum: 0},
			offer:  model.TradeOffer{Type: model.TradeTypeWithdraw, Subtotal: 100000},
			want:   false,
		},
		{
			name:   "withdrawal at threshold is held",
			policy: Policy{Enabled: true, Minimum: 5000},
			offer:  model.TradeOffer{Type: model.TradeTypeWithdraw, Subtotal: 5000},
			want:   true,
		},
		{
			name:   "withdrawal below threshold passes",
			policy: Policy{Enabled: true, Minimum: 5000},
			offer:  model.TradeOffer{Type: model.TradeTypeWithdraw, Subtotal: 4999},
			want:   false,
		},
		{
			name:   "deposits are never held",
			policy: Policy{Enabled: true, Minimum: 0},
			offer:  model.TradeOffer{Type: model.TradeTypeDeposit, Subtotal: 100000},
			want:   false,
		},
		{
			name:   "storage transfers are never held",
			policy: Policy{Enabled: true, Minimum: 0},
			offer:  model.TradeOffer{Type: model.TradeTypeStorage, Subtotal: 100000},
			want:   false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.policy.Required(&tc.offer); got != tc.want {
				t.Fatalf("Required = %t, want %t", got, tc.want)
			}
		})
	}
}
