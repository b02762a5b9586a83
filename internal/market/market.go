package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"skne-engine/internal/broker"
	"skne-engine/internal/model"
)

// ErrorKind classifies a marketplace failure for retry decisions.
type ErrorKind string

const (
	// KindTransient marks failures worth retrying automatically, such as
	// upstream timeouts or gateway errors.
	KindTransient ErrorKind = "TRANSIENT"

	// KindPermanent marks failures that need operator attention, such as
	// rejected purchases or exhausted listings.
	KindPermanent ErrorKind = "PERMANENT"
)

// Error is a classified marketplace failure.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// IsTransient reports whether the error is a retryable marketplace
// failure.
func IsTransient(err error) bool {
	var merr *Error
	return errors.As(err, &merr) && merr.Kind == KindTransient
}

// Marketplace purchases listed items and withdraws them to one of our
// agents. Implementations talk to an external vendor.
type Marketplace interface {
	// Purchase buys listings for the named items and returns the vendor's
	// purchase receipt.
	Purchase(ctx context.Context, names []string, maxTokens int64) (*model.PurchaseResult, error)

	// Withdraw asks the vendor to send the purchased items to the given
	// trade link and returns the vendor-side asset ids it shipped.
	Withdraw(ctx context.Context, purchaseIDs []int64, tradeLink string) ([]int64, error)

	// Inventory lists the items sitting in our vendor account, including
	// whether each is already attached to an outbound vendor offer.
	Inventory(ctx context.Context) ([]VendorItem, error)
}

// VendorItem is one item held in our vendor-side inventory.
type VendorItem struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	OfferID      int64  `json:"offerId"`
	Withdrawable bool   `json:"withdrawable"`
}

type purchaseParams struct {
	Names     []string `json:"names"`
	MaxTokens int64    `json:"maxTokens"`
}

type withdrawParams struct {
	PurchaseIDs []int64 `json:"purchaseIds"`
	TradeLink   string  `json:"tradeLink"`
}

type withdrawResult struct {
	AssetIDs []int64 `json:"assetIds"`
}

type inventoryResult struct {
	Items []VendorItem `json:"items"`
}

// rpcError is the vendor bridge's structured failure payload.
type rpcError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// WireError renders a classified failure as the bridge's reply payload, so
// classify on the engine side can recover the kind.
func WireError(kind ErrorKind, message string) error {
	data, err := json.Marshal(rpcError{Kind: string(kind), Message: message})
	if err != nil {
		return errors.New(message)
	}
	return errors.New(string(data))
}

// RPCMarketplace reaches the vendor through the execute queue, where a
// bridge process holds the vendor credentials.
type RPCMarketplace struct {
	client *broker.RPCClient
}

// NewRPCMarketplace creates a marketplace backed by the execute RPC.
func NewRPCMarketplace(client *broker.RPCClient) *RPCMarketplace {
	return &RPCMarketplace{client: client}
}

func (m *RPCMarketplace) Purchase(ctx context.Context, names []string, maxTokens int64) (*model.PurchaseResult, error) {
	raw, err := m.client.Call(ctx, "market.purchase", purchaseParams{Names: names, MaxTokens: maxTokens})
	if err != nil {
		return nil, classify(err)
	}

	var result model.PurchaseResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &Error{Kind: KindPermanent, Message: fmt.Sprintf("malformed purchase result: %v", err)}
	}
	return &result, nil
}

func (m *RPCMarketplace) Withdraw(ctx context.Context, purchaseIDs []int64, tradeLink string) ([]int64, error) {
	raw, err := m.client.Call(ctx, "market.withdraw", withdrawParams{PurchaseIDs: purchaseIDs, TradeLink: tradeLink})
	if err != nil {
		return nil, classify(err)
	}

	var result withdrawResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &Error{Kind: KindPermanent, Message: fmt.Sprintf("malformed withdraw result: %v", err)}
	}
	return result.AssetIDs, nil
}

func (m *RPCMarketplace) Inventory(ctx context.Context) ([]VendorItem, error) {
	raw, err := m.client.Call(ctx, "market.inventory", nil)
	if err != nil {
		return nil, classify(err)
	}

	var result inventoryResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &Error{Kind: KindPermanent, Message: fmt.Sprintf("malformed inventory result: %v", err)}
	}
	return result.Items, nil
}

// classify maps transport failures to transient and everything else to
// permanent. A timed-out call may still have succeeded on the vendor side,
// but retrying a purchase is bounded by the listing lock, so transient is
// the safe default. Bridge replies carry their payload on the CallError so
// a structured kind survives the method prefix.
func classify(err error) error {
	if errors.Is(err, broker.ErrRPCTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTransient, Message: err.Error()}
	}

	var cerr *broker.CallError
	if errors.As(err, &cerr) {
		var payload rpcError
		if jerr := json.Unmarshal([]byte(cerr.Payload), &payload); jerr == nil && payload.Kind != "" {
			kind := KindPermanent
			if ErrorKind(payload.Kind) == KindTransient {
				kind = KindTransient
			}
			return &Error{Kind: kind, Message: payload.Message}
		}
		return &Error{Kind: KindPermanent, Message: cerr.Payload}
	}

	return &Error{Kind: KindPermanent, Message: err.Error()}
}
