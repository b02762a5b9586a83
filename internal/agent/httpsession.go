package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

const updateCursorKey = "updates"

// HTTPSession talks to the local trade-session sidecar that holds this
// identity's platform login. The sidecar exposes a small JSON API; offer
// updates are polled with a cursor persisted across restarts.
type HTTPSession struct {
	base    string
	client  *fasthttp.Client
	timeout time.Duration

	poll     *PollState
	interval time.Duration
	updates  chan OfferUpdate
}

// NewHTTPSession creates a sidecar-backed session.
func NewHTTPSession(baseURL string, poll *PollState, interval, timeout time.Duration) *HTTPSession {
	return &HTTPSession{
		base:     baseURL,
		client:   &fasthttp.Client{},
		timeout:  timeout,
		poll:     poll,
		interval: interval,
		updates:  make(chan OfferUpdate, 64),
	}
}

type sendOfferRequest struct {
	TradeLink    string  `json:"tradeLink"`
	GiveAssetIDs []int64 `json:"giveAssetIds"`
	TakeAssetIDs []int64 `json:"takeAssetIds"`
	Message      string  `json:"message"`
}

type sendOfferResponse struct {
	OfferID int64 `json:"offerId"`
}

func (s *HTTPSession) SendOffer(ctx context.Context, offer *OutgoingOffer) (int64, error) {
	var resp sendOfferResponse
	err := s.do("POST", "/offers", sendOfferRequest{
		TradeLink:    offer.TradeLink,
		GiveAssetIDs: offer.GiveAssetIDs,
		TakeAssetIDs: offer.TakeAssetIDs,
		Message:      offer.Message,
	}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.OfferID, nil
}

func (s *HTTPSession) ConfirmOffer(ctx context.Context, offerID int64) error {
	return s.do("POST", fmt.Sprintf("/offers/%d/confirm", offerID), nil, nil)
}

func (s *HTTPSession) AcceptOffer(ctx context.Context, offerID int64) error {
	return s.do("POST", fmt.Sprintf("/offers/%d/accept", offerID), nil, nil)
}

func (s *HTTPSession) DeclineOffer(ctx context.Context, offerID int64) error {
	return s.do("POST", fmt.Sprintf("/offers/%d/decline", offerID), nil, nil)
}

func (s *HTTPSession) CancelOffer(ctx context.Context, offerID int64) error {
	return s.do("POST", fmt.Sprintf("/offers/%d/cancel", offerID), nil, nil)
}

type offerPayload struct {
	OfferID      int64          `json:"offerId"`
	Partner      string         `json:"partner"`
	State        int            `json:"state"`
	GiveAssetIDs []int64        `json:"giveAssetIds"`
	ReceiveItems []assetPayload `json:"receiveItems"`
}

func (s *HTTPSession) GetOffer(ctx context.Context, offerID int64) (*OfferDetails, error) {
	var payload offerPayload
	if err := s.do("GET", fmt.Sprintf("/offers/%d", offerID), nil, &payload); err != nil {
		return nil, err
	}
	return &OfferDetails{
		OfferID:      payload.OfferID,
		Partner:      payload.Partner,
		State:        ProtocolState(payload.State),
		GiveAssetIDs: payload.GiveAssetIDs,
		ReceiveItems: toAssets(payload.ReceiveItems),
	}, nil
}

type assetPayload struct {
	AssetID  int64  `json:"assetId"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Tradable bool   `json:"tradable"`
}

func (s *HTTPSession) Inventory(ctx context.Context) ([]InventoryAsset, error) {
	var payload []assetPayload
	if err := s.do("GET", "/inventory", nil, &payload); err != nil {
		return nil, err
	}
	return toAssets(payload), nil
}

func (s *HTTPSession) ReceivedItems(ctx context.Context, offerID int64) ([]InventoryAsset, error) {
	var payload []assetPayload
	if err := s.do("GET", fmt.Sprintf("/offers/%d/items", offerID), nil, &payload); err != nil {
		return nil, err
	}
	return toAssets(payload), nil
}

func (s *HTTPSession) Updates() <-chan OfferUpdate {
	return s.updates
}

type updatePayload struct {
	OfferID int64  `json:"offerId"`
	State   int    `json:"state"`
	URL     string `json:"url"`
	Cursor  int64  `json:"cursor"`
}

// StartPolling begins the update poll loop. Each batch advances a cursor
// that survives restarts, so no update is delivered twice or skipped.
func (s *HTTPSession) StartPolling(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				close(s.updates)
				return
			case <-ticker.C:
				if err := s.pollOnce(); err != nil {
					log.Printf("[Session] Update poll: %v", err)
				}
			}
		}
	}()
}

func (s *HTTPSession) pollOnce() error {
	cursor := int64(0)
	if raw, err := s.poll.Load(updateCursorKey); err == nil && len(raw) > 0 {
		cursor, _ = strconv.ParseInt(string(raw), 10, 64)
	}

	var payload []updatePayload
	if err := s.do("GET", "/updates?since="+strconv.FormatInt(cursor, 10), nil, &payload); err != nil {
		return err
	}

	for _, u := range payload {
		s.updates <- OfferUpdate{
			OfferID: u.OfferID,
			State:   ProtocolState(u.State),
			URL:     u.URL,
		}
		if u.Cursor > cursor {
			cursor = u.Cursor
		}
	}
	if len(payload) > 0 {
		if err := s.poll.Save(updateCursorKey, []byte(strconv.FormatInt(cursor, 10))); err != nil {
			return err
		}
	}
	return nil
}

// ForwardError is a sidecar failure seen while bridging an execute call.
// Status is zero when the request never reached the sidecar.
type ForwardError struct {
	Path   string
	Status int
	Body   string
}

func (e *ForwardError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("session forward %s: %s", e.Path, e.Body)
	}
	return fmt.Sprintf("session forward %s: status %d: %s", e.Path, e.Status, e.Body)
}

// Forward posts a raw JSON payload to a sidecar endpoint and returns the
// raw response. Used to bridge execute-queue methods to the sidecar.
func (s *HTTPSession) Forward(path string, params json.RawMessage, out *json.RawMessage) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(s.base + path)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(params)

	if err := s.client.DoTimeout(req, resp, s.timeout); err != nil {
		return &ForwardError{Path: path, Body: err.Error()}
	}
	if code := resp.StatusCode(); code >= 300 {
		return &ForwardError{Path: path, Status: code, Body: string(resp.Body())}
	}
	*out = append([]byte{}, resp.Body()...)
	return nil
}

func (s *HTTPSession) do(method, path string, body, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(s.base + path)
	req.Header.SetMethod(method)
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(data)
	}

	if err := s.client.DoTimeout(req, resp, s.timeout); err != nil {
		return fmt.Errorf("session request %s %s: %w", method, path, err)
	}
	if code := resp.StatusCode(); code >= 300 {
		return fmt.Errorf("session request %s %s: status %d: %s", method, path, code, resp.Body())
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("failed to decode session response: %w", err)
		}
	}
	return nil
}

func toAssets(payload []assetPayload) []InventoryAsset {
	assets := make([]InventoryAsset, 0, len(payload))
	for _, p := range payload {
		assets = append(assets, InventoryAsset{
			AssetID:  p.AssetID,
			Name:     p.Name,
			Type:     p.Type,
			Tradable: p.Tradable,
		})
	}
	return assets
}
