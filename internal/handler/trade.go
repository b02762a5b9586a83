package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"skne-engine/internal/service"
	"skne-engine/pkg/apierror"
	"skne-engine/pkg/response"
)

// TradeHandler serves the trade offer endpoints.
type TradeHandler struct {
	trades *service.TradeOfferService
}

// NewTradeHandler creates a trade handler.
func NewTradeHandler(trades *service.TradeOfferService) *TradeHandler {
	return &TradeHandler{trades: trades}
}

// Deposit handles POST /api/v1/trade/deposit
func (h *TradeHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req service.DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierror.BadRequest("invalid request body"))
		return
	}

	offer, err := h.trades.CreateDeposit(r.Context(), &req)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Created(w, offer)
}

// Withdraw handles POST /api/v1/trade/withdraw
func (h *TradeHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req service.WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierror.BadRequest("invalid request body"))
		return
	}

	result, err := h.trades.CreateWithdraw(r.Context(), &req)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Created(w, result)
}

// Get handles GET /api/v1/trade/offers/{id}
func (h *TradeHandler) Get(w http.ResponseWriter, r *http.Request) {
	offer, err := h.trades.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, offer)
}

// History handles GET /api/v1/trade/history/{steamId}
func (h *TradeHandler) History(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	offers, err := h.trades.History(r.Context(), chi.URLParam(r, "steamId"), limit)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, offers)
}

// Cancel handles POST /api/v1/trade/offers/{id}/cancel
func (h *TradeHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.trades.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, map[string]string{"status": "cancel requested"})
}

// Confirm handles POST /api/v1/trade/offers/{id}/confirm
func (h *TradeHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	if err := h.trades.RequestConfirmation(r.Context(), chi.URLParam(r, "id")); err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, map[string]string{"status": "confirmation requested"})
}

// verifyRequest is the verification decision payload.
type verifyRequest struct {
	Approve bool `json:"approve"`
}

// Verify handles POST /api/v1/trade/offers/{id}/verify
func (h *TradeHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierror.BadRequest("invalid request body"))
		return
	}

	offer, err := h.trades.ResolveVerification(r.Context(), chi.URLParam(r, "id"), req.Approve)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, offer)
}

// Refund handles POST /api/v1/trade/offers/{id}/refund
func (h *TradeHandler) Refund(w http.ResponseWriter, r *http.Request) {
	offer, err := h.trades.Refund(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Created(w, offer)
}
