package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"skne-engine/internal/cache"
	"skne-engine/internal/service"
	"skne-engine/pkg/apierror"
	"skne-engine/pkg/response"
)

// AdminHandler serves the operator endpoints.
type AdminHandler struct {
	cache  *cache.Cache
	trades *service.TradeOfferService
}

// NewAdminHandler creates an admin handler.
func NewAdminHandler(c *cache.Cache, trades *service.TradeOfferService) *AdminHandler {
	return &AdminHandler{cache: c, trades: trades}
}

// flagRequest toggles a runtime flag.
type flagRequest struct {
	Name string `json:"name"`
	On   bool   `json:"on"`
}

// SetFlag handles POST /api/v1/admin/flags
func (h *AdminHandler) SetFlag(w http.ResponseWriter, r *http.Request) {
	var req flagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierror.BadRequest("invalid request body"))
		return
	}
	if req.Name == "" {
		response.Error(w, apierror.BadRequest("flag name is required"))
		return
	}

	if err := h.cache.SetFlag(r.Context(), req.Name, req.On); err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, map[string]any{"name": req.Name, "on": req.On})
}

// MoveStorage handles POST /api/v1/admin/storage/{bot}
func (h *AdminHandler) MoveStorage(w http.ResponseWriter, r *http.Request) {
	offer, err := h.trades.MoveToStorage(r.Context(), chi.URLParam(r, "bot"))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Created(w, offer)
}
