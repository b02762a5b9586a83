package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"skne-engine/internal/cache"
	"skne-engine/internal/model"
	"skne-engine/internal/store"
	"skne-engine/pkg/apierror"
	"skne-engine/pkg/response"
)

// InventoryHandler serves the inventory session and stock endpoints.
type InventoryHandler struct {
	cache      *cache.Cache
	items      store.BotItemStore
	sessionTTL time.Duration
}

// NewInventoryHandler creates an inventory handler.
func NewInventoryHandler(c *cache.Cache, items store.BotItemStore, sessionTTL time.Duration) *InventoryHandler {
	return &InventoryHandler{cache: c, items: items, sessionTTL: sessionTTL}
}

// sessionRequest registers a priced inventory snapshot for a user.
type sessionRequest struct {
	SteamID64 string             `json:"steamId64"`
	Items     []model.OfferAsset `json:"items"`
}

// PutSession handles POST /api/v1/inventory/session
func (h *InventoryHandler) PutSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierror.BadRequest("invalid request body"))
		return
	}
	if req.SteamID64 == "" {
		response.Error(w, apierror.BadRequest("steamId64 is required"))
		return
	}

	session := &cache.Session{
		SteamID64: req.SteamID64,
		Items:     req.Items,
		CreatedAt: time.Now(),
	}
	if err := h.cache.PutSession(r.Context(), session, h.sessionTTL); err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, map[string]any{"expiresIn": h.sessionTTL.String()})
}

// Stock handles GET /api/v1/inventory/stock/{bot}
func (h *InventoryHandler) Stock(w http.ResponseWriter, r *http.Request) {
	items, err := h.items.ListByBot(r.Context(), chi.URLParam(r, "bot"))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, items)
}
