package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"skne-engine/internal/service"
	"skne-engine/pkg/apierror"
	"skne-engine/pkg/response"
)

// VirtualHandler serves the marketplace-backed withdrawal endpoints.
type VirtualHandler struct {
	virtual *service.VirtualOfferService
}

// NewVirtualHandler creates a virtual offer handler.
func NewVirtualHandler(virtual *service.VirtualOfferService) *VirtualHandler {
	return &VirtualHandler{virtual: virtual}
}

// groupResponse bundles a group with its member offers.
type groupResponse struct {
	Group  any `json:"group"`
	Offers any `json:"offers"`
}

// Create handles POST /api/v1/virtual/withdraw
func (h *VirtualHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req service.VirtualRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierror.BadRequest("invalid request body"))
		return
	}

	group, offers, err := h.virtual.Create(r.Context(), &req)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Created(w, groupResponse{Group: group, Offers: offers})
}

// Get handles GET /api/v1/virtual/offers/{id}
func (h *VirtualHandler) Get(w http.ResponseWriter, r *http.Request) {
	offer, err := h.virtual.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, offer)
}

// Retry handles POST /api/v1/virtual/offers/{id}/retry
func (h *VirtualHandler) Retry(w http.ResponseWriter, r *http.Request) {
	offer, err := h.virtual.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, offer)
}

// Group handles GET /api/v1/virtual/groups/{id}
func (h *VirtualHandler) Group(w http.ResponseWriter, r *http.Request) {
	group, offers, err := h.virtual.Group(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, groupResponse{Group: group, Offers: offers})
}
