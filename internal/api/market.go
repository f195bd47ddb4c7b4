package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/nepsesim/trading-engine/internal/model"
)

// ListingRequest is the JSON body for POST /api/v1/prices.
type ListingRequest struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// ListPrices handles GET /api/v1/prices
func (h *Handler) ListPrices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.prices.Snapshot())
}

// GetPrice handles GET /api/v1/prices/{symbol}
func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	p, err := h.prices.Get(chi.URLParam(r, "symbol"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListSymbol handles POST /api/v1/prices. Listing an existing symbol is a
// no-op.
func (h *Handler) ListSymbol(w http.ResponseWriter, r *http.Request) {
	var req ListingRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := h.prices.List(r.Context(), req.Symbol, req.Price); err != nil {
		writeErr(w, err)
		return
	}
	p, err := h.prices.Get(req.Symbol)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// CreateMarketEvent handles POST /api/v1/market-events
func (h *Handler) CreateMarketEvent(w http.ResponseWriter, r *http.Request) {
	var ev model.MarketEvent
	if err := decode(r, &ev); err != nil {
		writeErr(w, err)
		return
	}
	if err := h.prices.CreateEvent(r.Context(), &ev); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

// ExecuteMarketEvent handles POST /api/v1/market-events/{eventID}/execute.
// A second execution answers 409 duplicate_event_execution.
func (h *Handler) ExecuteMarketEvent(w http.ResponseWriter, r *http.Request) {
	prices, err := h.prices.ExecuteMarketEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prices)
}
