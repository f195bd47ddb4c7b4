package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nepsesim/trading-engine/internal/engine"
	"github.com/nepsesim/trading-engine/internal/model"
)

// PlaceOrder handles POST /api/v1/competitions/{competitionID}/orders
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req engine.OrderRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	req.CompetitionID = chi.URLParam(r, "competitionID")
	req.UserID = userID(r)

	res, err := h.engine.PlaceOrder(r.Context(), req)
	if err != nil && res == nil {
		writeErr(w, err)
		return
	}
	if err != nil {
		// Settlement failed after some fills; the remainder was cancelled.
		slog.Error("order partially settled", "order_id", res.Order.ID, "err", err)
	}
	writeJSON(w, http.StatusCreated, res)
}

// ListOrders handles GET /api/v1/competitions/{competitionID}/orders?user_id=&status=all
// By default only open and partially filled orders are listed.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	user, err := target(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	id := chi.URLParam(r, "competitionID")
	var orders []model.Order
	if r.URL.Query().Get("status") == "all" {
		orders, err = h.engine.OrderHistory(r.Context(), id, user)
	} else {
		orders, err = h.engine.GetOpenOrders(r.Context(), id, user)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetOrder handles GET /api/v1/competitions/{competitionID}/orders/{orderID}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.engine.GetOrder(r.Context(), userID(r), chi.URLParam(r, "orderID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// EditOrder handles PATCH /api/v1/competitions/{competitionID}/orders/{orderID}
func (h *Handler) EditOrder(w http.ResponseWriter, r *http.Request) {
	var req engine.EditRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	res, err := h.engine.EditOrder(r.Context(), userID(r), chi.URLParam(r, "orderID"), req)
	if err != nil && res == nil {
		writeErr(w, err)
		return
	}
	if err != nil {
		slog.Error("edited order partially settled", "order_id", res.Order.ID, "err", err)
	}
	writeJSON(w, http.StatusOK, res)
}

// CancelOrder handles DELETE /api/v1/competitions/{competitionID}/orders/{orderID}
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.engine.CancelOrder(r.Context(), userID(r), chi.URLParam(r, "orderID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// GetOrderBook handles GET /api/v1/competitions/{competitionID}/orderbook/{symbol}?depth=
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	depth, err := intParam(r, "depth", 10)
	if err != nil {
		writeErr(w, err)
		return
	}
	v, err := h.engine.GetOrderBook(r.Context(), chi.URLParam(r, "competitionID"), chi.URLParam(r, "symbol"), depth)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}
