// Package api exposes the trading engine over HTTP. Handlers are thin: they
// decode the request, call one service operation and encode the result.
//
// Callers are authenticated upstream. The user arrives in the X-User-ID
// header and operators additionally carry X-User-Role: admin.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nepsesim/trading-engine/internal/competition"
	"github.com/nepsesim/trading-engine/internal/engine"
	"github.com/nepsesim/trading-engine/internal/events"
	"github.com/nepsesim/trading-engine/internal/leaderboard"
	"github.com/nepsesim/trading-engine/internal/model"
	"github.com/nepsesim/trading-engine/internal/portfolio"
	"github.com/nepsesim/trading-engine/internal/price"
)

const (
	HeaderUserID = "X-User-ID"
	HeaderRole   = "X-User-Role"
	RoleAdmin    = "admin"
)

// History reads the trade tape and the cash ledger.
type History interface {
	ListTrades(ctx context.Context, competitionID, symbol string, limit int) ([]model.Trade, error)
	ListLedgerEntries(ctx context.Context, competitionID, userID string) ([]model.LedgerEntry, error)
}

// Handler serves the REST API.
type Handler struct {
	engine       *engine.Engine
	competitions *competition.Service
	portfolios   *portfolio.Service
	prices       *price.Engine
	boards       *leaderboard.Service
	history      History
	hub          *events.WSHub // optional
}

// Deps are the services behind the API.
type Deps struct {
	Engine       *engine.Engine
	Competitions *competition.Service
	Portfolios   *portfolio.Service
	Prices       *price.Engine
	Boards       *leaderboard.Service
	History      History
	Hub          *events.WSHub
}

// New creates a handler.
func New(d Deps) *Handler {
	return &Handler{
		engine:       d.Engine,
		competitions: d.Competitions,
		portfolios:   d.Portfolios,
		prices:       d.Prices,
		boards:       d.Boards,
		history:      d.History,
		hub:          d.Hub,
	}
}

// Mount registers every route under /api/v1.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if h.hub != nil {
			r.Get("/ws", h.hub.HandleWS)
		}

		r.Get("/prices", h.ListPrices)
		r.Get("/prices/{symbol}", h.GetPrice)

		r.Get("/competitions", h.ListCompetitions)
		r.Get("/competitions/default", h.DefaultCompetition)
		r.Get("/competitions/{competitionID}", h.GetCompetition)
		r.Get("/competitions/{competitionID}/orderbook/{symbol}", h.GetOrderBook)
		r.Get("/competitions/{competitionID}/trades", h.ListTrades)

		r.Group(func(r chi.Router) {
			r.Use(requireUser)

			r.Get("/competitions/{competitionID}/leaderboard", h.GetLeaderboard)
			r.Post("/competitions/{competitionID}/join", h.Join)
			r.Post("/competitions/{competitionID}/remarks", h.SubmitRemark)
			r.Get("/competitions/{competitionID}/portfolio", h.GetPortfolio)
			r.Get("/competitions/{competitionID}/portfolio/{userID}", h.GetPortfolio)
			r.Get("/competitions/{competitionID}/ledger", h.GetLedger)

			r.Post("/competitions/{competitionID}/orders", h.PlaceOrder)
			r.Get("/competitions/{competitionID}/orders", h.ListOrders)
			r.Get("/competitions/{competitionID}/orders/{orderID}", h.GetOrder)
			r.Patch("/competitions/{competitionID}/orders/{orderID}", h.EditOrder)
			r.Delete("/competitions/{competitionID}/orders/{orderID}", h.CancelOrder)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireUser, requireAdmin)

			r.Post("/competitions", h.CreateCompetition)
			r.Post("/competitions/{competitionID}/status", h.UpdateStatus)
			r.Post("/competitions/{competitionID}/leaderboard-visibility", h.SetLeaderboardHidden)
			r.Post("/competitions/{competitionID}/reset", h.ResetCompetition)
			r.Post("/competitions/{competitionID}/allocations", h.AllocateShares)
			r.Get("/competitions/{competitionID}/remarks", h.ListRemarks)

			r.Post("/prices", h.ListSymbol)
			r.Post("/market-events", h.CreateMarketEvent)
			r.Post("/market-events/{eventID}/execute", h.ExecuteMarketEvent)
		})
	})
}

// --- Identity ---

type ctxKey int

const (
	userKey ctxKey = iota
	adminKey
)

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(HeaderUserID)
		if user == "" {
			writeError(w, "missing "+HeaderUserID+" header", "unauthenticated", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), userKey, user)
		ctx = context.WithValue(ctx, adminKey, r.Header.Get(HeaderRole) == RoleAdmin)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isAdmin(r) {
			writeErr(w, model.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userID(r *http.Request) string {
	u, _ := r.Context().Value(userKey).(string)
	return u
}

func isAdmin(r *http.Request) bool {
	a, _ := r.Context().Value(adminKey).(bool)
	return a
}

// --- Encoding ---

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body", model.ErrValidation)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, reason string, status int) {
	writeJSON(w, status, ErrorResponse{Error: message, Reason: reason})
}

// writeErr maps a service error to its HTTP status and reason code.
// Internal errors are logged and never echoed.
func writeErr(w http.ResponseWriter, err error) {
	reason := model.ReasonCode(err)
	status := statusFor(reason)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeError(w, msg, reason, status)
}

func statusFor(reason string) int {
	switch reason {
	case "validation_error":
		return http.StatusBadRequest
	case "forbidden", "not_joined", "leaderboard_hidden":
		return http.StatusForbidden
	case "order_not_found", "competition_not_found", "market_event_not_found", "symbol_not_found":
		return http.StatusNotFound
	case "invalid_transition", "order_not_cancellable", "competition_not_active",
		"duplicate_event_execution", "already_joined":
		return http.StatusConflict
	case "insufficient_funds", "insufficient_shares", "outside_trading_hours", "position_limit_exceeded":
		return http.StatusUnprocessableEntity
	case "daily_trade_limit":
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
