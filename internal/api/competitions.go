package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/nepsesim/trading-engine/internal/competition"
	"github.com/nepsesim/trading-engine/internal/model"
	"github.com/nepsesim/trading-engine/internal/portfolio"
	"github.com/nepsesim/trading-engine/internal/risk"
)

// StatusRequest is the JSON body for POST .../status.
type StatusRequest struct {
	Status model.CompetitionStatus `json:"status"`
}

// VisibilityRequest is the JSON body for POST .../leaderboard-visibility.
type VisibilityRequest struct {
	Hidden bool `json:"hidden"`
}

// AllocationRequest is the JSON body for POST .../allocations. A zero price
// allocates at the current market price.
type AllocationRequest struct {
	UserID   string          `json:"user_id"`
	Symbol   string          `json:"symbol"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// RemarkRequest is the JSON body for POST .../remarks.
type RemarkRequest struct {
	Body string `json:"body"`
}

// PortfolioResponse is an account snapshot marked to the last prices.
type PortfolioResponse struct {
	*portfolio.View
	HoldingsValue decimal.Decimal `json:"holdings_value"`
	TotalValue    decimal.Decimal `json:"total_value"`
}

// ListCompetitions handles GET /api/v1/competitions
func (h *Handler) ListCompetitions(w http.ResponseWriter, r *http.Request) {
	list, err := h.competitions.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// CreateCompetition handles POST /api/v1/competitions
func (h *Handler) CreateCompetition(w http.ResponseWriter, r *http.Request) {
	var req competition.CreateParams
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	c, err := h.competitions.Create(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// DefaultCompetition handles GET /api/v1/competitions/default
func (h *Handler) DefaultCompetition(w http.ResponseWriter, r *http.Request) {
	c, err := h.competitions.Default(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// GetCompetition handles GET /api/v1/competitions/{competitionID}
func (h *Handler) GetCompetition(w http.ResponseWriter, r *http.Request) {
	c, err := h.competitions.Get(r.Context(), chi.URLParam(r, "competitionID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// UpdateStatus handles POST /api/v1/competitions/{competitionID}/status
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	c, err := h.competitions.UpdateStatus(r.Context(), chi.URLParam(r, "competitionID"), req.Status)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// SetLeaderboardHidden handles POST /api/v1/competitions/{competitionID}/leaderboard-visibility
func (h *Handler) SetLeaderboardHidden(w http.ResponseWriter, r *http.Request) {
	var req VisibilityRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	c, err := h.competitions.SetLeaderboardHidden(r.Context(), chi.URLParam(r, "competitionID"), req.Hidden)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ResetCompetition handles POST /api/v1/competitions/{competitionID}/reset
func (h *Handler) ResetCompetition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "competitionID")
	if err := h.engine.ResetCompetition(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "competition_id": id})
}

// Join handles POST /api/v1/competitions/{competitionID}/join
func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	p, err := h.competitions.Join(r.Context(), chi.URLParam(r, "competitionID"), userID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// AllocateShares handles POST /api/v1/competitions/{competitionID}/allocations
func (h *Handler) AllocateShares(w http.ResponseWriter, r *http.Request) {
	var req AllocationRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	p, err := h.competitions.AllocateShares(r.Context(), chi.URLParam(r, "competitionID"),
		req.UserID, req.Symbol, req.Quantity, req.Price)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// SubmitRemark handles POST /api/v1/competitions/{competitionID}/remarks
func (h *Handler) SubmitRemark(w http.ResponseWriter, r *http.Request) {
	var req RemarkRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	rm, err := h.competitions.SubmitRemark(r.Context(), chi.URLParam(r, "competitionID"), userID(r), req.Body)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rm)
}

// ListRemarks handles GET /api/v1/competitions/{competitionID}/remarks
func (h *Handler) ListRemarks(w http.ResponseWriter, r *http.Request) {
	list, err := h.competitions.Remarks(r.Context(), chi.URLParam(r, "competitionID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GetLeaderboard handles GET /api/v1/competitions/{competitionID}/leaderboard
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	b, err := h.boards.Get(r.Context(), chi.URLParam(r, "competitionID"), isAdmin(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// target returns the user a request reads: the {userID} path parameter when
// present, otherwise the caller. Only admins may read other users.
func target(r *http.Request) (string, error) {
	u := chi.URLParam(r, "userID")
	if u == "" {
		u = r.URL.Query().Get("user_id")
	}
	if u == "" || u == userID(r) {
		return userID(r), nil
	}
	if !isAdmin(r) {
		return "", model.ErrForbidden
	}
	return u, nil
}

// GetPortfolio handles GET /api/v1/competitions/{competitionID}/portfolio[/{userID}]
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	user, err := target(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	v, err := h.portfolios.Get(r.Context(), chi.URLParam(r, "competitionID"), user)
	if err != nil {
		writeErr(w, err)
		return
	}
	total := risk.Exposure{
		Cash:      v.Portfolio.Cash,
		Positions: v.Positions,
		Prices:    h.prices.Prices(),
	}.Value()
	writeJSON(w, http.StatusOK, PortfolioResponse{
		View:          v,
		HoldingsValue: total.Sub(v.Portfolio.Cash),
		TotalValue:    total,
	})
}

// GetLedger handles GET /api/v1/competitions/{competitionID}/ledger
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	user, err := target(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	entries, err := h.history.ListLedgerEntries(r.Context(), chi.URLParam(r, "competitionID"), user)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ListTrades handles GET /api/v1/competitions/{competitionID}/trades?symbol=&limit=
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		writeErr(w, err)
		return
	}
	trades, err := h.history.ListTrades(r.Context(), chi.URLParam(r, "competitionID"), r.URL.Query().Get("symbol"), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", model.ErrValidation, name)
	}
	return n, nil
}
