// Package api exposes the market engine over HTTP and WebSocket.
//
// Mutating routes take the caller from the auth middleware; reads are public.
// Amounts are JSON integers in base units.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/marketd/internal/auth"
	"github.com/atmx/marketd/internal/engine"
	"github.com/atmx/marketd/internal/fault"
	"github.com/atmx/marketd/internal/model"
)

// Handler serves the engine's operations.
type Handler struct {
	svc          *engine.Service
	hub          *WSHub
	allowFunding bool
}

// NewHandler creates a Handler. hub may be nil when no WebSocket feed is
// wanted.
func NewHandler(svc *engine.Service, hub *WSHub, allowFunding bool) *Handler {
	return &Handler{svc: svc, hub: hub, allowFunding: allowFunding}
}

// Routes mounts every endpoint under /api/v1. authn guards the mutating
// routes.
func (h *Handler) Routes(r chi.Router, authn func(http.Handler) http.Handler) {
	r.Route("/api/v1", func(r chi.Router) {
		if h.hub != nil {
			r.Get("/ws", h.hub.HandleWS)
		}

		r.Get("/markets", h.ListMarkets)
		r.Get("/markets/{marketID}", h.GetMarket)
		r.Get("/markets/{marketID}/quote", h.GetQuote)
		r.Get("/markets/{marketID}/history", h.GetMarketHistory)
		r.Get("/markets/{marketID}/positions", h.GetMarketPositions)
		r.Get("/markets/{marketID}/positions/{user}", h.GetPosition)

		r.Get("/accounts/{account}", h.GetAccount)
		r.Get("/accounts/{account}/positions", h.GetAccountPositions)
		r.Get("/accounts/{account}/history", h.GetAccountHistory)
		if h.allowFunding {
			r.Post("/accounts/{account}/fund", h.Fund)
		}

		r.Group(func(r chi.Router) {
			r.Use(authn)
			r.Post("/markets", h.CreateMarket)
			r.Post("/markets/{marketID}/bets", h.PlaceBet)
			r.Post("/markets/{marketID}/price", h.UpdatePrice)
			r.Post("/markets/{marketID}/resolve", h.ResolveMarket)
			r.Post("/markets/{marketID}/claim", h.ClaimWinnings)
		})
	})
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for POST /markets.
type CreateMarketRequest struct {
	Question        string          `json:"question"`
	LiquidityParam  uint64          `json:"liquidity_param"`
	EndTime         int64           `json:"end_time"` // unix seconds
	OracleAuthority *model.Identity `json:"oracle_authority,omitempty"`
	Policy          string          `json:"policy,omitempty"`
}

// BetRequest is the JSON body for POST /markets/{id}/bets.
type BetRequest struct {
	Amount uint64 `json:"amount"`
	Side   string `json:"side"` // "YES" or "NO"
}

// PriceRequest is the JSON body for POST /markets/{id}/price.
type PriceRequest struct {
	Probability uint64 `json:"probability"` // scaled by 1e6
}

// ResolveRequest is the JSON body for POST /markets/{id}/resolve.
type ResolveRequest struct {
	Outcome *bool `json:"outcome"` // true = YES won
}

// ClaimResponse is returned from POST /markets/{id}/claim.
type ClaimResponse struct {
	Market model.Identity `json:"market"`
	User   model.Identity `json:"user"`
	Payout uint64         `json:"payout"`
}

// FundRequest is the JSON body for POST /accounts/{account}/fund.
type FundRequest struct {
	Amount uint64 `json:"amount"`
}

// AccountResponse summarises one account.
type AccountResponse struct {
	Account model.Identity `json:"account"`
	Balance uint64         `json:"balance"`
}

// --- Mutations ---

// CreateMarket handles POST /api/v1/markets
func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req CreateMarketRequest
	if !decode(w, r, &req) {
		return
	}

	params := engine.CreateParams{
		Question:       req.Question,
		LiquidityParam: req.LiquidityParam,
		EndTime:        req.EndTime,
		Policy:         req.Policy,
	}
	if req.OracleAuthority != nil {
		params.OracleAuthority = *req.OracleAuthority
	}

	m, err := h.svc.CreateMarket(r.Context(), caller, params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// PlaceBet handles POST /api/v1/markets/{marketID}/bets
func (h *Handler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	marketID, ok := identityParam(w, r, "marketID")
	if !ok {
		return
	}
	var req BetRequest
	if !decode(w, r, &req) {
		return
	}
	// An unknown side is passed through as zero so the engine reports it
	// after the lifecycle checks, like any other invalid bet.
	side, _ := model.ParseSide(req.Side)

	res, err := h.svc.PlaceBet(r.Context(), caller, marketID, req.Amount, side)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// UpdatePrice handles POST /api/v1/markets/{marketID}/price
func (h *Handler) UpdatePrice(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	marketID, ok := identityParam(w, r, "marketID")
	if !ok {
		return
	}
	var req PriceRequest
	if !decode(w, r, &req) {
		return
	}

	if err := h.svc.UpdatePrice(r.Context(), caller, marketID, req.Probability); err != nil {
		writeError(w, err)
		return
	}
	h.writeMarket(w, r, marketID)
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve
func (h *Handler) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	marketID, ok := identityParam(w, r, "marketID")
	if !ok {
		return
	}
	var req ResolveRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Outcome == nil {
		writeMessage(w, http.StatusBadRequest, "InvalidRequest", "outcome is required")
		return
	}

	if err := h.svc.ResolveMarket(r.Context(), caller, marketID, *req.Outcome); err != nil {
		writeError(w, err)
		return
	}
	h.writeMarket(w, r, marketID)
}

// ClaimWinnings handles POST /api/v1/markets/{marketID}/claim
func (h *Handler) ClaimWinnings(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	marketID, ok := identityParam(w, r, "marketID")
	if !ok {
		return
	}

	payout, err := h.svc.ClaimWinnings(r.Context(), caller, marketID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ClaimResponse{Market: marketID, User: caller, Payout: payout})
}

// Fund handles POST /api/v1/accounts/{account}/fund
func (h *Handler) Fund(w http.ResponseWriter, r *http.Request) {
	account, ok := identityParam(w, r, "account")
	if !ok {
		return
	}
	var req FundRequest
	if !decode(w, r, &req) {
		return
	}

	balance, err := h.svc.Fund(r.Context(), account, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountResponse{Account: account, Balance: balance})
}

// --- Queries ---

// ListMarkets handles GET /api/v1/markets
// Returns all markets, newest first, optionally filtered by
// ?status=open|ended|resolved.
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	var (
		markets []model.Market
		err     error
	)
	if status := model.MarketStatus(r.URL.Query().Get("status")); status != "" {
		if !status.Valid() {
			writeMessage(w, http.StatusBadRequest, "InvalidRequest", "status must be open, ended or resolved")
			return
		}
		markets, err = h.svc.MarketsByStatus(r.Context(), status)
	} else {
		markets, err = h.svc.ListMarkets(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	marketID, ok := identityParam(w, r, "marketID")
	if !ok {
		return
	}
	h.writeMarket(w, r, marketID)
}

// GetQuote handles GET /api/v1/markets/{marketID}/quote?amount=&side=
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	marketID, ok := identityParam(w, r, "marketID")
	if !ok {
		return
	}
	q := r.URL.Query()
	amount, err := strconv.ParseUint(q.Get("amount"), 10, 64)
	if err != nil {
		writeError(w, fault.ErrInvalidAmount)
		return
	}
	side, err := model.ParseSide(q.Get("side"))
	if err != nil {
		writeError(w, err)
		return
	}

	quote, err := h.svc.Quote(r.Context(), marketID, amount, side)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// GetMarketHistory handles GET /api/v1/markets/{marketID}/history
// Returns the market's ledger entries, oldest first.
func (h *Handler) GetMarketHistory(w http.ResponseWriter, r *http.Request) {
	marketID, ok := identityParam(w, r, "marketID")
	if !ok {
		return
	}
	entries, err := h.svc.MarketHistory(r.Context(), marketID)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetMarketPositions handles GET /api/v1/markets/{marketID}/positions
func (h *Handler) GetMarketPositions(w http.ResponseWriter, r *http.Request) {
	marketID, ok := identityParam(w, r, "marketID")
	if !ok {
		return
	}
	positions, err := h.svc.MarketPositions(r.Context(), marketID)
	if err != nil {
		writeError(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetPosition handles GET /api/v1/markets/{marketID}/positions/{user}
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	marketID, ok := identityParam(w, r, "marketID")
	if !ok {
		return
	}
	user, ok := identityParam(w, r, "user")
	if !ok {
		return
	}
	view, err := h.svc.GetPosition(r.Context(), marketID, user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetAccount handles GET /api/v1/accounts/{account}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := identityParam(w, r, "account")
	if !ok {
		return
	}
	balance, err := h.svc.Balance(r.Context(), account)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountResponse{Account: account, Balance: balance})
}

// GetAccountPositions handles GET /api/v1/accounts/{account}/positions
func (h *Handler) GetAccountPositions(w http.ResponseWriter, r *http.Request) {
	account, ok := identityParam(w, r, "account")
	if !ok {
		return
	}
	positions, err := h.svc.ListPositions(r.Context(), account)
	if err != nil {
		writeError(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetAccountHistory handles GET /api/v1/accounts/{account}/history
func (h *Handler) GetAccountHistory(w http.ResponseWriter, r *http.Request) {
	account, ok := identityParam(w, r, "account")
	if !ok {
		return
	}
	entries, err := h.svc.AccountHistory(r.Context(), account)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- helpers ---

func (h *Handler) writeMarket(w http.ResponseWriter, r *http.Request, id model.Identity) {
	m, err := h.svc.GetMarket(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func callerOf(w http.ResponseWriter, r *http.Request) (model.Identity, bool) {
	caller, ok := auth.CallerFrom(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Unauthenticated", "caller not authenticated")
	}
	return caller, ok
}

func identityParam(w http.ResponseWriter, r *http.Request, name string) (model.Identity, bool) {
	id, err := model.ParseIdentity(chi.URLParam(r, name))
	if err != nil {
		writeError(w, err)
		return id, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeMessage(w, http.StatusBadRequest, "InvalidRequest", "invalid request body")
		return false
	}
	return true
}

// statusFor maps a fault kind to its HTTP status.
func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.Validation:
		return http.StatusBadRequest
	case fault.Authorization:
		return http.StatusForbidden
	case fault.NotFound:
		return http.StatusNotFound
	case fault.State, fault.Resource:
		return http.StatusConflict
	case fault.Arithmetic:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// writeError writes a JSON error response for err. Internal errors are
// logged and reported without detail.
func writeError(w http.ResponseWriter, err error) {
	fe, ok := fault.As(err)
	if !ok {
		slog.Error("request failed", "err", err)
		writeMessage(w, http.StatusInternalServerError, fault.CodeOf(err), "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(fe.Kind))
	json.NewEncoder(w).Encode(map[string]any{
		"error":     err.Error(),
		"code":      fe.Code,
		"kind":      string(fe.Kind),
		"retryable": fault.Retryable(err),
	})
}

func writeMessage(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
