// Package api exposes the accounting engine over HTTP: the operations games
// and the casino UI call, read-only introspection, and the operator routes
// for stuck withdrawals and uncertain deposits.
//
// Amounts in requests and responses are token base units (6 decimals for
// USDT); a few responses add a decimal *_usdt field for display.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/casinohouse/accounting-engine/internal/accounting"
	"github.com/casinohouse/accounting-engine/internal/model"
)

// Service holds the HTTP handlers. All state lives in the engine.
type Service struct {
	engine        *accounting.Engine
	operatorToken string
}

// NewService creates the handlers. An empty operatorToken disables the
// admin routes.
func NewService(engine *accounting.Engine, operatorToken string) *Service {
	return &Service{engine: engine, operatorToken: operatorToken}
}

// Routes registers every handler on r. Mount it under /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Route("/users/{userID}", func(r chi.Router) {
		r.Post("/deposit", s.Deposit)
		r.Post("/withdraw", s.Withdraw)
		r.Get("/balance", s.GetBalance)
		r.Get("/withdrawal", s.GetWithdrawalStatus)
	})

	r.Route("/liquidity/{lpID}", func(r chi.Router) {
		r.Get("/", s.GetLPPosition)
		r.Post("/deposit", s.DepositLiquidity)
		r.Post("/withdraw", s.WithdrawLiquidity)
	})
	r.Get("/pool", s.GetPoolStats)

	r.Post("/bets/settle", s.SettleBet)
	r.Post("/wagers/validate", s.ValidateWager)

	r.Get("/audit", s.AuditBalances)
	r.Post("/audit/refresh", s.RefreshCanisterBalance)
	r.Get("/audit/log", s.AuditLog)

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireOperator)
		r.Get("/withdrawals", s.ListPending)
		r.Post("/withdrawals/process", s.ProcessPending)
		r.Post("/withdrawals/{userID}/resolve", s.ResolveStuck)
		r.Get("/deposits", s.ListUncertainDeposits)
		r.Post("/deposits/{depositID}/resolve", s.ResolveDeposit)
		r.Put("/users/{userID}/balance", s.UpdateBalance)
	})
}

// --- Request/Response types ---

// AmountRequest is the JSON body for deposits.
type AmountRequest struct {
	Amount model.Amount `json:"amount"`
}

// SettleRequest is the JSON body for POST /bets/settle.
type SettleRequest struct {
	UserID    string       `json:"user_id"`
	BetAmount model.Amount `json:"bet_amount"`
	Payout    model.Amount `json:"payout"`
	MaxPayout model.Amount `json:"max_payout"` // 0 → payout
}

// ValidateWagerRequest is the JSON body for POST /wagers/validate. Games
// call it again whenever a wager grows mid-round.
type ValidateWagerRequest struct {
	UserID    string       `json:"user_id"`
	BetAmount model.Amount `json:"bet_amount"`
	MaxPayout model.Amount `json:"max_payout"`
}

// ResolveRequest is the JSON body for the operator resolve route.
type ResolveRequest struct {
	Action string `json:"action"` // "complete" or "rollback"
}

// BalanceResponse is returned by the balance routes.
type BalanceResponse struct {
	User        string          `json:"user"`
	Balance     model.Amount    `json:"balance"`
	BalanceUSDT decimal.Decimal `json:"balance_usdt"`
}

// WagerResponse is returned by POST /wagers/validate.
type WagerResponse struct {
	Accepted         bool         `json:"accepted"`
	MaxAllowedPayout model.Amount `json:"max_allowed_payout"`
}

// --- User chips ---

// Deposit handles POST /api/v1/users/{userID}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "userID")
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.engine.Deposit(r.Context(), user, req.Amount)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Withdraw handles POST /api/v1/users/{userID}/withdraw
// The whole balance is withdrawn. A transfer whose outcome is unknown is
// answered with 202 and retried in the background.
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.WithdrawAll(r.Context(), chi.URLParam(r, "userID"))
	writeWithdrawal(w, r, res, err)
}

// GetBalance handles GET /api/v1/users/{userID}/balance
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "userID")
	balance, err := s.engine.GetBalance(r.Context(), user)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{User: user, Balance: balance, BalanceUSDT: balance.Tokens()})
}

// GetWithdrawalStatus handles GET /api/v1/users/{userID}/withdrawal
func (s *Service) GetWithdrawalStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.GetWithdrawalStatus(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// --- Liquidity ---

// DepositLiquidity handles POST /api/v1/liquidity/{lpID}/deposit
func (s *Service) DepositLiquidity(w http.ResponseWriter, r *http.Request) {
	lp := chi.URLParam(r, "lpID")
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.engine.DepositLiquidity(r.Context(), lp, req.Amount)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// WithdrawLiquidity handles POST /api/v1/liquidity/{lpID}/withdraw
func (s *Service) WithdrawLiquidity(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.WithdrawAllLiquidity(r.Context(), chi.URLParam(r, "lpID"))
	writeWithdrawal(w, r, res, err)
}

// GetLPPosition handles GET /api/v1/liquidity/{lpID}
func (s *Service) GetLPPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.engine.GetLPPosition(r.Context(), chi.URLParam(r, "lpID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// GetPoolStats handles GET /api/v1/pool
func (s *Service) GetPoolStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.GetPoolStats(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- Games ---

// SettleBet handles POST /api/v1/bets/settle
func (s *Service) SettleBet(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	res, err := s.engine.SettleBet(r.Context(), req.UserID, model.GameTransaction{
		BetAmount: req.BetAmount,
		Payout:    req.Payout,
		MaxPayout: req.MaxPayout,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ValidateWager handles POST /api/v1/wagers/validate
func (s *Service) ValidateWager(w http.ResponseWriter, r *http.Request) {
	var req ValidateWagerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if err := s.engine.ValidateWager(ctx, req.UserID, req.BetAmount, req.MaxPayout); err != nil {
		writeEngineError(w, r, err)
		return
	}
	stats, err := s.engine.GetPoolStats(ctx)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WagerResponse{Accepted: true, MaxAllowedPayout: stats.MaxAllowedPayout})
}

// --- Audit ---

// AuditBalances handles GET /api/v1/audit
// A failed audit still returns the report, with 409.
func (s *Service) AuditBalances(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.AuditBalances(r.Context())
	if err != nil && report == nil {
		writeEngineError(w, r, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status, _ = statusFor(err)
	}
	writeJSON(w, status, report)
}

// RefreshCanisterBalance handles POST /api/v1/audit/refresh
func (s *Service) RefreshCanisterBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.engine.RefreshCanisterBalance(r.Context())
	if err != nil {
		slog.Warn("ledger balance refresh failed", "err", err)
		writeError(w, "ledger balance unavailable", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ledger_balance":      balance,
		"ledger_balance_usdt": balance.Tokens(),
	})
}

// AuditLog handles GET /api/v1/audit/log?user=<id>&limit=<n>
func (s *Service) AuditLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := s.engine.AuditLog(r.Context(), q.Get("user"), limit)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Operator ---

// ListPending handles GET /api/v1/admin/withdrawals
func (s *Service) ListPending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.engine.ListPending(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if pending == nil {
		pending = []model.PendingWithdrawal{}
	}
	writeJSON(w, http.StatusOK, pending)
}

// ProcessPending handles POST /api/v1/admin/withdrawals/process
// It runs one retry pass without waiting for the worker's next tick.
func (s *Service) ProcessPending(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.ProcessPending(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ResolveStuck handles POST /api/v1/admin/withdrawals/{userID}/resolve
func (s *Service) ResolveStuck(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	action, err := accounting.ParseResolution(req.Action)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	res, err := s.engine.ResolveStuck(r.Context(), chi.URLParam(r, "userID"), action, operatorName(r))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListUncertainDeposits handles GET /api/v1/admin/deposits
func (s *Service) ListUncertainDeposits(w http.ResponseWriter, r *http.Request) {
	deposits, err := s.engine.ListUncertainDeposits(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if deposits == nil {
		deposits = []model.UncertainDeposit{}
	}
	writeJSON(w, http.StatusOK, deposits)
}

// ResolveDeposit handles POST /api/v1/admin/deposits/{depositID}/resolve
// "complete" books a deposit the ledger shows as received, "rollback"
// discards one that never arrived.
func (s *Service) ResolveDeposit(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	action, err := accounting.ParseResolution(req.Action)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	res, err := s.engine.ResolveDeposit(r.Context(), chi.URLParam(r, "depositID"), action, operatorName(r))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// UpdateBalance handles PUT /api/v1/admin/users/{userID}/balance
func (s *Service) UpdateBalance(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "userID")
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.UpdateBalance(r.Context(), user, req.Amount); err != nil {
		writeEngineError(w, r, err)
		return
	}
	slog.Info("balance overwritten by operator", "user", user, "balance", req.Amount, "operator", operatorName(r))
	writeJSON(w, http.StatusOK, BalanceResponse{User: user, Balance: req.Amount, BalanceUSDT: req.Amount.Tokens()})
}

// requireOperator checks the bearer token on admin routes.
func (s *Service) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.operatorToken == "" {
			writeError(w, "operator routes are disabled", http.StatusForbidden)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.operatorToken)) != 1 {
			writeError(w, "operator token required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func operatorName(r *http.Request) string {
	if name := r.Header.Get("X-Operator"); name != "" {
		return name
	}
	return "operator"
}

// writeWithdrawal answers a withdrawal call: 200 when the transfer landed,
// 202 while it is unresolved, and the mapped error otherwise. A ledger
// refusal carries the rolled-back withdrawal.
func writeWithdrawal(w http.ResponseWriter, r *http.Request, res *accounting.WithdrawalResult, err error) {
	if err != nil {
		writeEngineErrorWith(w, r, err, res)
		return
	}
	switch res.Status {
	case accounting.StatusProcessing, accounting.StatusStuck:
		writeJSON(w, http.StatusAccepted, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}
