package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"stxlend/core/events"
	"stxlend/crypto"
	"stxlend/gateway/middleware"
	"stxlend/native/lending"
	"stxlend/services/lending/engine"
	"stxlend/services/lending/history"
)

const (
	maxBodyBytes        = 64 << 10
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Pool is the subset of the lending service the HTTP API drives.
type Pool interface {
	Params() lending.Params
	Height() uint64

	Deposit(ctx context.Context, caller crypto.Address, amount *big.Int) (*engine.Result, error)
	Withdraw(ctx context.Context, caller crypto.Address, shares *big.Int) (*engine.Result, error)
	Borrow(ctx context.Context, caller crypto.Address, amount, collateral *big.Int) (*engine.Result, error)
	Repay(ctx context.Context, caller crypto.Address, loanID uint64) (*engine.Result, error)
	Liquidate(ctx context.Context, caller crypto.Address, loanID uint64) (*engine.Result, error)
	SetPaused(ctx context.Context, caller crypto.Address, paused bool) (*engine.Result, error)
	SetCaps(ctx context.Context, caller crypto.Address, supplyCap, borrowCap *big.Int) (*engine.Result, error)
	WithdrawRevenue(ctx context.Context, caller, recipient crypto.Address, amount *big.Int) (*engine.Result, error)
	Credit(ctx context.Context, caller crypto.Address, asset string, to crypto.Address, amount *big.Int) (*engine.Result, error)

	Balance(ctx context.Context, asset string, addr crypto.Address) (*big.Int, error)
	Receipt(ctx context.Context, id string) (*engine.Receipt, error)
	LenderBalance(ctx context.Context, addr crypto.Address) (*lending.LenderPosition, error)
	Lenders(ctx context.Context) ([]lending.LenderPosition, error)
	BorrowerLoans(ctx context.Context, addr crypto.Address) ([]lending.LoanView, error)
	LoanDetails(ctx context.Context, id uint64) (*lending.LoanView, error)
	ProtocolStats(ctx context.Context) (*lending.Stats, error)
	MaxBorrowAmount(ctx context.Context, collateral *big.Int) (*big.Int, error)
	CurrentAPY(ctx context.Context) (uint64, error)
	UtilizationBps(ctx context.Context) (uint64, error)
	CollateralPrice(ctx context.Context) (lending.PriceQuote, error)
}

// ActivityLog serves recorded pool activity.
type ActivityLog interface {
	List(ctx context.Context, f history.Filter) ([]history.Activity, error)
	ExportParquet(ctx context.Context, w io.Writer, f history.Filter) (int, error)
}

// Stream delivers live pool events.
type Stream interface {
	Subscribe(ctx context.Context, cursor string) (<-chan events.Update, func(), []events.Update)
}

// Guard wraps handlers with authentication requiring scopes.
type Guard func(scopes ...string) func(http.Handler) http.Handler

type Config struct {
	Pool    Pool
	History ActivityLog
	Stream  Stream
	Logger  *slog.Logger
	// AdminScope is required on admin routes and the history export.
	AdminScope string
}

// Server exposes the pool over JSON/HTTP.
type Server struct {
	pool       Pool
	history    ActivityLog
	stream     Stream
	logger     *slog.Logger
	adminScope string
}

func New(cfg Config) (*Server, error) {
	if cfg.Pool == nil {
		return nil, errors.New("lending server: pool required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	scope := strings.TrimSpace(cfg.AdminScope)
	if scope == "" {
		scope = "lending:admin"
	}
	return &Server{pool: cfg.Pool, history: cfg.History, stream: cfg.Stream, logger: logger, adminScope: scope}, nil
}

// Mount registers the pool routes on r. Reads are public; writes need an
// authenticated principal; admin routes need the admin scope.
func (s *Server) Mount(r chi.Router, guard Guard) {
	if guard == nil {
		guard = func(...string) func(http.Handler) http.Handler {
			return func(next http.Handler) http.Handler { return next }
		}
	}

	r.Get("/stats", s.handleStats)
	r.Get("/apy", s.handleAPY)
	r.Get("/price", s.handlePrice)
	r.Get("/max-borrow", s.handleMaxBorrow)
	r.Get("/lenders", s.handleLenders)
	r.Get("/lenders/{address}", s.handleLender)
	r.Get("/borrowers/{address}/loans", s.handleBorrowerLoans)
	r.Get("/loans/{id}", s.handleLoan)
	r.Get("/balances/{address}", s.handleBalances)
	r.Get("/receipts/{txid}", s.handleReceipt)
	r.Get("/history", s.handleHistory)
	r.Get("/events", s.handleEvents)

	r.Group(func(wr chi.Router) {
		wr.Use(guard())
		wr.Post("/deposit", s.handleDeposit)
		wr.Post("/withdraw", s.handleWithdraw)
		wr.Post("/borrow", s.handleBorrow)
		wr.Post("/repay", s.handleRepay)
		wr.Post("/liquidate", s.handleLiquidate)
	})

	r.Group(func(ar chi.Router) {
		ar.Use(guard(s.adminScope))
		ar.Post("/admin/pause", s.handlePause)
		ar.Post("/admin/caps", s.handleCaps)
		ar.Post("/admin/revenue", s.handleRevenue)
		ar.Post("/admin/credit", s.handleCredit)
		ar.Get("/history/export", s.handleExport)
	})
}

// Handler returns the routes on a fresh router, for tests and embedding.
func (s *Server) Handler(guard Guard) http.Handler {
	r := chi.NewRouter()
	s.Mount(r, guard)
	return r
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, body := toError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("lending request failed",
			slog.String("op", op),
			slog.String("request_id", middleware.RequestIDFrom(r.Context())),
			slog.Any("error", err))
	}
	writeJSON(w, status, body)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeProblem(w, http.StatusBadRequest, "InvalidRequest", fmt.Sprintf("decode body: %v", err))
		return false
	}
	return true
}

func caller(w http.ResponseWriter, r *http.Request) (crypto.Address, bool) {
	principal, ok := middleware.Principal(r.Context())
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "Unauthenticated", "authenticated principal required")
		return crypto.Address{}, false
	}
	return principal, true
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, op string, res *engine.Result, err error) {
	if err != nil {
		s.fail(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, operationFrom(res))
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req DepositRequest
	if !decode(w, r, &req) {
		return
	}
	amount, err := engine.ParseAmount(req.Amount)
	if err != nil {
		s.fail(w, r, engine.OpDeposit, err)
		return
	}
	res, err := s.pool.Deposit(r.Context(), who, amount)
	s.respond(w, r, engine.OpDeposit, res, err)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req WithdrawRequest
	if !decode(w, r, &req) {
		return
	}
	shares, err := engine.ParseAmount(req.Shares)
	if err != nil {
		s.fail(w, r, engine.OpWithdraw, err)
		return
	}
	res, err := s.pool.Withdraw(r.Context(), who, shares)
	s.respond(w, r, engine.OpWithdraw, res, err)
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req BorrowRequest
	if !decode(w, r, &req) {
		return
	}
	amount, err := engine.ParseAmount(req.Amount)
	if err != nil {
		s.fail(w, r, engine.OpBorrow, err)
		return
	}
	collateral, err := engine.ParseAmount(req.Collateral)
	if err != nil {
		s.fail(w, r, engine.OpBorrow, err)
		return
	}
	res, err := s.pool.Borrow(r.Context(), who, amount, collateral)
	s.respond(w, r, engine.OpBorrow, res, err)
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req LoanRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.pool.Repay(r.Context(), who, req.LoanID)
	s.respond(w, r, engine.OpRepay, res, err)
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req LoanRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.pool.Liquidate(r.Context(), who, req.LoanID)
	s.respond(w, r, engine.OpLiquidate, res, err)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req PauseRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Paused == nil {
		writeProblem(w, http.StatusBadRequest, "InvalidRequest", "paused is required")
		return
	}
	res, err := s.pool.SetPaused(r.Context(), who, *req.Paused)
	s.respond(w, r, engine.OpSetPaused, res, err)
}

func (s *Server) handleCaps(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req CapsRequest
	if !decode(w, r, &req) {
		return
	}
	supplyCap, err := engine.ParseAmount(req.SupplyCap)
	if err != nil {
		s.fail(w, r, engine.OpSetCaps, err)
		return
	}
	borrowCap, err := engine.ParseAmount(req.BorrowCap)
	if err != nil {
		s.fail(w, r, engine.OpSetCaps, err)
		return
	}
	res, err := s.pool.SetCaps(r.Context(), who, supplyCap, borrowCap)
	s.respond(w, r, engine.OpSetCaps, res, err)
}

func (s *Server) handleRevenue(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req RevenueRequest
	if !decode(w, r, &req) {
		return
	}
	recipient, err := engine.ParseAddress(req.Recipient)
	if err != nil {
		s.fail(w, r, engine.OpWithdrawRevenue, err)
		return
	}
	amount, err := engine.ParseOptionalAmount(req.Amount)
	if err != nil {
		s.fail(w, r, engine.OpWithdrawRevenue, err)
		return
	}
	res, err := s.pool.WithdrawRevenue(r.Context(), who, recipient, amount)
	s.respond(w, r, engine.OpWithdrawRevenue, res, err)
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req CreditRequest
	if !decode(w, r, &req) {
		return
	}
	to, err := engine.ParseAddress(req.To)
	if err != nil {
		s.fail(w, r, engine.OpCredit, err)
		return
	}
	amount, err := engine.ParseAmount(req.Amount)
	if err != nil {
		s.fail(w, r, engine.OpCredit, err)
		return
	}
	res, err := s.pool.Credit(r.Context(), who, req.Asset, to, amount)
	s.respond(w, r, engine.OpCredit, res, err)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.pool.ProtocolStats(r.Context())
	if err != nil {
		s.fail(w, r, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, statsFrom(stats))
}

func (s *Server) handleAPY(w http.ResponseWriter, r *http.Request) {
	apy, err := s.pool.CurrentAPY(r.Context())
	if err != nil {
		s.fail(w, r, "apy", err)
		return
	}
	util, err := s.pool.UtilizationBps(r.Context())
	if err != nil {
		s.fail(w, r, "apy", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{
		"borrowApyBps":   s.pool.Params().BorrowRateBps,
		"currentApyBps":  apy,
		"utilizationBps": util,
	})
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	quote, err := s.pool.CollateralPrice(r.Context())
	if err != nil {
		s.fail(w, r, "price", err)
		return
	}
	writeJSON(w, http.StatusOK, Price{
		Asset:  s.pool.Params().CollateralAsset,
		Price:  amountString(quote.Price),
		Block:  quote.Block,
		Source: quote.Source,
	})
}

func (s *Server) handleMaxBorrow(w http.ResponseWriter, r *http.Request) {
	collateral, err := engine.ParseAmount(r.URL.Query().Get("collateral"))
	if err != nil {
		s.fail(w, r, "max_borrow", err)
		return
	}
	limit, err := s.pool.MaxBorrowAmount(r.Context(), collateral)
	if err != nil {
		s.fail(w, r, "max_borrow", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"collateral": collateral.String(), "maxBorrow": amountString(limit)})
}

func (s *Server) handleLenders(w http.ResponseWriter, r *http.Request) {
	positions, err := s.pool.Lenders(r.Context())
	if err != nil {
		s.fail(w, r, "lenders", err)
		return
	}
	out := make([]Lender, 0, len(positions))
	for _, p := range positions {
		out = append(out, lenderFrom(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"lenders": out})
}

func (s *Server) handleLender(w http.ResponseWriter, r *http.Request) {
	addr, err := engine.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.fail(w, r, "lender", err)
		return
	}
	position, err := s.pool.LenderBalance(r.Context(), addr)
	if err != nil {
		s.fail(w, r, "lender", err)
		return
	}
	writeJSON(w, http.StatusOK, lenderFrom(*position))
}

func (s *Server) handleBorrowerLoans(w http.ResponseWriter, r *http.Request) {
	addr, err := engine.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.fail(w, r, "borrower_loans", err)
		return
	}
	views, err := s.pool.BorrowerLoans(r.Context(), addr)
	if err != nil {
		s.fail(w, r, "borrower_loans", err)
		return
	}
	out := make([]Loan, 0, len(views))
	for _, v := range views {
		out = append(out, loanFrom(v))
	}
	writeJSON(w, http.StatusOK, map[string]any{"loans": out})
}

func (s *Server) handleLoan(w http.ResponseWriter, r *http.Request) {
	id, err := engine.ParseLoanID(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, "loan", err)
		return
	}
	view, err := s.pool.LoanDetails(r.Context(), id)
	if err != nil {
		s.fail(w, r, "loan", err)
		return
	}
	writeJSON(w, http.StatusOK, loanFrom(*view))
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	addr, err := engine.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.fail(w, r, "balances", err)
		return
	}
	params := s.pool.Params()
	out := Balance{Address: addr.String(), Assets: make(map[string]string, 2)}
	for _, asset := range []string{params.LendingAsset, params.CollateralAsset} {
		bal, err := s.pool.Balance(r.Context(), asset, addr)
		if err != nil {
			s.fail(w, r, "balances", err)
			return
		}
		out.Assets[asset] = amountString(bal)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.pool.Receipt(r.Context(), chi.URLParam(r, "txid"))
	if err != nil {
		s.fail(w, r, "receipt", err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func historyFilter(r *http.Request) (history.Filter, error) {
	q := r.URL.Query()
	f := history.Filter{Limit: defaultHistoryLimit}
	if raw := strings.TrimSpace(q.Get("address")); raw != "" {
		addr, err := engine.ParseAddress(raw)
		if err != nil {
			return f, err
		}
		f.Address = addr.String()
	}
	if t := strings.TrimSpace(q.Get("type")); t != "" {
		if !history.KnownType(t) {
			return f, fmt.Errorf("%w: unknown event type %q", engine.ErrInvalidAmount, t)
		}
		f.Type = t
	}
	for key, dst := range map[string]*uint64{"from": &f.FromHeight, "to": &f.ToHeight} {
		raw := strings.TrimSpace(q.Get(key))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return f, fmt.Errorf("%w: invalid %s height %q", engine.ErrInvalidAmount, key, raw)
		}
		*dst = v
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return f, fmt.Errorf("%w: invalid limit %q", engine.ErrInvalidAmount, raw)
		}
		if limit > maxHistoryLimit {
			limit = maxHistoryLimit
		}
		f.Limit = limit
	}
	return f, nil
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.fail(w, r, "history", engine.ErrUnavailable)
		return
	}
	f, err := historyFilter(r)
	if err != nil {
		s.fail(w, r, "history", err)
		return
	}
	rows, err := s.history.List(r.Context(), f)
	if err != nil {
		s.fail(w, r, "history", err)
		return
	}
	out := make([]Activity, 0, len(rows))
	for _, row := range rows {
		out = append(out, activityFrom(row))
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": out})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.fail(w, r, "history_export", engine.ErrUnavailable)
		return
	}
	f, err := historyFilter(r)
	if err != nil {
		s.fail(w, r, "history_export", err)
		return
	}
	if r.URL.Query().Get("limit") == "" {
		f.Limit = 0
	}
	w.Header().Set("Content-Type", "application/vnd.apache.parquet")
	w.Header().Set("Content-Disposition", `attachment; filename="lending-history.parquet"`)
	n, err := s.history.ExportParquet(r.Context(), w, f)
	if err != nil {
		// Headers may already be on the wire; log only.
		s.logger.Error("history export failed", slog.Int("rows", n), slog.Any("error", err))
	}
}
