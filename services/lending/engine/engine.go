package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"stxlend/core/events"
	"stxlend/core/state"
	"stxlend/crypto"
	"stxlend/native/common"
	"stxlend/native/lending"
	"stxlend/observability"
	"stxlend/storage"
)

const (
	OpInitialize      = "initialize"
	OpDeposit         = "deposit"
	OpWithdraw        = "withdraw"
	OpBorrow          = "borrow"
	OpRepay           = "repay"
	OpLiquidate       = "liquidate"
	OpSetPaused       = "set_paused"
	OpSetCaps         = "set_caps"
	OpWithdrawRevenue = "withdraw_revenue"
	OpCredit          = "credit"

	heightMetaKey   = "lending.height"
	receiptSequence = "lending.receipt"
)

// Config describes the pool a Service runs.
type Config struct {
	Params lending.Params
	// Pool is the custody account. Defaults to the "lending-pool" module
	// account.
	Pool      crypto.Address
	Owner     crypto.Address
	SupplyCap *big.Int
	BorrowCap *big.Int
}

// Result is the outcome of a committed operation. Only the fields relevant
// to the operation are set.
type Result struct {
	Receipt    *Receipt            `json:"receipt"`
	Shares     *big.Int            `json:"shares,omitempty"`
	Amount     *big.Int            `json:"amount,omitempty"`
	LoanID     uint64              `json:"loanId,omitempty"`
	Settlement *lending.Settlement `json:"settlement,omitempty"`
}

// Service executes pool operations atomically. Each call runs the engine
// against a storage overlay; the overlay is committed only when the engine
// succeeds, and buffered events are forwarded after the commit once the
// pool lock is released. Emitters and the oracle may call Height freely.
type Service struct {
	mu sync.RWMutex
	// emitMu keeps committed events in commit order outside mu.
	emitMu    sync.Mutex
	committed atomic.Uint64

	db      storage.Database
	clock   Clock
	oracle  lending.PriceOracle
	pauses  common.PauseView
	emitter events.Emitter
	logger  *slog.Logger
	metrics *observability.LendingMetrics
	cfg     Config
}

// Option configures a Service.
type Option func(*Service)

// WithLogger installs a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEmitter forwards committed events to emitter.
func WithEmitter(emitter events.Emitter) Option {
	return func(s *Service) {
		if emitter != nil {
			s.emitter = emitter
		}
	}
}

// WithPauses consults an operator pause view in addition to the pool's own
// flag.
func WithPauses(p common.PauseView) Option {
	return func(s *Service) { s.pauses = p }
}

// WithMetrics records operation outcomes and pool gauges.
func WithMetrics(m *observability.LendingMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New constructs a Service over db.
func New(db storage.Database, clock Clock, oracle lending.PriceOracle, cfg Config, opts ...Option) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("lending service: database required")
	}
	if clock == nil {
		return nil, fmt.Errorf("lending service: clock required")
	}
	if oracle == nil {
		return nil, fmt.Errorf("lending service: price oracle required")
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if cfg.Pool.IsZero() {
		cfg.Pool = crypto.ModuleAddress("lending-pool")
	}
	svc := &Service{
		db:      db,
		clock:   clock,
		oracle:  oracle,
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		cfg:     cfg,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	last, err := state.NewManager(db).MetaUint64(heightMetaKey)
	if err != nil {
		return nil, fmt.Errorf("lending service: load height: %w", err)
	}
	svc.committed.Store(last)
	return svc, nil
}

// Params returns the pool configuration.
func (s *Service) Params() lending.Params { return s.cfg.Params.Clone() }

// PoolAddress returns the custody account.
func (s *Service) PoolAddress() crypto.Address { return s.cfg.Pool }

// Height returns the height the next operation will execute at. It takes no
// lock.
func (s *Service) Height() uint64 {
	h := s.clock.Height()
	if last := s.committed.Load(); last > h {
		return last
	}
	return h
}

// height never moves backwards even when the clock does.
func (s *Service) height(mgr *state.Manager) (uint64, error) {
	last, err := mgr.MetaUint64(heightMetaKey)
	if err != nil {
		return 0, err
	}
	if h := s.clock.Height(); h > last {
		return h, nil
	}
	return last, nil
}

// tx is the working set of one operation.
type tx struct {
	eng    *lending.Engine
	mgr    *state.Manager
	ledger *state.Ledger
	res    *Result
}

type txFunc func(t *tx) error

func (s *Service) begin(mgr *state.Manager, emitter events.Emitter, height uint64) *tx {
	eng := lending.NewEngine(s.cfg.Pool, s.cfg.Params)
	ledger := mgr.Ledger()
	ledger.SetEmitter(emitter)
	eng.SetState(mgr)
	eng.SetLedger(ledger)
	eng.SetOracle(s.oracle)
	eng.SetEmitter(emitter)
	if s.pauses != nil {
		eng.SetPauses(s.pauses)
	}
	eng.SetBlockHeight(height)
	return &tx{eng: eng, mgr: mgr, ledger: ledger, res: &Result{}}
}

func (s *Service) execute(ctx context.Context, op string, caller crypto.Address, fn txFunc) (*Result, error) {
	start := time.Now()
	res, err := s.run(ctx, op, caller, fn)
	result, code := outcome(err)
	s.metrics.ObserveOperation(op, result, code, time.Since(start))
	attrs := []any{slog.String("op", op), slog.String("caller", caller.String())}
	switch {
	case err == nil:
		attrs = append(attrs,
			slog.String("tx_id", res.Receipt.TxID),
			slog.Uint64("height", res.Receipt.Height),
			slog.Int("events", len(res.Receipt.Events)))
		s.logger.Info("lending operation committed", attrs...)
	case result == "error":
		s.logger.Error("lending operation failed", append(attrs, slog.Any("error", err))...)
	default:
		s.logger.Warn("lending operation rejected", append(attrs, slog.String("code", code), slog.Any("error", err))...)
	}
	return res, err
}

func (s *Service) run(ctx context.Context, op string, caller crypto.Address, fn txFunc) (*Result, error) {
	res, emitted, stats, err := s.commit(ctx, op, caller, fn)
	if err != nil {
		return nil, err
	}
	// commit returns holding emitMu.
	for _, evt := range emitted {
		observability.Events().RecordEvent(evt.EventType())
		s.emitter.Emit(evt)
	}
	s.emitMu.Unlock()
	if stats != nil {
		s.metrics.RecordPool(observability.PoolSnapshot{
			TotalDeposits:   stats.TotalDeposits,
			TotalBorrowed:   stats.TotalBorrowed,
			ProtocolRevenue: stats.ProtocolRevenue,
			UtilizationBps:  stats.UtilizationBps,
			ShareValue:      stats.ShareValue,
			ActiveLoans:     stats.ActiveLoans,
		})
	}
	return res, nil
}

// commit executes fn under the pool lock. On success it acquires emitMu
// before releasing mu so events leave in commit order.
func (s *Service) commit(ctx context.Context, op string, caller crypto.Address, fn txFunc) (*Result, []events.Event, *lending.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	overlay := storage.NewOverlay(s.db)
	mgr := state.NewManager(overlay)
	buf := &events.Buffer{}
	height, err := s.height(mgr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	t := s.begin(mgr, buf, height)
	if err := fn(t); err != nil {
		overlay.Discard()
		return nil, nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		overlay.Discard()
		return nil, nil, nil, err
	}

	seq, err := mgr.NextSequence(receiptSequence)
	if err != nil {
		overlay.Discard()
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	emitted := buf.Drain()
	receipt := &Receipt{
		TxID:     txID(seq, op, caller, height),
		Sequence: seq,
		Op:       op,
		Caller:   caller.String(),
		Height:   height,
		Events:   payloads(emitted),
	}
	if err := putReceipt(mgr, receipt); err != nil {
		overlay.Discard()
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if err := mgr.SetMetaUint64(heightMetaKey, height); err != nil {
		overlay.Discard()
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	stats, statsErr := t.eng.ProtocolStats()
	if err := overlay.Commit(); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: commit: %v", ErrInternal, err)
	}
	s.committed.Store(height)
	res := t.res
	res.Receipt = receipt
	if statsErr != nil {
		stats = nil
	}
	s.emitMu.Lock()
	return res, emitted, stats, nil
}

// view runs fn against a throwaway overlay so nothing it touches persists.
func (s *Service) view(ctx context.Context, fn func(t *tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	overlay := storage.NewOverlay(s.db)
	defer overlay.Discard()
	mgr := state.NewManager(overlay)
	height, err := s.height(mgr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return fn(s.begin(mgr, events.NoopEmitter{}, height))
}

// Bootstrap creates the pool from the configured owner and caps unless it
// already exists. It reports whether the pool was created.
func (s *Service) Bootstrap(ctx context.Context) (bool, error) {
	var initialized bool
	if err := s.view(ctx, func(t *tx) error {
		ok, err := t.eng.Initialized()
		initialized = ok
		return err
	}); err != nil {
		return false, err
	}
	if initialized {
		return false, nil
	}
	if _, err := s.Initialize(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Initialize creates the protocol singleton.
func (s *Service) Initialize(ctx context.Context) (*Result, error) {
	return s.execute(ctx, OpInitialize, s.cfg.Owner, func(t *tx) error {
		_, err := t.eng.Initialize(s.cfg.Owner, s.cfg.SupplyCap, s.cfg.BorrowCap)
		return err
	})
}

// Deposit supplies amount of the lending asset and mints shares. The minted
// share count is carried by the receipt's deposit event.
func (s *Service) Deposit(ctx context.Context, caller crypto.Address, amount *big.Int) (*Result, error) {
	return s.execute(ctx, OpDeposit, caller, func(t *tx) error {
		deposited, err := t.eng.Deposit(caller, amount)
		t.res.Amount = deposited
		return err
	})
}

// Withdraw burns shares and pays out their value.
func (s *Service) Withdraw(ctx context.Context, caller crypto.Address, shares *big.Int) (*Result, error) {
	return s.execute(ctx, OpWithdraw, caller, func(t *tx) error {
		amount, err := t.eng.Withdraw(caller, shares)
		t.res.Shares = shares
		t.res.Amount = amount
		return err
	})
}

// Borrow opens a loan of amount against collateral.
func (s *Service) Borrow(ctx context.Context, caller crypto.Address, amount, collateral *big.Int) (*Result, error) {
	return s.execute(ctx, OpBorrow, caller, func(t *tx) error {
		id, err := t.eng.Borrow(caller, amount, collateral)
		t.res.LoanID = id
		t.res.Amount = amount
		return err
	})
}

// Repay settles a loan in full and releases its collateral.
func (s *Service) Repay(ctx context.Context, caller crypto.Address, loanID uint64) (*Result, error) {
	return s.execute(ctx, OpRepay, caller, func(t *tx) error {
		settlement, err := t.eng.Repay(caller, loanID)
		t.res.LoanID = loanID
		t.res.Settlement = settlement
		return err
	})
}

// Liquidate closes an unhealthy or expired loan on behalf of caller.
func (s *Service) Liquidate(ctx context.Context, caller crypto.Address, loanID uint64) (*Result, error) {
	return s.execute(ctx, OpLiquidate, caller, func(t *tx) error {
		settlement, err := t.eng.Liquidate(caller, loanID)
		t.res.LoanID = loanID
		t.res.Settlement = settlement
		return err
	})
}

// SetPaused toggles the pool pause flag. Owner only.
func (s *Service) SetPaused(ctx context.Context, caller crypto.Address, paused bool) (*Result, error) {
	return s.execute(ctx, OpSetPaused, caller, func(t *tx) error {
		return t.eng.SetPaused(caller, paused)
	})
}

// SetCaps replaces the supply and borrow caps. Owner only.
func (s *Service) SetCaps(ctx context.Context, caller crypto.Address, supplyCap, borrowCap *big.Int) (*Result, error) {
	return s.execute(ctx, OpSetCaps, caller, func(t *tx) error {
		return t.eng.SetCaps(caller, supplyCap, borrowCap)
	})
}

// WithdrawRevenue sends accumulated protocol revenue to recipient. A nil
// amount withdraws everything. Owner only.
func (s *Service) WithdrawRevenue(ctx context.Context, caller, recipient crypto.Address, amount *big.Int) (*Result, error) {
	return s.execute(ctx, OpWithdrawRevenue, caller, func(t *tx) error {
		paid, err := t.eng.WithdrawRevenue(caller, recipient, amount)
		t.res.Amount = paid
		return err
	})
}

// Credit mints a pool asset to an account, standing in for the bridge that
// moves USDCx and STX into the pool's ledger. Owner only.
func (s *Service) Credit(ctx context.Context, caller crypto.Address, asset string, to crypto.Address, amount *big.Int) (*Result, error) {
	return s.execute(ctx, OpCredit, caller, func(t *tx) error {
		protocol, _, err := t.eng.Snapshot()
		if err != nil {
			return err
		}
		if !protocol.Owner.Equal(caller) {
			return lending.ErrNotAuthorized
		}
		symbol, err := s.poolAsset(asset)
		if err != nil {
			return err
		}
		if to.IsZero() {
			return ErrInvalidAddress
		}
		if amount == nil || amount.Sign() <= 0 {
			return lending.ErrInvalidAmount
		}
		t.res.Amount = new(big.Int).Set(amount)
		return t.ledger.Mint(symbol, to, amount, "bridge")
	})
}

func (s *Service) poolAsset(asset string) (string, error) {
	trimmed := strings.TrimSpace(asset)
	for _, known := range []string{s.cfg.Params.LendingAsset, s.cfg.Params.CollateralAsset} {
		if strings.EqualFold(trimmed, known) {
			return known, nil
		}
	}
	return "", fmt.Errorf("%w: unknown asset %q", ErrInvalidAmount, asset)
}

// Balance returns the ledger balance of a pool asset.
func (s *Service) Balance(ctx context.Context, asset string, addr crypto.Address) (*big.Int, error) {
	symbol, err := s.poolAsset(asset)
	if err != nil {
		return nil, err
	}
	var out *big.Int
	err = s.view(ctx, func(t *tx) error {
		out, err = t.ledger.BalanceOf(symbol, addr)
		return err
	})
	return out, err
}

// Receipt looks up a committed operation by transaction id.
func (s *Service) Receipt(ctx context.Context, id string) (*Receipt, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrNotFound
	}
	var out *Receipt
	err := s.view(ctx, func(t *tx) error {
		r, err := getReceipt(t.mgr, id)
		out = r
		return err
	})
	return out, err
}

// LenderBalance returns a lender's position.
func (s *Service) LenderBalance(ctx context.Context, addr crypto.Address) (*lending.LenderPosition, error) {
	var out *lending.LenderPosition
	err := s.view(ctx, func(t *tx) error {
		pos, err := t.eng.LenderBalance(addr)
		out = pos
		return err
	})
	return out, err
}

// Lenders returns every lender that ever deposited.
func (s *Service) Lenders(ctx context.Context) ([]lending.LenderPosition, error) {
	var out []lending.LenderPosition
	err := s.view(ctx, func(t *tx) error {
		addrs, err := t.mgr.LendingLenders()
		if err != nil {
			return err
		}
		out = make([]lending.LenderPosition, 0, len(addrs))
		for _, addr := range addrs {
			pos, err := t.eng.LenderBalance(addr)
			if err != nil {
				return err
			}
			out = append(out, *pos)
		}
		return nil
	})
	return out, err
}

// BorrowerLoans returns every loan opened by addr.
func (s *Service) BorrowerLoans(ctx context.Context, addr crypto.Address) ([]lending.LoanView, error) {
	var out []lending.LoanView
	err := s.view(ctx, func(t *tx) error {
		loans, err := t.eng.BorrowerLoans(addr)
		out = loans
		return err
	})
	return out, err
}

// LoanDetails returns one loan evaluated at the current height.
func (s *Service) LoanDetails(ctx context.Context, id uint64) (*lending.LoanView, error) {
	var out *lending.LoanView
	err := s.view(ctx, func(t *tx) error {
		loan, err := t.eng.LoanDetails(id)
		out = loan
		return err
	})
	return out, err
}

// ProtocolStats summarises the pool.
func (s *Service) ProtocolStats(ctx context.Context) (*lending.Stats, error) {
	var out *lending.Stats
	err := s.view(ctx, func(t *tx) error {
		stats, err := t.eng.ProtocolStats()
		out = stats
		return err
	})
	return out, err
}

// MaxBorrowAmount returns the largest loan collateral can secure.
func (s *Service) MaxBorrowAmount(ctx context.Context, collateral *big.Int) (*big.Int, error) {
	var out *big.Int
	err := s.view(ctx, func(t *tx) error {
		limit, err := t.eng.MaxBorrowAmount(collateral)
		out = limit
		return err
	})
	return out, err
}

// CurrentAPY returns the utilisation-scaled borrow rate in basis points.
func (s *Service) CurrentAPY(ctx context.Context) (uint64, error) {
	var out uint64
	err := s.view(ctx, func(t *tx) error {
		apy, err := t.eng.CurrentAPY()
		out = apy
		return err
	})
	return out, err
}

// UtilizationBps returns borrowed over deposits in basis points.
func (s *Service) UtilizationBps(ctx context.Context) (uint64, error) {
	var out uint64
	err := s.view(ctx, func(t *tx) error {
		u, err := t.eng.UtilizationBps()
		out = u
		return err
	})
	return out, err
}

// CollateralPrice returns the validated collateral quote.
func (s *Service) CollateralPrice(ctx context.Context) (lending.PriceQuote, error) {
	var out lending.PriceQuote
	err := s.view(ctx, func(t *tx) error {
		q, err := t.eng.CollateralPrice()
		out = q
		return err
	})
	return out, err
}

// IsNotFound reports whether err means the requested record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, lending.ErrLoanNotFound)
}
