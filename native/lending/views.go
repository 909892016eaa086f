package lending

import (
	"math/big"

	"stxlend/crypto"
)

// LenderPosition is the read model for a depositor.
type LenderPosition struct {
	Address      crypto.Address
	Principal    *big.Int
	Shares       *big.Int
	Balance      *big.Int
	Earned       *big.Int
	DepositBlock uint64
	Active       bool
}

// LoanView is a loan with its interest and health evaluated at the current
// height.
type LoanView struct {
	Loan
	Interest  *big.Int
	TotalOwed *big.Int
	// HealthFactorBps is collateral value over debt in basis points
	// (12000 = 1.2). It is only meaningful when PriceKnown is set.
	HealthFactorBps *big.Int
	PriceKnown      bool
	Expired         bool
	Liquidatable    bool
}

// Stats summarises the pool.
type Stats struct {
	Owner                   crypto.Address
	TotalDeposits           *big.Int
	TotalBorrowed           *big.Int
	AvailableLiquidity      *big.Int
	TotalShares             *big.Int
	DeadShares              *big.Int
	PendingInterest         *big.Int
	ProtocolRevenue         *big.Int
	SupplyCap               *big.Int
	BorrowCap               *big.Int
	// ShareValue and BorrowIndex carry 8 decimals (1e8 = 1.0).
	ShareValue              *big.Int
	BorrowIndex             *big.Int
	UtilizationBps          uint64
	BorrowAPYBps            uint64
	SupplyAPYBps            uint64
	ActiveLoans             uint64
	NextLoanID              uint64
	Paused                  bool
	LastInterestUpdateBlock uint64
	Height                  uint64
}

// Snapshot returns the protocol state with indices evaluated at the current
// height. Nothing is written.
func (e *Engine) Snapshot() (*ProtocolState, Indices, error) {
	if e == nil || e.state == nil {
		return nil, Indices{}, errNilState
	}
	protocol, err := e.loadProtocol()
	if err != nil {
		return nil, Indices{}, err
	}
	idx := ComputeIndices(protocol, e.params, e.blockHeight)
	applyIndices(protocol, idx)
	return protocol, idx, nil
}

// LenderBalance reports a depositor's shares and their current value.
func (e *Engine) LenderBalance(addr crypto.Address) (*LenderPosition, error) {
	_, idx, err := e.Snapshot()
	if err != nil {
		return nil, err
	}
	lender, err := e.loadLender(addr)
	if err != nil {
		return nil, err
	}
	balance := liquidityFromShares(lender.Shares, idx.LiquidityIndex)
	earned := new(big.Int).Sub(balance, lender.PrincipalAmount)
	if earned.Sign() < 0 {
		earned.SetInt64(0)
	}
	return &LenderPosition{
		Address:      addr,
		Principal:    cloneBig(lender.PrincipalAmount),
		Shares:       cloneBig(lender.Shares),
		Balance:      balance,
		Earned:       earned,
		DepositBlock: lender.DepositBlock,
		Active:       lender.Active(),
	}, nil
}

// BorrowerLoans lists every loan opened by addr, oldest first.
func (e *Engine) BorrowerLoans(addr crypto.Address) ([]LoanView, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	record, err := e.loadBorrower(addr)
	if err != nil {
		return nil, err
	}
	quote, qerr := e.quote()
	views := make([]LoanView, 0, len(record.LoanIDs))
	for _, id := range record.LoanIDs {
		loan, err := e.loadLoan(id)
		if err != nil {
			return nil, err
		}
		views = append(views, e.loanView(loan, quote, qerr == nil))
	}
	return views, nil
}

// LoanDetails evaluates one loan. An unavailable oracle leaves PriceKnown
// unset instead of failing.
func (e *Engine) LoanDetails(id uint64) (*LoanView, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	loan, err := e.loadLoan(id)
	if err != nil {
		return nil, err
	}
	quote, qerr := e.quote()
	view := e.loanView(loan, quote, qerr == nil)
	return &view, nil
}

func (e *Engine) loanView(loan *Loan, quote PriceQuote, priceKnown bool) LoanView {
	view := LoanView{Loan: *loan, Interest: big.NewInt(0), TotalOwed: cloneBig(loan.BorrowedAmount), HealthFactorBps: big.NewInt(0)}
	if !loan.Active {
		return view
	}
	view.Interest = LoanInterest(loan, e.params, e.blockHeight)
	view.TotalOwed = new(big.Int).Add(loan.BorrowedAmount, view.Interest)
	view.Expired = e.expired(loan)
	view.Liquidatable = view.Expired
	if priceKnown {
		view.PriceKnown = true
		view.HealthFactorBps = healthFactorBps(loan.CollateralAmount, view.TotalOwed, quote.Price)
		if undercollateralised(loan.CollateralAmount, view.TotalOwed, quote.Price, e.params.LiquidationThresholdBps) {
			view.Liquidatable = true
		}
	}
	return view
}

// ProtocolStats summarises pool totals, rates and indices.
func (e *Engine) ProtocolStats() (*Stats, error) {
	protocol, idx, err := e.Snapshot()
	if err != nil {
		return nil, err
	}
	utilization := utilizationBps(protocol)
	borrowAPY := e.params.BorrowRateBps * utilization / 10_000
	supplyAPY := borrowAPY * (10_000 - e.params.ReserveFactorBps) / 10_000
	return &Stats{
		Owner:                   protocol.Owner,
		TotalDeposits:           cloneBig(protocol.TotalDeposits),
		TotalBorrowed:           cloneBig(protocol.TotalBorrowed),
		AvailableLiquidity:      availableLiquidity(protocol),
		TotalShares:             cloneBig(protocol.TotalShares),
		DeadShares:              cloneBig(protocol.DeadShares),
		PendingInterest:         cloneBig(idx.PendingInterest),
		ProtocolRevenue:         cloneBig(protocol.ProtocolRevenue),
		SupplyCap:               cloneBig(protocol.SupplyCap),
		BorrowCap:               cloneBig(protocol.BorrowCap),
		ShareValue:              displayIndex(idx.LiquidityIndex),
		BorrowIndex:             displayIndex(idx.BorrowIndex),
		UtilizationBps:          utilization,
		BorrowAPYBps:            borrowAPY,
		SupplyAPYBps:            supplyAPY,
		ActiveLoans:             protocol.ActiveLoans,
		NextLoanID:              protocol.NextLoanID,
		Paused:                  protocol.Paused,
		LastInterestUpdateBlock: protocol.LastInterestUpdateBlock,
		Height:                  e.blockHeight,
	}, nil
}

// MaxBorrowAmount is the largest loan collateral can secure right now,
// bounded by pool liquidity and the borrow cap.
func (e *Engine) MaxBorrowAmount(collateral *big.Int) (*big.Int, error) {
	if collateral == nil || collateral.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	protocol, _, err := e.Snapshot()
	if err != nil {
		return nil, err
	}
	quote, err := e.quote()
	if err != nil {
		return nil, err
	}
	den := new(big.Int).Mul(new(big.Int).SetUint64(e.params.MinCollateralRatioBps), PriceScale)
	limit := mulDiv(collateralValueBps(collateral, quote.Price), big.NewInt(1), den)
	limit = minBig(limit, availableLiquidity(protocol))
	if capped(protocol.BorrowCap) {
		headroom := new(big.Int).Sub(protocol.BorrowCap, protocol.TotalBorrowed)
		limit = minBig(limit, maxBig(headroom, big.NewInt(0)))
	}
	return limit, nil
}

// CurrentAPY is the borrow rate scaled by utilisation, in basis points.
func (e *Engine) CurrentAPY() (uint64, error) {
	protocol, _, err := e.Snapshot()
	if err != nil {
		return 0, err
	}
	return e.params.BorrowRateBps * utilizationBps(protocol) / 10_000, nil
}

// UtilizationBps is TotalBorrowed/TotalDeposits in basis points.
func (e *Engine) UtilizationBps() (uint64, error) {
	protocol, _, err := e.Snapshot()
	if err != nil {
		return 0, err
	}
	return utilizationBps(protocol), nil
}

// CollateralPrice returns the validated collateral quote.
func (e *Engine) CollateralPrice() (PriceQuote, error) {
	if e == nil {
		return PriceQuote{}, errNilState
	}
	return e.quote()
}

func utilizationBps(protocol *ProtocolState) uint64 {
	deposits := zeroIfNil(protocol.TotalDeposits)
	if deposits.Sign() == 0 {
		return 0
	}
	return mulDiv(zeroIfNil(protocol.TotalBorrowed), basisPoints, deposits).Uint64()
}

func healthFactorBps(collateral, debt, price *big.Int) *big.Int {
	if debt == nil || debt.Sign() == 0 {
		return big.NewInt(0)
	}
	return mulDiv(collateralValueBps(collateral, price), big.NewInt(1), new(big.Int).Mul(debt, PriceScale))
}
