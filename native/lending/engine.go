package lending

import (
	"fmt"
	"math/big"

	"stxlend/core/events"
	"stxlend/core/types"
	"stxlend/crypto"
	nativecommon "stxlend/native/common"
)

const moduleName = "lending"

type engineState interface {
	LendingGetProtocol() (*ProtocolState, bool, error)
	LendingPutProtocol(*ProtocolState) error
	LendingGetLender(addr crypto.Address) (*LenderAccount, bool, error)
	LendingPutLender(*LenderAccount) error
	LendingGetLoan(id uint64) (*Loan, bool, error)
	LendingPutLoan(*Loan) error
	LendingGetBorrower(addr crypto.Address) (*BorrowerRecord, bool, error)
	LendingPutBorrower(*BorrowerRecord) error
}

// Engine is the pool state machine. It is not safe for concurrent use; the
// caller serialises operations and owns transaction boundaries.
type Engine struct {
	state       engineState
	ledger      AssetLedger
	oracle      PriceOracle
	emitter     events.Emitter
	pauses      nativecommon.PauseView
	params      Params
	poolAddress crypto.Address
	blockHeight uint64
}

// Settlement describes how a loan was closed.
type Settlement struct {
	LoanID    uint64
	Borrower  crypto.Address
	Principal *big.Int
	Interest  *big.Int
	// Reserve is the part of Interest credited to protocol revenue.
	Reserve *big.Int
	// Paid is what the caller transferred in: principal plus interest.
	Paid *big.Int
	// Seized is collateral sent to a liquidator.
	Seized *big.Int
	// Returned is collateral sent back to the borrower.
	Returned *big.Int
	// Expired marks liquidations triggered by loan age.
	Expired bool
}

// NewEngine constructs an engine holding custody at poolAddr.
func NewEngine(poolAddr crypto.Address, params Params) *Engine {
	return &Engine{
		poolAddress: poolAddr,
		params:      params.Clone(),
		emitter:     events.NoopEmitter{},
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetLedger wires the asset ledger used for custody transfers.
func (e *Engine) SetLedger(ledger AssetLedger) { e.ledger = ledger }

// SetOracle wires the collateral price source.
func (e *Engine) SetOracle(oracle PriceOracle) { e.oracle = oracle }

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetEmitter configures the event emitter. Passing nil discards events.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetBlockHeight records the height subsequent operations execute at.
func (e *Engine) SetBlockHeight(height uint64) {
	if e == nil {
		return
	}
	e.blockHeight = height
}

func (e *Engine) BlockHeight() uint64 { return e.blockHeight }

// Params returns a copy of the engine configuration.
func (e *Engine) Params() Params { return e.params.Clone() }

// PoolAddress is the custody account for both assets.
func (e *Engine) PoolAddress() crypto.Address { return e.poolAddress }

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(lendingEvent{evt: evt})
}

// Deposit moves amount of the lending asset from caller into the pool and
// mints shares at the current share value. It returns the amount deposited.
func (e *Engine) Deposit(caller crypto.Address, amount *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	protocol, err := e.loadProtocol()
	if err != nil {
		return nil, err
	}
	if err := e.guardPaused(protocol); err != nil {
		return nil, err
	}
	idx := e.refresh(protocol)

	lender, err := e.loadLender(caller)
	if err != nil {
		return nil, err
	}
	if !lender.Active() && amount.Cmp(e.params.MinimumFirstDeposit) < 0 {
		return nil, ErrInvalidAmount.withDetail("first deposit must be at least %s", e.params.MinimumFirstDeposit)
	}
	if capped(protocol.SupplyCap) && new(big.Int).Add(protocol.TotalDeposits, amount).Cmp(protocol.SupplyCap) > 0 {
		return nil, ErrSupplyCapExceeded
	}
	if err := e.requireBalance(e.params.LendingAsset, caller, amount); err != nil {
		return nil, err
	}

	var minted *big.Int
	if protocol.TotalShares.Sign() == 0 {
		// Genesis: shares are minted 1:1 and the dead shares stay with the
		// null account forever.
		dead := cloneBig(e.params.DeadShares)
		minted = new(big.Int).Sub(amount, dead)
		protocol.DeadShares = new(big.Int).Add(protocol.DeadShares, dead)
		protocol.TotalShares = new(big.Int).Add(protocol.TotalShares, amount)
	} else {
		minted = sharesFromLiquidity(amount, idx.LiquidityIndex)
		if minted.Sign() == 0 {
			return nil, ErrInvalidAmount.withDetail("deposit too small to mint shares")
		}
		protocol.TotalShares = new(big.Int).Add(protocol.TotalShares, minted)
	}

	balance := liquidityFromShares(lender.Shares, idx.LiquidityIndex)
	lender.PrincipalAmount = balance.Add(balance, amount)
	lender.Shares = new(big.Int).Add(lender.Shares, minted)
	lender.DepositBlock = e.blockHeight
	protocol.TotalDeposits = new(big.Int).Add(protocol.TotalDeposits, amount)

	if err := e.state.LendingPutLender(lender); err != nil {
		return nil, err
	}
	if err := e.state.LendingPutProtocol(protocol); err != nil {
		return nil, err
	}
	if err := e.ledger.Transfer(e.params.LendingAsset, caller, e.poolAddress, amount); err != nil {
		return nil, err
	}
	e.emit(newDepositedEvent(caller, amount, minted, e.blockHeight))
	return new(big.Int).Set(amount), nil
}

// Withdraw burns shares and pays out their current value in the lending
// asset. It returns the amount withdrawn.
func (e *Engine) Withdraw(caller crypto.Address, shares *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrZeroShareWithdrawal
	}
	protocol, err := e.loadProtocol()
	if err != nil {
		return nil, err
	}
	idx := e.refresh(protocol)

	lender, err := e.loadLender(caller)
	if err != nil {
		return nil, err
	}
	if lender.Shares.Cmp(shares) < 0 {
		return nil, ErrInsufficientBalance.withDetail("holds %s shares", lender.Shares)
	}
	if lender.DepositBlock == e.blockHeight {
		return nil, ErrSameBlockInteraction
	}

	owed := liquidityFromShares(shares, idx.LiquidityIndex)
	if owed.Cmp(availableLiquidity(protocol)) > 0 {
		return nil, ErrInsufficientLiquidity.withDetail("requested %s, available %s", owed, availableLiquidity(protocol))
	}

	balance := liquidityFromShares(lender.Shares, idx.LiquidityIndex)
	lender.Shares = new(big.Int).Sub(lender.Shares, shares)
	if lender.Shares.Sign() == 0 {
		lender.PrincipalAmount = big.NewInt(0)
	} else {
		lender.PrincipalAmount = maxBig(new(big.Int).Sub(balance, owed), big.NewInt(0))
	}
	protocol.TotalShares = new(big.Int).Sub(protocol.TotalShares, shares)
	protocol.TotalDeposits = new(big.Int).Sub(protocol.TotalDeposits, owed)

	if err := e.state.LendingPutLender(lender); err != nil {
		return nil, err
	}
	if err := e.state.LendingPutProtocol(protocol); err != nil {
		return nil, err
	}
	if owed.Sign() > 0 {
		if err := e.ledger.Transfer(e.params.LendingAsset, e.poolAddress, caller, owed); err != nil {
			return nil, err
		}
	}
	e.emit(newWithdrawnEvent(caller, owed, shares, e.blockHeight))
	return owed, nil
}

// Borrow locks collateral from caller and lends amount of the lending asset
// against it. It returns the new loan id.
func (e *Engine) Borrow(caller crypto.Address, amount, collateral *big.Int) (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	if amount == nil || amount.Sign() <= 0 || collateral == nil || collateral.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	protocol, err := e.loadProtocol()
	if err != nil {
		return 0, err
	}
	if err := e.guardPaused(protocol); err != nil {
		return 0, err
	}
	e.refresh(protocol)

	if capped(protocol.BorrowCap) && new(big.Int).Add(protocol.TotalBorrowed, amount).Cmp(protocol.BorrowCap) > 0 {
		return 0, ErrBorrowCapExceeded
	}
	if amount.Cmp(availableLiquidity(protocol)) > 0 {
		return 0, ErrInsufficientLiquidity.withDetail("requested %s, available %s", amount, availableLiquidity(protocol))
	}
	borrower, err := e.loadBorrower(caller)
	if err != nil {
		return 0, err
	}
	if borrower.ActiveCount >= e.params.MaxLoansPerBorrower {
		return 0, ErrTooManyLoans
	}
	quote, err := e.quote()
	if err != nil {
		return 0, err
	}
	if collateralValueBps(collateral, quote.Price).Cmp(debtRequirement(amount, e.params.MinCollateralRatioBps)) < 0 {
		return 0, ErrInsufficientCollateral
	}
	if err := e.requireBalance(e.params.CollateralAsset, caller, collateral); err != nil {
		return 0, err
	}

	loan := &Loan{
		ID:               protocol.NextLoanID,
		Borrower:         caller,
		CollateralAmount: new(big.Int).Set(collateral),
		BorrowedAmount:   new(big.Int).Set(amount),
		BorrowBlock:      e.blockHeight,
		Active:           true,
	}
	protocol.NextLoanID++
	protocol.ActiveLoans++
	protocol.TotalBorrowed = new(big.Int).Add(protocol.TotalBorrowed, amount)
	weight := new(big.Int).Mul(amount, new(big.Int).SetUint64(e.blockHeight))
	protocol.BorrowWeight = new(big.Int).Add(protocol.BorrowWeight, weight)
	borrower.LoanIDs = append(borrower.LoanIDs, loan.ID)
	borrower.ActiveCount++

	if err := e.state.LendingPutLoan(loan); err != nil {
		return 0, err
	}
	if err := e.state.LendingPutBorrower(borrower); err != nil {
		return 0, err
	}
	if err := e.state.LendingPutProtocol(protocol); err != nil {
		return 0, err
	}
	if err := e.ledger.Transfer(e.params.CollateralAsset, caller, e.poolAddress, collateral); err != nil {
		return 0, err
	}
	if err := e.ledger.Transfer(e.params.LendingAsset, e.poolAddress, caller, amount); err != nil {
		return 0, err
	}
	e.emit(newLoanOpenedEvent(loan, quote))
	return loan.ID, nil
}

// Repay settles principal plus interest for the caller's loan and returns
// the collateral.
func (e *Engine) Repay(caller crypto.Address, loanID uint64) (*Settlement, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	protocol, err := e.loadProtocol()
	if err != nil {
		return nil, err
	}
	e.refresh(protocol)

	loan, err := e.loadActiveLoan(loanID)
	if err != nil {
		return nil, err
	}
	if !caller.Equal(loan.Borrower) {
		return nil, ErrNotAuthorized
	}
	interest := LoanInterest(loan, e.params, e.blockHeight)
	owed := new(big.Int).Add(loan.BorrowedAmount, interest)
	if err := e.requireBalance(e.params.LendingAsset, caller, owed); err != nil {
		return nil, err
	}

	borrower, err := e.loadBorrower(loan.Borrower)
	if err != nil {
		return nil, err
	}
	reserve := e.closeLoan(protocol, borrower, loan, interest)

	if err := e.persistClosed(protocol, borrower, loan); err != nil {
		return nil, err
	}
	if err := e.ledger.Transfer(e.params.LendingAsset, caller, e.poolAddress, owed); err != nil {
		return nil, err
	}
	if err := e.ledger.Transfer(e.params.CollateralAsset, e.poolAddress, loan.Borrower, loan.CollateralAmount); err != nil {
		return nil, err
	}
	e.emit(newLoanRepaidEvent(loan, interest, reserve))
	return &Settlement{
		LoanID:    loan.ID,
		Borrower:  loan.Borrower,
		Principal: cloneBig(loan.BorrowedAmount),
		Interest:  interest,
		Reserve:   reserve,
		Paid:      owed,
		Seized:    big.NewInt(0),
		Returned:  cloneBig(loan.CollateralAmount),
	}, nil
}

// Liquidate lets a third party close an undercollateralised or expired loan
// by paying its debt in exchange for collateral plus a bonus.
func (e *Engine) Liquidate(caller crypto.Address, loanID uint64) (*Settlement, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	protocol, err := e.loadProtocol()
	if err != nil {
		return nil, err
	}
	e.refresh(protocol)

	loan, err := e.loadActiveLoan(loanID)
	if err != nil {
		return nil, err
	}
	if caller.Equal(loan.Borrower) {
		return nil, ErrSelfLiquidation
	}
	quote, err := e.quote()
	if err != nil {
		return nil, err
	}
	interest := LoanInterest(loan, e.params, e.blockHeight)
	debt := new(big.Int).Add(loan.BorrowedAmount, interest)
	expired := e.expired(loan)
	if !expired && !undercollateralised(loan.CollateralAmount, debt, quote.Price, e.params.LiquidationThresholdBps) {
		return nil, ErrLoanHealthy
	}
	if err := e.requireBalance(e.params.LendingAsset, caller, debt); err != nil {
		return nil, err
	}

	seized := seizeAmount(debt, quote.Price, e.params.LiquidationBonusBps)
	seized = minBig(seized, loan.CollateralAmount)
	returned := new(big.Int).Sub(loan.CollateralAmount, seized)

	borrower, err := e.loadBorrower(loan.Borrower)
	if err != nil {
		return nil, err
	}
	reserve := e.closeLoan(protocol, borrower, loan, interest)
	loan.Liquidated = true

	if err := e.persistClosed(protocol, borrower, loan); err != nil {
		return nil, err
	}
	if err := e.ledger.Transfer(e.params.LendingAsset, caller, e.poolAddress, debt); err != nil {
		return nil, err
	}
	if seized.Sign() > 0 {
		if err := e.ledger.Transfer(e.params.CollateralAsset, e.poolAddress, caller, seized); err != nil {
			return nil, err
		}
	}
	if returned.Sign() > 0 {
		if err := e.ledger.Transfer(e.params.CollateralAsset, e.poolAddress, loan.Borrower, returned); err != nil {
			return nil, err
		}
	}
	e.emit(newLoanLiquidatedEvent(loan, caller, debt, seized, returned, expired))
	return &Settlement{
		LoanID:    loan.ID,
		Borrower:  loan.Borrower,
		Principal: cloneBig(loan.BorrowedAmount),
		Interest:  interest,
		Reserve:   reserve,
		Paid:      debt,
		Seized:    seized,
		Returned:  returned,
		Expired:   expired,
	}, nil
}

// closeLoan books repaid principal and interest and marks the loan closed.
// It returns the reserve portion of interest.
func (e *Engine) closeLoan(protocol *ProtocolState, borrower *BorrowerRecord, loan *Loan, interest *big.Int) *big.Int {
	reserve := reserveCut(interest, e.params.ReserveFactorBps)
	lenders := new(big.Int).Sub(interest, reserve)

	protocol.TotalDeposits = new(big.Int).Add(protocol.TotalDeposits, lenders)
	protocol.ProtocolRevenue = new(big.Int).Add(protocol.ProtocolRevenue, reserve)
	protocol.TotalBorrowed = new(big.Int).Sub(protocol.TotalBorrowed, loan.BorrowedAmount)
	weight := new(big.Int).Mul(loan.BorrowedAmount, new(big.Int).SetUint64(loan.BorrowBlock))
	protocol.BorrowWeight = new(big.Int).Sub(protocol.BorrowWeight, weight)
	if protocol.ActiveLoans > 0 {
		protocol.ActiveLoans--
	}
	if borrower.ActiveCount > 0 {
		borrower.ActiveCount--
	}
	loan.Active = false
	loan.ClosedBlock = e.blockHeight
	return reserve
}

func (e *Engine) persistClosed(protocol *ProtocolState, borrower *BorrowerRecord, loan *Loan) error {
	if err := e.state.LendingPutLoan(loan); err != nil {
		return err
	}
	if err := e.state.LendingPutBorrower(borrower); err != nil {
		return err
	}
	return e.state.LendingPutProtocol(protocol)
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.ledger == nil {
		return errNilLedger
	}
	return nil
}

func (e *Engine) guardPaused(protocol *ProtocolState) error {
	if protocol.Paused {
		return ErrProtocolPaused
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return ErrProtocolPaused.withDetail("%v", err)
	}
	return nil
}

// refresh brings the stored indices up to the current height.
func (e *Engine) refresh(protocol *ProtocolState) Indices {
	idx := ComputeIndices(protocol, e.params, e.blockHeight)
	applyIndices(protocol, idx)
	return idx
}

func (e *Engine) loadProtocol() (*ProtocolState, error) {
	protocol, ok, err := e.state.LendingGetProtocol()
	if err != nil {
		return nil, err
	}
	if !ok || protocol == nil {
		return nil, errNotInitialised
	}
	normalizeProtocol(protocol)
	return protocol, nil
}

func normalizeProtocol(p *ProtocolState) {
	for _, field := range []**big.Int{
		&p.TotalDeposits, &p.TotalBorrowed, &p.TotalShares, &p.DeadShares,
		&p.BorrowWeight, &p.ProtocolRevenue, &p.SupplyCap, &p.BorrowCap,
	} {
		if *field == nil {
			*field = big.NewInt(0)
		}
	}
	if p.LiquidityIndex == nil || p.LiquidityIndex.Sign() == 0 {
		p.LiquidityIndex = new(big.Int).Set(ray)
	}
	if p.BorrowIndex == nil || p.BorrowIndex.Sign() == 0 {
		p.BorrowIndex = new(big.Int).Set(ray)
	}
	if p.NextLoanID == 0 {
		p.NextLoanID = 1
	}
}

func (e *Engine) loadLender(addr crypto.Address) (*LenderAccount, error) {
	lender, ok, err := e.state.LendingGetLender(addr)
	if err != nil {
		return nil, err
	}
	if !ok || lender == nil {
		lender = &LenderAccount{}
	}
	lender.Address = addr
	lender.PrincipalAmount = zeroIfNil(lender.PrincipalAmount)
	lender.Shares = zeroIfNil(lender.Shares)
	return lender, nil
}

func (e *Engine) loadBorrower(addr crypto.Address) (*BorrowerRecord, error) {
	record, ok, err := e.state.LendingGetBorrower(addr)
	if err != nil {
		return nil, err
	}
	if !ok || record == nil {
		record = &BorrowerRecord{}
	}
	record.Address = addr
	return record, nil
}

func (e *Engine) loadLoan(id uint64) (*Loan, error) {
	loan, ok, err := e.state.LendingGetLoan(id)
	if err != nil {
		return nil, err
	}
	if !ok || loan == nil {
		return nil, ErrLoanNotFound.withDetail("loan %d", id)
	}
	loan.CollateralAmount = zeroIfNil(loan.CollateralAmount)
	loan.BorrowedAmount = zeroIfNil(loan.BorrowedAmount)
	return loan, nil
}

func (e *Engine) loadActiveLoan(id uint64) (*Loan, error) {
	loan, err := e.loadLoan(id)
	if err != nil {
		return nil, err
	}
	if !loan.Active {
		return nil, ErrLoanNotActive.withDetail("loan %d", id)
	}
	return loan, nil
}

// quote fetches the collateral price and rejects unusable observations.
func (e *Engine) quote() (PriceQuote, error) {
	if e.oracle == nil {
		return PriceQuote{}, ErrOracleFailure.withDetail("%v", errNilOracle)
	}
	q, err := e.oracle.Price(e.params.CollateralAsset)
	if err != nil {
		if _, coded := CodeOf(err); coded {
			return PriceQuote{}, err
		}
		return PriceQuote{}, ErrOracleFailure.withDetail("%v", err)
	}
	if q.Price == nil || q.Price.Sign() <= 0 {
		return PriceQuote{}, ErrOracleFailure.withDetail("non-positive price from %s", q.Source)
	}
	if e.blockHeight > q.Block && e.blockHeight-q.Block > e.params.OracleMaxAgeBlocks {
		return PriceQuote{}, ErrStalePriceData.withDetail("observed at %d, now %d", q.Block, e.blockHeight)
	}
	return q, nil
}

func (e *Engine) requireBalance(asset string, addr crypto.Address, amount *big.Int) error {
	balance, err := e.ledger.BalanceOf(asset, addr)
	if err != nil {
		return fmt.Errorf("lending engine: read %s balance: %w", asset, err)
	}
	if balance == nil || balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance.withDetail("%s balance %s below %s", asset, zeroIfNil(balance), amount)
	}
	return nil
}

func (e *Engine) expired(loan *Loan) bool {
	return e.blockHeight > loan.BorrowBlock && e.blockHeight-loan.BorrowBlock > e.params.MaxLoanDurationBlocks
}

// undercollateralised reports collateral*price < debt*threshold. A loan
// exactly at the threshold is still healthy.
func undercollateralised(collateral, debt, price *big.Int, thresholdBps uint64) bool {
	return collateralValueBps(collateral, price).Cmp(debtRequirement(debt, thresholdBps)) < 0
}

// seizeAmount is the collateral worth debt plus the liquidation bonus.
func seizeAmount(debt, price *big.Int, bonusBps uint64) *big.Int {
	num := new(big.Int).Mul(debt, new(big.Int).SetUint64(10_000+bonusBps))
	num.Mul(num, PriceScale)
	den := new(big.Int).Mul(basisPoints, price)
	return num.Quo(num, den)
}

func availableLiquidity(protocol *ProtocolState) *big.Int {
	available := new(big.Int).Sub(zeroIfNil(protocol.TotalDeposits), zeroIfNil(protocol.TotalBorrowed))
	if available.Sign() < 0 {
		return big.NewInt(0)
	}
	return available
}

func capped(limit *big.Int) bool {
	return limit != nil && limit.Sign() > 0
}
