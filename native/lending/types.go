package lending

import (
	"math/big"

	"stxlend/crypto"
)

// PriceScale is the fixed-point scale of oracle prices (8 decimals).
var PriceScale = big.NewInt(100_000_000)

// LenderAccount tracks one depositor's stake in the pool.
type LenderAccount struct {
	// Address identifies the depositor.
	Address crypto.Address
	// PrincipalAmount is the lender's cost basis. Earned interest is folded
	// into it on every deposit or withdrawal.
	PrincipalAmount *big.Int
	// Shares is the depositor's ownership of the pool. A lender is active
	// while Shares is positive.
	Shares *big.Int
	// DepositBlock is the height of the most recent deposit and drives the
	// same-block withdrawal guard.
	DepositBlock uint64
}

// Active reports whether the lender still holds shares.
func (a *LenderAccount) Active() bool {
	return a != nil && a.Shares != nil && a.Shares.Sign() > 0
}

// Loan is one collateral-backed debt position.
type Loan struct {
	// ID is assigned from ProtocolState.NextLoanID and never reused.
	ID uint64
	// Borrower is the only principal allowed to repay the loan.
	Borrower crypto.Address
	// CollateralAmount is the locked collateral asset.
	CollateralAmount *big.Int
	// BorrowedAmount is the principal debt in the lending asset.
	BorrowedAmount *big.Int
	// BorrowBlock is the height at which interest starts accruing.
	BorrowBlock uint64
	// Active is cleared once the loan is repaid or liquidated.
	Active bool
	// ClosedBlock records the height of repayment or liquidation.
	ClosedBlock uint64
	// Liquidated distinguishes liquidations from repayments on closed loans.
	Liquidated bool
}

// BorrowerRecord indexes the loans opened by a borrower.
type BorrowerRecord struct {
	Address     crypto.Address
	LoanIDs     []uint64
	ActiveCount uint64
}

// ProtocolState is the pool-wide singleton.
type ProtocolState struct {
	// Owner may pause the pool, change caps and withdraw revenue.
	Owner crypto.Address
	// TotalDeposits is lender liquidity including realised interest.
	TotalDeposits *big.Int
	// TotalBorrowed is outstanding loan principal.
	TotalBorrowed *big.Int
	// TotalShares includes DeadShares.
	TotalShares *big.Int
	// DeadShares were minted to the null account at genesis and can never be
	// redeemed.
	DeadShares *big.Int
	// LiquidityIndex is the value of one share in ray precision.
	LiquidityIndex *big.Int
	// BorrowIndex is the cumulative debt multiplier in ray precision.
	BorrowIndex *big.Int
	// BorrowWeight is the sum of BorrowedAmount*BorrowBlock over active
	// loans. Together with TotalBorrowed it yields outstanding interest
	// without visiting every loan.
	BorrowWeight *big.Int
	// ProtocolRevenue is the reserve share of realised interest awaiting
	// withdrawal by the owner.
	ProtocolRevenue *big.Int
	// SupplyCap and BorrowCap bound TotalDeposits and TotalBorrowed. Zero
	// disables the cap.
	SupplyCap *big.Int
	BorrowCap *big.Int
	// NextLoanID is the identifier the next loan will receive.
	NextLoanID uint64
	// ActiveLoans counts open loans across all borrowers.
	ActiveLoans uint64
	// Paused halts deposits and new borrowing.
	Paused bool
	// LastInterestUpdateBlock is the height of the last index refresh.
	LastInterestUpdateBlock uint64
}

// Clone returns a deep copy of the protocol state.
func (p *ProtocolState) Clone() *ProtocolState {
	if p == nil {
		return nil
	}
	clone := *p
	clone.TotalDeposits = cloneBig(p.TotalDeposits)
	clone.TotalBorrowed = cloneBig(p.TotalBorrowed)
	clone.TotalShares = cloneBig(p.TotalShares)
	clone.DeadShares = cloneBig(p.DeadShares)
	clone.LiquidityIndex = cloneBig(p.LiquidityIndex)
	clone.BorrowIndex = cloneBig(p.BorrowIndex)
	clone.BorrowWeight = cloneBig(p.BorrowWeight)
	clone.ProtocolRevenue = cloneBig(p.ProtocolRevenue)
	clone.SupplyCap = cloneBig(p.SupplyCap)
	clone.BorrowCap = cloneBig(p.BorrowCap)
	return &clone
}

// PriceQuote is a collateral price observation.
type PriceQuote struct {
	// Price is USD per whole collateral unit scaled by PriceScale.
	Price *big.Int
	// Block is the height at which the price was observed.
	Block uint64
	// Source names the feed that produced the quote.
	Source string
}

// AssetLedger moves balances of the lending and collateral assets.
type AssetLedger interface {
	Transfer(asset string, from, to crypto.Address, amount *big.Int) error
	BalanceOf(asset string, addr crypto.Address) (*big.Int, error)
}

// PriceOracle returns the latest USD price for an asset.
type PriceOracle interface {
	Price(asset string) (PriceQuote, error)
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
