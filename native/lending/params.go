package lending

import (
	"fmt"
	"math/big"
	"strings"
)

// Params holds the pool's risk and interest configuration.
type Params struct {
	// LendingAsset is the symbol lenders deposit and borrowers receive.
	LendingAsset string
	// CollateralAsset is the symbol borrowers lock.
	CollateralAsset string
	// BorrowRateBps is the annual simple interest rate.
	BorrowRateBps uint64
	// BlocksPerYear converts the annual rate to a per-block rate.
	BlocksPerYear uint64
	// ReserveFactorBps is the share of interest routed to protocol revenue.
	ReserveFactorBps uint64
	// MinCollateralRatioBps gates new loans (15000 = 150%).
	MinCollateralRatioBps uint64
	// LiquidationThresholdBps is the health factor below which a loan can be
	// liquidated (12000 = 120%).
	LiquidationThresholdBps uint64
	// LiquidationBonusBps is the extra collateral awarded to liquidators.
	LiquidationBonusBps uint64
	// MaxLoansPerBorrower bounds concurrently active loans per borrower.
	MaxLoansPerBorrower uint64
	// MaxLoanDurationBlocks makes a loan liquidatable once it is older.
	MaxLoanDurationBlocks uint64
	// DeadShares are locked to the null account at genesis.
	DeadShares *big.Int
	// MinimumFirstDeposit is the smallest deposit accepted from a caller
	// that holds no shares.
	MinimumFirstDeposit *big.Int
	// OracleMaxAgeBlocks is the staleness window for price quotes.
	OracleMaxAgeBlocks uint64
}

// DefaultParams returns the production configuration: 8% APR, ten-minute
// blocks, 150% collateral, 120% liquidation threshold and a 5% bonus.
func DefaultParams() Params {
	return Params{
		LendingAsset:            "USDCx",
		CollateralAsset:         "STX",
		BorrowRateBps:           800,
		BlocksPerYear:           52_560,
		ReserveFactorBps:        1_000,
		MinCollateralRatioBps:   15_000,
		LiquidationThresholdBps: 12_000,
		LiquidationBonusBps:     500,
		MaxLoansPerBorrower:     5,
		MaxLoanDurationBlocks:   52_560,
		DeadShares:              big.NewInt(1_000),
		MinimumFirstDeposit:     big.NewInt(1_000_000),
		OracleMaxAgeBlocks:      12,
	}
}

// Clone returns a deep copy of the parameters.
func (p Params) Clone() Params {
	clone := p
	clone.DeadShares = cloneBig(p.DeadShares)
	clone.MinimumFirstDeposit = cloneBig(p.MinimumFirstDeposit)
	return clone
}

// Validate rejects parameter sets the engine cannot operate safely with.
func (p Params) Validate() error {
	if strings.TrimSpace(p.LendingAsset) == "" || strings.TrimSpace(p.CollateralAsset) == "" {
		return fmt.Errorf("lending params: asset symbols must be set")
	}
	if p.LendingAsset == p.CollateralAsset {
		return fmt.Errorf("lending params: lending and collateral asset must differ")
	}
	if p.BlocksPerYear == 0 {
		return fmt.Errorf("lending params: BlocksPerYear must be positive")
	}
	if p.ReserveFactorBps > 10_000 {
		return fmt.Errorf("lending params: ReserveFactorBps %d exceeds 10000", p.ReserveFactorBps)
	}
	if p.LiquidationThresholdBps < 10_000 {
		return fmt.Errorf("lending params: LiquidationThresholdBps must be at least 10000")
	}
	if p.MinCollateralRatioBps <= p.LiquidationThresholdBps {
		return fmt.Errorf("lending params: MinCollateralRatioBps %d must exceed LiquidationThresholdBps %d",
			p.MinCollateralRatioBps, p.LiquidationThresholdBps)
	}
	if p.MaxLoansPerBorrower == 0 {
		return fmt.Errorf("lending params: MaxLoansPerBorrower must be positive")
	}
	if p.MaxLoanDurationBlocks == 0 {
		return fmt.Errorf("lending params: MaxLoanDurationBlocks must be positive")
	}
	if p.DeadShares == nil || p.DeadShares.Sign() < 0 {
		return fmt.Errorf("lending params: DeadShares must be non-negative")
	}
	if p.MinimumFirstDeposit == nil || p.MinimumFirstDeposit.Cmp(p.DeadShares) <= 0 {
		return fmt.Errorf("lending params: MinimumFirstDeposit must exceed DeadShares")
	}
	return nil
}
