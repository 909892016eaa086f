package lending

import "math/big"

// Indices is the pool's interest state evaluated at a block height.
type Indices struct {
	// LiquidityIndex is the value of one share in ray precision.
	LiquidityIndex *big.Int
	// BorrowIndex is the cumulative debt multiplier in ray precision.
	BorrowIndex *big.Int
	// PendingInterest is interest accrued on active loans and not yet paid.
	PendingInterest *big.Int
	// TotalAssets is TotalDeposits plus the lenders' cut of PendingInterest.
	TotalAssets *big.Int
	// Height is the block the indices were computed for.
	Height uint64
}

// ComputeIndices evaluates the interest indices at height without mutating
// state. It runs at the top of every operation and behind every view.
//
// Outstanding interest is derived from TotalBorrowed and BorrowWeight:
// sum(b_i*(h-t_i)) = h*sum(b_i) - sum(b_i*t_i). Each loan pays interest
// rounded up, so the aggregate rounded down never exceeds what loans will
// actually pay.
func ComputeIndices(state *ProtocolState, params Params, height uint64) Indices {
	out := Indices{
		LiquidityIndex:  new(big.Int).Set(ray),
		BorrowIndex:     new(big.Int).Set(ray),
		PendingInterest: big.NewInt(0),
		TotalAssets:     big.NewInt(0),
		Height:          height,
	}
	if state == nil {
		return out
	}
	if state.LiquidityIndex != nil && state.LiquidityIndex.Sign() > 0 {
		out.LiquidityIndex.Set(state.LiquidityIndex)
	}
	if state.BorrowIndex != nil && state.BorrowIndex.Sign() > 0 {
		out.BorrowIndex.Set(state.BorrowIndex)
	}

	out.PendingInterest = pendingInterest(state, params, height)
	out.TotalAssets = new(big.Int).Add(zeroIfNil(state.TotalDeposits), lenderCut(out.PendingInterest, params.ReserveFactorBps))

	if state.TotalShares != nil && state.TotalShares.Sign() > 0 {
		candidate := mulDiv(out.TotalAssets, ray, state.TotalShares)
		out.LiquidityIndex = maxBig(out.LiquidityIndex, candidate)
	}

	if height > state.LastInterestUpdateBlock && zeroIfNil(state.TotalBorrowed).Sign() > 0 {
		delta := height - state.LastInterestUpdateBlock
		out.BorrowIndex = rayMul(out.BorrowIndex, rateFactor(params.BorrowRateBps, delta, params.BlocksPerYear))
	}
	return out
}

func pendingInterest(state *ProtocolState, params Params, height uint64) *big.Int {
	borrowed := zeroIfNil(state.TotalBorrowed)
	if borrowed.Sign() == 0 || params.BorrowRateBps == 0 || params.BlocksPerYear == 0 {
		return big.NewInt(0)
	}
	blockWeight := new(big.Int).Mul(borrowed, new(big.Int).SetUint64(height))
	blockWeight.Sub(blockWeight, zeroIfNil(state.BorrowWeight))
	if blockWeight.Sign() <= 0 {
		return big.NewInt(0)
	}
	num := blockWeight.Mul(blockWeight, new(big.Int).SetUint64(params.BorrowRateBps))
	den := new(big.Int).Mul(basisPoints, new(big.Int).SetUint64(params.BlocksPerYear))
	return num.Quo(num, den)
}

// applyIndices stores refreshed indices on state.
func applyIndices(state *ProtocolState, idx Indices) {
	state.LiquidityIndex = new(big.Int).Set(idx.LiquidityIndex)
	state.BorrowIndex = new(big.Int).Set(idx.BorrowIndex)
	if idx.Height > state.LastInterestUpdateBlock {
		state.LastInterestUpdateBlock = idx.Height
	}
}

// LoanInterest is the interest a loan owes at height.
func LoanInterest(loan *Loan, params Params, height uint64) *big.Int {
	if loan == nil || height <= loan.BorrowBlock {
		return big.NewInt(0)
	}
	return simpleInterest(loan.BorrowedAmount, params.BorrowRateBps, height-loan.BorrowBlock, params.BlocksPerYear)
}
