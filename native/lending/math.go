package lending

import "math/big"

var (
	basisPoints = big.NewInt(10_000)
	ray         = mustBigInt("1000000000000000000000000000") // 1e27 precision
	// rayToDisplay converts ray values to the 8-decimal form used in views.
	rayToDisplay = mustBigInt("10000000000000000000") // 1e19
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// mulDiv returns floor(a*b/c). A zero divisor yields zero.
func mulDiv(a, b, c *big.Int) *big.Int {
	if a == nil || b == nil || c == nil || c.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, c)
}

// mulDivUp returns ceil(a*b/c) for non-negative operands.
func mulDivUp(a, b, c *big.Int) *big.Int {
	if a == nil || b == nil || c == nil || c.Sign() == 0 {
		return big.NewInt(0)
	}
	num := new(big.Int).Mul(a, b)
	q, r := new(big.Int).QuoRem(num, c, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

func rayMul(a, b *big.Int) *big.Int {
	return mulDiv(a, b, ray)
}

// sharesFromLiquidity converts an asset amount into shares at index,
// rounding down so the depositor never receives more than they paid for.
func sharesFromLiquidity(amount, index *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 || index == nil || index.Sign() == 0 {
		return big.NewInt(0)
	}
	return mulDiv(amount, ray, index)
}

// liquidityFromShares converts shares into the asset amount they redeem for,
// rounding down.
func liquidityFromShares(shares, index *big.Int) *big.Int {
	if shares == nil || shares.Sign() <= 0 || index == nil || index.Sign() == 0 {
		return big.NewInt(0)
	}
	return mulDiv(shares, index, ray)
}

// simpleInterest is principal*rateBps*elapsed/(10000*blocksPerYear) rounded
// up, so the borrower never underpays.
func simpleInterest(principal *big.Int, rateBps, elapsed, blocksPerYear uint64) *big.Int {
	if principal == nil || principal.Sign() <= 0 || rateBps == 0 || elapsed == 0 || blocksPerYear == 0 {
		return big.NewInt(0)
	}
	num := new(big.Int).Mul(principal, new(big.Int).SetUint64(rateBps))
	num.Mul(num, new(big.Int).SetUint64(elapsed))
	den := new(big.Int).Mul(basisPoints, new(big.Int).SetUint64(blocksPerYear))
	return mulDivUp(num, big.NewInt(1), den)
}

// reserveCut is the protocol's portion of interest.
func reserveCut(interest *big.Int, reserveBps uint64) *big.Int {
	return mulDiv(interest, new(big.Int).SetUint64(reserveBps), basisPoints)
}

// lenderCut is the lenders' portion of interest.
func lenderCut(interest *big.Int, reserveBps uint64) *big.Int {
	if interest == nil || interest.Sign() <= 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Sub(interest, reserveCut(interest, reserveBps))
}

// rateFactor is 1 + rate*delta/blocksPerYear in ray precision.
func rateFactor(rateBps, delta, blocksPerYear uint64) *big.Int {
	factor := new(big.Int).Set(ray)
	if rateBps == 0 || delta == 0 || blocksPerYear == 0 {
		return factor
	}
	num := new(big.Int).Mul(ray, new(big.Int).SetUint64(rateBps))
	num.Mul(num, new(big.Int).SetUint64(delta))
	den := new(big.Int).Mul(basisPoints, new(big.Int).SetUint64(blocksPerYear))
	return factor.Add(factor, num.Quo(num, den))
}

// displayIndex renders a ray index with 8 decimals.
func displayIndex(index *big.Int) *big.Int {
	if index == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Quo(index, rayToDisplay)
}

// collateralValueBps is collateral*price*10000, the left side of every
// ratio comparison. Comparisons stay in integers with no division.
func collateralValueBps(collateral, price *big.Int) *big.Int {
	v := new(big.Int).Mul(collateral, price)
	return v.Mul(v, basisPoints)
}

// debtRequirement is debt*ratioBps*PriceScale, the right side of the ratio
// comparisons.
func debtRequirement(debt *big.Int, ratioBps uint64) *big.Int {
	v := new(big.Int).Mul(debt, new(big.Int).SetUint64(ratioBps))
	return v.Mul(v, PriceScale)
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func maxBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func zeroIfNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
