package lending

import (
	"math/big"
	"testing"

	"stxlend/crypto"
)

func liquidationSetup(t *testing.T) (*harness, crypto.Address, crypto.Address, uint64) {
	t.Helper()
	h := newHarness(t)
	lender := makeAddress(crypto.LendPrefix, 0x01)
	borrower := makeAddress(crypto.LendPrefix, 0x02)
	liquidator := makeAddress(crypto.LendPrefix, 0x03)
	h.fund(lender, units(10_000), nil)
	h.fund(borrower, nil, units(1_000))
	h.fund(liquidator, units(5_000), nil)

	if _, err := h.at(0).Deposit(lender, units(10_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	id, err := h.at(10).Borrow(borrower, units(1_500), units(1_000))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	return h, borrower, liquidator, id
}

func TestLiquidationThresholdBoundary(t *testing.T) {
	h, _, liquidator, id := liquidationSetup(t)

	// $1.80 puts 1000 STX at exactly 120% of the 1500 debt.
	h.oracle.price = usd(180)
	_, err := h.engine.Liquidate(liquidator, id)
	expectCode(t, err, ErrLoanHealthy)

	view, err := h.engine.LoanDetails(id)
	if err != nil {
		t.Fatalf("loan details: %v", err)
	}
	if view.HealthFactorBps.Cmp(big.NewInt(12_000)) != 0 || view.Liquidatable {
		t.Fatalf("expected healthy loan at 12000 bps, got %+v", view)
	}

	h.oracle.price = new(big.Int).Sub(usd(180), big.NewInt(1))
	settlement, err := h.engine.Liquidate(liquidator, id)
	if err != nil {
		t.Fatalf("liquidate below threshold: %v", err)
	}
	// 1500 * 1.05 / 1.79999999 rounded down.
	wantSeized := big.NewInt(875_000_004)
	if settlement.Seized.Cmp(wantSeized) != 0 {
		t.Fatalf("expected %s seized, got %s", wantSeized, settlement.Seized)
	}
	wantReturned := new(big.Int).Sub(units(1_000), wantSeized)
	if settlement.Returned.Cmp(wantReturned) != 0 {
		t.Fatalf("expected %s returned, got %s", wantReturned, settlement.Returned)
	}
	if settlement.Paid.Cmp(units(1_500)) != 0 || settlement.Expired {
		t.Fatalf("unexpected settlement %+v", settlement)
	}
	if h.ledger.balance("STX", liquidator).Cmp(wantSeized) != 0 {
		t.Fatalf("liquidator did not receive collateral")
	}
	if h.ledger.balance("USDCx", liquidator).Cmp(units(3_500)) != 0 {
		t.Fatalf("liquidator did not pay the debt")
	}
	loan := h.state.loans[id]
	if loan.Active || !loan.Liquidated {
		t.Fatalf("loan should be closed by liquidation: %+v", loan)
	}
	if h.state.protocol.ActiveLoans != 0 || h.state.protocol.TotalBorrowed.Sign() != 0 {
		t.Fatalf("protocol still tracks the loan: %+v", h.state.protocol)
	}
}

func TestLiquidateHealthyLoanFails(t *testing.T) {
	h := newHarness(t)
	lender := makeAddress(crypto.LendPrefix, 0x01)
	borrower := makeAddress(crypto.LendPrefix, 0x02)
	liquidator := makeAddress(crypto.LendPrefix, 0x03)
	h.fund(lender, units(1_000), nil)
	h.fund(borrower, nil, units(1_000))
	h.fund(liquidator, units(1_000), nil)
	if _, err := h.at(0).Deposit(lender, units(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// $2250 of collateral against 562.5 is 400%.
	id, err := h.at(1).Borrow(borrower, big.NewInt(562_500_000), units(1_000))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	_, err = h.at(2).Liquidate(liquidator, id)
	expectCode(t, err, ErrLoanHealthy)

	_, err = h.engine.Liquidate(borrower, id)
	expectCode(t, err, ErrSelfLiquidation)

	_, err = h.engine.Liquidate(liquidator, 42)
	expectCode(t, err, ErrLoanNotFound)
}

func TestLiquidateExpiredLoan(t *testing.T) {
	h, borrower, liquidator, id := liquidationSetup(t)

	// Still healthy on price, but older than the maximum duration.
	expiry := 10 + DefaultParams().MaxLoanDurationBlocks
	_, err := h.at(expiry).Liquidate(liquidator, id)
	expectCode(t, err, ErrLoanHealthy)

	settlement, err := h.at(expiry + 1).Liquidate(liquidator, id)
	if err != nil {
		t.Fatalf("liquidate expired loan: %v", err)
	}
	if !settlement.Expired {
		t.Fatalf("expected expiry to be recorded")
	}
	if settlement.Interest.Sign() <= 0 {
		t.Fatalf("expected accrued interest on expired loan")
	}
	total := new(big.Int).Add(settlement.Seized, settlement.Returned)
	if total.Cmp(units(1_000)) != 0 {
		t.Fatalf("collateral not fully distributed: %s", total)
	}
	if h.ledger.balance("STX", borrower).Cmp(settlement.Returned) != 0 {
		t.Fatalf("borrower did not receive surplus collateral")
	}
	_, err = h.engine.Liquidate(liquidator, id)
	expectCode(t, err, ErrLoanNotActive)
}

func TestLiquidationCapsSeizureAtCollateral(t *testing.T) {
	h, borrower, liquidator, id := liquidationSetup(t)

	// At $1.00 the debt plus bonus is worth more than all collateral.
	h.oracle.price = usd(100)
	settlement, err := h.engine.Liquidate(liquidator, id)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if settlement.Seized.Cmp(units(1_000)) != 0 || settlement.Returned.Sign() != 0 {
		t.Fatalf("expected all collateral seized, got %+v", settlement)
	}
	if h.ledger.balance("STX", borrower).Sign() != 0 {
		t.Fatalf("borrower should receive nothing back")
	}
}

func TestLiquidatorNeedsFunds(t *testing.T) {
	h, _, _, id := liquidationSetup(t)
	broke := makeAddress(crypto.LendPrefix, 0x44)
	h.oracle.price = usd(100)
	_, err := h.engine.Liquidate(broke, id)
	expectCode(t, err, ErrInsufficientBalance)
	if !h.state.loans[id].Active {
		t.Fatalf("failed liquidation closed the loan")
	}
}
