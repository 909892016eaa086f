package lending

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"stxlend/crypto"
)

type mockEngineState struct {
	protocol  *ProtocolState
	lenders   map[string]*LenderAccount
	loans     map[uint64]*Loan
	borrowers map[string]*BorrowerRecord
}

func newMockEngineState() *mockEngineState {
	return &mockEngineState{
		lenders:   make(map[string]*LenderAccount),
		loans:     make(map[uint64]*Loan),
		borrowers: make(map[string]*BorrowerRecord),
	}
}

func (m *mockEngineState) key(addr crypto.Address) string {
	return string(addr.Bytes())
}

func (m *mockEngineState) LendingGetProtocol() (*ProtocolState, bool, error) {
	if m.protocol == nil {
		return nil, false, nil
	}
	return m.protocol.Clone(), true, nil
}

func (m *mockEngineState) LendingPutProtocol(p *ProtocolState) error {
	m.protocol = p.Clone()
	return nil
}

func (m *mockEngineState) LendingGetLender(addr crypto.Address) (*LenderAccount, bool, error) {
	acc, ok := m.lenders[m.key(addr)]
	if !ok {
		return nil, false, nil
	}
	clone := *acc
	clone.Shares = cloneBig(acc.Shares)
	clone.PrincipalAmount = cloneBig(acc.PrincipalAmount)
	return &clone, true, nil
}

func (m *mockEngineState) LendingPutLender(acc *LenderAccount) error {
	clone := *acc
	clone.Shares = cloneBig(acc.Shares)
	clone.PrincipalAmount = cloneBig(acc.PrincipalAmount)
	m.lenders[m.key(acc.Address)] = &clone
	return nil
}

func (m *mockEngineState) LendingGetLoan(id uint64) (*Loan, bool, error) {
	loan, ok := m.loans[id]
	if !ok {
		return nil, false, nil
	}
	clone := *loan
	clone.BorrowedAmount = cloneBig(loan.BorrowedAmount)
	clone.CollateralAmount = cloneBig(loan.CollateralAmount)
	return &clone, true, nil
}

func (m *mockEngineState) LendingPutLoan(loan *Loan) error {
	clone := *loan
	clone.BorrowedAmount = cloneBig(loan.BorrowedAmount)
	clone.CollateralAmount = cloneBig(loan.CollateralAmount)
	m.loans[loan.ID] = &clone
	return nil
}

func (m *mockEngineState) LendingGetBorrower(addr crypto.Address) (*BorrowerRecord, bool, error) {
	rec, ok := m.borrowers[m.key(addr)]
	if !ok {
		return nil, false, nil
	}
	clone := *rec
	clone.LoanIDs = append([]uint64(nil), rec.LoanIDs...)
	return &clone, true, nil
}

func (m *mockEngineState) LendingPutBorrower(rec *BorrowerRecord) error {
	clone := *rec
	clone.LoanIDs = append([]uint64(nil), rec.LoanIDs...)
	m.borrowers[m.key(rec.Address)] = &clone
	return nil
}

type mockLedger struct {
	balances map[string]*big.Int
	failOn   string
}

func newMockLedger() *mockLedger {
	return &mockLedger{balances: make(map[string]*big.Int)}
}

func (l *mockLedger) key(asset string, addr crypto.Address) string {
	return asset + "/" + string(addr.Bytes())
}

func (l *mockLedger) mint(asset string, addr crypto.Address, amount *big.Int) {
	k := l.key(asset, addr)
	l.balances[k] = new(big.Int).Add(l.balance(asset, addr), amount)
}

func (l *mockLedger) balance(asset string, addr crypto.Address) *big.Int {
	if v, ok := l.balances[l.key(asset, addr)]; ok {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

func (l *mockLedger) BalanceOf(asset string, addr crypto.Address) (*big.Int, error) {
	return l.balance(asset, addr), nil
}

func (l *mockLedger) Transfer(asset string, from, to crypto.Address, amount *big.Int) error {
	if l.failOn != "" && l.failOn == asset {
		return fmt.Errorf("ledger offline")
	}
	have := l.balance(asset, from)
	if have.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient %s: have %s need %s", asset, have, amount)
	}
	l.balances[l.key(asset, from)] = have.Sub(have, amount)
	l.mint(asset, to, amount)
	return nil
}

type mockOracle struct {
	price  *big.Int
	block  func() uint64
	err    error
	source string
}

func (o *mockOracle) Price(string) (PriceQuote, error) {
	if o.err != nil {
		return PriceQuote{}, o.err
	}
	return PriceQuote{Price: new(big.Int).Set(o.price), Block: o.block(), Source: o.source}, nil
}

func makeAddress(prefix crypto.AddressPrefix, suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.NewAddress(prefix, raw)
}

// units converts whole tokens to 6-decimal base units.
func units(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), big.NewInt(1_000_000))
}

// usd converts a cent price to the 8-decimal oracle scale.
func usd(cents int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(cents), big.NewInt(1_000_000))
}

type harness struct {
	engine *Engine
	state  *mockEngineState
	ledger *mockLedger
	oracle *mockOracle
	owner  crypto.Address
	pool   crypto.Address
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		state:  newMockEngineState(),
		ledger: newMockLedger(),
		owner:  makeAddress(crypto.LendPrefix, 0xF0),
		pool:   makeAddress(crypto.LendPrefix, 0xEE),
	}
	h.engine = NewEngine(h.pool, DefaultParams())
	h.oracle = &mockOracle{price: usd(225), block: h.engine.BlockHeight, source: "mock"}
	h.engine.SetState(h.state)
	h.engine.SetLedger(h.ledger)
	h.engine.SetOracle(h.oracle)
	if _, err := h.engine.Initialize(h.owner, nil, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return h
}

func (h *harness) at(height uint64) *Engine {
	h.engine.SetBlockHeight(height)
	return h.engine
}

func (h *harness) fund(addr crypto.Address, usdcx, stx *big.Int) {
	if usdcx != nil {
		h.ledger.mint("USDCx", addr, usdcx)
	}
	if stx != nil {
		h.ledger.mint("STX", addr, stx)
	}
}

func expectCode(t *testing.T, err error, want *Error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %s, got %v", want.Code, err)
	}
}

func TestDepositGenesisLocksDeadShares(t *testing.T) {
	h := newHarness(t)
	lender := makeAddress(crypto.LendPrefix, 0x01)
	h.fund(lender, units(1_000), nil)

	got, err := h.at(0).Deposit(lender, units(1_000))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got.Cmp(units(1_000)) != 0 {
		t.Fatalf("unexpected echoed amount %s", got)
	}
	p := h.state.protocol
	if p.TotalShares.Cmp(units(1_000)) != 0 {
		t.Fatalf("unexpected total shares %s", p.TotalShares)
	}
	if p.DeadShares.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("unexpected dead shares %s", p.DeadShares)
	}
	acc := h.state.lenders[string(lender.Bytes())]
	want := new(big.Int).Sub(units(1_000), big.NewInt(1_000))
	if acc.Shares.Cmp(want) != 0 {
		t.Fatalf("unexpected lender shares %s want %s", acc.Shares, want)
	}
	if h.ledger.balance("USDCx", h.pool).Cmp(units(1_000)) != 0 {
		t.Fatalf("pool did not receive deposit")
	}
}

func TestDepositValidation(t *testing.T) {
	h := newHarness(t)
	lender := makeAddress(crypto.LendPrefix, 0x01)
	h.fund(lender, units(10), nil)

	_, err := h.at(1).Deposit(lender, big.NewInt(0))
	expectCode(t, err, ErrInvalidAmount)

	_, err = h.engine.Deposit(lender, big.NewInt(999_999))
	expectCode(t, err, ErrInvalidAmount)

	_, err = h.engine.Deposit(lender, units(11))
	expectCode(t, err, ErrInsufficientBalance)

	if err := h.engine.SetCaps(h.owner, units(5), nil); err != nil {
		t.Fatalf("set caps: %v", err)
	}
	_, err = h.engine.Deposit(lender, units(6))
	expectCode(t, err, ErrSupplyCapExceeded)

	if _, err := h.engine.Deposit(lender, units(5)); err != nil {
		t.Fatalf("deposit at cap: %v", err)
	}
	if h.state.protocol.TotalDeposits.Cmp(units(5)) != 0 {
		t.Fatalf("unexpected deposits %s", h.state.protocol.TotalDeposits)
	}
}

func TestWithdrawRoundTripReturnsDeposit(t *testing.T) {
	h := newHarness(t)
	first := makeAddress(crypto.LendPrefix, 0x01)
	second := makeAddress(crypto.LendPrefix, 0x02)
	h.fund(first, units(1_000), nil)
	h.fund(second, big.NewInt(123_456_789), nil)

	if _, err := h.at(0).Deposit(first, units(1_000)); err != nil {
		t.Fatalf("genesis deposit: %v", err)
	}
	if _, err := h.at(3).Deposit(second, big.NewInt(123_456_789)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	shares := h.state.lenders[string(second.Bytes())].Shares
	out, err := h.at(4).Withdraw(second, shares)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if out.Cmp(big.NewInt(123_456_789)) != 0 {
		t.Fatalf("round trip returned %s", out)
	}
	if h.ledger.balance("USDCx", second).Cmp(big.NewInt(123_456_789)) != 0 {
		t.Fatalf("ledger balance mismatch")
	}
	pos, err := h.engine.LenderBalance(second)
	if err != nil {
		t.Fatalf("lender balance: %v", err)
	}
	if pos.Active || pos.Shares.Sign() != 0 || pos.Principal.Sign() != 0 {
		t.Fatalf("expected closed position, got %+v", pos)
	}
}

func TestWithdrawGuards(t *testing.T) {
	h := newHarness(t)
	lender := makeAddress(crypto.LendPrefix, 0x01)
	h.fund(lender, units(2_000), nil)
	if _, err := h.at(10).Deposit(lender, units(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	_, err := h.engine.Withdraw(lender, big.NewInt(0))
	expectCode(t, err, ErrZeroShareWithdrawal)

	_, err = h.engine.Withdraw(lender, units(1))
	expectCode(t, err, ErrSameBlockInteraction)

	_, err = h.at(11).Withdraw(lender, units(1_000))
	expectCode(t, err, ErrInsufficientBalance)

	stranger := makeAddress(crypto.LendPrefix, 0x09)
	_, err = h.engine.Withdraw(stranger, big.NewInt(1))
	expectCode(t, err, ErrInsufficientBalance)
}

func TestWithdrawBlockedByOutstandingLoans(t *testing.T) {
	h := newHarness(t)
	lender := makeAddress(crypto.LendPrefix, 0x01)
	borrower := makeAddress(crypto.LendPrefix, 0x02)
	h.fund(lender, units(1_000), nil)
	h.fund(borrower, nil, units(10_000))

	if _, err := h.at(0).Deposit(lender, units(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := h.at(1).Borrow(borrower, units(900), units(1_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	shares := h.state.lenders[string(lender.Bytes())].Shares
	_, err := h.at(2).Withdraw(lender, shares)
	expectCode(t, err, ErrInsufficientBalance)
	if code, _ := CodeOf(err); code != CodeInsufficientBalance || !strings.Contains(err.Error(), "liquidity") {
		t.Fatalf("expected liquidity shortfall under code 101, got %d %v", code, err)
	}

	if _, err := h.engine.Withdraw(lender, units(50)); err != nil {
		t.Fatalf("partial withdraw within liquidity: %v", err)
	}
}

func TestBorrowCollateralBoundary(t *testing.T) {
	h := newHarness(t)
	lender := makeAddress(crypto.LendPrefix, 0x01)
	borrower := makeAddress(crypto.LendPrefix, 0x02)
	h.fund(lender, units(10_000), nil)
	h.fund(borrower, nil, units(10_000))
	if _, err := h.at(0).Deposit(lender, units(10_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// 1000 STX at $2.25 is $2250, exactly 150% of 1500.
	short := new(big.Int).Sub(units(1_000), big.NewInt(1))
	_, err := h.at(1).Borrow(borrower, units(1_500), short)
	expectCode(t, err, ErrInsufficientCollateral)

	id, err := h.engine.Borrow(borrower, units(1_500), units(1_000))
	if err != nil {
		t.Fatalf("borrow at exactly 150%%: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected first loan id 1, got %d", id)
	}
	if h.ledger.balance("USDCx", borrower).Cmp(units(1_500)) != 0 {
		t.Fatalf("borrower did not receive funds")
	}
	if h.ledger.balance("STX", h.pool).Cmp(units(1_000)) != 0 {
		t.Fatalf("collateral not locked")
	}
	p := h.state.protocol
	if p.TotalBorrowed.Cmp(units(1_500)) != 0 || p.NextLoanID != 2 || p.ActiveLoans != 1 {
		t.Fatalf("unexpected protocol after borrow: %+v", p)
	}
}

func TestBorrowValidation(t *testing.T) {
	h := newHarness(t)
	lender := makeAddress(crypto.LendPrefix, 0x01)
	borrower := makeAddress(crypto.LendPrefix, 0x02)
	h.fund(lender, units(1_000), nil)
	h.fund(borrower, nil, units(100_000))
	if _, err := h.at(0).Deposit(lender, units(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	h.at(1)

	_, err := h.engine.Borrow(borrower, big.NewInt(0), units(10))
	expectCode(t, err, ErrInvalidAmount)
	_, err = h.engine.Borrow(borrower, units(10), big.NewInt(0))
	expectCode(t, err, ErrInvalidAmount)

	_, err = h.engine.Borrow(borrower, units(1_001), units(10_000))
	expectCode(t, err, ErrInsufficientBalance)
	if code, _ := CodeOf(err); code != CodeInsufficientBalance {
		t.Fatalf("expected code 101 for a liquidity shortfall, got %d", code)
	}

	if err := h.engine.SetCaps(h.owner, nil, units(100)); err != nil {
		t.Fatalf("set caps: %v", err)
	}
	_, err = h.engine.Borrow(borrower, units(101), units(1_000))
	expectCode(t, err, ErrBorrowCapExceeded)
	if err := h.engine.SetCaps(h.owner, nil, nil); err != nil {
		t.Fatalf("clear caps: %v", err)
	}

	poor := makeAddress(crypto.LendPrefix, 0x03)
	_, err = h.engine.Borrow(poor, units(10), units(100))
	expectCode(t, err, ErrInsufficientBalance)

	for i := 0; i < 5; i++ {
		if _, err := h.engine.Borrow(borrower, units(10), units(100)); err != nil {
			t.Fatalf("borrow %d: %v", i, err)
		}
	}
	_, err = h.engine.Borrow(borrower, units(10), units(100))
	expectCode(t, err, ErrTooManyLoans)
	if h.state.protocol.TotalBorrowed.Cmp(units(50)) != 0 {
		t.Fatalf("rejected borrow mutated totals: %s", h.state.protocol.TotalBorrowed)
	}
}

func TestBorrowOracleFailures(t *testing.T) {
	h := newHarness(t)
	lender := makeAddress(crypto.LendPrefix, 0x01)
	borrower := makeAddress(crypto.LendPrefix, 0x02)
	h.fund(lender, units(1_000), nil)
	h.fund(borrower, nil, units(1_000))
	if _, err := h.at(0).Deposit(lender, units(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	h.oracle.err = errors.New("feed down")
	_, err := h.at(1).Borrow(borrower, units(10), units(100))
	expectCode(t, err, ErrOracleFailure)

	h.oracle.err = nil
	h.oracle.block = func() uint64 { return 1 }
	_, err = h.at(14).Borrow(borrower, units(10), units(100))
	expectCode(t, err, ErrStalePriceData)

	if _, err := h.at(13).Borrow(borrower, units(10), units(100)); err != nil {
		t.Fatalf("quote within window rejected: %v", err)
	}
}

func TestRepayRequiresBorrower(t *testing.T) {
	h := newHarness(t)
	lender := makeAddress(crypto.LendPrefix, 0x01)
	borrower := makeAddress(crypto.LendPrefix, 0x02)
	h.fund(lender, units(1_000), nil)
	h.fund(borrower, nil, units(1_000))
	if _, err := h.at(0).Deposit(lender, units(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	id, err := h.at(1).Borrow(borrower, units(100), units(1_000))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}

	_, err = h.at(2).Repay(lender, id)
	expectCode(t, err, ErrNotAuthorized)

	_, err = h.engine.Repay(borrower, 99)
	expectCode(t, err, ErrLoanNotFound)

	// The borrower holds exactly the principal and owes interest on top.
	_, err = h.at(1_000).Repay(borrower, id)
	expectCode(t, err, ErrInsufficientBalance)

	h.fund(borrower, units(1), nil)
	settlement, err := h.engine.Repay(borrower, id)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if settlement.Returned.Cmp(units(1_000)) != 0 {
		t.Fatalf("collateral not returned: %s", settlement.Returned)
	}
	if h.ledger.balance("STX", borrower).Cmp(units(1_000)) != 0 {
		t.Fatalf("borrower did not get collateral back")
	}

	_, err = h.engine.Repay(borrower, id)
	expectCode(t, err, ErrLoanNotActive)
}

func TestShareConservationAcrossFlows(t *testing.T) {
	h := newHarness(t)
	borrower := makeAddress(crypto.LendPrefix, 0x10)
	h.fund(borrower, units(1_000), units(100_000))
	lenders := []crypto.Address{
		makeAddress(crypto.LendPrefix, 0x01),
		makeAddress(crypto.LendPrefix, 0x02),
		makeAddress(crypto.LendPrefix, 0x03),
	}
	for _, l := range lenders {
		h.fund(l, units(5_000), nil)
	}

	check := func(step string) {
		t.Helper()
		sum := new(big.Int).Set(h.state.protocol.DeadShares)
		for _, acc := range h.state.lenders {
			sum.Add(sum, acc.Shares)
		}
		if sum.Cmp(h.state.protocol.TotalShares) != 0 {
			t.Fatalf("%s: shares %s + dead != total %s", step, sum, h.state.protocol.TotalShares)
		}
		if h.state.protocol.TotalBorrowed.Cmp(h.state.protocol.TotalDeposits) > 0 {
			t.Fatalf("%s: borrowed exceeds deposits", step)
		}
	}

	height := uint64(0)
	next := func() *Engine {
		height += 100
		return h.at(height)
	}
	for i, l := range lenders {
		if _, err := next().Deposit(l, units(int64(1_000*(i+1)))); err != nil {
			t.Fatalf("deposit %d: %v", i, err)
		}
		check("deposit")
	}
	id, err := next().Borrow(borrower, units(2_000), units(10_000))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	check("borrow")
	if _, err := next().Deposit(lenders[0], units(777)); err != nil {
		t.Fatalf("top-up: %v", err)
	}
	check("top-up")
	if _, err := h.at(height + 5_000).Repay(borrower, id); err != nil {
		t.Fatalf("repay: %v", err)
	}
	height += 5_000
	check("repay")
	for _, l := range lenders {
		shares := h.state.lenders[string(l.Bytes())].Shares
		if _, err := next().Withdraw(l, shares); err != nil {
			t.Fatalf("withdraw: %v", err)
		}
		check("withdraw")
	}
	if h.state.protocol.TotalShares.Cmp(h.state.protocol.DeadShares) != 0 {
		t.Fatalf("only dead shares should remain, have %s", h.state.protocol.TotalShares)
	}
}
