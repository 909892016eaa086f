package state

import (
	"errors"
	"math/big"
	"testing"

	"stxlend/core/events"
	"stxlend/crypto"
	"stxlend/native/lending"
	"stxlend/storage"
)

func testAddress(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[19] = suffix
	return crypto.NewAddress(crypto.LendPrefix, raw)
}

func TestKVRoundTrip(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())

	if ok, err := mgr.KVGet([]byte("missing"), new(big.Int)); err != nil || ok {
		t.Fatalf("expected missing key, got %v %v", ok, err)
	}
	if err := mgr.KVPut([]byte("answer"), big.NewInt(42)); err != nil {
		t.Fatalf("put: %v", err)
	}
	got := new(big.Int)
	ok, err := mgr.KVGet([]byte("answer"), got)
	if err != nil || !ok || got.Int64() != 42 {
		t.Fatalf("unexpected kv result %v %v %s", ok, err, got)
	}
	if err := mgr.KVDelete([]byte("answer")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, _ := mgr.KVGet([]byte("answer"), nil); ok {
		t.Fatalf("value survived delete")
	}
	if err := mgr.KVPut(nil, 1); err == nil {
		t.Fatalf("expected empty key to fail")
	}
}

func TestLendingRecordsRoundTrip(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	owner := testAddress(0xF0)

	if _, ok, err := mgr.LendingGetProtocol(); err != nil || ok {
		t.Fatalf("expected no protocol, got %v %v", ok, err)
	}
	protocol := &lending.ProtocolState{
		Owner:                   owner,
		TotalDeposits:           big.NewInt(1_000),
		TotalBorrowed:           big.NewInt(400),
		TotalShares:             big.NewInt(990),
		DeadShares:              big.NewInt(10),
		LiquidityIndex:          new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil),
		BorrowIndex:             new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil),
		BorrowWeight:            big.NewInt(4_000),
		NextLoanID:              3,
		ActiveLoans:             1,
		Paused:                  true,
		LastInterestUpdateBlock: 77,
	}
	if err := mgr.LendingPutProtocol(protocol); err != nil {
		t.Fatalf("put protocol: %v", err)
	}
	loaded, ok, err := mgr.LendingGetProtocol()
	if err != nil || !ok {
		t.Fatalf("get protocol: %v %v", ok, err)
	}
	if !loaded.Owner.Equal(owner) || loaded.TotalBorrowed.Cmp(big.NewInt(400)) != 0 || !loaded.Paused {
		t.Fatalf("protocol mismatch: %+v", loaded)
	}
	if loaded.ProtocolRevenue == nil || loaded.ProtocolRevenue.Sign() != 0 {
		t.Fatalf("unset amounts should load as zero")
	}
	if loaded.LastInterestUpdateBlock != 77 || loaded.NextLoanID != 3 {
		t.Fatalf("counters mismatch: %+v", loaded)
	}

	borrower := testAddress(0x02)
	loan := &lending.Loan{
		ID:               2,
		Borrower:         borrower,
		CollateralAmount: big.NewInt(900),
		BorrowedAmount:   big.NewInt(400),
		BorrowBlock:      10,
		Active:           true,
	}
	if err := mgr.LendingPutLoan(loan); err != nil {
		t.Fatalf("put loan: %v", err)
	}
	gotLoan, ok, err := mgr.LendingGetLoan(2)
	if err != nil || !ok {
		t.Fatalf("get loan: %v %v", ok, err)
	}
	if !gotLoan.Borrower.Equal(borrower) || gotLoan.CollateralAmount.Int64() != 900 || !gotLoan.Active {
		t.Fatalf("loan mismatch: %+v", gotLoan)
	}
	if _, ok, _ := mgr.LendingGetLoan(9); ok {
		t.Fatalf("unexpected loan 9")
	}

	if err := mgr.LendingPutBorrower(&lending.BorrowerRecord{Address: borrower, LoanIDs: []uint64{1, 2}, ActiveCount: 1}); err != nil {
		t.Fatalf("put borrower: %v", err)
	}
	rec, ok, err := mgr.LendingGetBorrower(borrower)
	if err != nil || !ok || len(rec.LoanIDs) != 2 || rec.ActiveCount != 1 {
		t.Fatalf("borrower mismatch: %+v %v %v", rec, ok, err)
	}
}

func TestLenderIndexDeduplicates(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	first, second := testAddress(0x01), testAddress(0x02)
	for _, addr := range []crypto.Address{first, second, first} {
		acc := &lending.LenderAccount{Address: addr, Shares: big.NewInt(5), PrincipalAmount: big.NewInt(5), DepositBlock: 4}
		if err := mgr.LendingPutLender(acc); err != nil {
			t.Fatalf("put lender: %v", err)
		}
	}
	lenders, err := mgr.LendingLenders()
	if err != nil {
		t.Fatalf("lenders: %v", err)
	}
	if len(lenders) != 2 || !lenders[0].Equal(first) || !lenders[1].Equal(second) {
		t.Fatalf("unexpected lender index %v", lenders)
	}
	acc, ok, err := mgr.LendingGetLender(first)
	if err != nil || !ok || acc.Shares.Int64() != 5 || acc.DepositBlock != 4 {
		t.Fatalf("lender mismatch: %+v", acc)
	}
}

func TestLedgerTransferAndMint(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	ledger := mgr.Ledger()
	var buf events.Buffer
	ledger.SetEmitter(&buf)

	alice, bob := testAddress(0x0A), testAddress(0x0B)
	if err := ledger.Mint("USDCx", alice, big.NewInt(500), "bridge"); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.Transfer("USDCx", alice, bob, big.NewInt(200)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	err := ledger.Transfer("USDCx", bob, alice, big.NewInt(201))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	aliceBal, _ := ledger.BalanceOf("USDCx", alice)
	bobBal, _ := ledger.BalanceOf(" USDCx ", bob)
	if aliceBal.Int64() != 300 || bobBal.Int64() != 200 {
		t.Fatalf("unexpected balances %s %s", aliceBal, bobBal)
	}
	if other, _ := ledger.BalanceOf("STX", alice); other.Sign() != 0 {
		t.Fatalf("assets must be isolated")
	}
	supply, err := ledger.Supply("USDCx")
	if err != nil || supply.Int64() != 500 {
		t.Fatalf("unexpected supply %s %v", supply, err)
	}
	emitted := buf.Drain()
	if len(emitted) != 2 {
		t.Fatalf("expected credit and transfer events, got %d", len(emitted))
	}
	if emitted[0].EventType() != events.TypeAssetCredited || emitted[1].EventType() != events.TypeAssetTransferred {
		t.Fatalf("unexpected event order %s, %s", emitted[0].EventType(), emitted[1].EventType())
	}
}

func TestLedgerRejectsOverflow(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	ledger := mgr.Ledger()
	alice := testAddress(0x0A)
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	if err := ledger.Mint("STX", alice, max, ""); err != nil {
		t.Fatalf("mint max: %v", err)
	}
	if err := ledger.Mint("STX", alice, big.NewInt(1), ""); !errors.Is(err, ErrBalanceOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if err := ledger.Transfer("STX", alice, alice, big.NewInt(-1)); err == nil {
		t.Fatalf("expected negative amount to fail")
	}
}

func TestOverlayDiscardLeavesStateUntouched(t *testing.T) {
	base := storage.NewMemDB()
	alice, bob := testAddress(0x0A), testAddress(0x0B)
	if err := NewManager(base).Ledger().Mint("USDCx", alice, big.NewInt(10), ""); err != nil {
		t.Fatalf("mint: %v", err)
	}

	overlay := storage.NewOverlay(base)
	if err := NewManager(overlay).Ledger().Transfer("USDCx", alice, bob, big.NewInt(10)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	overlay.Discard()

	bal, err := NewManager(base).Ledger().BalanceOf("USDCx", alice)
	if err != nil || bal.Int64() != 10 {
		t.Fatalf("discarded transfer leaked: %s %v", bal, err)
	}

	overlay = storage.NewOverlay(base)
	if err := NewManager(overlay).Ledger().Transfer("USDCx", alice, bob, big.NewInt(4)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := overlay.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	bal, _ = NewManager(base).Ledger().BalanceOf("USDCx", bob)
	if bal.Int64() != 4 {
		t.Fatalf("committed transfer missing: %s", bal)
	}
}

func TestSequences(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	for want := uint64(1); want <= 3; want++ {
		got, err := mgr.NextSequence("receipts")
		if err != nil || got != want {
			t.Fatalf("sequence %d: got %d %v", want, got, err)
		}
	}
	if v, _ := mgr.MetaUint64("other"); v != 0 {
		t.Fatalf("independent counters leaked")
	}
}
