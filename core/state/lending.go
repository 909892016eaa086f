package state

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"stxlend/crypto"
	"stxlend/native/lending"
)

var (
	lendingProtocolKey    = []byte("lending/protocol")
	lendingLenderPrefix   = []byte("lending/lender/")
	lendingLoanPrefix     = []byte("lending/loan/")
	lendingBorrowerPrefix = []byte("lending/borrower/")
	lendingLenderIndexKey = []byte("lending/lender-index")
)

func lendingLenderKey(addr crypto.Address) []byte {
	raw := addr.Raw()
	buf := make([]byte, len(lendingLenderPrefix)+len(raw))
	copy(buf, lendingLenderPrefix)
	copy(buf[len(lendingLenderPrefix):], raw[:])
	return buf
}

func lendingLoanKey(id uint64) []byte {
	buf := make([]byte, len(lendingLoanPrefix)+8)
	copy(buf, lendingLoanPrefix)
	binary.BigEndian.PutUint64(buf[len(lendingLoanPrefix):], id)
	return buf
}

func lendingBorrowerKey(addr crypto.Address) []byte {
	raw := addr.Raw()
	buf := make([]byte, len(lendingBorrowerPrefix)+len(raw))
	copy(buf, lendingBorrowerPrefix)
	copy(buf[len(lendingBorrowerPrefix):], raw[:])
	return buf
}

type storedProtocol struct {
	Owner                   [20]byte
	TotalDeposits           *big.Int
	TotalBorrowed           *big.Int
	TotalShares             *big.Int
	DeadShares              *big.Int
	LiquidityIndex          *big.Int
	BorrowIndex             *big.Int
	BorrowWeight            *big.Int
	ProtocolRevenue         *big.Int
	SupplyCap               *big.Int
	BorrowCap               *big.Int
	NextLoanID              uint64
	ActiveLoans             uint64
	Paused                  bool
	LastInterestUpdateBlock uint64
}

type storedLender struct {
	Address         [20]byte
	PrincipalAmount *big.Int
	Shares          *big.Int
	DepositBlock    uint64
}

type storedLoan struct {
	ID               uint64
	Borrower         [20]byte
	CollateralAmount *big.Int
	BorrowedAmount   *big.Int
	BorrowBlock      uint64
	Active           bool
	ClosedBlock      uint64
	Liquidated       bool
}

type storedBorrower struct {
	Address     [20]byte
	LoanIDs     []uint64
	ActiveCount uint64
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func newStoredProtocol(p *lending.ProtocolState) *storedProtocol {
	return &storedProtocol{
		Owner:                   p.Owner.Raw(),
		TotalDeposits:           nonNil(p.TotalDeposits),
		TotalBorrowed:           nonNil(p.TotalBorrowed),
		TotalShares:             nonNil(p.TotalShares),
		DeadShares:              nonNil(p.DeadShares),
		LiquidityIndex:          nonNil(p.LiquidityIndex),
		BorrowIndex:             nonNil(p.BorrowIndex),
		BorrowWeight:            nonNil(p.BorrowWeight),
		ProtocolRevenue:         nonNil(p.ProtocolRevenue),
		SupplyCap:               nonNil(p.SupplyCap),
		BorrowCap:               nonNil(p.BorrowCap),
		NextLoanID:              p.NextLoanID,
		ActiveLoans:             p.ActiveLoans,
		Paused:                  p.Paused,
		LastInterestUpdateBlock: p.LastInterestUpdateBlock,
	}
}

func (s *storedProtocol) toProtocol() *lending.ProtocolState {
	return &lending.ProtocolState{
		Owner:                   crypto.AddressFromRaw(s.Owner),
		TotalDeposits:           nonNil(s.TotalDeposits),
		TotalBorrowed:           nonNil(s.TotalBorrowed),
		TotalShares:             nonNil(s.TotalShares),
		DeadShares:              nonNil(s.DeadShares),
		LiquidityIndex:          nonNil(s.LiquidityIndex),
		BorrowIndex:             nonNil(s.BorrowIndex),
		BorrowWeight:            nonNil(s.BorrowWeight),
		ProtocolRevenue:         nonNil(s.ProtocolRevenue),
		SupplyCap:               nonNil(s.SupplyCap),
		BorrowCap:               nonNil(s.BorrowCap),
		NextLoanID:              s.NextLoanID,
		ActiveLoans:             s.ActiveLoans,
		Paused:                  s.Paused,
		LastInterestUpdateBlock: s.LastInterestUpdateBlock,
	}
}

// LendingGetProtocol loads the pool singleton.
func (m *Manager) LendingGetProtocol() (*lending.ProtocolState, bool, error) {
	stored := new(storedProtocol)
	ok, err := m.KVGet(lendingProtocolKey, stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	return stored.toProtocol(), true, nil
}

// LendingPutProtocol persists the pool singleton.
func (m *Manager) LendingPutProtocol(p *lending.ProtocolState) error {
	if p == nil {
		return fmt.Errorf("lending: nil protocol state")
	}
	return m.KVPut(lendingProtocolKey, newStoredProtocol(p))
}

// LendingGetLender loads a lender account.
func (m *Manager) LendingGetLender(addr crypto.Address) (*lending.LenderAccount, bool, error) {
	stored := new(storedLender)
	ok, err := m.KVGet(lendingLenderKey(addr), stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &lending.LenderAccount{
		Address:         crypto.AddressFromRaw(stored.Address),
		PrincipalAmount: nonNil(stored.PrincipalAmount),
		Shares:          nonNil(stored.Shares),
		DepositBlock:    stored.DepositBlock,
	}, true, nil
}

// LendingPutLender persists a lender account and records it in the lender
// index the first time it is seen.
func (m *Manager) LendingPutLender(acc *lending.LenderAccount) error {
	if acc == nil {
		return fmt.Errorf("lending: nil lender account")
	}
	raw := acc.Address.Raw()
	stored := &storedLender{
		Address:         raw,
		PrincipalAmount: nonNil(acc.PrincipalAmount),
		Shares:          nonNil(acc.Shares),
		DepositBlock:    acc.DepositBlock,
	}
	if err := m.KVPut(lendingLenderKey(acc.Address), stored); err != nil {
		return err
	}
	return m.kvAppend(lendingLenderIndexKey, raw[:])
}

// LendingLenders lists every address that has ever deposited, in first-seen
// order.
func (m *Manager) LendingLenders() ([]crypto.Address, error) {
	var list [][]byte
	if _, err := m.KVGet(lendingLenderIndexKey, &list); err != nil {
		return nil, err
	}
	out := make([]crypto.Address, 0, len(list))
	for _, raw := range list {
		if len(raw) != 20 {
			return nil, fmt.Errorf("lending: corrupt lender index entry")
		}
		out = append(out, crypto.NewAddress(crypto.LendPrefix, raw))
	}
	return out, nil
}

// LendingGetLoan loads a loan by id.
func (m *Manager) LendingGetLoan(id uint64) (*lending.Loan, bool, error) {
	stored := new(storedLoan)
	ok, err := m.KVGet(lendingLoanKey(id), stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &lending.Loan{
		ID:               stored.ID,
		Borrower:         crypto.AddressFromRaw(stored.Borrower),
		CollateralAmount: nonNil(stored.CollateralAmount),
		BorrowedAmount:   nonNil(stored.BorrowedAmount),
		BorrowBlock:      stored.BorrowBlock,
		Active:           stored.Active,
		ClosedBlock:      stored.ClosedBlock,
		Liquidated:       stored.Liquidated,
	}, true, nil
}

// LendingPutLoan persists a loan.
func (m *Manager) LendingPutLoan(loan *lending.Loan) error {
	if loan == nil {
		return fmt.Errorf("lending: nil loan")
	}
	return m.KVPut(lendingLoanKey(loan.ID), &storedLoan{
		ID:               loan.ID,
		Borrower:         loan.Borrower.Raw(),
		CollateralAmount: nonNil(loan.CollateralAmount),
		BorrowedAmount:   nonNil(loan.BorrowedAmount),
		BorrowBlock:      loan.BorrowBlock,
		Active:           loan.Active,
		ClosedBlock:      loan.ClosedBlock,
		Liquidated:       loan.Liquidated,
	})
}

// LendingGetBorrower loads the loan index of a borrower.
func (m *Manager) LendingGetBorrower(addr crypto.Address) (*lending.BorrowerRecord, bool, error) {
	stored := new(storedBorrower)
	ok, err := m.KVGet(lendingBorrowerKey(addr), stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &lending.BorrowerRecord{
		Address:     crypto.AddressFromRaw(stored.Address),
		LoanIDs:     append([]uint64(nil), stored.LoanIDs...),
		ActiveCount: stored.ActiveCount,
	}, true, nil
}

// LendingPutBorrower persists the loan index of a borrower.
func (m *Manager) LendingPutBorrower(rec *lending.BorrowerRecord) error {
	if rec == nil {
		return fmt.Errorf("lending: nil borrower record")
	}
	return m.KVPut(lendingBorrowerKey(rec.Address), &storedBorrower{
		Address:     rec.Address.Raw(),
		LoanIDs:     append([]uint64{}, rec.LoanIDs...),
		ActiveCount: rec.ActiveCount,
	})
}
