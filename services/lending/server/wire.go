package server

import (
	"math/big"

	"stxlend/native/lending"
	"stxlend/services/lending/engine"
	"stxlend/services/lending/history"
)

// Amounts travel as decimal strings of base units so no client loses
// precision.

type DepositRequest struct {
	Amount string `json:"amount"`
}

type WithdrawRequest struct {
	Shares string `json:"shares"`
}

type BorrowRequest struct {
	Amount     string `json:"amount"`
	Collateral string `json:"collateral"`
}

type LoanRequest struct {
	LoanID uint64 `json:"loanId"`
}

type PauseRequest struct {
	Paused *bool `json:"paused"`
}

type CapsRequest struct {
	SupplyCap string `json:"supplyCap"`
	BorrowCap string `json:"borrowCap"`
}

type RevenueRequest struct {
	Recipient string `json:"recipient"`
	// Amount is optional; empty withdraws all revenue.
	Amount string `json:"amount,omitempty"`
}

type CreditRequest struct {
	Asset  string `json:"asset"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type Settlement struct {
	LoanID    uint64 `json:"loanId"`
	Borrower  string `json:"borrower"`
	Principal string `json:"principal"`
	Interest  string `json:"interest"`
	Reserve   string `json:"reserve"`
	Paid      string `json:"paid"`
	Seized    string `json:"seized"`
	Returned  string `json:"returned"`
	Expired   bool   `json:"expired"`
}

// OperationResponse is returned by every state-changing route.
type OperationResponse struct {
	Receipt    *engine.Receipt `json:"receipt"`
	Shares     string          `json:"shares,omitempty"`
	Amount     string          `json:"amount,omitempty"`
	LoanID     uint64          `json:"loanId,omitempty"`
	Settlement *Settlement     `json:"settlement,omitempty"`
}

type Lender struct {
	Address      string `json:"address"`
	Principal    string `json:"principal"`
	Shares       string `json:"shares"`
	Balance      string `json:"balance"`
	Earned       string `json:"earned"`
	DepositBlock uint64 `json:"depositBlock"`
	Active       bool   `json:"active"`
}

type Loan struct {
	ID              uint64 `json:"id"`
	Borrower        string `json:"borrower"`
	Collateral      string `json:"collateral"`
	Borrowed        string `json:"borrowed"`
	BorrowBlock     uint64 `json:"borrowBlock"`
	Active          bool   `json:"active"`
	ClosedBlock     uint64 `json:"closedBlock,omitempty"`
	Liquidated      bool   `json:"liquidated"`
	Interest        string `json:"interest"`
	TotalOwed       string `json:"totalOwed"`
	HealthFactorBps string `json:"healthFactorBps,omitempty"`
	PriceKnown      bool   `json:"priceKnown"`
	Expired         bool   `json:"expired"`
	Liquidatable    bool   `json:"liquidatable"`
}

type Stats struct {
	Owner                   string `json:"owner"`
	TotalDeposits           string `json:"totalDeposits"`
	TotalBorrowed           string `json:"totalBorrowed"`
	AvailableLiquidity      string `json:"availableLiquidity"`
	TotalShares             string `json:"totalShares"`
	DeadShares              string `json:"deadShares"`
	PendingInterest         string `json:"pendingInterest"`
	ProtocolRevenue         string `json:"protocolRevenue"`
	SupplyCap               string `json:"supplyCap"`
	BorrowCap               string `json:"borrowCap"`
	ShareValue              string `json:"shareValue"`
	BorrowIndex             string `json:"borrowIndex"`
	UtilizationBps          uint64 `json:"utilizationBps"`
	BorrowAPYBps            uint64 `json:"borrowApyBps"`
	SupplyAPYBps            uint64 `json:"supplyApyBps"`
	ActiveLoans             uint64 `json:"activeLoans"`
	NextLoanID              uint64 `json:"nextLoanId"`
	Paused                  bool   `json:"paused"`
	LastInterestUpdateBlock uint64 `json:"lastInterestUpdateBlock"`
	Height                  uint64 `json:"height"`
}

type Price struct {
	Asset  string `json:"asset"`
	Price  string `json:"price"`
	Block  uint64 `json:"block"`
	Source string `json:"source"`
}

type Balance struct {
	Address string            `json:"address"`
	Assets  map[string]string `json:"assets"`
}

type Activity struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Address    string `json:"address,omitempty"`
	Role       string `json:"role,omitempty"`
	LoanID     uint64 `json:"loanId,omitempty"`
	Asset      string `json:"asset,omitempty"`
	Amount     string `json:"amount,omitempty"`
	Height     uint64 `json:"height"`
	Attributes string `json:"attributes,omitempty"`
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func optionalAmount(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func operationFrom(res *engine.Result) OperationResponse {
	out := OperationResponse{
		Receipt: res.Receipt,
		Shares:  optionalAmount(res.Shares),
		Amount:  optionalAmount(res.Amount),
		LoanID:  res.LoanID,
	}
	if st := res.Settlement; st != nil {
		out.Settlement = &Settlement{
			LoanID:    st.LoanID,
			Borrower:  st.Borrower.String(),
			Principal: amountString(st.Principal),
			Interest:  amountString(st.Interest),
			Reserve:   amountString(st.Reserve),
			Paid:      amountString(st.Paid),
			Seized:    amountString(st.Seized),
			Returned:  amountString(st.Returned),
			Expired:   st.Expired,
		}
	}
	return out
}

func lenderFrom(p lending.LenderPosition) Lender {
	return Lender{
		Address:      p.Address.String(),
		Principal:    amountString(p.Principal),
		Shares:       amountString(p.Shares),
		Balance:      amountString(p.Balance),
		Earned:       amountString(p.Earned),
		DepositBlock: p.DepositBlock,
		Active:       p.Active,
	}
}

func loanFrom(v lending.LoanView) Loan {
	out := Loan{
		ID:           v.ID,
		Borrower:     v.Borrower.String(),
		Collateral:   amountString(v.CollateralAmount),
		Borrowed:     amountString(v.BorrowedAmount),
		BorrowBlock:  v.BorrowBlock,
		Active:       v.Active,
		ClosedBlock:  v.ClosedBlock,
		Liquidated:   v.Liquidated,
		Interest:     amountString(v.Interest),
		TotalOwed:    amountString(v.TotalOwed),
		PriceKnown:   v.PriceKnown,
		Expired:      v.Expired,
		Liquidatable: v.Liquidatable,
	}
	if v.PriceKnown {
		out.HealthFactorBps = optionalAmount(v.HealthFactorBps)
	}
	return out
}

func statsFrom(s *lending.Stats) Stats {
	return Stats{
		Owner:                   s.Owner.String(),
		TotalDeposits:           amountString(s.TotalDeposits),
		TotalBorrowed:           amountString(s.TotalBorrowed),
		AvailableLiquidity:      amountString(s.AvailableLiquidity),
		TotalShares:             amountString(s.TotalShares),
		DeadShares:              amountString(s.DeadShares),
		PendingInterest:         amountString(s.PendingInterest),
		ProtocolRevenue:         amountString(s.ProtocolRevenue),
		SupplyCap:               amountString(s.SupplyCap),
		BorrowCap:               amountString(s.BorrowCap),
		ShareValue:              amountString(s.ShareValue),
		BorrowIndex:             amountString(s.BorrowIndex),
		UtilizationBps:          s.UtilizationBps,
		BorrowAPYBps:            s.BorrowAPYBps,
		SupplyAPYBps:            s.SupplyAPYBps,
		ActiveLoans:             s.ActiveLoans,
		NextLoanID:              s.NextLoanID,
		Paused:                  s.Paused,
		LastInterestUpdateBlock: s.LastInterestUpdateBlock,
		Height:                  s.Height,
	}
}

func activityFrom(a history.Activity) Activity {
	return Activity{
		ID:         a.ID.String(),
		Type:       a.Type,
		Address:    a.Address,
		Role:       a.Role,
		LoanID:     a.LoanID,
		Asset:      a.Asset,
		Amount:     a.Amount,
		Height:     a.Height,
		Attributes: a.Attributes,
	}
}
