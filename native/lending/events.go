package lending

import (
	"math/big"
	"strconv"

	"stxlend/core/types"
	"stxlend/crypto"
)

const (
	EventTypeDeposited        = "lending.deposited"
	EventTypeWithdrawn        = "lending.withdrawn"
	EventTypeLoanOpened       = "lending.loan.opened"
	EventTypeLoanRepaid       = "lending.loan.repaid"
	EventTypeLoanLiquidated   = "lending.loan.liquidated"
	EventTypeRevenueWithdrawn = "lending.revenue.withdrawn"
	EventTypePauseUpdated     = "lending.pause.updated"
	EventTypeCapsUpdated      = "lending.caps.updated"
)

type lendingEvent struct {
	evt *types.Event
}

func (e lendingEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e lendingEvent) Event() *types.Event { return e.evt }

func amountAttr(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func heightAttr(h uint64) string { return strconv.FormatUint(h, 10) }

func newDepositedEvent(lender crypto.Address, amount, shares *big.Int, height uint64) *types.Event {
	return &types.Event{Type: EventTypeDeposited, Attributes: map[string]string{
		"lender": lender.String(),
		"amount": amountAttr(amount),
		"shares": amountAttr(shares),
		"height": heightAttr(height),
	}}
}

func newWithdrawnEvent(lender crypto.Address, amount, shares *big.Int, height uint64) *types.Event {
	return &types.Event{Type: EventTypeWithdrawn, Attributes: map[string]string{
		"lender": lender.String(),
		"amount": amountAttr(amount),
		"shares": amountAttr(shares),
		"height": heightAttr(height),
	}}
}

func newLoanOpenedEvent(loan *Loan, quote PriceQuote) *types.Event {
	return &types.Event{Type: EventTypeLoanOpened, Attributes: map[string]string{
		"loanId":     strconv.FormatUint(loan.ID, 10),
		"borrower":   loan.Borrower.String(),
		"borrowed":   amountAttr(loan.BorrowedAmount),
		"collateral": amountAttr(loan.CollateralAmount),
		"price":      amountAttr(quote.Price),
		"source":     quote.Source,
		"height":     heightAttr(loan.BorrowBlock),
	}}
}

func newLoanRepaidEvent(loan *Loan, interest, reserve *big.Int) *types.Event {
	return &types.Event{Type: EventTypeLoanRepaid, Attributes: map[string]string{
		"loanId":     strconv.FormatUint(loan.ID, 10),
		"borrower":   loan.Borrower.String(),
		"principal":  amountAttr(loan.BorrowedAmount),
		"interest":   amountAttr(interest),
		"reserve":    amountAttr(reserve),
		"collateral": amountAttr(loan.CollateralAmount),
		"height":     heightAttr(loan.ClosedBlock),
	}}
}

func newLoanLiquidatedEvent(loan *Loan, liquidator crypto.Address, debt, seized, returned *big.Int, expired bool) *types.Event {
	return &types.Event{Type: EventTypeLoanLiquidated, Attributes: map[string]string{
		"loanId":     strconv.FormatUint(loan.ID, 10),
		"borrower":   loan.Borrower.String(),
		"liquidator": liquidator.String(),
		"debt":       amountAttr(debt),
		"seized":     amountAttr(seized),
		"returned":   amountAttr(returned),
		"expired":    strconv.FormatBool(expired),
		"height":     heightAttr(loan.ClosedBlock),
	}}
}

func newRevenueWithdrawnEvent(recipient crypto.Address, amount *big.Int, height uint64) *types.Event {
	return &types.Event{Type: EventTypeRevenueWithdrawn, Attributes: map[string]string{
		"recipient": recipient.String(),
		"amount":    amountAttr(amount),
		"height":    heightAttr(height),
	}}
}

func newPauseUpdatedEvent(paused bool, height uint64) *types.Event {
	return &types.Event{Type: EventTypePauseUpdated, Attributes: map[string]string{
		"paused": strconv.FormatBool(paused),
		"height": heightAttr(height),
	}}
}

func newCapsUpdatedEvent(supplyCap, borrowCap *big.Int, height uint64) *types.Event {
	return &types.Event{Type: EventTypeCapsUpdated, Attributes: map[string]string{
		"supplyCap": amountAttr(supplyCap),
		"borrowCap": amountAttr(borrowCap),
		"height":    heightAttr(height),
	}}
}
