package lending

import (
	"errors"
	"fmt"
)

// Code is the numeric error identifier returned to clients. The values are a
// wire contract and must never be renumbered.
type Code uint32

const (
	CodeNotAuthorized          Code = 100
	CodeInsufficientBalance    Code = 101
	CodeInsufficientCollateral Code = 102
	CodeLoanNotFound           Code = 103
	CodeLoanNotActive          Code = 104
	CodeInvalidAmount          Code = 105
	CodeProtocolPaused         Code = 106
	CodeSupplyCapExceeded      Code = 107
	CodeBorrowCapExceeded      Code = 108
	CodeTooManyLoans           Code = 109
	CodeZeroShareWithdrawal    Code = 110
	CodeOracleFailure          Code = 111
	CodeStalePriceData         Code = 112
	CodeSameBlockInteraction   Code = 113
	CodeLoanHealthy            Code = 114
	CodeSelfLiquidation        Code = 115
)

var codeNames = map[Code]string{
	CodeNotAuthorized:          "NotAuthorized",
	CodeInsufficientBalance:    "InsufficientBalance",
	CodeInsufficientCollateral: "InsufficientCollateral",
	CodeLoanNotFound:           "LoanNotFound",
	CodeLoanNotActive:          "LoanNotActive",
	CodeInvalidAmount:          "InvalidAmount",
	CodeProtocolPaused:         "ProtocolPaused",
	CodeSupplyCapExceeded:      "SupplyCapExceeded",
	CodeBorrowCapExceeded:      "BorrowCapExceeded",
	CodeTooManyLoans:           "TooManyLoans",
	CodeZeroShareWithdrawal:    "ZeroShareWithdrawal",
	CodeOracleFailure:          "OracleFailure",
	CodeStalePriceData:         "StalePriceData",
	CodeSameBlockInteraction:   "SameBlockInteraction",
	CodeLoanHealthy:            "LoanHealthy",
	CodeSelfLiquidation:        "SelfLiquidation",
}

// String returns the taxonomy name, e.g. "LoanHealthy".
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", uint32(c))
}

// Codes lists every defined code in ascending order.
func Codes() []Code {
	out := make([]Code, 0, len(codeNames))
	for c := CodeNotAuthorized; c <= CodeSelfLiquidation; c++ {
		out = append(out, c)
	}
	return out
}

// Error is a pool failure carrying its numeric code. Two errors match under
// errors.Is when their codes match, so detailed errors still compare equal
// to the package sentinels.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("lending: %s (%d): %s", e.Code, uint32(e.Code), e.Message)
}

func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil {
		return false
	}
	return other.Code == e.Code
}

// withDetail returns a copy of e with extra context appended.
func (e *Error) withDetail(format string, args ...any) *Error {
	return &Error{Code: e.Code, Message: e.Message + ": " + fmt.Sprintf(format, args...)}
}

var (
	ErrNotAuthorized          = &Error{Code: CodeNotAuthorized, Message: "caller is not permitted to act on this resource"}
	ErrInsufficientBalance    = &Error{Code: CodeInsufficientBalance, Message: "insufficient balance"}
	ErrInsufficientCollateral = &Error{Code: CodeInsufficientCollateral, Message: "collateral below minimum ratio"}
	ErrLoanNotFound           = &Error{Code: CodeLoanNotFound, Message: "loan not found"}
	ErrLoanNotActive          = &Error{Code: CodeLoanNotActive, Message: "loan already closed"}
	ErrInvalidAmount          = &Error{Code: CodeInvalidAmount, Message: "invalid amount"}
	ErrProtocolPaused         = &Error{Code: CodeProtocolPaused, Message: "protocol paused"}
	ErrSupplyCapExceeded      = &Error{Code: CodeSupplyCapExceeded, Message: "supply cap exceeded"}
	ErrBorrowCapExceeded      = &Error{Code: CodeBorrowCapExceeded, Message: "borrow cap exceeded"}
	ErrTooManyLoans           = &Error{Code: CodeTooManyLoans, Message: "too many active loans"}
	ErrZeroShareWithdrawal    = &Error{Code: CodeZeroShareWithdrawal, Message: "withdrawal of zero shares"}
	ErrOracleFailure          = &Error{Code: CodeOracleFailure, Message: "price oracle unavailable"}
	ErrStalePriceData         = &Error{Code: CodeStalePriceData, Message: "price data is stale"}
	ErrSameBlockInteraction   = &Error{Code: CodeSameBlockInteraction, Message: "deposit and withdraw in the same block"}
	ErrLoanHealthy            = &Error{Code: CodeLoanHealthy, Message: "loan is not eligible for liquidation"}
	ErrSelfLiquidation        = &Error{Code: CodeSelfLiquidation, Message: "borrower cannot liquidate own loan"}

	// ErrInsufficientLiquidity is an InsufficientBalance failure raised when
	// the pool itself cannot fund a withdrawal or a loan.
	ErrInsufficientLiquidity = &Error{Code: CodeInsufficientBalance, Message: "insufficient pool liquidity"}
)

// CodeOf extracts the pool error code from err. The boolean is false for
// infrastructure failures that carry no code.
func CodeOf(err error) (Code, bool) {
	var le *Error
	if errors.As(err, &le) && le != nil {
		return le.Code, true
	}
	return 0, false
}

var (
	errNilState       = errors.New("lending engine: state not configured")
	errNilLedger      = errors.New("lending engine: asset ledger not configured")
	errNilOracle      = errors.New("lending engine: price oracle not configured")
	errNotInitialised = errors.New("lending engine: protocol not initialised")
	errInitialised    = errors.New("lending engine: protocol already initialised")
)
