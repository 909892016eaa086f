package lending

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorCodeTable(t *testing.T) {
	want := map[*Error]Code{
		ErrNotAuthorized:          100,
		ErrInsufficientBalance:    101,
		ErrInsufficientCollateral: 102,
		ErrLoanNotFound:           103,
		ErrLoanNotActive:          104,
		ErrInvalidAmount:          105,
		ErrProtocolPaused:         106,
		ErrSupplyCapExceeded:      107,
		ErrBorrowCapExceeded:      108,
		ErrTooManyLoans:           109,
		ErrZeroShareWithdrawal:    110,
		ErrOracleFailure:          111,
		ErrStalePriceData:         112,
		ErrSameBlockInteraction:   113,
		ErrLoanHealthy:            114,
		ErrSelfLiquidation:        115,
	}
	for err, code := range want {
		if err.Code != code {
			t.Fatalf("%s: expected code %d, got %d", err.Code, code, err.Code)
		}
	}
	if len(Codes()) != len(want) {
		t.Fatalf("code list out of sync: %d vs %d", len(Codes()), len(want))
	}
	last := Codes()[len(Codes())-1]
	if last != CodeSelfLiquidation || Code(116).String() != "Code(116)" {
		t.Fatalf("codes must stop at 115, last is %d", last)
	}
}

func TestLiquidityShortfallIsInsufficientBalance(t *testing.T) {
	err := ErrInsufficientLiquidity.withDetail("requested %d, available %d", 10, 5)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("liquidity shortfall must match InsufficientBalance")
	}
	if code, ok := CodeOf(err); !ok || code != CodeInsufficientBalance {
		t.Fatalf("expected code 101, got %d %v", code, ok)
	}
}

func TestDetailedErrorsMatchSentinels(t *testing.T) {
	err := fmt.Errorf("service: %w", ErrLoanNotFound.withDetail("loan %d", 7))
	if !errors.Is(err, ErrLoanNotFound) {
		t.Fatalf("wrapped detail should match sentinel")
	}
	if errors.Is(err, ErrLoanNotActive) {
		t.Fatalf("different codes must not match")
	}
	code, ok := CodeOf(err)
	if !ok || code != CodeLoanNotFound {
		t.Fatalf("CodeOf = %d, %v", code, ok)
	}
	if _, ok := CodeOf(errors.New("disk full")); ok {
		t.Fatalf("plain errors carry no code")
	}
	if CodeLoanHealthy.String() != "LoanHealthy" {
		t.Fatalf("unexpected name %s", CodeLoanHealthy)
	}
}
