package engine

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"stxlend/crypto"
)

// ParseAddress decodes a bech32 principal.
func ParseAddress(value string) (crypto.Address, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return crypto.Address{}, fmt.Errorf("%w: address required", ErrInvalidAddress)
	}
	addr, err := crypto.ParseAddress(trimmed)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return addr, nil
}

// ParseAmount parses a non-negative integer amount in base units.
func ParseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: amount required", ErrInvalidAmount)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an integer", ErrInvalidAmount, value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: amount must not be negative", ErrInvalidAmount)
	}
	return amount, nil
}

// ParseOptionalAmount returns nil for an empty value.
func ParseOptionalAmount(value string) (*big.Int, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	return ParseAmount(value)
}

// ParseLoanID parses a loan identifier.
func ParseLoanID(value string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: invalid loan id %q", ErrInvalidAmount, value)
	}
	return id, nil
}
