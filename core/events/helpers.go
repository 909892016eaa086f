package events

import (
	"math/big"
	"strings"
)

func normalizeAsset(asset string) string {
	return strings.TrimSpace(asset)
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
