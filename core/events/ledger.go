package events

import (
	"math/big"

	"stxlend/core/types"
	"stxlend/crypto"
)

const (
	// TypeAssetCredited is emitted when the bridge credits an account.
	TypeAssetCredited = "ledger.credited"
	// TypeAssetTransferred is emitted for every balance movement.
	TypeAssetTransferred = "ledger.transferred"
)

// AssetCredited records newly minted units landing in an account.
type AssetCredited struct {
	Asset  string
	To     crypto.Address
	Amount *big.Int
	Source string
}

func (AssetCredited) EventType() string { return TypeAssetCredited }

func (e AssetCredited) Event() *types.Event {
	attrs := map[string]string{
		"asset":  normalizeAsset(e.Asset),
		"to":     e.To.String(),
		"amount": formatAmount(e.Amount),
	}
	if e.Source != "" {
		attrs["source"] = e.Source
	}
	return &types.Event{Type: TypeAssetCredited, Attributes: attrs}
}

// AssetTransferred records a ledger transfer between two accounts.
type AssetTransferred struct {
	Asset  string
	From   crypto.Address
	To     crypto.Address
	Amount *big.Int
}

func (AssetTransferred) EventType() string { return TypeAssetTransferred }

func (e AssetTransferred) Event() *types.Event {
	return &types.Event{Type: TypeAssetTransferred, Attributes: map[string]string{
		"asset":  normalizeAsset(e.Asset),
		"from":   e.From.String(),
		"to":     e.To.String(),
		"amount": formatAmount(e.Amount),
	}}
}
