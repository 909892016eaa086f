package state

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"

	"stxlend/core/events"
	"stxlend/crypto"
)

var (
	balancePrefix     = []byte("balance:")
	tokenSupplyPrefix = []byte("token/supply/")

	// ErrInsufficientFunds is returned when a transfer exceeds the sender's
	// balance.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrBalanceOverflow is returned when a credit would exceed 256 bits.
	ErrBalanceOverflow = errors.New("ledger: balance overflow")
)

func balanceKey(addr crypto.Address, asset string) []byte {
	raw := addr.Raw()
	buf := make([]byte, len(balancePrefix)+len(asset)+1+len(raw))
	copy(buf, balancePrefix)
	copy(buf[len(balancePrefix):], asset)
	buf[len(balancePrefix)+len(asset)] = ':'
	copy(buf[len(balancePrefix)+len(asset)+1:], raw[:])
	return buf
}

func tokenSupplyKey(asset string) []byte {
	key := make([]byte, len(tokenSupplyPrefix)+len(asset))
	copy(key, tokenSupplyPrefix)
	copy(key[len(tokenSupplyPrefix):], asset)
	return key
}

func normalizeAsset(asset string) (string, error) {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "", fmt.Errorf("ledger: asset required")
	}
	return trimmed, nil
}

func toUint256(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("ledger: negative amount %s", v)
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	return out, nil
}

// Ledger tracks per-asset balances of lend principals. It satisfies
// lending.AssetLedger.
type Ledger struct {
	mgr     *Manager
	emitter events.Emitter
}

// Ledger returns the asset ledger backed by this manager.
func (m *Manager) Ledger() *Ledger {
	return &Ledger{mgr: m, emitter: events.NoopEmitter{}}
}

// SetEmitter routes ledger events to emitter.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	l.emitter = emitter
}

func (l *Ledger) balance(asset string, addr crypto.Address) (*uint256.Int, error) {
	value, err := l.mgr.loadBigInt(balanceKey(addr, asset))
	if err != nil {
		return nil, err
	}
	return toUint256(value)
}

func (l *Ledger) setBalance(asset string, addr crypto.Address, value *uint256.Int) error {
	key := balanceKey(addr, asset)
	if value.IsZero() {
		return l.mgr.KVDelete(key)
	}
	return l.mgr.writeBigInt(key, value.ToBig())
}

// BalanceOf returns the balance of addr in asset. Unknown accounts hold zero.
func (l *Ledger) BalanceOf(asset string, addr crypto.Address) (*big.Int, error) {
	normalized, err := normalizeAsset(asset)
	if err != nil {
		return nil, err
	}
	bal, err := l.balance(normalized, addr)
	if err != nil {
		return nil, err
	}
	return bal.ToBig(), nil
}

// Transfer moves amount of asset from one account to another.
func (l *Ledger) Transfer(asset string, from, to crypto.Address, amount *big.Int) error {
	normalized, err := normalizeAsset(asset)
	if err != nil {
		return err
	}
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	if value.IsZero() || from.Equal(to) {
		return nil
	}
	fromBal, err := l.balance(normalized, from)
	if err != nil {
		return err
	}
	if fromBal.Lt(value) {
		return fmt.Errorf("%w: %s has %s %s, needs %s", ErrInsufficientFunds, from, fromBal.Dec(), normalized, value.Dec())
	}
	toBal, err := l.balance(normalized, to)
	if err != nil {
		return err
	}
	credited, overflow := new(uint256.Int).AddOverflow(toBal, value)
	if overflow {
		return ErrBalanceOverflow
	}
	if err := l.setBalance(normalized, from, new(uint256.Int).Sub(fromBal, value)); err != nil {
		return err
	}
	if err := l.setBalance(normalized, to, credited); err != nil {
		return err
	}
	l.emitter.Emit(events.AssetTransferred{Asset: normalized, From: from, To: to, Amount: value.ToBig()})
	return nil
}

// Mint credits newly bridged units of asset to the recipient and raises the
// recorded supply.
func (l *Ledger) Mint(asset string, to crypto.Address, amount *big.Int, source string) error {
	normalized, err := normalizeAsset(asset)
	if err != nil {
		return err
	}
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	if value.IsZero() {
		return fmt.Errorf("ledger: mint amount must be positive")
	}
	bal, err := l.balance(normalized, to)
	if err != nil {
		return err
	}
	credited, overflow := new(uint256.Int).AddOverflow(bal, value)
	if overflow {
		return ErrBalanceOverflow
	}
	supply, err := l.Supply(normalized)
	if err != nil {
		return err
	}
	total, err := toUint256(supply)
	if err != nil {
		return err
	}
	newSupply, overflow := new(uint256.Int).AddOverflow(total, value)
	if overflow {
		return ErrBalanceOverflow
	}
	if err := l.setBalance(normalized, to, credited); err != nil {
		return err
	}
	if err := l.mgr.writeBigInt(tokenSupplyKey(normalized), newSupply.ToBig()); err != nil {
		return err
	}
	l.emitter.Emit(events.AssetCredited{Asset: normalized, To: to, Amount: value.ToBig(), Source: source})
	return nil
}

// Supply returns the total minted units of asset.
func (l *Ledger) Supply(asset string) (*big.Int, error) {
	normalized, err := normalizeAsset(asset)
	if err != nil {
		return nil, err
	}
	return l.mgr.loadBigInt(tokenSupplyKey(normalized))
}
