package lending

import (
	"math/big"

	"stxlend/crypto"
)

// Initialize creates the protocol singleton. It fails if the pool already
// exists.
func (e *Engine) Initialize(owner crypto.Address, supplyCap, borrowCap *big.Int) (*ProtocolState, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if owner.IsZero() {
		return nil, ErrNotAuthorized.withDetail("owner must be set")
	}
	if _, ok, err := e.state.LendingGetProtocol(); err != nil {
		return nil, err
	} else if ok {
		return nil, errInitialised
	}
	if err := e.params.Validate(); err != nil {
		return nil, err
	}
	protocol := &ProtocolState{
		Owner:                   owner,
		SupplyCap:               cloneBig(supplyCap),
		BorrowCap:               cloneBig(borrowCap),
		NextLoanID:              1,
		LastInterestUpdateBlock: e.blockHeight,
	}
	normalizeProtocol(protocol)
	if err := e.state.LendingPutProtocol(protocol); err != nil {
		return nil, err
	}
	return protocol.Clone(), nil
}

// Initialized reports whether the protocol singleton exists.
func (e *Engine) Initialized() (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	_, ok, err := e.state.LendingGetProtocol()
	return ok, err
}

// SetPaused engages or releases the emergency halt. Only the owner may call
// it.
func (e *Engine) SetPaused(caller crypto.Address, paused bool) error {
	protocol, err := e.ownerProtocol(caller)
	if err != nil {
		return err
	}
	e.refresh(protocol)
	protocol.Paused = paused
	if err := e.state.LendingPutProtocol(protocol); err != nil {
		return err
	}
	e.emit(newPauseUpdatedEvent(paused, e.blockHeight))
	return nil
}

// SetCaps replaces the supply and borrow ceilings. Zero disables a cap.
func (e *Engine) SetCaps(caller crypto.Address, supplyCap, borrowCap *big.Int) error {
	if (supplyCap != nil && supplyCap.Sign() < 0) || (borrowCap != nil && borrowCap.Sign() < 0) {
		return ErrInvalidAmount.withDetail("caps must be non-negative")
	}
	protocol, err := e.ownerProtocol(caller)
	if err != nil {
		return err
	}
	e.refresh(protocol)
	protocol.SupplyCap = cloneBig(supplyCap)
	protocol.BorrowCap = cloneBig(borrowCap)
	if err := e.state.LendingPutProtocol(protocol); err != nil {
		return err
	}
	e.emit(newCapsUpdatedEvent(protocol.SupplyCap, protocol.BorrowCap, e.blockHeight))
	return nil
}

// WithdrawRevenue pays amount of accumulated protocol revenue to recipient.
// A nil amount withdraws everything.
func (e *Engine) WithdrawRevenue(caller, recipient crypto.Address, amount *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	protocol, err := e.ownerProtocol(caller)
	if err != nil {
		return nil, err
	}
	if recipient.IsZero() {
		return nil, ErrInvalidAmount.withDetail("recipient must be set")
	}
	e.refresh(protocol)
	if amount == nil {
		amount = new(big.Int).Set(protocol.ProtocolRevenue)
	}
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if amount.Cmp(protocol.ProtocolRevenue) > 0 {
		return nil, ErrInsufficientBalance.withDetail("revenue %s below %s", protocol.ProtocolRevenue, amount)
	}
	protocol.ProtocolRevenue = new(big.Int).Sub(protocol.ProtocolRevenue, amount)
	if err := e.state.LendingPutProtocol(protocol); err != nil {
		return nil, err
	}
	if err := e.ledger.Transfer(e.params.LendingAsset, e.poolAddress, recipient, amount); err != nil {
		return nil, err
	}
	e.emit(newRevenueWithdrawnEvent(recipient, amount, e.blockHeight))
	return new(big.Int).Set(amount), nil
}

func (e *Engine) ownerProtocol(caller crypto.Address) (*ProtocolState, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	protocol, err := e.loadProtocol()
	if err != nil {
		return nil, err
	}
	if !caller.Equal(protocol.Owner) {
		return nil, ErrNotAuthorized
	}
	return protocol, nil
}
