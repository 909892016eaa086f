package state

import (
	"fmt"
	"math/big"
)

var metaPrefix = []byte("meta/")

func metaKey(name string) []byte {
	key := make([]byte, len(metaPrefix)+len(name))
	copy(key, metaPrefix)
	copy(key[len(metaPrefix):], name)
	return key
}

// MetaUint64 returns a named counter. Missing entries default to zero.
func (m *Manager) MetaUint64(name string) (uint64, error) {
	if name == "" {
		return 0, fmt.Errorf("meta: name required")
	}
	value, err := m.loadBigInt(metaKey(name))
	if err != nil {
		return 0, err
	}
	if !value.IsUint64() {
		return 0, fmt.Errorf("meta: %s overflows uint64", name)
	}
	return value.Uint64(), nil
}

// SetMetaUint64 overwrites a named counter.
func (m *Manager) SetMetaUint64(name string, value uint64) error {
	if name == "" {
		return fmt.Errorf("meta: name required")
	}
	return m.writeBigInt(metaKey(name), new(big.Int).SetUint64(value))
}

// NextSequence increments the named counter and returns the new value.
func (m *Manager) NextSequence(name string) (uint64, error) {
	current, err := m.MetaUint64(name)
	if err != nil {
		return 0, err
	}
	next := current + 1
	if err := m.SetMetaUint64(name, next); err != nil {
		return 0, err
	}
	return next, nil
}
