package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"stxlend/crypto"
	"stxlend/native/common"
	"stxlend/native/lending"
)

// Pool is the on-disk pool configuration. Amounts are decimal strings in
// base units so they survive TOML's int64 limit.
type Pool struct {
	Owner                   string `toml:"Owner"`
	LendingAsset            string `toml:"LendingAsset"`
	CollateralAsset         string `toml:"CollateralAsset"`
	BorrowRateBps           uint64 `toml:"BorrowRateBps"`
	BlocksPerYear           uint64 `toml:"BlocksPerYear"`
	ReserveFactorBps        uint64 `toml:"ReserveFactorBps"`
	MinCollateralRatioBps   uint64 `toml:"MinCollateralRatioBps"`
	LiquidationThresholdBps uint64 `toml:"LiquidationThresholdBps"`
	LiquidationBonusBps     uint64 `toml:"LiquidationBonusBps"`
	MaxLoansPerBorrower     uint64 `toml:"MaxLoansPerBorrower"`
	MaxLoanDurationBlocks   uint64 `toml:"MaxLoanDurationBlocks"`
	DeadShares              string `toml:"DeadShares"`
	MinimumFirstDeposit     string `toml:"MinimumFirstDeposit"`
	OracleMaxAgeBlocks      uint64 `toml:"OracleMaxAgeBlocks"`
	SupplyCap               string `toml:"SupplyCap"`
	BorrowCap               string `toml:"BorrowCap"`
	Pauses                  Pauses `toml:"Pauses"`
}

// Pauses lists operator pause switches applied on top of the pool's own
// flag.
type Pauses struct {
	Lending bool `toml:"Lending"`
}

// Default returns the production pool parameters with no owner set.
func Default() *Pool {
	p := lending.DefaultParams()
	return &Pool{
		LendingAsset:            p.LendingAsset,
		CollateralAsset:         p.CollateralAsset,
		BorrowRateBps:           p.BorrowRateBps,
		BlocksPerYear:           p.BlocksPerYear,
		ReserveFactorBps:        p.ReserveFactorBps,
		MinCollateralRatioBps:   p.MinCollateralRatioBps,
		LiquidationThresholdBps: p.LiquidationThresholdBps,
		LiquidationBonusBps:     p.LiquidationBonusBps,
		MaxLoansPerBorrower:     p.MaxLoansPerBorrower,
		MaxLoanDurationBlocks:   p.MaxLoanDurationBlocks,
		DeadShares:              p.DeadShares.String(),
		MinimumFirstDeposit:     p.MinimumFirstDeposit.String(),
		OracleMaxAgeBlocks:      p.OracleMaxAgeBlocks,
		SupplyCap:               "0",
		BorrowCap:               "0",
	}
}

// Load reads the pool configuration from path. Keys absent from the file
// keep their default values; a missing file yields the defaults.
func Load(path string) (*Pool, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	} else if err != nil {
		return nil, err
	}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("pool config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("pool config %s: unknown key %s", path, undecoded[0])
	}
	return cfg, nil
}

// Save writes cfg to path, creating parent directories.
func Save(path string, cfg *Pool) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// Params converts the file values into engine parameters.
func (c *Pool) Params() (lending.Params, error) {
	dead, err := parseUintAmount(c.DeadShares)
	if err != nil {
		return lending.Params{}, fmt.Errorf("invalid DeadShares: %w", err)
	}
	minimum, err := parseUintAmount(c.MinimumFirstDeposit)
	if err != nil {
		return lending.Params{}, fmt.Errorf("invalid MinimumFirstDeposit: %w", err)
	}
	return lending.Params{
		LendingAsset:            strings.TrimSpace(c.LendingAsset),
		CollateralAsset:         strings.TrimSpace(c.CollateralAsset),
		BorrowRateBps:           c.BorrowRateBps,
		BlocksPerYear:           c.BlocksPerYear,
		ReserveFactorBps:        c.ReserveFactorBps,
		MinCollateralRatioBps:   c.MinCollateralRatioBps,
		LiquidationThresholdBps: c.LiquidationThresholdBps,
		LiquidationBonusBps:     c.LiquidationBonusBps,
		MaxLoansPerBorrower:     c.MaxLoansPerBorrower,
		MaxLoanDurationBlocks:   c.MaxLoanDurationBlocks,
		DeadShares:              dead,
		MinimumFirstDeposit:     minimum,
		OracleMaxAgeBlocks:      c.OracleMaxAgeBlocks,
	}, nil
}

// Caps returns the supply and borrow caps. Zero disables a cap.
func (c *Pool) Caps() (*big.Int, *big.Int, error) {
	supply, err := parseUintAmount(c.SupplyCap)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid SupplyCap: %w", err)
	}
	borrow, err := parseUintAmount(c.BorrowCap)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid BorrowCap: %w", err)
	}
	return supply, borrow, nil
}

// OwnerAddress parses the configured owner.
func (c *Pool) OwnerAddress() (crypto.Address, error) {
	if strings.TrimSpace(c.Owner) == "" {
		return crypto.Address{}, fmt.Errorf("Owner must be set")
	}
	addr, err := crypto.ParseAddress(c.Owner)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("invalid Owner: %w", err)
	}
	return addr, nil
}

// PauseView returns the operator pause switches.
func (c *Pool) PauseView() *common.Pauses {
	pauses := common.NewPauses()
	pauses.Set("lending", c.Pauses.Lending)
	return pauses
}

func parseUintAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%q is not an integer", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("%q must not be negative", value)
	}
	return amount, nil
}
