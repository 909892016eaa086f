package config

import "fmt"

// Validate checks that the configuration produces a usable pool.
func (c *Pool) Validate() error {
	if _, err := c.OwnerAddress(); err != nil {
		return fmt.Errorf("pool config: %w", err)
	}
	params, err := c.Params()
	if err != nil {
		return fmt.Errorf("pool config: %w", err)
	}
	if err := params.Validate(); err != nil {
		return fmt.Errorf("pool config: %w", err)
	}
	if c.LiquidationBonusBps >= 10_000 {
		return fmt.Errorf("pool config: LiquidationBonusBps must be below 10000")
	}
	if _, _, err := c.Caps(); err != nil {
		return fmt.Errorf("pool config: %w", err)
	}
	return nil
}
