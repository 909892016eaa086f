package main

import (
	"fmt"
	"math/big"

	"github.com/spf13/cobra"

	"stxlend/crypto"
	"stxlend/services/lending/engine"
)

func amountFlag(name, value string) (*big.Int, error) {
	raw, err := required(name, value)
	if err != nil {
		return nil, err
	}
	amount, err := engine.ParseAmount(raw)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return amount, nil
}

func addressFlag(name, value string) (crypto.Address, error) {
	raw, err := required(name, value)
	if err != nil {
		return crypto.Address{}, err
	}
	addr, err := engine.ParseAddress(raw)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("--%s: %w", name, err)
	}
	return addr, nil
}

func loanFlag(value string) (uint64, error) {
	raw, err := required("loan", value)
	if err != nil {
		return 0, err
	}
	return engine.ParseLoanID(raw)
}

func newDepositCmd(env *cmdEnv) *cobra.Command {
	var amount string
	cmd := leaf("deposit", "Supply USDCx to the pool", func() error {
		value, err := amountFlag("amount", amount)
		if err != nil {
			return err
		}
		c, err := env.client()
		if err != nil {
			return err
		}
		res, err := c.Deposit(env.ctx, value)
		if err != nil {
			return err
		}
		return env.print(res)
	})
	cmd.Flags().StringVar(&amount, "amount", "", "USDCx base units")
	return cmd
}

func newWithdrawCmd(env *cmdEnv) *cobra.Command {
	var shares string
	cmd := leaf("withdraw", "Redeem pool shares", func() error {
		value, err := amountFlag("shares", shares)
		if err != nil {
			return err
		}
		c, err := env.client()
		if err != nil {
			return err
		}
		res, err := c.Withdraw(env.ctx, value)
		if err != nil {
			return err
		}
		return env.print(res)
	})
	cmd.Flags().StringVar(&shares, "shares", "", "shares to redeem")
	return cmd
}

func newBorrowCmd(env *cmdEnv) *cobra.Command {
	var amount, collateral string
	cmd := leaf("borrow", "Borrow USDCx against STX collateral", func() error {
		borrow, err := amountFlag("amount", amount)
		if err != nil {
			return err
		}
		locked, err := amountFlag("collateral", collateral)
		if err != nil {
			return err
		}
		c, err := env.client()
		if err != nil {
			return err
		}
		res, err := c.Borrow(env.ctx, borrow, locked)
		if err != nil {
			return err
		}
		return env.print(res)
	})
	cmd.Flags().StringVar(&amount, "amount", "", "USDCx base units to borrow")
	cmd.Flags().StringVar(&collateral, "collateral", "", "STX base units to lock")
	return cmd
}

func newRepayCmd(env *cmdEnv) *cobra.Command {
	var loan string
	cmd := leaf("repay", "Repay a loan in full", func() error {
		id, err := loanFlag(loan)
		if err != nil {
			return err
		}
		c, err := env.client()
		if err != nil {
			return err
		}
		res, err := c.Repay(env.ctx, id)
		if err != nil {
			return err
		}
		return env.print(res)
	})
	cmd.Flags().StringVar(&loan, "loan", "", "loan id")
	return cmd
}

func newLiquidateCmd(env *cmdEnv) *cobra.Command {
	var loan string
	cmd := leaf("liquidate", "Liquidate an unhealthy or expired loan", func() error {
		id, err := loanFlag(loan)
		if err != nil {
			return err
		}
		c, err := env.client()
		if err != nil {
			return err
		}
		res, err := c.Liquidate(env.ctx, id)
		if err != nil {
			return err
		}
		return env.print(res)
	})
	cmd.Flags().StringVar(&loan, "loan", "", "loan id")
	return cmd
}

func newPauseCmd(env *cmdEnv) *cobra.Command {
	var resume bool
	cmd := leaf("pause", "Pause or resume deposits and borrows (owner)", func() error {
		c, err := env.client()
		if err != nil {
			return err
		}
		res, err := c.SetPaused(env.ctx, !resume)
		if err != nil {
			return err
		}
		return env.print(res)
	})
	cmd.Flags().BoolVar(&resume, "resume", false, "clear the pause flag instead of setting it")
	return cmd
}

func newCapsCmd(env *cmdEnv) *cobra.Command {
	var supply, borrow string
	cmd := leaf("caps", "Set supply and borrow caps (owner)", func() error {
		supplyCap, err := amountFlag("supply", supply)
		if err != nil {
			return err
		}
		borrowCap, err := amountFlag("borrow", borrow)
		if err != nil {
			return err
		}
		c, err := env.client()
		if err != nil {
			return err
		}
		res, err := c.SetCaps(env.ctx, supplyCap, borrowCap)
		if err != nil {
			return err
		}
		return env.print(res)
	})
	cmd.Flags().StringVar(&supply, "supply", "0", "supply cap in USDCx base units, 0 for none")
	cmd.Flags().StringVar(&borrow, "borrow", "0", "borrow cap in USDCx base units, 0 for none")
	return cmd
}

func newRevenueCmd(env *cmdEnv) *cobra.Command {
	var to, amount string
	cmd := leaf("revenue", "Withdraw protocol revenue (owner)", func() error {
		recipient, err := addressFlag("to", to)
		if err != nil {
			return err
		}
		value, err := engine.ParseOptionalAmount(amount)
		if err != nil {
			return fmt.Errorf("--amount: %w", err)
		}
		c, err := env.client()
		if err != nil {
			return err
		}
		res, err := c.WithdrawRevenue(env.ctx, recipient, value)
		if err != nil {
			return err
		}
		return env.print(res)
	})
	cmd.Flags().StringVar(&to, "to", "", "recipient address")
	cmd.Flags().StringVar(&amount, "amount", "", "USDCx base units; empty withdraws everything")
	return cmd
}

func newCreditCmd(env *cmdEnv) *cobra.Command {
	var asset, to, amount string
	cmd := leaf("credit", "Credit an account balance (owner)", func() error {
		symbol, err := required("asset", asset)
		if err != nil {
			return err
		}
		account, err := addressFlag("to", to)
		if err != nil {
			return err
		}
		value, err := amountFlag("amount", amount)
		if err != nil {
			return err
		}
		c, err := env.client()
		if err != nil {
			return err
		}
		res, err := c.Credit(env.ctx, symbol, account, value)
		if err != nil {
			return err
		}
		return env.print(res)
	})
	cmd.Flags().StringVar(&asset, "asset", "", "USDCx or STX")
	cmd.Flags().StringVar(&to, "to", "", "account to credit")
	cmd.Flags().StringVar(&amount, "amount", "", "base units")
	return cmd
}

func newStatsCmd(env *cmdEnv) *cobra.Command {
	return leaf("stats", "Show pool statistics", func() error {
		c, err := env.client()
		if err != nil {
			return err
		}
		stats, err := c.Stats(env.ctx)
		if err != nil {
			return err
		}
		return env.print(stats)
	})
}

func newPriceCmd(env *cmdEnv) *cobra.Command {
	return leaf("price", "Show the current collateral price", func() error {
		c, err := env.client()
		if err != nil {
			return err
		}
		price, err := c.Price(env.ctx)
		if err != nil {
			return err
		}
		return env.print(price)
	})
}

func newMaxBorrowCmd(env *cmdEnv) *cobra.Command {
	var collateral string
	cmd := leaf("max-borrow", "Show the borrow limit for a collateral amount", func() error {
		value, err := amountFlag("collateral", collateral)
		if err != nil {
			return err
		}
		c, err := env.client()
		if err != nil {
			return err
		}
		limit, err := c.MaxBorrow(env.ctx, value)
		if err != nil {
			return err
		}
		return env.print(map[string]string{"collateral": value.String(), "maxBorrow": limit.String()})
	})
	cmd.Flags().StringVar(&collateral, "collateral", "", "STX base units")
	return cmd
}

func newLenderCmd(env *cmdEnv) *cobra.Command {
	var who string
	cmd := leaf("lender", "Show a lender position", func() error {
		addr, err := addressFlag("addr", who)
		if err != nil {
			return err
		}
		c, err := env.client()
		if err != nil {
			return err
		}
		lender, err := c.Lender(env.ctx, addr)
		if err != nil {
			return err
		}
		return env.print(lender)
	})
	cmd.Flags().StringVar(&who, "addr", "", "lender address")
	return cmd
}

func newLendersCmd(env *cmdEnv) *cobra.Command {
	return leaf("lenders", "List lender positions", func() error {
		c, err := env.client()
		if err != nil {
			return err
		}
		lenders, err := c.Lenders(env.ctx)
		if err != nil {
			return err
		}
		return env.print(lenders)
	})
}

func newLoanCmd(env *cmdEnv) *cobra.Command {
	var loan string
	cmd := leaf("loan", "Show a loan", func() error {
		id, err := loanFlag(loan)
		if err != nil {
			return err
		}
		c, err := env.client()
		if err != nil {
			return err
		}
		details, err := c.Loan(env.ctx, id)
		if err != nil {
			return err
		}
		return env.print(details)
	})
	cmd.Flags().StringVar(&loan, "loan", "", "loan id")
	return cmd
}

func newLoansCmd(env *cmdEnv) *cobra.Command {
	var who string
	cmd := leaf("loans", "List a borrower's loans", func() error {
		addr, err := addressFlag("addr", who)
		if err != nil {
			return err
		}
		c, err := env.client()
		if err != nil {
			return err
		}
		loans, err := c.BorrowerLoans(env.ctx, addr)
		if err != nil {
			return err
		}
		return env.print(loans)
	})
	cmd.Flags().StringVar(&who, "addr", "", "borrower address")
	return cmd
}

func newReceiptCmd(env *cmdEnv) *cobra.Command {
	var tx string
	cmd := leaf("receipt", "Show an operation receipt", func() error {
		c, err := env.client()
		if err != nil {
			return err
		}
		receipt, err := c.Receipt(env.ctx, tx)
		if err != nil {
			return err
		}
		return env.print(receipt)
	})
	cmd.Flags().StringVar(&tx, "tx", "", "receipt id")
	_ = cmd.MarkFlagRequired("tx")
	return cmd
}
