package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"stxlend/crypto"
	"stxlend/services/lending/client"
)

const (
	defaultURL       = "http://127.0.0.1:8090"
	defaultPassEnv   = "LENDCTL_PASSPHRASE"
	defaultSecretEnv = "LENDING_JWT_SECRET"
)

// errUsage signals that usage was already printed.
var errUsage = errors.New("usage")

type globalOptions struct {
	url             string
	token           string
	as              string
	principalHeader string
	caFile          string
	insecure        bool
	timeout         time.Duration
}

type cmdEnv struct {
	ctx    context.Context
	opts   globalOptions
	stdout io.Writer
	stderr io.Writer
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	env := &cmdEnv{ctx: ctx, stdout: stdout, stderr: stderr}
	root := newRootCmd(env)
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd(env *cmdEnv) *cobra.Command {
	root := &cobra.Command{
		Use:           "lendctl",
		Short:         "Operate a USDCx lending pool through lendingd",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SetOut(env.stderr)
			_ = cmd.Usage()
			return errUsage
		},
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&env.opts.url, "url", envOr("LENDING_URL", defaultURL), "lendingd base URL")
	flags.StringVar(&env.opts.token, "token", os.Getenv("LENDING_TOKEN"), "bearer token")
	flags.StringVar(&env.opts.as, "as", "", "principal address sent in --principal-header (dev daemons only)")
	flags.StringVar(&env.opts.principalHeader, "principal-header", "X-Lending-Principal", "header carrying --as")
	flags.StringVar(&env.opts.caFile, "ca-file", "", "PEM bundle used to verify the daemon certificate")
	flags.BoolVar(&env.opts.insecure, "insecure", false, "skip TLS verification")
	flags.DurationVar(&env.opts.timeout, "timeout", 15*time.Second, "request timeout")

	root.AddCommand(
		newKeygenCmd(env),
		newAddressCmd(env),
		newTokenCmd(env),
		newDepositCmd(env),
		newWithdrawCmd(env),
		newBorrowCmd(env),
		newRepayCmd(env),
		newLiquidateCmd(env),
		newPauseCmd(env),
		newCapsCmd(env),
		newRevenueCmd(env),
		newCreditCmd(env),
		newStatsCmd(env),
		newPriceCmd(env),
		newMaxBorrowCmd(env),
		newLenderCmd(env),
		newLendersCmd(env),
		newLoanCmd(env),
		newLoansCmd(env),
		newReceiptCmd(env),
		newHistoryCmd(env),
		newExportHistoryCmd(env),
	)
	return root
}

// leaf builds a subcommand that takes flags only.
func leaf(use, short string, run func() error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return run()
		},
	}
}

func (e *cmdEnv) client() (*client.Client, error) {
	cfg := client.Config{
		BaseURL:       e.opts.url,
		BearerToken:   e.opts.token,
		TLSRootCAFile: e.opts.caFile,
		AllowInsecure: e.opts.insecure,
		Timeout:       e.opts.timeout,
	}
	if strings.TrimSpace(e.opts.as) != "" {
		addr, err := crypto.ParseAddress(e.opts.as)
		if err != nil {
			return nil, fmt.Errorf("--as: %w", err)
		}
		cfg.PrincipalHeader = e.opts.principalHeader
		cfg.Principal = addr
	}
	return client.New(cfg)
}

func (e *cmdEnv) print(v any) error {
	enc := json.NewEncoder(e.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func required(flagName, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("--%s is required", flagName)
	}
	return trimmed, nil
}
