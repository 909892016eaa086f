package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"stxlend/services/lending/client"
	"stxlend/services/lending/history"
)

type historyFlags struct {
	addr  string
	kind  string
	from  uint64
	to    uint64
	limit int
}

func (h *historyFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&h.addr, "addr", "", "only activity involving this address")
	fs.StringVar(&h.kind, "type", "", "event type, e.g. lending.loan.repaid")
	fs.Uint64Var(&h.from, "from", 0, "first block height")
	fs.Uint64Var(&h.to, "to", 0, "last block height")
	fs.IntVar(&h.limit, "limit", 0, "maximum rows")
}

func (h *historyFlags) query() (client.HistoryQuery, error) {
	q := client.HistoryQuery{Type: strings.TrimSpace(h.kind), FromHeight: h.from, ToHeight: h.to, Limit: h.limit}
	if q.Type != "" && !history.KnownType(q.Type) {
		return q, fmt.Errorf("--type: unknown event type %q", q.Type)
	}
	if strings.TrimSpace(h.addr) != "" {
		addr, err := addressFlag("addr", h.addr)
		if err != nil {
			return q, err
		}
		q.Address = addr
	}
	return q, nil
}

func (h *historyFlags) filter() (history.Filter, error) {
	q, err := h.query()
	if err != nil {
		return history.Filter{}, err
	}
	f := history.Filter{Type: q.Type, FromHeight: q.FromHeight, ToHeight: q.ToHeight, Limit: q.Limit}
	if !q.Address.IsZero() {
		f.Address = q.Address.String()
	}
	return f, nil
}

func newHistoryCmd(env *cmdEnv) *cobra.Command {
	var hf historyFlags
	cmd := leaf("history", "Query pool activity", func() error {
		q, err := hf.query()
		if err != nil {
			return err
		}
		c, err := env.client()
		if err != nil {
			return err
		}
		rows, err := c.History(env.ctx, q)
		if err != nil {
			return err
		}
		return env.print(rows)
	})
	hf.register(cmd.Flags())
	return cmd
}

// newExportHistoryCmd writes a parquet file either through the daemon's
// admin route or, with --dsn, straight from the activity database.
func newExportHistoryCmd(env *cmdEnv) *cobra.Command {
	var hf historyFlags
	var out, dsn string
	cmd := leaf("export-history", "Export pool activity as parquet", func() error {
		return exportHistory(env, hf, out, dsn)
	})
	hf.register(cmd.Flags())
	cmd.Flags().StringVar(&out, "out", "", "parquet file to write, - for stdout")
	cmd.Flags().StringVar(&dsn, "dsn", "", "read the activity database directly instead of calling lendingd")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func exportHistory(env *cmdEnv, hf historyFlags, out, dsn string) error {
	path, err := required("out", out)
	if err != nil {
		return err
	}

	var w io.Writer = env.stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	if strings.TrimSpace(dsn) != "" {
		filter, err := hf.filter()
		if err != nil {
			return err
		}
		store, err := history.Open(dsn, slog.New(slog.NewTextHandler(env.stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
		if err != nil {
			return err
		}
		defer store.Close()
		rows, err := store.ExportParquet(env.ctx, w, filter)
		if err != nil {
			return err
		}
		fmt.Fprintf(env.stderr, "exported %d rows\n", rows)
		return nil
	}

	q, err := hf.query()
	if err != nil {
		return err
	}
	c, err := env.client()
	if err != nil {
		return err
	}
	n, err := c.ExportHistory(env.ctx, q, w)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.stderr, "wrote %d bytes\n", n)
	return nil
}
