package rebalance

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/sourcegraph/conc"

	"coinone-rebalancer/internal/core"
	"coinone-rebalancer/internal/ratelimit"
)

const clearScreen = "\033[H\033[2J"

// Display keeps a two-column view of both accounts' non-zero balances on
// screen.
type Display struct {
	A       Account
	B       Account
	Limiter *ratelimit.Window
	Refresh time.Duration
	Timeout time.Duration
	Out     io.Writer
	Logger  *slog.Logger
	// Clear is written before each frame; empty disables it.
	Clear string
}

func NewDisplay(a, b Account, limiter *ratelimit.Window, s Settings, out io.Writer, logger *slog.Logger) *Display {
	if logger == nil {
		logger = slog.Default()
	}
	return &Display{
		A:       a,
		B:       b,
		Limiter: limiter,
		Refresh: s.DisplayRefresh,
		Timeout: s.BalanceTimeout,
		Out:     out,
		Logger:  logger,
		Clear:   clearScreen,
	}
}

func (d *Display) Run(ctx context.Context) error {
	for {
		if err := d.Frame(ctx); err != nil {
			return err
		}
		t := time.NewTimer(d.Refresh)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// Frame fetches both accounts concurrently and draws one screen.
func (d *Display) Frame(ctx context.Context) error {
	var balA, balB core.Balances
	var wg conc.WaitGroup
	wg.Go(func() { balA = fetchBalances(ctx, d.A, d.Limiter, d.Timeout, d.Logger) })
	wg.Go(func() { balB = fetchBalances(ctx, d.B, d.Limiter, d.Timeout, d.Logger) })
	wg.Wait()
	if ctx.Err() != nil {
		return nil
	}

	var buf bytes.Buffer
	buf.WriteString(d.Clear)
	if err := Render(&buf, d.A.Name(), balA, d.B.Name(), balB); err != nil {
		return err
	}
	_, err := d.Out.Write(buf.Bytes())
	return err
}

// Render writes the two balance sets side by side, sorted by currency with
// eight decimal places.
func Render(w io.Writer, titleA string, a core.Balances, titleB string, b core.Balances) error {
	colA, colB := balanceRows(a), balanceRows(b)
	rows := max(len(colA), len(colB))

	tw := tabwriter.NewWriter(w, 0, 0, 4, ' ', 0)
	fmt.Fprintf(tw, "%s\t\t%s\t\n", titleA, titleB)
	fmt.Fprintf(tw, "CURRENCY\tAVAILABLE\tCURRENCY\tAVAILABLE\n")
	for i := 0; i < rows; i++ {
		fmt.Fprintf(tw, "%s\t%s\n", cell(colA, i), cell(colB, i))
	}
	return tw.Flush()
}

func balanceRows(b core.Balances) [][2]string {
	if len(b) == 0 {
		return [][2]string{{"-", "0"}}
	}
	rows := make([][2]string, 0, len(b))
	for _, cur := range b.Currencies() {
		rows = append(rows, [2]string{cur, b[cur].StringFixed(8)})
	}
	return rows
}

func cell(col [][2]string, i int) string {
	if i >= len(col) {
		return "\t"
	}
	return col[i][0] + "\t" + col[i][1]
}
