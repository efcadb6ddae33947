package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mat-shur/picpool/internal/app"
	"github.com/mat-shur/picpool/internal/domain"
	"github.com/mat-shur/picpool/internal/notify"
)

var watchCmd = &cobra.Command{
	Use:   "watch [address...]",
	Short: "Poll the sale state of listings and print every accepted update",
	Long: `Watch one or more listings. Addresses come from the arguments and from
market.watch in the configuration.

Examples:
  picpool watch 0x1234...abcd
  PICPOOL_MARKET_HOLDER=0x... picpool watch 0x1234...abcd`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	cfg, log, err := setup(ctx)
	if err != nil {
		return err
	}
	for _, arg := range args {
		key, err := domain.NormalizeAddress(arg)
		if err != nil {
			return fmt.Errorf("%q: %w", arg, err)
		}
		cfg.Market.Watch = append(cfg.Market.Watch, key)
	}
	if len(cfg.Market.Watch) == 0 {
		return fmt.Errorf("no listings to watch")
	}

	a, err := app.New(ctx, cfg, log, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	a.Dispatcher.Add(&printSink{cmd: cmd, currency: cfg.Chain.Currency})
	a.WatchConfigured()

	<-ctx.Done()
	return nil
}

// printSink writes market updates and failures to the command output.
type printSink struct {
	cmd      *cobra.Command
	currency string
}

func (s *printSink) Name() string { return "stdout" }

func (s *printSink) Deliver(_ context.Context, ev notify.Event) error {
	switch {
	case ev.Market != nil:
		m := ev.Market
		state := "open"
		if m.Closed {
			state = "closed"
		}
		printf(s.cmd, "%s  %s  price %s wei  minted %d burned %d  %.1f%%  %s  %s\n",
			ev.At.Format("15:04:05"), ev.Address, m.PriceWei, m.Minted, m.Burned, m.Progress, m.Direction, state)
	case ev.Error != "":
		printf(s.cmd, "%s  %s  %s: %s\n", ev.At.Format("15:04:05"), ev.Address, ev.Kind, ev.Error)
	}
	return nil
}
