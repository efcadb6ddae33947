package commands

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/mat-shur/picpool/internal/app"
	"github.com/mat-shur/picpool/internal/discovery"
	"github.com/mat-shur/picpool/internal/units"
)

var (
	discoverOnce   bool
	discoverFilter string
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Follow the listing factory and report new listings",
	Long: `Run the discovery loop on its own. With --once a single poll is made and
the resulting listing set is printed.

Examples:
  picpool discover
  picpool discover --once --filter almost`,
	RunE: runDiscover,
}

func init() {
	rootCmd.AddCommand(discoverCmd)
	discoverCmd.Flags().BoolVar(&discoverOnce, "once", false, "poll once, print the listings and exit")
	discoverCmd.Flags().StringVar(&discoverFilter, "filter", "all", "listing filter for --once: all, new, almost, sold")
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	filter, err := discovery.ParseFilter(discoverFilter)
	if err != nil {
		return err
	}
	cfg, log, err := setup(ctx)
	if err != nil {
		return err
	}

	a, err := app.New(ctx, cfg, log, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	if !discoverOnce {
		if err := a.StartDiscovery(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	}

	if cfg.FactoryAddress() == (common.Address{}) {
		return app.ErrNoFactory
	}
	if err := a.Discovery.Load(ctx); err != nil {
		return err
	}
	res, err := a.Discovery.Tick(ctx)
	if err != nil {
		return err
	}

	snap := a.Discovery.Snapshot()
	printf(cmd, "cursor %d, %d listings, %d new, %d pending\n", res.Cursor, snap.Len(), len(res.Added), snap.Pending)
	for _, l := range snap.Filter(filter) {
		printf(cmd, "%-4d %s  %-12s %-8s %s %s  %5.1f%%\n",
			l.Index, l.Key(), l.Name, l.Symbol,
			units.FormatEther(l.CurrentPrice, 4), cfg.Chain.Currency, l.ProgressPct())
	}
	return nil
}
