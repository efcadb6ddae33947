package commands

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/spf13/cobra"

	"github.com/mat-shur/picpool/internal/app"
	"github.com/mat-shur/picpool/internal/chain"
	"github.com/mat-shur/picpool/internal/domain"
	"github.com/mat-shur/picpool/internal/slippage"
	"github.com/mat-shur/picpool/internal/units"
)

var (
	boundsSlippage int64
	boundsWei      bool
	boundsAddress  string
	boundsSide     string
	boundsDryRun   bool
	boundsTimeout  time.Duration
)

// openApp builds the application for commands that need live state.
// Tests replace it to inject a fake ledger.
var openApp = func(ctx context.Context) (*app.App, error) {
	cfg, log, err := setup(ctx)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, log, app.Options{})
}

var boundsCmd = &cobra.Command{
	Use:   "bounds [price]",
	Short: "Compute buy and sell price bounds for a slippage tolerance",
	Long: `Print the maximum buy price and minimum sell price for a current price.
The price is in native units unless --wei is set.

With --address the price is read from the listing's live sale state, and a
closed sale is refused. --dry-run then builds the --side order and hands it
to the dry-run submitter.

Examples:
  picpool bounds 1.5 --slippage 5
  picpool bounds 1000 --wei --slippage 10
  picpool bounds --address 0x1234...abcd --side sell --dry-run`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBounds,
}

func init() {
	rootCmd.AddCommand(boundsCmd)
	boundsCmd.Flags().Int64VarP(&boundsSlippage, "slippage", "s", 5, "tolerance in whole percent")
	boundsCmd.Flags().BoolVar(&boundsWei, "wei", false, "price argument is in wei")
	boundsCmd.Flags().StringVar(&boundsAddress, "address", "", "read the price from this listing")
	boundsCmd.Flags().StringVar(&boundsSide, "side", "buy", "order side for --dry-run (buy or sell)")
	boundsCmd.Flags().BoolVar(&boundsDryRun, "dry-run", false, "build and submit the order without broadcasting")
	boundsCmd.Flags().DurationVar(&boundsTimeout, "timeout", 30*time.Second, "how long to wait for listing state")
}

func runBounds(cmd *cobra.Command, args []string) error {
	if boundsAddress != "" {
		if len(args) > 0 {
			return errors.New("give either a price or --address, not both")
		}
		return runListingBounds(cmd)
	}
	if len(args) == 0 {
		return errors.New("price or --address is required")
	}
	if boundsDryRun {
		return errors.New("--dry-run needs --address")
	}

	var price *big.Int
	if boundsWei {
		p, ok := new(big.Int).SetString(args[0], 10)
		if !ok || p.Sign() < 0 {
			return fmt.Errorf("price %q is not a non-negative wei integer", args[0])
		}
		price = p
	} else {
		p, err := units.ParseEther(args[0])
		if err != nil {
			return err
		}
		price = p
	}

	buy, err := slippage.BuyBound(price, boundsSlippage)
	if err != nil {
		return err
	}
	sell, err := slippage.SellBound(price, boundsSlippage)
	if err != nil {
		return err
	}
	printBounds(cmd, price, buy, sell)
	return nil
}

func runListingBounds(cmd *cobra.Command) error {
	addr, err := domain.ParseAddress(boundsAddress)
	if err != nil {
		return fmt.Errorf("--address: %w", err)
	}
	side := chain.OrderKind(boundsSide)
	if side != chain.OrderBuy && side != chain.OrderSell {
		return fmt.Errorf("--side must be buy or sell, got %q", boundsSide)
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	waitCtx, stop := context.WithTimeout(ctx, boundsTimeout)
	defer stop()
	view, err := a.MarketView(waitCtx, addr)
	if err != nil {
		return err
	}

	buy, err := a.Trades.Buy(view, boundsSlippage)
	if err != nil {
		return err
	}
	sell, err := a.Trades.Sell(view, boundsSlippage)
	if err != nil {
		return err
	}
	printBounds(cmd, view.State.CurrentPrice, buy.Bound, sell.Bound)

	if !boundsDryRun {
		return nil
	}
	order := buy
	if side == chain.OrderSell {
		order = sell
	}
	h, err := a.Trades.Submit(ctx, order)
	if err != nil {
		return err
	}
	printf(cmd, "dry-run %s  %s\n", order.Kind, h.Hash.Hex())
	return nil
}

func printBounds(cmd *cobra.Command, price, buy, sell *big.Int) {
	printf(cmd, "price      %s wei\n", price)
	printf(cmd, "max buy    %s wei (%s)\n", buy, units.FormatEther(buy, 6))
	printf(cmd, "min sell   %s wei (%s)\n", sell, units.FormatEther(sell, 6))
}
