package commands

import (
	"math/big"

	"github.com/spf13/cobra"

	"github.com/mat-shur/picpool/internal/pricing"
	"github.com/mat-shur/picpool/internal/units"
)

var (
	previewParams  pricing.CreateParams
	previewBalance string
)

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Validate listing parameters and show the curve economics",
	Long: `Compute the bonding curve preview and the exact deposit for a new listing.
No network access is needed.

Examples:
  picpool preview --name "Pixel Cats" --symbol PCAT --start 1 --final 2 --supply 101
  picpool preview --name A --symbol A --start 0.5 --final 3 --supply 10 --pre-mint 5 --balance 4`,
	RunE: runPreview,
}

func init() {
	rootCmd.AddCommand(previewCmd)
	f := previewCmd.Flags()
	f.StringVar(&previewParams.Name, "name", "", "collection name")
	f.StringVar(&previewParams.Symbol, "symbol", "", "collection symbol")
	f.StringVar(&previewParams.Image, "image", "", "cover image reference")
	f.StringVar(&previewParams.StartPrice, "start", "", "start price in native units")
	f.StringVar(&previewParams.FinalPrice, "final", "", "final price in native units")
	f.Uint64Var(&previewParams.MaxSupply, "supply", 0, "maximum supply")
	f.Uint64Var(&previewParams.PreMint, "pre-mint", 0, "units minted to the creator at creation")
	f.StringVar(&previewBalance, "balance", "", "creator balance in native units, checked against the deposit")
}

func runPreview(cmd *cobra.Command, _ []string) error {
	var balance *big.Int
	if previewBalance != "" {
		b, err := units.ParseEther(previewBalance)
		if err != nil {
			return err
		}
		balance = b
	}

	plan, err := pricing.Plan(&previewParams, balance)
	if err != nil {
		return err
	}
	p := plan.Preview

	printf(cmd, "step factor       %.7f\n", p.StepFactor)
	printf(cmd, "price step        %.7f\n", p.PriceStep)
	printf(cmd, "total return      %.6f\n", p.TotalReturn)
	printf(cmd, "pre-mint cost     %.6f\n", p.PreMintCost)
	printf(cmd, "protocol fee      %s\n", pricing.ProtocolFeeString)
	printf(cmd, "required deposit  %.6f\n", p.RequiredDeposit)
	printf(cmd, "deposit (exact)   %s (%s wei)\n", units.FormatEther(p.DepositWei, 18), p.DepositWei)
	return nil
}
