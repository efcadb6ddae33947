package pricing

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/mat-shur/picpool/internal/chain"
)

// CreatePlan is a validated listing with the call that creates it.
type CreatePlan struct {
	Preview  *Preview
	Calldata []byte   // createListing(...) input
	Value    *big.Int // equals Preview.DepositWei
}

// Plan validates params, checks the creator can pay the deposit and
// encodes the factory call. A nil balance skips the balance check.
func Plan(p *CreateParams, balanceWei *big.Int) (*CreatePlan, error) {
	preview, err := PreviewListing(p)
	if err != nil {
		return nil, err
	}
	if balanceWei != nil {
		if err := CheckBalance(balanceWei, preview.DepositWei); err != nil {
			return nil, err
		}
	}

	data, err := chain.FactoryABI.Pack("createListing",
		preview.StartWei,
		preview.FinalWei,
		new(big.Int).SetUint64(p.MaxSupply),
		strings.TrimSpace(p.Name),
		strings.TrimSpace(p.Symbol),
		p.Image,
		new(big.Int).SetUint64(p.PreMint),
	)
	if err != nil {
		return nil, fmt.Errorf("pack createListing: %w", err)
	}

	return &CreatePlan{
		Preview:  preview,
		Calldata: data,
		Value:    new(big.Int).Set(preview.DepositWei),
	}, nil
}
