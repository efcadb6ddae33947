package pricing

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/mat-shur/picpool/internal/units"
)

// Creation limits enforced by the listing factory.
const (
	MaxFinalPrice     = 10    // native units
	MaxSupplyLimit    = 69420 // exclusive
	MaxPreMint        = 10
	ProtocolFeeString = "0.25"
)

// ProtocolFeeWei is the fixed fee charged for creating a listing.
var ProtocolFeeWei = mustParse(ProtocolFeeString)

// ErrInsufficientBalance is returned when the creator cannot cover the deposit.
var ErrInsufficientBalance = errors.New("insufficient balance for deposit")

// CreateParams are the creator's inputs for a new listing.
type CreateParams struct {
	Name       string
	Symbol     string
	Image      string
	StartPrice string // decimal native units
	FinalPrice string // decimal native units
	MaxSupply  uint64
	PreMint    uint64
}

// ValidationError lists every problem found in CreateParams.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid listing: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidCurve
}

// Preview is the economics of a listing before it is created.
type Preview struct {
	StartWei        *big.Int
	FinalWei        *big.Int
	StepFactor      float64
	PriceStep       float64
	TotalReturn     float64
	PreMintCost     float64
	RequiredDeposit float64  // fee + pre-mint cost, display only
	DepositWei      *big.Int // value to send with the create call
}

// Validate checks the form rules of the listing factory.
func (p *CreateParams) Validate() (startWei, finalWei *big.Int, err error) {
	var problems []string

	if strings.TrimSpace(p.Name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(p.Symbol) == "" {
		problems = append(problems, "symbol is required")
	}

	startWei, err = units.ParseEther(p.StartPrice)
	if err != nil {
		problems = append(problems, fmt.Sprintf("start price: %v", err))
	} else if startWei.Sign() <= 0 {
		problems = append(problems, "start price must be > 0")
	}

	finalWei, err = units.ParseEther(p.FinalPrice)
	if err != nil {
		problems = append(problems, fmt.Sprintf("final price: %v", err))
	} else {
		if startWei != nil && finalWei.Cmp(startWei) <= 0 {
			problems = append(problems, "final price must be greater than start price")
		}
		if finalWei.Cmp(mustParse(fmt.Sprint(MaxFinalPrice))) > 0 {
			problems = append(problems, fmt.Sprintf("final price must be <= %d", MaxFinalPrice))
		}
	}

	if p.MaxSupply < 1 || p.MaxSupply >= MaxSupplyLimit {
		problems = append(problems, fmt.Sprintf("max supply must be in [1, %d)", MaxSupplyLimit))
	}
	if p.PreMint > MaxPreMint {
		problems = append(problems, fmt.Sprintf("pre-mint must be <= %d", MaxPreMint))
	}
	if p.PreMint > p.MaxSupply {
		problems = append(problems, "pre-mint must not exceed max supply")
	}

	if len(problems) > 0 {
		return nil, nil, &ValidationError{Problems: problems}
	}
	return startWei, finalWei, nil
}

// PreviewListing validates params and computes the listing economics.
func PreviewListing(p *CreateParams) (*Preview, error) {
	startWei, finalWei, err := p.Validate()
	if err != nil {
		return nil, err
	}

	curve := Curve{
		StartPrice: units.ToFloat(startWei),
		FinalPrice: units.ToFloat(finalWei),
		Units:      int64(p.MaxSupply),
	}
	fee := units.ToFloat(ProtocolFeeWei)

	deposit, err := DepositWei(startWei, finalWei, p.MaxSupply, p.PreMint, ProtocolFeeWei)
	if err != nil {
		return nil, err
	}

	return &Preview{
		StartWei:        startWei,
		FinalWei:        finalWei,
		StepFactor:      curve.StepFactor(),
		PriceStep:       curve.PriceStep(),
		TotalReturn:     curve.TotalReturn(),
		PreMintCost:     curve.PreMintCost(int64(p.PreMint)),
		RequiredDeposit: curve.RequiredDeposit(fee, int64(p.PreMint)),
		DepositWei:      deposit,
	}, nil
}

// CheckBalance returns ErrInsufficientBalance when balance < deposit.
func CheckBalance(balanceWei, depositWei *big.Int) error {
	if balanceWei == nil || balanceWei.Cmp(depositWei) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance,
			units.FormatEther(balanceWei, 4), units.FormatEther(depositWei, 4))
	}
	return nil
}

func mustParse(s string) *big.Int {
	v, err := units.ParseEther(s)
	if err != nil {
		panic(err)
	}
	return v
}
