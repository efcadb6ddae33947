package pricing

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mat-shur/picpool/internal/chain"
)

func TestPlan_EncodesCreateCall(t *testing.T) {
	p := validParams()
	plan, err := Plan(p, ether("100"))
	require.NoError(t, err)

	assert.Equal(t, 0, plan.Value.Cmp(plan.Preview.DepositWei))

	method := chain.FactoryABI.Methods["createListing"]
	assert.Equal(t, method.ID, plan.Calldata[:4])

	args, err := method.Inputs.Unpack(plan.Calldata[4:])
	require.NoError(t, err)
	require.Len(t, args, 7)
	assert.Equal(t, 0, args[0].(*big.Int).Cmp(ether("0.5")))
	assert.Equal(t, 0, args[1].(*big.Int).Cmp(ether("3")))
	assert.Equal(t, int64(10), args[2].(*big.Int).Int64())
	assert.Equal(t, "Pixel Cats", args[3])
	assert.Equal(t, "PCAT", args[4])
	assert.Equal(t, "ipfs://cover", args[5])
	assert.Equal(t, int64(5), args[6].(*big.Int).Int64())
}

func TestPlan_InsufficientBalance(t *testing.T) {
	_, err := Plan(validParams(), ether("0.1"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestPlan_NilBalanceSkipsCheck(t *testing.T) {
	plan, err := Plan(validParams(), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, plan.Calldata)
}

func TestPlan_InvalidParams(t *testing.T) {
	p := validParams()
	p.FinalPrice = "0.1"
	_, err := Plan(p, ether("100"))
	assert.ErrorIs(t, err, ErrInvalidCurve)
}
