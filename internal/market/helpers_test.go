package market

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mat-shur/picpool/internal/chain"
	"github.com/mat-shur/picpool/internal/chain/stub"
	"github.com/mat-shur/picpool/internal/domain"
	"github.com/mat-shur/picpool/internal/retry"
)

var (
	errFlaky = fmt.Errorf("%w: connection reset", chain.ErrTransient)
	listingA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	holder   = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func wei(n int64) *big.Int { return big.NewInt(n) }

func trade(ts int64, supply uint64, price int64, buy bool) domain.TradeSnapshot {
	return domain.TradeSnapshot{Timestamp: ts, Supply: supply, Price: wei(price), IsBuy: buy, Trader: holder}
}

func newLedger() *stub.Reader {
	r := stub.NewReader()
	r.AddListing(&stub.Listing{
		Address: listingA,
		Meta:    domain.ListingMeta{Name: "Pics", Symbol: "PIC", MaxSupply: 10},
		State:   domain.MarketState{CurrentPrice: wei(1000), Minted: 4, Burned: 1},
		Trades: []domain.TradeSnapshot{
			trade(100, 1, 800, true),
			trade(110, 2, 900, true),
			trade(120, 3, 1000, true),
		},
		Holders: map[common.Address]uint64{holder: 2},
	})
	r.SetBalance(listingA, wei(5_000))
	return r
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
}

func bundle(price int64, minted, burned uint64, closed bool) *Bundle {
	return &Bundle{
		State: &domain.MarketState{CurrentPrice: wei(price), Minted: minted, Burned: burned, Closed: closed},
		Meta:  &domain.ListingMeta{MaxSupply: 10},
	}
}
