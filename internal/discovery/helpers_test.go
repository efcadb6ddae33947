package discovery

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"

	"github.com/mat-shur/picpool/internal/chain"
	"github.com/mat-shur/picpool/internal/chain/stub"
	"github.com/mat-shur/picpool/internal/domain"
	"github.com/mat-shur/picpool/internal/logger"
	"github.com/mat-shur/picpool/internal/notify"
	"github.com/mat-shur/picpool/internal/retry"
	"github.com/mat-shur/picpool/internal/storage"
)

var errFlaky = fmt.Errorf("%w: connection reset", chain.ErrTransient)

func addr(n int) common.Address {
	return common.BigToAddress(big.NewInt(int64(0xA000 + n)))
}

func fakeListing(n int, minted, maxSupply uint64) *stub.Listing {
	return &stub.Listing{
		Address: addr(n),
		Meta: domain.ListingMeta{
			Name:      fmt.Sprintf("Listing %d", n),
			Symbol:    fmt.Sprintf("L%d", n),
			MaxSupply: maxSupply,
		},
		State: domain.MarketState{
			CurrentPrice: big.NewInt(int64(1000 + n)),
			Minted:       minted,
		},
	}
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
}

type fixture struct {
	reader *stub.Reader
	store  storage.DiscoveryStore
	events *notify.Recorder
	clock  *clockwork.FakeClock
	engine *Engine
}

func newFixture(store storage.DiscoveryStore, refreshEvery int) *fixture {
	return newFixtureWithPending(store, refreshEvery, retry.Policy{})
}

func newFixtureWithPending(store storage.DiscoveryStore, refreshEvery int, pending retry.Policy) *fixture {
	f := &fixture{
		reader: stub.NewReader(),
		store:  store,
		events: &notify.Recorder{},
		clock:  clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0)),
	}
	log := logger.WithComponent(logger.Discard(), "discovery")
	f.engine = NewEngine(EngineOptions{
		Poller:        NewPoller(PollerOptions{Reader: f.reader, Policy: fastPolicy(), Logger: log}),
		Store:         store,
		Publisher:     f.events,
		Clock:         f.clock,
		RefreshEvery:  refreshEvery,
		PendingPolicy: pending,
		Logger:        log,
	})
	return f
}

func keys(listings []*domain.ListingSummary) []string {
	out := make([]string, len(listings))
	for i, l := range listings {
		out[i] = l.Key()
	}
	return out
}
