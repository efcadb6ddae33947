package api

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mat-shur/picpool/internal/chain"
	"github.com/mat-shur/picpool/internal/chain/stub"
	"github.com/mat-shur/picpool/internal/discovery"
	"github.com/mat-shur/picpool/internal/domain"
	"github.com/mat-shur/picpool/internal/logger"
	"github.com/mat-shur/picpool/internal/market"
	"github.com/mat-shur/picpool/internal/retry"
	"github.com/mat-shur/picpool/internal/scheduler"
	"github.com/mat-shur/picpool/internal/storage/memory"
	"github.com/mat-shur/picpool/internal/trade"
)

var (
	fresh  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	almost = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	sold   = common.HexToAddress("0x00000000000000000000000000000000000000a3")
)

type testEnv struct {
	ledger    *stub.Reader
	engine    *discovery.Engine
	watcher   *market.Watcher
	hub       *Hub
	submitter *chain.DryRunSubmitter
	archive   *memory.TradeArchive
	server    *Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logger.WithComponent(logger.Discard(), "api")
	policy := retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}

	ledger := stub.NewReader()
	for _, l := range []struct {
		addr   common.Address
		minted uint64
		closed bool
	}{{fresh, 0, false}, {almost, 95, false}, {sold, 100, true}} {
		ledger.AddListing(&stub.Listing{
			Address: l.addr,
			Meta:    domain.ListingMeta{Name: "L", Symbol: "L", MaxSupply: 100, Owner: l.addr},
			State:   domain.MarketState{CurrentPrice: big.NewInt(1_000_000), Minted: l.minted, Closed: l.closed},
		})
	}

	engine := discovery.NewEngine(discovery.EngineOptions{
		Poller: discovery.NewPoller(discovery.PollerOptions{Reader: ledger, Policy: policy, Logger: log}),
		Logger: log,
	})
	_, err := engine.Tick(context.Background())
	require.NoError(t, err)

	sched := scheduler.New(clockwork.NewFakeClock(), log)
	archive := memory.NewTradeArchive()
	watcher := market.NewWatcher(market.WatcherOptions{
		Poller:    market.NewPoller(market.PollerOptions{Reader: ledger, Policy: policy, Logger: log}),
		Scheduler: sched,
		Archive:   archive,
		Logger:    log,
	})
	submitter := chain.NewDryRunSubmitter(log)
	hub := NewHub(log)
	t.Cleanup(func() {
		watcher.Stop()
		sched.Stop()
		hub.Close()
	})

	return &testEnv{
		ledger:    ledger,
		engine:    engine,
		watcher:   watcher,
		hub:       hub,
		submitter: submitter,
		archive:   archive,
		server: NewServer(Options{
			Listings:        engine,
			Watcher:         watcher,
			Hub:             hub,
			Trades:          trade.NewBuilder(common.Address{}, submitter, log),
			Archive:         archive,
			DefaultSlippage: 5,
			Logger:          log,
		}),
	}
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(3), body["cursor"])
	assert.Equal(t, float64(3), body["listings"])
	assert.Equal(t, float64(0), body["abandoned"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "discovery")
}

func TestListings_Filter(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		filter string
		want   []string
	}{
		{"", []string{domain.AddressKey(fresh), domain.AddressKey(almost), domain.AddressKey(sold)}},
		{"new", []string{domain.AddressKey(fresh)}},
		{"ALMOST", []string{domain.AddressKey(almost)}},
		{"sold", []string{domain.AddressKey(sold)}},
	}
	for _, tt := range tests {
		t.Run("filter="+tt.filter, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/api/v1/listings?filter="+tt.filter, "")
			require.Equal(t, http.StatusOK, rec.Code)

			var got []listingJSON
			decode(t, rec, &got)
			keys := make([]string, len(got))
			for i, l := range got {
				keys[i] = l.Address
			}
			assert.Equal(t, tt.want, keys)
		})
	}

	rec := env.do(t, http.MethodGet, "/api/v1/listings?filter=cheap", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListing_DetailAndWatch(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/listings/0x"+strings.ToUpper(almost.Hex()[2:]), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail listingDetailJSON
	decode(t, rec, &detail)
	assert.Equal(t, domain.AddressKey(almost), detail.Address)
	assert.False(t, detail.Watched)
	require.NotNil(t, detail.Listing)
	assert.Equal(t, "0.0000", detail.Listing.Price)
	assert.Nil(t, detail.Market)

	rec = env.do(t, http.MethodPut, "/api/v1/listings/"+almost.Hex()+"/watch", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		tr, ok := env.watcher.Tracker(almost)
		return ok && tr.View() != nil
	}, 2*time.Second, 5*time.Millisecond)

	rec = env.do(t, http.MethodGet, "/api/v1/listings/"+almost.Hex(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	detail = listingDetailJSON{}
	decode(t, rec, &detail)
	assert.True(t, detail.Watched)
	require.NotNil(t, detail.Market)
	assert.Equal(t, "1000000", detail.Market.PriceWei)
	assert.InDelta(t, 95.0, detail.Market.Progress, 1e-9)

	rec = env.do(t, http.MethodDelete, "/api/v1/listings/"+almost.Hex()+"/watch", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodDelete, "/api/v1/listings/"+almost.Hex()+"/watch", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListing_Errors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/listings/not-an-address", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/listings/0x00000000000000000000000000000000000000ff", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPreview(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/preview", `{
		"name": "Pixel Cats", "symbol": "PCAT",
		"startPrice": "1", "finalPrice": "2", "maxSupply": 101, "preMint": 0
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got previewJSON
	decode(t, rec, &got)
	assert.InDelta(t, 1.0069556, got.StepFactor, 1e-6)
	assert.InDelta(t, 145.77, got.TotalReturn, 0.01)
	assert.Equal(t, "0.25", got.ProtocolFee)
	assert.Equal(t, "250000000000000000", got.DepositWei)
	assert.True(t, strings.HasPrefix(got.Calldata, "0x"))
}

func TestPreview_Rejections(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/preview", `{"name": "", "symbol": "X", "startPrice": "2", "finalPrice": "1", "maxSupply": 10}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var body struct {
		Problems []string `json:"problems"`
	}
	decode(t, rec, &body)
	assert.Len(t, body.Problems, 2)

	rec = env.do(t, http.MethodPost, "/api/v1/preview", `{"name": "A", "symbol": "A", "startPrice": "1", "finalPrice": "2", "maxSupply": 10, "balanceWei": "1"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/preview", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBounds(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/bounds?price=1000&slippage=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got boundsJSON
	decode(t, rec, &got)
	assert.Equal(t, "1101", got.BuyBoundWei)
	assert.Equal(t, "900", got.SellBoundWei)

	rec = env.do(t, http.MethodGet, "/api/v1/bounds?price=1000", "")
	decode(t, rec, &got)
	assert.Equal(t, int64(5), got.SlippagePct)
	assert.Equal(t, "1051", got.BuyBoundWei)

	for _, q := range []string{"", "price=abc", "price=1000&slippage=-1", "price=1000&slippage=x"} {
		rec = env.do(t, http.MethodGet, "/api/v1/bounds?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/bounds?address="+fresh.Hex(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBounds_FromTrackedListing(t *testing.T) {
	env := newTestEnv(t)
	tr := env.watcher.Subscribe(fresh)
	require.Eventually(t, func() bool { return tr.View() != nil }, 2*time.Second, 5*time.Millisecond)

	rec := env.do(t, http.MethodGet, "/api/v1/bounds?slippage=0&address="+fresh.Hex(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got boundsJSON
	decode(t, rec, &got)
	assert.Equal(t, "1000000", got.PriceWei)
	assert.Equal(t, "1000001", got.BuyBoundWei)
	assert.Equal(t, "1000000", got.SellBoundWei)
}

func (e *testEnv) track(t *testing.T, addr common.Address) *market.View {
	t.Helper()
	tr := e.watcher.Subscribe(addr)
	require.Eventually(t, func() bool { return tr.View() != nil }, 2*time.Second, 5*time.Millisecond)
	return tr.View()
}

func TestBounds_ClosedListingHasNoBounds(t *testing.T) {
	env := newTestEnv(t)
	require.True(t, env.track(t, sold).State.Closed)

	rec := env.do(t, http.MethodGet, "/api/v1/bounds?address="+sold.Hex(), "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), trade.ErrSaleClosed.Error())
}

func TestOrder_BuyIsSubmitted(t *testing.T) {
	env := newTestEnv(t)
	env.track(t, fresh)

	rec := env.do(t, http.MethodPost, "/api/v1/listings/"+fresh.Hex()+"/orders", `{"kind": "buy", "slippagePct": 10}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var got orderJSON
	decode(t, rec, &got)
	assert.Equal(t, "buy", got.Kind)
	assert.Equal(t, domain.AddressKey(fresh), got.To)
	assert.Equal(t, "1100001", got.BoundWei)
	assert.Equal(t, "1100001", got.ValueWei)
	assert.True(t, strings.HasPrefix(got.TxHash, "0x"))

	orders := env.submitter.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, chain.OrderBuy, orders[0].Kind)
}

func TestOrder_Rejections(t *testing.T) {
	env := newTestEnv(t)
	env.track(t, fresh)
	env.track(t, sold)

	tests := []struct {
		name    string
		address common.Address
		body    string
		want    int
	}{
		{"buy on closed sale", sold, `{"kind": "buy"}`, http.StatusConflict},
		{"sell on closed sale", sold, `{"kind": "sell"}`, http.StatusConflict},
		{"withdraw while open", fresh, `{"kind": "withdraw", "caller": "` + fresh.Hex() + `"}`, http.StatusConflict},
		{"withdraw by stranger", sold, `{"kind": "withdraw", "caller": "` + fresh.Hex() + `"}`, http.StatusForbidden},
		{"withdraw without caller", sold, `{"kind": "withdraw"}`, http.StatusBadRequest},
		{"negative slippage", fresh, `{"kind": "buy", "slippagePct": -1}`, http.StatusBadRequest},
		{"unknown kind", fresh, `{"kind": "create"}`, http.StatusBadRequest},
		{"not watched", almost, `{"kind": "buy"}`, http.StatusNotFound},
		{"bad body", fresh, `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/listings/"+tt.address.Hex()+"/orders", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
	assert.Empty(t, env.submitter.Orders())
}

func TestOrder_OwnerWithdrawsClosedSale(t *testing.T) {
	env := newTestEnv(t)
	env.track(t, sold)

	rec := env.do(t, http.MethodPost, "/api/v1/listings/"+sold.Hex()+"/orders", `{"kind": "withdraw", "caller": "`+sold.Hex()+`"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var got orderJSON
	decode(t, rec, &got)
	assert.Equal(t, "withdraw", got.Kind)
	assert.Equal(t, "0", got.ValueWei)
}

func TestTrades_FromArchive(t *testing.T) {
	env := newTestEnv(t)
	trader := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	var trades []domain.TradeSnapshot
	for i := int64(1); i <= 3; i++ {
		trades = append(trades, domain.TradeSnapshot{
			Timestamp: 1000 + i,
			Supply:    uint64(i),
			Price:     big.NewInt(1000 * i),
			IsBuy:     true,
			Trader:    trader,
		})
	}
	_, err := env.archive.Append(context.Background(), fresh, trades)
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/v1/listings/"+fresh.Hex()+"/trades?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []tradeJSON
	decode(t, rec, &got)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1003), got[0].Timestamp)
	assert.Equal(t, "3000", got[0].PriceWei)
	assert.Equal(t, int64(1002), got[1].Timestamp)

	rec = env.do(t, http.MethodGet, "/api/v1/listings/"+almost.Hex()+"/trades", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	for _, q := range []string{"limit=0", "limit=x"} {
		rec = env.do(t, http.MethodGet, "/api/v1/listings/"+fresh.Hex()+"/trades?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}
