package api

import (
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/mat-shur/picpool/internal/chain"
	"github.com/mat-shur/picpool/internal/domain"
	"github.com/mat-shur/picpool/internal/market"
	"github.com/mat-shur/picpool/internal/notify"
	"github.com/mat-shur/picpool/internal/pricing"
	"github.com/mat-shur/picpool/internal/units"
)

type listingJSON struct {
	*notify.Listing
	Price string `json:"price"` // native units, 4 places
	Cover string `json:"cover,omitempty"`
}

func newListingJSON(l *domain.ListingSummary) listingJSON {
	return listingJSON{
		Listing: notify.ListingPayload(l),
		Price:   units.FormatEther(l.CurrentPrice, 4),
		Cover:   l.Cover,
	}
}

type tradeJSON struct {
	Timestamp int64  `json:"timestamp"`
	Supply    uint64 `json:"supply"`
	PriceWei  string `json:"priceWei"`
	IsBuy     bool   `json:"isBuy"`
	Trader    string `json:"trader"`
}

type marketJSON struct {
	PriceWei   string      `json:"priceWei"`
	Price      string      `json:"price"`
	Minted     uint64      `json:"minted"`
	Burned     uint64      `json:"burned"`
	Closed     bool        `json:"closed"`
	Progress   float64     `json:"progress"`
	Direction  string      `json:"direction"`
	Trend      float64     `json:"trend"`
	Name       string      `json:"name,omitempty"`
	Symbol     string      `json:"symbol,omitempty"`
	MaxSupply  uint64      `json:"maxSupply"`
	Owner      string      `json:"owner,omitempty"`
	BalanceWei string      `json:"balanceWei,omitempty"`
	Holding    *uint64     `json:"holding,omitempty"`
	Trades     []tradeJSON `json:"trades"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

func newMarketJSON(v *market.View) *marketJSON {
	m := &marketJSON{
		PriceWei:  "0",
		Price:     units.FormatEther(v.State.CurrentPrice, 4),
		Minted:    v.State.Minted,
		Burned:    v.State.Burned,
		Closed:    v.State.Closed,
		Progress:  v.Progress,
		Direction: string(v.Direction),
		Trend:     v.Trend,
		Holding:   v.Holding,
		Trades:    make([]tradeJSON, 0, len(v.Trades)),
		UpdatedAt: v.UpdatedAt,
	}
	if v.State.CurrentPrice != nil {
		m.PriceWei = v.State.CurrentPrice.String()
	}
	if v.Meta != nil {
		m.Name = v.Meta.Name
		m.Symbol = v.Meta.Symbol
		m.MaxSupply = v.Meta.MaxSupply
		m.Owner = domain.AddressKey(v.Meta.Owner)
	}
	if v.Balance != nil {
		m.BalanceWei = v.Balance.String()
	}
	for _, t := range v.Trades {
		m.Trades = append(m.Trades, newTradeJSON(t))
	}
	return m
}

func newTradeJSON(t domain.TradeSnapshot) tradeJSON {
	tj := tradeJSON{
		Timestamp: t.Timestamp,
		Supply:    t.Supply,
		PriceWei:  "0",
		IsBuy:     t.IsBuy,
		Trader:    domain.AddressKey(t.Trader),
	}
	if t.Price != nil {
		tj.PriceWei = t.Price.String()
	}
	return tj
}

type listingDetailJSON struct {
	Address string       `json:"address"`
	Watched bool         `json:"watched"`
	Listing *listingJSON `json:"listing,omitempty"`
	Market  *marketJSON  `json:"market,omitempty"`
}

type previewRequest struct {
	Name       string `json:"name"`
	Symbol     string `json:"symbol"`
	Image      string `json:"image"`
	StartPrice string `json:"startPrice"`
	FinalPrice string `json:"finalPrice"`
	MaxSupply  uint64 `json:"maxSupply"`
	PreMint    uint64 `json:"preMint"`
	BalanceWei string `json:"balanceWei"`
}

func (r previewRequest) params() *pricing.CreateParams {
	return &pricing.CreateParams{
		Name:       r.Name,
		Symbol:     r.Symbol,
		Image:      r.Image,
		StartPrice: r.StartPrice,
		FinalPrice: r.FinalPrice,
		MaxSupply:  r.MaxSupply,
		PreMint:    r.PreMint,
	}
}

type previewJSON struct {
	StepFactor      float64 `json:"stepFactor"`
	PriceStep       float64 `json:"priceStep"`
	TotalReturn     float64 `json:"totalReturn"`
	PreMintCost     float64 `json:"preMintCost"`
	ProtocolFee     string  `json:"protocolFee"`
	RequiredDeposit float64 `json:"requiredDeposit"`
	DepositWei      string  `json:"depositWei"`
	Deposit         string  `json:"deposit"`
	Calldata        string  `json:"calldata"`
}

func newPreviewJSON(p *pricing.CreatePlan) previewJSON {
	return previewJSON{
		StepFactor:      p.Preview.StepFactor,
		PriceStep:       p.Preview.PriceStep,
		TotalReturn:     p.Preview.TotalReturn,
		PreMintCost:     p.Preview.PreMintCost,
		ProtocolFee:     pricing.ProtocolFeeString,
		RequiredDeposit: p.Preview.RequiredDeposit,
		DepositWei:      p.Preview.DepositWei.String(),
		Deposit:         units.FormatEther(p.Preview.DepositWei, 6),
		Calldata:        hexutil.Encode(p.Calldata),
	}
}

type boundsJSON struct {
	PriceWei     string `json:"priceWei"`
	SlippagePct  int64  `json:"slippagePct"`
	BuyBoundWei  string `json:"buyBoundWei"`
	SellBoundWei string `json:"sellBoundWei"`
}

type orderRequest struct {
	Kind        string `json:"kind"` // buy, sell or withdraw
	SlippagePct *int64 `json:"slippagePct,omitempty"`
	Caller      string `json:"caller,omitempty"` // withdraw only
}

type orderJSON struct {
	Kind     string `json:"kind"`
	To       string `json:"to"`
	Data     string `json:"data"`
	ValueWei string `json:"valueWei"`
	BoundWei string `json:"boundWei,omitempty"`
	TxHash   string `json:"txHash"`
}

func newOrderJSON(o *chain.Order, h *chain.TxHandle) orderJSON {
	out := orderJSON{
		Kind:     string(o.Kind),
		To:       domain.AddressKey(o.To),
		Data:     hexutil.Encode(o.Data),
		ValueWei: "0",
		TxHash:   h.Hash.Hex(),
	}
	if o.Value != nil {
		out.ValueWei = o.Value.String()
	}
	if o.Bound != nil {
		out.BoundWei = o.Bound.String()
	}
	return out
}
