package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/time/rate"

	"github.com/mat-shur/picpool/internal/domain"
	"github.com/mat-shur/picpool/internal/observability"
)

// Default configuration values.
const (
	DefaultTimeout   = 15 * time.Second
	DefaultRateLimit = 20 // requests per second
	DefaultBurst     = 20
)

// HTTPClient implements Reader using HTTP JSON-RPC 2.0 eth_call requests.
type HTTPClient struct {
	endpoint  string
	factory   common.Address
	client    *http.Client
	limiter   *rate.Limiter
	requestID atomic.Uint64
	now       func() time.Time
}

// Compile-time interface check.
var _ Reader = (*HTTPClient)(nil)

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// WithRateLimit throttles outgoing requests. rps <= 0 disables throttling.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *HTTPClient) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithNow overrides the clock used for refresh timestamps.
func WithNow(now func() time.Time) ClientOption {
	return func(c *HTTPClient) {
		c.now = now
	}
}

// NewHTTPClient creates a client for the given endpoint and listing factory.
func NewHTTPClient(endpoint string, factory common.Address, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint: endpoint,
		factory:  factory,
		client:   &http.Client{Timeout: DefaultTimeout},
		limiter:  rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultBurst),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// rpcRequest represents a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// rpcResponse represents a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// callArgs is the transaction object of eth_call.
type callArgs struct {
	To   string `json:"to"`
	Data string `json:"data"`
}

// contractCall is one eth_call and its decoded outputs.
type contractCall struct {
	to     common.Address
	abi    *abi.ABI
	method string
	args   []interface{}
	out    []interface{}
}

// post sends a request body and returns the raw response body.
func (c *HTTPClient) post(ctx context.Context, body []byte) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, transient("http request: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transient("read response: %v", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, transient("rate limited (429)")
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, transient("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// call performs a single JSON-RPC call. Retries are the caller's concern.
func (c *HTTPClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	start := time.Now()
	defer func() {
		observability.RecordRPCLatency(method, time.Since(start).Seconds())
	}()

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := c.post(ctx, body)
	if err != nil {
		return err
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return transient("unmarshal response: %v", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}

	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("%w: unmarshal result: %v", ErrDecode, err)
		}
	}
	return nil
}

// callContracts runs eth_calls as one JSON-RPC batch and decodes every result.
// Any failed element fails the whole batch.
func (c *HTTPClient) callContracts(ctx context.Context, calls ...*contractCall) error {
	if len(calls) == 0 {
		return nil
	}
	if len(calls) == 1 {
		return c.callContract(ctx, calls[0])
	}

	start := time.Now()
	defer func() {
		observability.RecordRPCLatency("eth_call_batch", time.Since(start).Seconds())
	}()

	reqs := make([]rpcRequest, len(calls))
	byID := make(map[uint64]*contractCall, len(calls))
	for i, cc := range calls {
		params, err := callParams(cc)
		if err != nil {
			return err
		}
		id := c.requestID.Add(1)
		reqs[i] = rpcRequest{JSONRPC: "2.0", ID: id, Method: "eth_call", Params: params}
		byID[id] = cc
	}

	body, err := json.Marshal(reqs)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	respBody, err := c.post(ctx, body)
	if err != nil {
		return err
	}

	var resps []rpcResponse
	if err := json.Unmarshal(respBody, &resps); err != nil {
		// some nodes answer a whole batch with a single error object
		var single rpcResponse
		if json.Unmarshal(respBody, &single) == nil && single.Error != nil {
			return single.Error
		}
		return transient("unmarshal batch response: %v", err)
	}
	if len(resps) != len(calls) {
		return transient("batch returned %d of %d responses", len(resps), len(calls))
	}

	for _, resp := range resps {
		cc, ok := byID[resp.ID]
		if !ok {
			return transient("batch response with unknown id %d", resp.ID)
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", cc.method, resp.Error)
		}
		var hexResult string
		if err := json.Unmarshal(resp.Result, &hexResult); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrDecode, cc.method, err)
		}
		if err := decodeResult(cc, hexResult); err != nil {
			return err
		}
	}
	return nil
}

func (c *HTTPClient) callContract(ctx context.Context, cc *contractCall) error {
	params, err := callParams(cc)
	if err != nil {
		return err
	}
	var hexResult string
	if err := c.call(ctx, "eth_call", params, &hexResult); err != nil {
		return fmt.Errorf("%s: %w", cc.method, err)
	}
	return decodeResult(cc, hexResult)
}

func callParams(cc *contractCall) ([]interface{}, error) {
	data, err := cc.abi.Pack(cc.method, cc.args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", cc.method, err)
	}
	return []interface{}{
		callArgs{To: cc.to.Hex(), Data: hexutil.Encode(data)},
		"latest",
	}, nil
}

func decodeResult(cc *contractCall, hexResult string) error {
	raw, err := hexutil.Decode(hexResult)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDecode, cc.method, err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("%s at %s: %w", cc.method, cc.to.Hex(), ErrNoCode)
	}
	out, err := cc.abi.Unpack(cc.method, raw)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDecode, cc.method, err)
	}
	cc.out = out
	return nil
}

// ChainID returns the chain id reported by the endpoint.
func (c *HTTPClient) ChainID(ctx context.Context) (*big.Int, error) {
	var result hexutil.Big
	if err := c.call(ctx, "eth_chainId", nil, &result); err != nil {
		return nil, err
	}
	return result.ToInt(), nil
}

// ListingCount returns nextListingId() of the factory.
func (c *HTTPClient) ListingCount(ctx context.Context) (uint64, error) {
	cc := &contractCall{to: c.factory, abi: &FactoryABI, method: "nextListingId"}
	if err := c.callContract(ctx, cc); err != nil {
		return 0, err
	}
	return uint64Out(cc, 0)
}

// ListingAddress returns listings(index) of the factory.
func (c *HTTPClient) ListingAddress(ctx context.Context, index uint64) (common.Address, error) {
	cc := &contractCall{
		to:     c.factory,
		abi:    &FactoryABI,
		method: "listings",
		args:   []interface{}{new(big.Int).SetUint64(index)},
	}
	if err := c.callContract(ctx, cc); err != nil {
		return common.Address{}, err
	}
	return addressOut(cc, 0)
}

// ListingSummary reads listing(), maxSupply(), name() and symbol() in one batch.
func (c *HTTPClient) ListingSummary(ctx context.Context, listing common.Address) (*domain.ListingSummary, error) {
	state := &contractCall{to: listing, abi: &ListingABI, method: "listing"}
	supply := &contractCall{to: listing, abi: &ListingABI, method: "maxSupply"}
	name := &contractCall{to: listing, abi: &ListingABI, method: "name"}
	symbol := &contractCall{to: listing, abi: &ListingABI, method: "symbol"}

	if err := c.callContracts(ctx, state, supply, name, symbol); err != nil {
		return nil, err
	}

	price, err := bigOut(state, 0)
	if err != nil {
		return nil, err
	}
	minted, err := uint64Out(state, 1)
	if err != nil {
		return nil, err
	}
	burned, err := uint64Out(state, 2)
	if err != nil {
		return nil, err
	}
	cover, err := stringOut(state, 3)
	if err != nil {
		return nil, err
	}
	maxSupply, err := uint64Out(supply, 0)
	if err != nil {
		return nil, err
	}
	n, err := stringOut(name, 0)
	if err != nil {
		return nil, err
	}
	s, err := stringOut(symbol, 0)
	if err != nil {
		return nil, err
	}

	return &domain.ListingSummary{
		Address:      listing,
		Name:         n,
		Symbol:       s,
		Cover:        cover,
		MaxSupply:    maxSupply,
		Minted:       minted,
		Burned:       burned,
		CurrentPrice: price,
		RefreshedAt:  c.now().UnixMilli(),
	}, nil
}

// MarketState reads saleState().
func (c *HTTPClient) MarketState(ctx context.Context, listing common.Address) (*domain.MarketState, error) {
	cc := &contractCall{to: listing, abi: &ListingABI, method: "saleState"}
	if err := c.callContract(ctx, cc); err != nil {
		return nil, err
	}

	price, err := bigOut(cc, 0)
	if err != nil {
		return nil, err
	}
	minted, err := uint64Out(cc, 1)
	if err != nil {
		return nil, err
	}
	burned, err := uint64Out(cc, 2)
	if err != nil {
		return nil, err
	}
	closed, ok := cc.out[3].(bool)
	if !ok {
		return nil, fmt.Errorf("%w: saleState: closed is %T", ErrDecode, cc.out[3])
	}

	return &domain.MarketState{CurrentPrice: price, Minted: minted, Burned: burned, Closed: closed}, nil
}

// RecentTrades reads getRecentSnaps().
func (c *HTTPClient) RecentTrades(ctx context.Context, listing common.Address) ([]domain.TradeSnapshot, error) {
	cc := &contractCall{to: listing, abi: &ListingABI, method: "getRecentSnaps"}
	if err := c.callContract(ctx, cc); err != nil {
		return nil, err
	}
	if len(cc.out) != 1 {
		return nil, fmt.Errorf("%w: getRecentSnaps: %d outputs", ErrDecode, len(cc.out))
	}

	var snaps []snapTuple
	if err := convert(cc.out[0], &snaps); err != nil {
		return nil, err
	}

	trades := make([]domain.TradeSnapshot, 0, len(snaps))
	for _, s := range snaps {
		if s.T == nil || s.S == nil || s.P == nil {
			return nil, fmt.Errorf("%w: getRecentSnaps: missing field", ErrDecode)
		}
		trades = append(trades, domain.TradeSnapshot{
			Timestamp: s.T.Int64(),
			Supply:    s.S.Uint64(),
			Price:     new(big.Int).Set(s.P),
			IsBuy:     s.IsBuy,
			Trader:    s.Trader,
		})
	}
	return trades, nil
}

// ListingMeta reads name(), symbol(), maxSupply(), getImage() and owner() in one batch.
func (c *HTTPClient) ListingMeta(ctx context.Context, listing common.Address) (*domain.ListingMeta, error) {
	name := &contractCall{to: listing, abi: &ListingABI, method: "name"}
	symbol := &contractCall{to: listing, abi: &ListingABI, method: "symbol"}
	supply := &contractCall{to: listing, abi: &ListingABI, method: "maxSupply"}
	image := &contractCall{to: listing, abi: &ListingABI, method: "getImage"}
	owner := &contractCall{to: listing, abi: &ListingABI, method: "owner"}

	if err := c.callContracts(ctx, name, symbol, supply, image, owner); err != nil {
		return nil, err
	}

	meta := &domain.ListingMeta{}
	var err error
	if meta.Name, err = stringOut(name, 0); err != nil {
		return nil, err
	}
	if meta.Symbol, err = stringOut(symbol, 0); err != nil {
		return nil, err
	}
	if meta.MaxSupply, err = uint64Out(supply, 0); err != nil {
		return nil, err
	}
	if meta.Cover, err = stringOut(image, 0); err != nil {
		return nil, err
	}
	if meta.Owner, err = addressOut(owner, 0); err != nil {
		return nil, err
	}
	return meta, nil
}

// AccountBalance calls eth_getBalance at the latest block.
func (c *HTTPClient) AccountBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	var result hexutil.Big
	if err := c.call(ctx, "eth_getBalance", []interface{}{account.Hex(), "latest"}, &result); err != nil {
		return nil, err
	}
	return result.ToInt(), nil
}

// HolderBalance reads balanceOf(holder) on the listing.
func (c *HTTPClient) HolderBalance(ctx context.Context, listing, holder common.Address) (uint64, error) {
	cc := &contractCall{to: listing, abi: &ListingABI, method: "balanceOf", args: []interface{}{holder}}
	if err := c.callContract(ctx, cc); err != nil {
		return 0, err
	}
	return uint64Out(cc, 0)
}

func bigOut(cc *contractCall, i int) (*big.Int, error) {
	if i >= len(cc.out) {
		return nil, fmt.Errorf("%w: %s: missing output %d", ErrDecode, cc.method, i)
	}
	v, ok := cc.out[i].(*big.Int)
	if !ok || v == nil {
		return nil, fmt.Errorf("%w: %s: output %d is %T", ErrDecode, cc.method, i, cc.out[i])
	}
	return v, nil
}

func uint64Out(cc *contractCall, i int) (uint64, error) {
	v, err := bigOut(cc, i)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("%w: %s: output %d overflows uint64", ErrDecode, cc.method, i)
	}
	return v.Uint64(), nil
}

func stringOut(cc *contractCall, i int) (string, error) {
	if i >= len(cc.out) {
		return "", fmt.Errorf("%w: %s: missing output %d", ErrDecode, cc.method, i)
	}
	v, ok := cc.out[i].(string)
	if !ok {
		return "", fmt.Errorf("%w: %s: output %d is %T", ErrDecode, cc.method, i, cc.out[i])
	}
	return v, nil
}

func addressOut(cc *contractCall, i int) (common.Address, error) {
	if i >= len(cc.out) {
		return common.Address{}, fmt.Errorf("%w: %s: missing output %d", ErrDecode, cc.method, i)
	}
	v, ok := cc.out[i].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s: output %d is %T", ErrDecode, cc.method, i, cc.out[i])
	}
	return v, nil
}

// convert copies an ABI-decoded anonymous struct slice into a named type.
func convert(in interface{}, out *[]snapTuple) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrDecode, r)
		}
	}()
	converted, ok := abi.ConvertType(in, out).(*[]snapTuple)
	if !ok {
		return fmt.Errorf("%w: convert snapshots: unexpected type", ErrDecode)
	}
	*out = *converted
	return nil
}
