package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const factoryABIJSON = `[
  {"type":"function","name":"nextListingId","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"listings","stateMutability":"view",
   "inputs":[{"name":"","type":"uint256"}],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"createListing","stateMutability":"payable",
   "inputs":[
     {"name":"startPrice","type":"uint256"},
     {"name":"finalPrice","type":"uint256"},
     {"name":"maxSupply","type":"uint256"},
     {"name":"name","type":"string"},
     {"name":"symbol","type":"string"},
     {"name":"image","type":"string"},
     {"name":"initialMint","type":"uint256"}],
   "outputs":[{"name":"","type":"address"}]}
]`

const listingABIJSON = `[
  {"type":"function","name":"listing","stateMutability":"view","inputs":[],
   "outputs":[
     {"name":"currentPrice","type":"uint256"},
     {"name":"totalMinted","type":"uint256"},
     {"name":"totalBurned","type":"uint256"},
     {"name":"imageBase64","type":"string"}]},
  {"type":"function","name":"saleState","stateMutability":"view","inputs":[],
   "outputs":[
     {"name":"price","type":"uint256"},
     {"name":"minted","type":"uint256"},
     {"name":"burned","type":"uint256"},
     {"name":"closed","type":"bool"}]},
  {"type":"function","name":"getRecentSnaps","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"tuple[]","components":[
     {"name":"t","type":"uint256"},
     {"name":"s","type":"uint256"},
     {"name":"p","type":"uint256"},
     {"name":"isBuy","type":"bool"},
     {"name":"trader","type":"address"}]}]},
  {"type":"function","name":"maxSupply","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"name","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"symbol","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"getImage","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"owner","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"mint","stateMutability":"payable",
   "inputs":[{"name":"maxPrice","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"burnLast","stateMutability":"nonpayable",
   "inputs":[{"name":"minPrice","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"withdrawRevenue","stateMutability":"nonpayable","inputs":[],"outputs":[]}
]`

var (
	// FactoryABI is the listing factory interface.
	FactoryABI = mustParseABI(factoryABIJSON)

	// ListingABI is the per-listing contract interface.
	ListingABI = mustParseABI(listingABIJSON)
)

// snapTuple mirrors one element of getRecentSnaps().
type snapTuple struct {
	T      *big.Int
	S      *big.Int
	P      *big.Int
	IsBuy  bool
	Trader common.Address
}

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("parse abi: " + err.Error())
	}
	return parsed
}
