package domain

import (
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidAddress is returned when a string is not a 20-byte hex address.
var ErrInvalidAddress = errors.New("invalid address")

// ListingSummary is the discovery view of one listing contract.
// Summaries are replaced wholesale on refresh, never patched field by field.
type ListingSummary struct {
	Address      common.Address
	Index        uint64 // factory index the listing was resolved from
	Name         string
	Symbol       string
	Cover        string // image reference (base64 payload or URL)
	MaxSupply    uint64
	Minted       uint64
	Burned       uint64
	CurrentPrice *big.Int // wei
	RefreshedAt  int64    // Unix timestamp in milliseconds
}

// Key returns the normalized address used for identity and deduplication.
func (l *ListingSummary) Key() string {
	return AddressKey(l.Address)
}

// Sold returns the number of units currently outstanding.
func (l *ListingSummary) Sold() uint64 {
	if l.Burned > l.Minted {
		return 0
	}
	return l.Minted - l.Burned
}

// ProgressPct returns sold / maxSupply * 100, or 0 when maxSupply is 0.
func (l *ListingSummary) ProgressPct() float64 {
	return Progress(l.Minted, l.Burned, l.MaxSupply)
}

// IsNew reports whether nothing has been minted yet.
func (l *ListingSummary) IsNew() bool {
	return l.Minted == 0
}

// Clone returns a deep copy.
func (l *ListingSummary) Clone() *ListingSummary {
	if l == nil {
		return nil
	}
	c := *l
	if l.CurrentPrice != nil {
		c.CurrentPrice = new(big.Int).Set(l.CurrentPrice)
	}
	return &c
}

// Progress computes (minted - burned) / maxSupply * 100.
func Progress(minted, burned, maxSupply uint64) float64 {
	if maxSupply == 0 || burned >= minted {
		return 0
	}
	return float64(minted-burned) / float64(maxSupply) * 100
}

// AddressKey lowercases the hex form of an address.
func AddressKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// ParseAddress validates a hex address string.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, ErrInvalidAddress
	}
	return common.HexToAddress(s), nil
}

// NormalizeAddress returns the lowercase key for a hex address string.
func NormalizeAddress(s string) (string, error) {
	addr, err := ParseAddress(s)
	if err != nil {
		return "", err
	}
	return AddressKey(addr), nil
}
