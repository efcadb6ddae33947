package chain

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// DryRunSubmitter records orders instead of broadcasting them.
// Handles are the keccak hash of the calldata.
type DryRunSubmitter struct {
	log *logrus.Entry

	mu     sync.Mutex
	orders []*Order
}

// Compile-time interface check.
var _ Submitter = (*DryRunSubmitter)(nil)

// NewDryRunSubmitter creates a submitter that only logs.
func NewDryRunSubmitter(log *logrus.Entry) *DryRunSubmitter {
	return &DryRunSubmitter{log: log}
}

// Submit records the order.
func (s *DryRunSubmitter) Submit(_ context.Context, order *Order) (*TxHandle, error) {
	s.mu.Lock()
	s.orders = append(s.orders, order)
	s.mu.Unlock()

	hash := common.BytesToHash(crypto.Keccak256(order.To.Bytes(), order.Data))
	s.log.WithFields(logrus.Fields{
		"kind":  order.Kind,
		"to":    order.To.Hex(),
		"value": order.Value,
		"bound": order.Bound,
		"data":  hexutil.Encode(order.Data),
	}).Info("dry-run order")

	return &TxHandle{Hash: hash}, nil
}

// Orders returns the recorded orders.
func (s *DryRunSubmitter) Orders() []*Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Order, len(s.orders))
	copy(out, s.orders)
	return out
}
