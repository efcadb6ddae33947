package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransient marks network, timeout, throttling and server-side failures
	// that are worth retrying.
	ErrTransient = errors.New("transient rpc failure")

	// ErrNoCode is returned when a call targets an address without contract code.
	// A node behind the chain head reports this for a freshly created listing,
	// so it is retried like a transient failure.
	ErrNoCode = errors.New("no contract code at address")

	// ErrDecode is returned when a call result does not match the ABI.
	ErrDecode = errors.New("decode call result")
)

// codeExecutionReverted is the JSON-RPC error code geth uses for reverts.
const codeExecutionReverted = 3

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// Reverted reports whether the call was rejected by contract execution.
func (e *RPCError) Reverted() bool {
	return e.Code == codeExecutionReverted || strings.Contains(strings.ToLower(e.Message), "execution reverted")
}

func transient(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

// IsRetryable classifies an error from a Reader call. Reverts, decode
// failures and cancellation are final; everything else, missing code
// included, may be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, ErrNoCode) {
		return true
	}
	if errors.Is(err, ErrDecode) {
		return false
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return !rpcErr.Reverted()
	}
	return true
}
