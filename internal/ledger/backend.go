package ledger

import (
	"context"
	"encoding/json"
)

// RawEvent is one decoded notification the poller pulled off a block range,
// before it is mapped into a typed Event (see events.go).
type RawEvent struct {
	BlockIndex  uint32
	TxHash      string
	ScriptHash  string
	EventName   string
	State       json.RawMessage
}

// Backend is the narrow surface the Adapter needs from a concrete chain
// client. Splitting it out of Adapter lets tests substitute a fake without
// wiring a real RPC endpoint, and keeps the neo-go-specific wire plumbing
// (contract parameter encoding, tx signing, application-log polling) out of
// the domain-facing adapter code.
type Backend interface {
	// InvokeRead calls a read-only contract method and returns its decoded
	// return value as a generic JSON tree (already unwrapped from the VM's
	// stack-item representation).
	InvokeRead(ctx context.Context, scriptHash, method string, params []interface{}) (interface{}, error)

	// InvokeWrite signs and broadcasts a state-changing contract call with
	// the process's oracle key, waits for one block of confirmation, and
	// returns the transaction hash. It returns *Error{Kind: ErrKindUnavailable}
	// if no oracle key was provisioned at startup.
	InvokeWrite(ctx context.Context, scriptHash, method string, params []interface{}) (txHash string, err error)

	// BlockCount returns the current chain height.
	BlockCount(ctx context.Context) (uint32, error)

	// Notifications returns the contract notifications emitted in
	// [fromBlock, toBlock], inclusive.
	Notifications(ctx context.Context, fromBlock, toBlock uint32) ([]RawEvent, error)
}
