package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/rpcclient"
	"github.com/nspcc-dev/neo-go/pkg/rpcclient/actor"
	"github.com/nspcc-dev/neo-go/pkg/rpcclient/invoker"
	"github.com/nspcc-dev/neo-go/pkg/smartcontract"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/nspcc-dev/neo-go/pkg/vm/stackitem"
	"github.com/nspcc-dev/neo-go/pkg/wallet"

	"github.com/aidchain/orchestrator/internal/logging"
)

// NeoClientConfig configures the Neo N3 RPC backend.
type NeoClientConfig struct {
	RPCURL     string
	NetworkID  uint32
	OracleWIF  string // empty disables writes (§4.1)
	RPCTimeout time.Duration
}

// NeoClient is the Backend implementation talking to a real Neo N3 node via
// neo-go's rpcclient/invoker/actor stack. Reads go through an invoker.Invoker
// (no transaction, no fee); writes go through an actor.Actor bound to the
// oracle wallet.Account, which builds, signs and broadcasts the transaction
// and blocks for confirmation.
type NeoClient struct {
	client  *rpcclient.Client
	inv     *invoker.Invoker
	act     *actor.Actor // nil if no oracle key was provisioned
	account *wallet.Account
	log     logging.Logger
}

// NewNeoClient dials the configured RPC endpoint and, if an oracle key was
// provisioned, prepares the signing actor for writes.
func NewNeoClient(ctx context.Context, cfg NeoClientConfig, log logging.Logger) (*NeoClient, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("ledger: RPC URL required")
	}
	timeout := cfg.RPCTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	c, err := rpcclient.New(ctx, cfg.RPCURL, rpcclient.Options{DialTimeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("ledger: dial rpc: %w", err)
	}
	if err := c.Init(); err != nil {
		return nil, fmt.Errorf("ledger: init rpc: %w", err)
	}

	nc := &NeoClient{
		client: c,
		inv:    invoker.New(c, nil),
		log:    log.WithComponent("ledger.neoclient"),
	}

	if cfg.OracleWIF != "" {
		account, err := wallet.NewAccountFromWIF(cfg.OracleWIF)
		if err != nil {
			return nil, fmt.Errorf("ledger: oracle key: %w", err)
		}
		act, err := actor.NewSimple(c, account)
		if err != nil {
			return nil, fmt.Errorf("ledger: build signer actor: %w", err)
		}
		nc.account = account
		nc.act = act
	} else {
		log.Warn().Msg("ledger: no oracle key provisioned; writes are disabled")
	}

	return nc, nil
}

// InvokeRead implements Backend.
func (c *NeoClient) InvokeRead(ctx context.Context, scriptHash, method string, params []interface{}) (interface{}, error) {
	hash, err := util.Uint160DecodeStringLE(trimHexPrefix(scriptHash))
	if err != nil {
		return nil, newError(ErrKindRevert, "invoke_read", fmt.Errorf("parse script hash: %w", err))
	}

	scParams, err := toScriptParams(params)
	if err != nil {
		return nil, newError(ErrKindRevert, "invoke_read", err)
	}

	result, err := c.inv.Call(hash, method, toAnyParams(scParams)...)
	if err != nil {
		return nil, classifyRPCError("invoke_read", err)
	}
	if result.State != "HALT" {
		return nil, newError(ErrKindRevert, "invoke_read", fmt.Errorf("vm faulted: %s", result.FaultException))
	}
	if len(result.Stack) == 0 {
		return nil, nil
	}
	return stackItemToJSON(result.Stack[len(result.Stack)-1])
}

// InvokeWrite implements Backend.
func (c *NeoClient) InvokeWrite(ctx context.Context, scriptHash, method string, params []interface{}) (string, error) {
	if c.act == nil {
		return "", newError(ErrKindUnavailable, "invoke_write", errors.New("oracle key not provisioned"))
	}

	hash, err := util.Uint160DecodeStringLE(trimHexPrefix(scriptHash))
	if err != nil {
		return "", newError(ErrKindRevert, "invoke_write", fmt.Errorf("parse script hash: %w", err))
	}

	scParams, err := toScriptParams(params)
	if err != nil {
		return "", newError(ErrKindRevert, "invoke_write", err)
	}

	txHash, vub, err := c.act.SendCall(hash, method, toAnyParams(scParams)...)
	if err != nil {
		return "", classifyRPCError("invoke_write", err)
	}

	if _, err := c.act.Wait(txHash, vub, nil); err != nil {
		return "", classifyRPCError("invoke_write_confirm", err)
	}

	return txHash.StringLE(), nil
}

// BlockCount implements Backend.
func (c *NeoClient) BlockCount(ctx context.Context) (uint32, error) {
	n, err := c.client.GetBlockCount()
	if err != nil {
		return 0, classifyRPCError("block_count", err)
	}
	return n, nil
}

// Notifications implements Backend by pulling application logs for every
// block in range. Every notification in those logs is returned, whatever
// contract emitted it; no filtering by script hash happens here. A
// production deployment would prefer a node-side notification filter; the
// per-block scan keeps the client portable across RPC providers that don't
// support one.
func (c *NeoClient) Notifications(ctx context.Context, fromBlock, toBlock uint32) ([]RawEvent, error) {
	var events []RawEvent
	for h := fromBlock; h <= toBlock; h++ {
		blockHash, err := c.client.GetBlockHash(h)
		if err != nil {
			return nil, classifyRPCError("get_block_hash", err)
		}
		appLog, err := c.client.GetApplicationLog(blockHash, nil)
		if err != nil {
			// A block with no executions yields a "not found" style error
			// from some nodes; treat that as zero events, not a fault.
			continue
		}
		for _, exec := range appLog.Executions {
			for _, note := range exec.Events {
				raw, err := json.Marshal(note.Item)
				if err != nil {
					continue
				}
				events = append(events, RawEvent{
					BlockIndex: h,
					TxHash:     appLog.Container.StringLE(),
					ScriptHash: note.ScriptHash.StringLE(),
					EventName:  note.Name,
					State:      raw,
				})
			}
		}
	}
	return events, nil
}

func trimHexPrefix(s string) string {
	if len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func toAnyParams(params []smartcontract.Parameter) []any {
	out := make([]any, len(params))
	for i, p := range params {
		out[i] = p
	}
	return out
}

func toScriptParams(params []interface{}) ([]smartcontract.Parameter, error) {
	out := make([]smartcontract.Parameter, 0, len(params))
	for _, p := range params {
		sp, err := smartcontract.NewParameterFromValue(p)
		if err != nil {
			return nil, fmt.Errorf("encode param: %w", err)
		}
		out = append(out, sp)
	}
	return out, nil
}

// stackItemToJSON converts a VM stack item into a generic JSON-shaped Go
// value, the shape parsers.go expects: integers become decimal strings,
// byte arrays and buffers []byte, arrays and structs slices, booleans bool,
// and Any nil.
func stackItemToJSON(item stackitem.Item) (interface{}, error) {
	switch item.Type() {
	case stackitem.AnyT:
		return nil, nil
	case stackitem.BooleanT:
		v, err := item.TryBool()
		return v, err
	case stackitem.IntegerT:
		v, err := item.TryInteger()
		if err != nil {
			return nil, err
		}
		return v.String(), nil
	case stackitem.ByteArrayT, stackitem.BufferT:
		v, err := item.TryBytes()
		return v, err
	case stackitem.ArrayT, stackitem.StructT:
		items := item.Value().([]stackitem.Item)
		out := make([]interface{}, 0, len(items))
		for _, it := range items {
			v, err := stackItemToJSON(it)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	default:
		v, err := item.TryBytes()
		return v, err
	}
}

// classifyRPCError buckets a raw RPC error into a *ledger.Error kind,
// distinguishing transient network conditions from contract reverts (§4.1,
// §7).
func classifyRPCError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newError(ErrKindTransient, op, err)
	}
	// neo-go surfaces VM faults and node RPC errors as plain errors; a
	// crude heuristic distinguishes a connection-level failure (transient)
	// from an on-chain revert (permanent) via the message shape neo-go
	// nodes use for each.
	msg := err.Error()
	if isTransientMessage(msg) {
		return newError(ErrKindTransient, op, err)
	}
	return newError(ErrKindRevert, op, err)
}

func isTransientMessage(msg string) bool {
	transientSubstrings := []string{
		"timeout", "connection refused", "EOF", "temporary",
		"no such host", "reset by peer", "i/o timeout",
	}
	for _, s := range transientSubstrings {
		if containsFold(msg, s) {
			return true
		}
	}
	return false
}

func containsFold(haystack, needle string) bool {
	hl, nl := len(haystack), len(needle)
	if nl == 0 || nl > hl {
		return nl == 0
	}
	for i := 0; i+nl <= hl; i++ {
		if equalFold(haystack[i:i+nl], needle) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

var _ Backend = (*NeoClient)(nil)
