package snapshot

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"exploitscan/pkg/chain"
	"exploitscan/pkg/faults"
)

// CallSpec names one view method to capture, with its arguments.
type CallSpec struct {
	Method string
	Args   []interface{}
}

// InterfaceDescription is the read surface of a contract: a parsed ABI plus
// the concrete calls worth snapshotting.
type InterfaceDescription struct {
	Name  string
	ABI   abi.ABI
	Calls []CallSpec
}

// SnapshotEntry is one captured field. Err is set when the individual call
// reverted or its return data could not be decoded; the rest of the snapshot
// is unaffected.
type SnapshotEntry struct {
	Method string        `json:"method"`
	Args   []interface{} `json:"args,omitempty"`
	Value  interface{}   `json:"value,omitempty"`
	Err    string        `json:"error,omitempty"`
}

// StateSnapshot holds the observable state of one contract at one height.
// Entries follow the order of the interface description, so the same
// address+block always yields an identical snapshot.
type StateSnapshot struct {
	Address common.Address  `json:"address"`
	Block   uint64          `json:"block"`
	Entries []SnapshotEntry `json:"entries"`
}

// Entry returns the entry for method, or nil.
func (s *StateSnapshot) Entry(method string) *SnapshotEntry {
	for i := range s.Entries {
		if s.Entries[i].Method == method {
			return &s.Entries[i]
		}
	}
	return nil
}

// Batcher submits many reads as one height-pinned call. *chain.Multicall
// satisfies it.
type Batcher interface {
	Aggregate(ctx context.Context, calls []chain.Call, block uint64) ([]chain.CallResult, error)
}

// Reader captures contract state atomically: every field in a snapshot comes
// out of a single batched eth_call, so no two entries can straddle a block
// boundary.
type Reader struct {
	batcher Batcher
	log     *logrus.Entry
}

// NewReader builds a snapshot reader over the given batcher.
func NewReader(batcher Batcher, logger *logrus.Logger) *Reader {
	return &Reader{
		batcher: batcher,
		log:     logger.WithField("component", "snapshot"),
	}
}

// Read captures every call in iface against addr at block. Per-call reverts
// and malformed returns become entry-level errors; only a batch-level fault
// (pruned state, dead node) fails the read.
func (r *Reader) Read(ctx context.Context, addr common.Address, iface InterfaceDescription, block uint64) (*StateSnapshot, error) {
	snap := &StateSnapshot{
		Address: addr,
		Block:   block,
		Entries: make([]SnapshotEntry, len(iface.Calls)),
	}

	// Pack up front; a spec that cannot even pack gets an entry error and is
	// excluded from the batch.
	batch := make([]chain.Call, 0, len(iface.Calls))
	batchIdx := make([]int, 0, len(iface.Calls))
	for i, spec := range iface.Calls {
		snap.Entries[i] = SnapshotEntry{Method: spec.Method, Args: spec.Args}

		data, err := iface.ABI.Pack(spec.Method, spec.Args...)
		if err != nil {
			snap.Entries[i].Err = fmt.Sprintf("pack %s: %v", spec.Method, err)
			continue
		}
		batch = append(batch, chain.Call{Target: addr, Data: data})
		batchIdx = append(batchIdx, i)
	}

	if len(batch) == 0 {
		return snap, nil
	}

	results, err := r.batcher.Aggregate(ctx, batch, block)
	if err != nil {
		return nil, fmt.Errorf("snapshot batch for %s at block %d: %w", addr.Hex(), block, faults.AsStateUnavailable(err))
	}
	if len(results) != len(batch) {
		return nil, fmt.Errorf("snapshot batch for %s: %d results for %d calls", addr.Hex(), len(results), len(batch))
	}

	failed := 0
	for pos, result := range results {
		entry := &snap.Entries[batchIdx[pos]]
		if !result.Success {
			entry.Err = fmt.Sprintf("call %s reverted", entry.Method)
			failed++
			continue
		}
		value, err := decodeReturn(iface.ABI, entry.Method, result.ReturnData)
		if err != nil {
			entry.Err = fmt.Sprintf("decode %s: %v", entry.Method, err)
			failed++
			continue
		}
		entry.Value = value
	}

	r.log.WithFields(logrus.Fields{
		"address": addr.Hex(),
		"block":   block,
		"fields":  len(snap.Entries),
		"failed":  failed,
	}).Debug("state snapshot captured")
	return snap, nil
}

// decodeReturn unpacks one call's return data, flattening single-output
// methods to the bare value.
func decodeReturn(contractABI abi.ABI, method string, data []byte) (interface{}, error) {
	values, err := contractABI.Unpack(method, data)
	if err != nil {
		return nil, err
	}
	switch len(values) {
	case 0:
		return nil, nil
	case 1:
		return values[0], nil
	default:
		return values, nil
	}
}

// minimalInterfaceJSON covers the view surface shared by most token-like
// contracts. It is the fallback when no verified ABI can be retrieved.
const minimalInterfaceJSON = `[
	{"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"totalSupply","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"owner","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"paused","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"}
]`

// MinimalInterface returns the built-in fallback interface description.
func MinimalInterface() (InterfaceDescription, error) {
	parsed, err := abi.JSON(strings.NewReader(minimalInterfaceJSON))
	if err != nil {
		return InterfaceDescription{}, fmt.Errorf("parse minimal interface: %w", err)
	}
	desc := InterfaceDescription{Name: "minimal", ABI: parsed}
	for _, method := range []string{"name", "symbol", "decimals", "totalSupply", "owner", "paused"} {
		desc.Calls = append(desc.Calls, CallSpec{Method: method})
	}
	return desc, nil
}

// FromABI builds an interface description that snapshots every zero-argument
// view method of the given ABI, in a stable order.
func FromABI(name string, contractABI abi.ABI) InterfaceDescription {
	desc := InterfaceDescription{Name: name, ABI: contractABI}
	var methods []string
	for methodName, method := range contractABI.Methods {
		if !method.IsConstant() || len(method.Inputs) != 0 || len(method.Outputs) == 0 {
			continue
		}
		methods = append(methods, methodName)
	}
	sort.Strings(methods)
	for _, methodName := range methods {
		desc.Calls = append(desc.Calls, CallSpec{Method: methodName})
	}
	return desc
}
