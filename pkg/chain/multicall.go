package chain

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// tryAggregate tolerates individual call failures so one mismatched field
// cannot poison an otherwise consistent batch.
const multicallABIJSON = `[{
	"inputs": [
		{"name": "requireSuccess", "type": "bool"},
		{"components": [
			{"name": "target", "type": "address"},
			{"name": "callData", "type": "bytes"}
		], "name": "calls", "type": "tuple[]"}
	],
	"name": "tryAggregate",
	"outputs": [
		{"components": [
			{"name": "success", "type": "bool"},
			{"name": "returnData", "type": "bytes"}
		], "name": "returnData", "type": "tuple[]"}
	],
	"stateMutability": "payable",
	"type": "function"
}]`

// Call is one target+calldata pair in a batch.
type Call struct {
	Target common.Address
	Data   []byte
}

// CallResult carries the per-call outcome of a batched read.
type CallResult struct {
	Success    bool
	ReturnData []byte
}

// Multicall batches many reads into a single eth_call pinned at one block, so
// every value in the batch reflects the same height regardless of how the
// node schedules individual requests.
type Multicall struct {
	contract common.Address
	abi      abi.ABI
	reader   Reader
}

// NewMulticall builds a batcher against the given aggregation contract.
func NewMulticall(contract common.Address, reader Reader) (*Multicall, error) {
	parsed, err := abi.JSON(strings.NewReader(multicallABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse multicall ABI: %w", err)
	}
	return &Multicall{contract: contract, abi: parsed, reader: reader}, nil
}

type multicallCall struct {
	Target   common.Address
	CallData []byte
}

type multicallReturn struct {
	Success    bool
	ReturnData []byte
}

// Aggregate submits all calls as one eth_call at the pinned block and returns
// one result per call, in order.
func (m *Multicall) Aggregate(ctx context.Context, calls []Call, block uint64) ([]CallResult, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	packed := make([]multicallCall, len(calls))
	for i, call := range calls {
		packed[i] = multicallCall{Target: call.Target, CallData: call.Data}
	}

	input, err := m.abi.Pack("tryAggregate", false, packed)
	if err != nil {
		return nil, fmt.Errorf("pack tryAggregate: %w", err)
	}

	out, err := m.reader.CallContract(ctx, ethereum.CallMsg{To: &m.contract, Data: input}, block)
	if err != nil {
		return nil, err
	}

	var decoded []multicallReturn
	if err := m.abi.UnpackIntoInterface(&decoded, "tryAggregate", out); err != nil {
		return nil, fmt.Errorf("unpack tryAggregate: %w", err)
	}
	if len(decoded) != len(calls) {
		return nil, fmt.Errorf("multicall returned %d results for %d calls", len(decoded), len(calls))
	}

	results := make([]CallResult, len(decoded))
	for i, ret := range decoded {
		results[i] = CallResult{Success: ret.Success, ReturnData: ret.ReturnData}
	}
	return results, nil
}
