package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
)

// HexUint64 decodes from whatever the node emits for gas fields: a JSON
// number, a 0x-prefixed hex string, or a decimal string. It always marshals
// back as hex.
type HexUint64 uint64

func (h *HexUint64) UnmarshalJSON(data []byte) error {
	var num json.Number
	if err := json.Unmarshal(data, &num); err == nil {
		val, err := num.Int64()
		if err != nil {
			return fmt.Errorf("gas value out of range: %v", err)
		}
		*h = HexUint64(val)
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("gas value is neither number nor string: %v", err)
	}
	if str == "" || str == "0x" {
		*h = 0
		return nil
	}
	if strings.HasPrefix(str, "0x") || strings.HasPrefix(str, "0X") {
		parsed, ok := new(big.Int).SetString(str[2:], 16)
		if !ok || !parsed.IsUint64() {
			return fmt.Errorf("invalid hex gas value: %s", str)
		}
		*h = HexUint64(parsed.Uint64())
		return nil
	}
	val, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid decimal gas value %s: %v", str, err)
	}
	*h = HexUint64(val)
	return nil
}

func (h HexUint64) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", "0x"+strconv.FormatUint(uint64(h), 16))), nil
}

// CallFrame is one node of a callTracer trace.
type CallFrame struct {
	Type         string      `json:"type"`
	From         string      `json:"from"`
	To           string      `json:"to"`
	Value        string      `json:"value,omitempty"`
	Gas          HexUint64   `json:"gas"`
	GasUsed      HexUint64   `json:"gasUsed"`
	Input        string      `json:"input"`
	Output       string      `json:"output,omitempty"`
	Error        string      `json:"error,omitempty"`
	RevertReason string      `json:"revertReason,omitempty"`
	Calls        []CallFrame `json:"calls,omitempty"`
}

// TouchedContracts walks the frame tree and collects every distinct callee
// address, root first.
func (f *CallFrame) TouchedContracts() []common.Address {
	seen := make(map[common.Address]bool)
	var out []common.Address
	var walk func(frame *CallFrame)
	walk = func(frame *CallFrame) {
		if frame.To != "" && common.IsHexAddress(frame.To) {
			addr := common.HexToAddress(frame.To)
			if !seen[addr] {
				seen[addr] = true
				out = append(out, addr)
			}
		}
		for i := range frame.Calls {
			walk(&frame.Calls[i])
		}
	}
	walk(f)
	return out
}

// FirstError returns the deepest-first failure message in the frame tree,
// preferring explicit revert reasons over raw VM errors.
func (f *CallFrame) FirstError() string {
	var found string
	var walk func(frame *CallFrame)
	walk = func(frame *CallFrame) {
		for i := range frame.Calls {
			walk(&frame.Calls[i])
		}
		if found == "" {
			if frame.RevertReason != "" {
				found = frame.RevertReason
			} else if frame.Error != "" {
				if reason := DecodeRevertOutput(frame.Output); reason != "" {
					found = reason
				} else {
					found = frame.Error
				}
			}
		}
	}
	walk(f)
	return found
}

// TraceTransaction fetches the callTracer frame tree for a transaction.
func TraceTransaction(ctx context.Context, rpcClient *rpc.Client, txHash common.Hash) (*CallFrame, error) {
	var frame CallFrame
	err := rpcClient.CallContext(ctx, &frame, "debug_traceTransaction", txHash, map[string]interface{}{
		"tracer": "callTracer",
		"tracerConfig": map[string]interface{}{
			"onlyTopCall": false,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to trace transaction %s: %w", txHash.Hex(), err)
	}
	return &frame, nil
}

// errorStringSelector is the 4-byte prefix of Error(string) revert data.
const errorStringSelector = "08c379a0"

// DecodeRevertOutput extracts the human-readable reason from ABI-encoded
// Error(string) return data. Empty string when the data is not that shape.
func DecodeRevertOutput(output string) string {
	hexData := strings.TrimPrefix(strings.TrimPrefix(output, "0x"), "0X")
	if !strings.HasPrefix(hexData, errorStringSelector) {
		return ""
	}
	raw := common.FromHex(hexData[len(errorStringSelector):])
	// offset word + length word + payload
	if len(raw) < 64 {
		return ""
	}
	strLen := new(big.Int).SetBytes(raw[32:64])
	if !strLen.IsInt64() || strLen.Int64() < 0 || 64+strLen.Int64() > int64(len(raw)) {
		return ""
	}
	return string(raw[64 : 64+strLen.Int64()])
}
