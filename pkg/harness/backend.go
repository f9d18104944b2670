package harness

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// CallOutcome is the receipt-level result of a state-changing call on a fork.
type CallOutcome struct {
	TxHash       common.Hash
	Success      bool
	GasUsed      uint64
	GasCost      *big.Int // wei actually paid for gas
	ReturnData   []byte
	RevertReason string
}

// ForkBackend creates isolated, disposable chain forks pinned at a height.
// Forks never write back to the upstream node.
type ForkBackend interface {
	CreateFork(ctx context.Context, block uint64) (Fork, error)
}

// Fork is one ephemeral forked chain with a pre-funded executor account.
// Discard must always be called; a discarded fork rejects further use.
type Fork interface {
	// Executor is the funded account every deploy and call is sent from.
	Executor() common.Address

	// Deploy creates a contract from bytecode and returns its address.
	Deploy(ctx context.Context, bytecode []byte) (common.Address, error)

	// Call sends a transaction from the executor.
	Call(ctx context.Context, to common.Address, data []byte, value *big.Int) (*CallOutcome, error)

	// StaticCall performs a read-only eth_call against the fork's head.
	StaticCall(ctx context.Context, to common.Address, data []byte) ([]byte, error)

	// Trace returns the callTracer frame tree of a fork transaction.
	Trace(ctx context.Context, txHash common.Hash) (*CallFrame, error)

	// NativeBalance reads the native-coin balance at the fork's head.
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)

	Discard()
}
