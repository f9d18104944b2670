package harness

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

// defaultExecutor is anvil's first pre-unlocked dev account. Unlocked means
// eth_sendTransaction works without local signing.
var defaultExecutor = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

// AnvilBackend forks the upstream chain by spawning one anvil subprocess per
// fork. Each fork gets an ephemeral port and dies with Discard.
type AnvilBackend struct {
	bin            string
	forkURL        string
	fundWei        *big.Int
	gasLimit       uint64
	startupTimeout time.Duration
	log            *logrus.Entry
}

// NewAnvilBackend configures a subprocess fork backend against forkURL.
func NewAnvilBackend(bin, forkURL string, fundWei *big.Int, gasLimit uint64, startupTimeout time.Duration, logger *logrus.Logger) *AnvilBackend {
	if bin == "" {
		bin = "anvil"
	}
	if fundWei == nil || fundWei.Sign() <= 0 {
		// 100 ether
		fundWei = new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18))
	}
	if gasLimit == 0 {
		gasLimit = 30_000_000
	}
	if startupTimeout <= 0 {
		startupTimeout = 20 * time.Second
	}
	return &AnvilBackend{
		bin:            bin,
		forkURL:        forkURL,
		fundWei:        fundWei,
		gasLimit:       gasLimit,
		startupTimeout: startupTimeout,
		log:            logger.WithField("component", "harness"),
	}
}

// CreateFork starts an anvil subprocess pinned at block, waits for it to
// answer RPC, and funds the executor account.
func (b *AnvilBackend) CreateFork(ctx context.Context, block uint64) (Fork, error) {
	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("allocate fork port: %w", err)
	}

	cmd := exec.Command(b.bin,
		"--port", strconv.Itoa(port),
		"--fork-url", b.forkURL,
		"--fork-block-number", strconv.FormatUint(block, 10),
		"--gas-limit", strconv.FormatUint(b.gasLimit, 10),
		"--silent",
	)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start anvil: %w", err)
	}

	endpoint := fmt.Sprintf("http://127.0.0.1:%d", port)
	rpcClient, err := b.waitReady(ctx, endpoint)
	if err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		return nil, fmt.Errorf("anvil fork at block %d never became ready: %w", block, err)
	}

	fork := &anvilFork{
		cmd:       cmd,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
		executor:  defaultExecutor,
		gasLimit:  b.gasLimit,
		log:       b.log.WithField("fork_block", block),
	}

	if err := rpcClient.CallContext(ctx, nil, "anvil_setBalance", fork.executor, hexutil.EncodeBig(b.fundWei)); err != nil {
		fork.Discard()
		return nil, fmt.Errorf("fund executor: %w", err)
	}

	fork.log.WithField("endpoint", endpoint).Debug("fork ready")
	return fork, nil
}

// waitReady polls the fresh subprocess until it serves eth_chainId.
func (b *AnvilBackend) waitReady(ctx context.Context, endpoint string) (*rpc.Client, error) {
	deadline := time.Now().Add(b.startupTimeout)
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		client, err := rpc.DialContext(ctx, endpoint)
		if err == nil {
			var chainID hexutil.Big
			probeCtx, cancel := context.WithTimeout(ctx, time.Second)
			err = client.CallContext(probeCtx, &chainID, "eth_chainId")
			cancel()
			if err == nil {
				return client, nil
			}
			client.Close()
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("startup timeout: %w", err)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

type anvilFork struct {
	cmd       *exec.Cmd
	rpcClient *rpc.Client
	eth       *ethclient.Client
	executor  common.Address
	gasLimit  uint64
	log       *logrus.Entry

	discard sync.Once
}

func (f *anvilFork) Executor() common.Address {
	return f.executor
}

func (f *anvilFork) Deploy(ctx context.Context, bytecode []byte) (common.Address, error) {
	receipt, err := f.sendAndWait(ctx, nil, bytecode, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("deploy: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return common.Address{}, errors.New("deploy transaction reverted")
	}
	return receipt.ContractAddress, nil
}

func (f *anvilFork) Call(ctx context.Context, to common.Address, data []byte, value *big.Int) (*CallOutcome, error) {
	receipt, err := f.sendAndWait(ctx, &to, data, value)
	if err != nil {
		return nil, err
	}

	outcome := &CallOutcome{
		TxHash:  receipt.TxHash,
		Success: receipt.Status == types.ReceiptStatusSuccessful,
		GasUsed: receipt.GasUsed,
		GasCost: new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), receipt.EffectiveGasPrice),
	}

	if !outcome.Success {
		outcome.RevertReason = f.replayForRevert(ctx, to, data, value)
	}
	return outcome, nil
}

// sendAndWait submits an unsigned transaction from the unlocked executor and
// polls for its receipt.
func (f *anvilFork) sendAndWait(ctx context.Context, to *common.Address, data []byte, value *big.Int) (*types.Receipt, error) {
	args := map[string]interface{}{
		"from": f.executor,
		"data": hexutil.Bytes(data),
		"gas":  hexutil.Uint64(f.gasLimit),
	}
	if to != nil {
		args["to"] = *to
	}
	if value != nil && value.Sign() > 0 {
		args["value"] = hexutil.EncodeBig(value)
	}

	var txHash common.Hash
	if err := f.rpcClient.CallContext(ctx, &txHash, "eth_sendTransaction", args); err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}

	// Anvil mines instantly; the receipt just needs one or two polls.
	for {
		receipt, err := f.eth.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("receipt for %s: %w", txHash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// replayForRevert re-runs a failed transaction as eth_call to recover the
// revert reason the receipt does not carry.
func (f *anvilFork) replayForRevert(ctx context.Context, to common.Address, data []byte, value *big.Int) string {
	msg := ethereum.CallMsg{From: f.executor, To: &to, Data: data, Value: value, Gas: f.gasLimit}
	_, err := f.eth.CallContract(ctx, msg, nil)
	if err == nil {
		return ""
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if raw, ok := dataErr.ErrorData().(string); ok {
			if reason := DecodeRevertOutput(raw); reason != "" {
				return reason
			}
		}
	}
	msgText := err.Error()
	if idx := strings.Index(msgText, "execution reverted: "); idx >= 0 {
		return msgText[idx+len("execution reverted: "):]
	}
	return msgText
}

func (f *anvilFork) StaticCall(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return f.eth.CallContract(ctx, ethereum.CallMsg{From: f.executor, To: &to, Data: data}, nil)
}

func (f *anvilFork) Trace(ctx context.Context, txHash common.Hash) (*CallFrame, error) {
	return TraceTransaction(ctx, f.rpcClient, txHash)
}

func (f *anvilFork) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	return f.eth.BalanceAt(ctx, account, nil)
}

func (f *anvilFork) Discard() {
	f.discard.Do(func() {
		f.rpcClient.Close()
		if f.cmd.Process != nil {
			_ = f.cmd.Process.Kill()
			_ = f.cmd.Wait()
		}
		f.log.Debug("fork discarded")
	})
}
